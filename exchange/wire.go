// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package exchange

import (
	"bytes"
	"fmt"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/wire"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire field numbers for PeerMessage, encoded the same way relay/wire
// encodes StatusMessage/RelayMessage: protowire primitives, no codegen.
const (
	fieldExchangeID = protowire.Number(1)
	fieldKind       = protowire.Number(2)
	fieldStep       = protowire.Number(3)
	fieldAccountID  = protowire.Number(4)
	fieldPublicKey  = protowire.Number(5)
	fieldTx         = protowire.Number(6)
	fieldConfirmed  = protowire.Number(7)
	fieldHash       = protowire.Number(8)
)

// EncodePeerMessage serializes msg for transport over Peer.Send.
func EncodePeerMessage(msg PeerMessage) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldExchangeID, protowire.BytesType)
	b = protowire.AppendBytes(b, msg.ExchangeID[:])
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.Kind))
	if msg.Step != 0 {
		b = protowire.AppendTag(b, fieldStep, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(msg.Step))
	}
	if msg.Info != nil {
		b = protowire.AppendTag(b, fieldAccountID, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte(msg.Info.PaymentAccountID))
		if msg.Info.PublicKey != nil {
			b = protowire.AppendTag(b, fieldPublicKey, protowire.BytesType)
			b = protowire.AppendBytes(b, msg.Info.PublicKey.SerializeCompressed())
		}
	}
	partial := msg.Deposit
	if partial == nil && msg.Release != nil {
		partial = &PartialTx{Tx: msg.Release.Tx, Confirmed: msg.Release.Confirmed, Hash: msg.Release.Hash}
	}
	if partial != nil {
		var txBuf bytes.Buffer
		if err := partial.Tx.Serialize(&txBuf); err != nil {
			return nil, fmt.Errorf("exchange: serialize tx: %w", err)
		}
		b = protowire.AppendTag(b, fieldTx, protowire.BytesType)
		b = protowire.AppendBytes(b, txBuf.Bytes())
		if partial.Confirmed {
			b = protowire.AppendTag(b, fieldConfirmed, protowire.VarintType)
			b = protowire.AppendVarint(b, 1)
		}
		b = protowire.AppendTag(b, fieldHash, protowire.BytesType)
		b = protowire.AppendBytes(b, partial.Hash[:])
	}
	return b, nil
}

// DecodePeerMessage is the inverse of EncodePeerMessage.
func DecodePeerMessage(b []byte) (PeerMessage, error) {
	var msg PeerMessage
	var accountID string
	var pubKeyBytes []byte
	var txBytes []byte
	var hashBytes []byte
	var confirmed bool

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return msg, fmt.Errorf("exchange: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldExchangeID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return msg, fmt.Errorf("exchange: bad exchange_id: %w", protowire.ParseError(n))
			}
			copy(msg.ExchangeID[:], v)
			b = b[n:]
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return msg, fmt.Errorf("exchange: bad kind: %w", protowire.ParseError(n))
			}
			msg.Kind = PeerMessageKind(v)
			b = b[n:]
		case num == fieldStep && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return msg, fmt.Errorf("exchange: bad step: %w", protowire.ParseError(n))
			}
			msg.Step = int(v)
			b = b[n:]
		case num == fieldAccountID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return msg, fmt.Errorf("exchange: bad account_id: %w", protowire.ParseError(n))
			}
			accountID = string(v)
			b = b[n:]
		case num == fieldPublicKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return msg, fmt.Errorf("exchange: bad public_key: %w", protowire.ParseError(n))
			}
			pubKeyBytes = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldTx && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return msg, fmt.Errorf("exchange: bad tx: %w", protowire.ParseError(n))
			}
			txBytes = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldConfirmed && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return msg, fmt.Errorf("exchange: bad confirmed: %w", protowire.ParseError(n))
			}
			confirmed = v != 0
			b = b[n:]
		case num == fieldHash && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return msg, fmt.Errorf("exchange: bad hash: %w", protowire.ParseError(n))
			}
			hashBytes = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return msg, fmt.Errorf("exchange: bad field: %w", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if accountID != "" || pubKeyBytes != nil {
		info := &PeerInfo{PaymentAccountID: accountID}
		if pubKeyBytes != nil {
			pub, err := secp256k1.ParsePubKey(pubKeyBytes)
			if err != nil {
				return msg, fmt.Errorf("exchange: bad public key: %w", err)
			}
			info.PublicKey = pub
		}
		msg.Info = info
	}

	if txBytes != nil {
		tx := wire.NewMsgTx(wire.TxVersion)
		if err := tx.Deserialize(bytes.NewReader(txBytes)); err != nil {
			return msg, fmt.Errorf("exchange: deserialize tx: %w", err)
		}
		var hash chainhash.Hash
		copy(hash[:], hashBytes)
		partial := &PartialTx{Tx: tx, Confirmed: confirmed, Hash: hash}
		switch msg.Kind {
		case MsgDeposit:
			msg.Deposit = partial
		case MsgStepRelease:
			msg.Release = &StepRelease{Step: msg.Step, Tx: tx, Confirmed: confirmed, Hash: hash}
		}
	}

	return msg, nil
}
