// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package exchange

import (
	"github.com/coinffeine/stepswap/dex/money"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
)

// PartialTx is a structural stand-in for a co-signed, not-yet-broadcast
// transaction: the handshake's deposit, or one step's release. The wallet
// collaborator (out of scope for this module) is the one that actually builds,
// signs, and broadcasts these; this module only needs to carry them
// between the two peers and identify them by hash once confirmed.
type PartialTx struct {
	Tx        *wire.MsgTx
	Confirmed bool
	Hash      chainhash.Hash
}

// newPlaceholderTx builds a minimally well-formed transaction moving amount
// satoshi, used by the deterministic wallet test double and by handshake
// bookkeeping before the real wallet's signed transaction is available.
func newPlaceholderTx(amount money.BitcoinAmount) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(int64(amount), nil))
	return tx
}

// Deposits holds both parties' funded collateral transactions, fixed once
// the handshake's deposit step completes.
type Deposits struct {
	BuyerTx  *PartialTx
	SellerTx *PartialTx
}

// Ready reports whether both legs of the deposit are confirmed, the
// precondition for transitioning Handshaking -> Exchanging.
func (d *Deposits) Ready() bool {
	return d != nil && d.BuyerTx != nil && d.SellerTx != nil &&
		d.BuyerTx.Confirmed && d.SellerTx.Confirmed
}

// StepRelease is the signed partial transaction unlocking k/N of a
// deposit, exchanged between peers at step k.
type StepRelease struct {
	Step      int
	Tx        *wire.MsgTx
	Confirmed bool
	Hash      chainhash.Hash
}
