// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package wire implements the relay overlay's wire format: length-prefixed
// TCP frames carrying one of two protobuf-encoded bodies, StatusMessage and
// RelayMessage. Bodies are encoded field-by-field with
// google.golang.org/protobuf/encoding/protowire rather than through
// generated types — see DESIGN.md for why.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// EndpointIDLen is the fixed size of a RelayMessage endpoint id.
const EndpointIDLen = 20

// FrameKind distinguishes the two body schemas multiplexed over one TCP
// stream.
type FrameKind uint8

const (
	KindStatus FrameKind = iota
	KindRelay
)

// maxFrameLen bounds a single frame so a corrupt or hostile length prefix
// can't cause an unbounded allocation.
const maxFrameLen = 1 << 20

// StatusMessage is broadcast server -> client on every membership change.
type StatusMessage struct {
	NetworkSize uint32
}

// RelayMessage carries one peer's payload to another, or (when EndpointID is
// the broker's well-known id on the way in) addresses the broker. The
// server rewrites EndpointID to the true source when forwarding.
type RelayMessage struct {
	EndpointID [EndpointIDLen]byte
	Payload    []byte
}

const (
	fieldStatusNetworkSize = protowire.Number(1)
	fieldRelayEndpointID   = protowire.Number(1)
	fieldRelayPayload      = protowire.Number(2)
)

func (m *StatusMessage) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldStatusNetworkSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.NetworkSize))
	return b
}

func unmarshalStatus(b []byte) (*StatusMessage, error) {
	m := &StatusMessage{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad status tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldStatusNetworkSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad status varint: %w", protowire.ParseError(n))
			}
			m.NetworkSize = uint32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad status field: %w", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}

func (m *RelayMessage) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldRelayEndpointID, protowire.BytesType)
	b = protowire.AppendBytes(b, m.EndpointID[:])
	b = protowire.AppendTag(b, fieldRelayPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Payload)
	return b
}

func unmarshalRelay(b []byte) (*RelayMessage, error) {
	m := &RelayMessage{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad relay tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldRelayEndpointID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad relay endpoint_id: %w", protowire.ParseError(n))
			}
			if len(v) != EndpointIDLen {
				return nil, fmt.Errorf("wire: endpoint_id must be %d bytes, got %d", EndpointIDLen, len(v))
			}
			copy(m.EndpointID[:], v)
			b = b[n:]
		case num == fieldRelayPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad relay payload: %w", protowire.ParseError(n))
			}
			m.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad relay field: %w", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}

// Frame is one length-prefixed unit on the wire: a kind tag, a one-byte kind
// discriminator, followed by the marshaled body.
type Frame struct {
	Kind   FrameKind
	Status *StatusMessage
	Relay  *RelayMessage
}

// WriteFrame writes [u32 big-endian length][kind byte][body] to w.
func WriteFrame(w io.Writer, f *Frame) error {
	var body []byte
	switch f.Kind {
	case KindStatus:
		if f.Status == nil {
			return fmt.Errorf("wire: nil StatusMessage")
		}
		body = f.Status.marshal()
	case KindRelay:
		if f.Relay == nil {
			return fmt.Errorf("wire: nil RelayMessage")
		}
		body = f.Relay.marshal()
	default:
		return fmt.Errorf("wire: unknown frame kind %d", f.Kind)
	}

	payload := make([]byte, 1+len(body))
	payload[0] = byte(f.Kind)
	copy(payload[1:], body)

	if len(payload) > maxFrameLen {
		return fmt.Errorf("wire: frame too large: %d bytes", len(payload))
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(payload)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n == 0 {
		return nil, fmt.Errorf("wire: empty frame")
	}
	if n > maxFrameLen {
		return nil, fmt.Errorf("wire: frame too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	kind := FrameKind(payload[0])
	body := payload[1:]
	switch kind {
	case KindStatus:
		m, err := unmarshalStatus(body)
		if err != nil {
			return nil, err
		}
		return &Frame{Kind: KindStatus, Status: m}, nil
	case KindRelay:
		m, err := unmarshalRelay(body)
		if err != nil {
			return nil, err
		}
		return &Frame{Kind: KindRelay, Relay: m}, nil
	default:
		return nil, fmt.Errorf("wire: unknown frame kind %d", kind)
	}
}
