// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Join is the payload of the mandatory first client -> server RelayMessage
// frame: a bare id. It is itself wire-encoded so it can travel
// inside RelayMessage.Payload without a third frame kind.
type Join struct {
	ID [EndpointIDLen]byte
}

const fieldJoinID = protowire.Number(1)

// MarshalJoin encodes j as a RelayMessage payload.
func MarshalJoin(j *Join) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldJoinID, protowire.BytesType)
	b = protowire.AppendBytes(b, j.ID[:])
	return b
}

// UnmarshalJoin decodes a RelayMessage payload previously produced by
// MarshalJoin.
func UnmarshalJoin(b []byte) (*Join, error) {
	j := &Join{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: bad join tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldJoinID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad join id: %w", protowire.ParseError(n))
			}
			if len(v) != EndpointIDLen {
				return nil, fmt.Errorf("wire: join id must be %d bytes, got %d", EndpointIDLen, len(v))
			}
			copy(j.ID[:], v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("wire: bad join field: %w", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return j, nil
}
