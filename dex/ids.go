// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// OrderId opaquely and globally identifies an Order. Orders are created by
// the user, so the id is minted locally.
type OrderId [16]byte

func NewOrderId() OrderId {
	var id OrderId
	copy(id[:], uuid.New()[:])
	return id
}

func (id OrderId) String() string { return uuid.UUID(id).String() }

// ExchangeId opaquely identifies an Exchange. Exchanges are only ever
// created from a broker-issued OrderMatch, which carries the broker's own
// exchange_id; NewExchangeId exists for test fixtures and for orders that
// are rejected before an exchange is ever constructed.
type ExchangeId [16]byte

func NewExchangeId() ExchangeId {
	var id ExchangeId
	copy(id[:], uuid.New()[:])
	return id
}

func (id ExchangeId) String() string { return uuid.UUID(id).String() }

// OverlayId addresses a peer (or the broker) on the relay overlay: a
// 20-byte opaque tag, independent of OrderId/ExchangeId.
type OverlayId [20]byte

// BrokerID is the overlay's well-known fixed address for the broker.
var BrokerID = OverlayId{} // the all-zero id is reserved for the broker

func (id OverlayId) String() string { return hex.EncodeToString(id[:]) }

// IsBroker reports whether id is the broker's well-known address.
func (id OverlayId) IsBroker() bool { return id == BrokerID }
