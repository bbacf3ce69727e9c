// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package order

import (
	"github.com/coinffeine/stepswap/dex"
	"github.com/coinffeine/stepswap/dex/money"
)

// OrderBookEntry is what the submission supervisor republishes to the
// broker for an order that wants to be on market.
type OrderBookEntry struct {
	OrderID  dex.OrderId         `json:"order_id"`
	Side     Side                `json:"side"`
	Amount   money.BitcoinAmount `json:"amount"`
	Price    money.FiatAmount    `json:"price"`
	Currency money.Currency      `json:"currency"`
}

// OrderMatch is what the broker sends to propose a counterpart for (part
// of) an order.
type OrderMatch struct {
	OrderID       dex.OrderId         `json:"order_id"`
	ExchangeID    dex.ExchangeId      `json:"exchange_id"`
	CounterpartID dex.OverlayId       `json:"counterpart_id"`
	BitcoinAmount money.BitcoinAmount `json:"bitcoin_amount"`
	FiatAmount    money.FiatAmount    `json:"fiat_amount"`
}

// RejectionCause enumerates why accept_order_match refused a match.
type RejectionCause uint8

const (
	CauseOrderMismatch RejectionCause = iota
	CauseCurrencyMismatch
	CauseMatchExceedsPending
	CauseCounterpartActive
	CauseCounterpartBlacklisted
	CauseExchangeAlreadyTerminated
)

func (c RejectionCause) String() string {
	switch c {
	case CauseOrderMismatch:
		return "OrderMismatch"
	case CauseCurrencyMismatch:
		return "CurrencyMismatch"
	case CauseMatchExceedsPending:
		return "MatchExceedsPending"
	case CauseCounterpartActive:
		return "CounterpartActive"
	case CauseCounterpartBlacklisted:
		return "CounterpartBlacklisted"
	case CauseExchangeAlreadyTerminated:
		return "ExchangeAlreadyTerminated"
	default:
		return "Unknown"
	}
}

// ExchangeRejection is sent back to the broker when a proposed match is
// refused.
type ExchangeRejection struct {
	ExchangeID dex.ExchangeId `json:"exchange_id"`
	Cause      RejectionCause `json:"cause"`
}
