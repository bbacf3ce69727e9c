// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package order implements the order controller: the actor owning one
// Order and the set of exchanges spawned against it, reacting to broker
// matches and exchange progress and deriving the order's amounts, progress
// and status from its exchanges' snapshots.
package order

import (
	"fmt"

	"github.com/coinffeine/stepswap/dex"
	"github.com/coinffeine/stepswap/dex/money"
	"github.com/coinffeine/stepswap/exchange"
)

// Side is which side of the market an order stands on.
type Side uint8

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "Bid"
	}
	return "Ask"
}

// Status is the order's typed lifecycle state.
type Status uint8

const (
	NotStarted Status = iota
	InMarket
	Offline
	InProgress
	Completed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case InMarket:
		return "InMarket"
	case Offline:
		return "Offline"
	case InProgress:
		return "InProgress"
	case Completed:
		return "Completed"
	case Cancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Amounts is an order's total_amount split three ways. The invariant
// Exchanged + Exchanging + Pending == total_amount holds at every snapshot.
type Amounts struct {
	Exchanged  money.BitcoinAmount
	Exchanging money.BitcoinAmount
	Pending    money.BitcoinAmount
}

// exchangeSnapshot is the order's private copy of an exchange's progress,
// overwritten wholesale on every exchange.Snapshot delivered for its id.
// Re-adding a snapshot for an ExchangeId already present replaces it in
// place rather than merging; keeping steps_completed non-decreasing across
// re-adds is the caller's (the exchange actor's) obligation, not checked
// here.
type exchangeSnapshot struct {
	counterpartID dex.OverlayId
	bitcoinAmount money.BitcoinAmount
	stepCount     int
	stepsComplete int
	status        exchange.Status
}

func (s exchangeSnapshot) running() bool {
	return !s.status.IsTerminal()
}

func (s exchangeSnapshot) successful() bool {
	return s.status == exchange.Successful
}

// fractionComplete is steps_completed/step_count, the partial-progress
// weight a running exchange contributes to its order's progress. It does
// not affect the Exchanging amount, which counts the full reserved amount.
func (s exchangeSnapshot) fractionComplete() (num, den int64) {
	if s.stepCount <= 0 {
		return 0, 1
	}
	return int64(s.stepsComplete), int64(s.stepCount)
}

// Order is one user-created trading intent plus its mutable progression
// state. An Order is owned by exactly one Controller and must not be
// mutated outside it; all of the exported methods here are plain
// computations the controller calls from its single actor goroutine.
type Order struct {
	ID          dex.OrderId
	Side        Side
	TotalAmount money.BitcoinAmount
	Price       money.FiatAmount // per BTC
	Currency    money.Currency

	exchanges map[dex.ExchangeId]exchangeSnapshot

	status         Status
	cancelReason   string
	amounts        Amounts
	progress       float64
	exchangeActive bool // true while any exchange is running, regardless of snapshot contents
}

// New constructs an order with no exchanges yet, status NotStarted.
func New(id dex.OrderId, side Side, total money.BitcoinAmount, price money.FiatAmount, currency money.Currency) *Order {
	return &Order{
		ID:          id,
		Side:        side,
		TotalAmount: total,
		Price:       price,
		Currency:    currency,
		exchanges:   make(map[dex.ExchangeId]exchangeSnapshot),
		status:      NotStarted,
		amounts:     Amounts{Pending: total},
	}
}

// Status reports the order's current status.
func (o *Order) Status() Status { return o.status }

// CancelReason reports why the order was cancelled; empty unless
// Status() == Cancelled.
func (o *Order) CancelReason() string { return o.cancelReason }

// Amounts reports the order's current three-way split.
func (o *Order) Amounts() Amounts { return o.amounts }

// Progress reports the order's fraction complete, in [0, 1].
func (o *Order) Progress() float64 { return o.progress }

// PendingAmount is the amount not yet exchanged or exchanging: what a new
// match may still be accepted against.
func (o *Order) PendingAmount() money.BitcoinAmount { return o.amounts.Pending }

// ShouldBeOnMarket reports whether the order currently wants to be
// submitted to the broker: it has amount left to trade, no exchange is
// presently running against it, and it hasn't reached a terminal status.
func (o *Order) ShouldBeOnMarket() bool {
	return o.amounts.Pending > 0 && !o.exchangeActive && o.status != Completed && o.status != Cancelled
}

// hasActiveExchangeWith reports whether an exchange against counterpart is
// currently running (used by match acceptance rule (d)).
func (o *Order) hasActiveExchangeWith(counterpart dex.OverlayId) bool {
	for _, snap := range o.exchanges {
		if snap.running() && snap.counterpartID == counterpart {
			return true
		}
	}
	return false
}

// hasTerminatedExchange reports whether exchangeID already reached a
// terminal status (used by match acceptance rule (e): a terminated
// exchange id must never be reopened).
func (o *Order) hasTerminatedExchange(exchangeID dex.ExchangeId) bool {
	snap, ok := o.exchanges[exchangeID]
	return ok && snap.status.IsTerminal()
}

// recordExchange inserts or overwrites exchangeID's snapshot and recomputes
// derived state. Returns whether anything observable (status or progress)
// changed.
func (o *Order) recordExchange(exchangeID dex.ExchangeId, snap exchangeSnapshot) (statusChanged, progressChanged bool) {
	o.exchanges[exchangeID] = snap
	return o.recompute()
}

// recompute re-derives amounts, progress, status and exchangeActive from
// the current set of exchange snapshots. Called after every mutation so the
// three stay atomically consistent with each other.
func (o *Order) recompute() (statusChanged, progressChanged bool) {
	prevStatus, prevProgress := o.status, o.progress

	var exchanged, running money.BitcoinAmount
	var exchangingWeighted float64
	active := false
	for _, snap := range o.exchanges {
		if snap.successful() {
			exchanged += snap.bitcoinAmount
			continue
		}
		if snap.running() {
			running += snap.bitcoinAmount
			active = true
			num, den := snap.fractionComplete()
			if den > 0 {
				exchangingWeighted += float64(snap.bitcoinAmount) * (float64(num) / float64(den))
			}
		}
		// Failed/Aborted exchanges contribute nothing to exchanged or
		// running: their reserved share returns to pending.
	}

	pending := o.TotalAmount - exchanged - running
	if pending < 0 {
		pending = 0
	}
	o.amounts = Amounts{Exchanged: exchanged, Exchanging: running, Pending: pending}
	o.exchangeActive = active

	if o.TotalAmount > 0 {
		o.progress = (float64(exchanged) + exchangingWeighted) / float64(o.TotalAmount)
	} else {
		o.progress = 0
	}

	if o.status != Cancelled {
		switch {
		case pending == 0 && running == 0 && len(o.exchanges) > 0:
			o.status = Completed
		case active:
			o.status = InProgress
		case o.status == Completed:
			// once Completed, stays Completed even if recomputed again
		default:
			if o.status != InMarket && o.status != Offline {
				o.status = NotStarted
			}
		}
	}

	return o.status != prevStatus, o.progress != prevProgress
}

// MarkAvailable transitions NotStarted/Offline towards InMarket, the
// caller's signal that funds are reserved and the order may be submitted.
// Returns false if the order has no business going on market right now.
func (o *Order) MarkAvailable() bool {
	if !o.ShouldBeOnMarket() {
		return false
	}
	o.status = InMarket
	return true
}

// MarkOffline transitions the order to Offline, the caller's signal that
// funds are no longer reserved.
func (o *Order) MarkOffline() {
	if o.status == Completed || o.status == Cancelled {
		return
	}
	o.status = Offline
}

// Cancel marks the order Cancelled with reason. Idempotent: cancelling an
// already-cancelled order is a no-op.
func (o *Order) Cancel(reason string) {
	if o.status == Cancelled {
		return
	}
	o.status = Cancelled
	o.cancelReason = reason
}
