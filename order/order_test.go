// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package order

import (
	"testing"

	"github.com/coinffeine/stepswap/dex"
	"github.com/coinffeine/stepswap/dex/money"
	"github.com/coinffeine/stepswap/exchange"
)

func newTestOrder(total money.BitcoinAmount) *Order {
	price := money.NewFiatAmount(money.EUR, 10, 0)
	return New(dex.NewOrderId(), Bid, total, price, money.EUR)
}

// Scenario 1: no exchanges.
func TestOrderNoExchanges(t *testing.T) {
	o := newTestOrder(10 * money.SatoshiPerBTC)
	if o.Progress() != 0 {
		t.Fatalf("progress = %v, want 0", o.Progress())
	}
	amt := o.Amounts()
	if amt.Exchanged != 0 || amt.Exchanging != 0 || amt.Pending != 10*money.SatoshiPerBTC {
		t.Fatalf("amounts = %+v, want (0, 0, 10 BTC)", amt)
	}
	if o.Status() != NotStarted {
		t.Fatalf("status = %s, want NotStarted", o.Status())
	}
	if !o.ShouldBeOnMarket() {
		t.Fatal("a fresh order with pending > 0 should be on market")
	}
}

// Scenario 2: one half-completed exchange.
func TestOrderHalfCompletedExchange(t *testing.T) {
	o := newTestOrder(10 * money.SatoshiPerBTC)
	exID := dex.NewExchangeId()
	o.exchanges[exID] = exchangeSnapshot{
		bitcoinAmount: 10 * money.SatoshiPerBTC,
		stepCount:     10,
		stepsComplete: 5,
		status:        exchange.Exchanging,
	}
	o.recompute()

	if got := o.Progress(); got != 0.5 {
		t.Fatalf("progress = %v, want 0.5", got)
	}
	amt := o.Amounts()
	if amt.Exchanged != 0 || amt.Exchanging != 10*money.SatoshiPerBTC || amt.Pending != 0 {
		t.Fatalf("amounts = %+v, want (0, 10 BTC, 0)", amt)
	}
	if o.ShouldBeOnMarket() {
		t.Fatal("shouldBeOnMarket must be false while an exchange is running")
	}
}

// Scenario 3: overwrite.
func TestOrderOverwriteExchange(t *testing.T) {
	o := newTestOrder(10 * money.SatoshiPerBTC)
	exID := dex.NewExchangeId()
	o.exchanges[exID] = exchangeSnapshot{
		bitcoinAmount: 10 * money.SatoshiPerBTC, stepCount: 10, stepsComplete: 5, status: exchange.Exchanging,
	}
	o.recompute()
	o.exchanges[exID] = exchangeSnapshot{
		bitcoinAmount: 10 * money.SatoshiPerBTC, stepCount: 10, stepsComplete: 6, status: exchange.Exchanging,
	}
	o.recompute()

	if got := o.Progress(); got != 0.6 {
		t.Fatalf("progress = %v, want 0.6", got)
	}
	if len(o.exchanges) != 1 {
		t.Fatalf("exchanges = %d, want 1 (overwrite in place)", len(o.exchanges))
	}
}

// Scenario 4: mix of a successful exchange and a half-running one.
func TestOrderMixedExchanges(t *testing.T) {
	o := newTestOrder(20 * money.SatoshiPerBTC)
	done := dex.NewExchangeId()
	running := dex.NewExchangeId()
	o.exchanges[done] = exchangeSnapshot{
		bitcoinAmount: 10 * money.SatoshiPerBTC, stepCount: 10, stepsComplete: 10, status: exchange.Successful,
	}
	o.exchanges[running] = exchangeSnapshot{
		bitcoinAmount: 10 * money.SatoshiPerBTC, stepCount: 10, stepsComplete: 5, status: exchange.Exchanging,
	}
	o.recompute()

	if got := o.Progress(); got != 0.75 {
		t.Fatalf("progress = %v, want 0.75", got)
	}
	// Exchanging counts a running exchange's full reserved amount, not a
	// steps-weighted share: pending is the capacity still free for a new
	// match, and a running exchange's reserve isn't available for that
	// regardless of how many of its steps have completed.
	amt := o.Amounts()
	if amt.Exchanged != 10*money.SatoshiPerBTC || amt.Exchanging != 10*money.SatoshiPerBTC || amt.Pending != 0 {
		t.Fatalf("amounts = %+v, want (10, 10, 0) BTC", amt)
	}
}

// Scenario 5: completion.
func TestOrderCompletion(t *testing.T) {
	o := newTestOrder(20 * money.SatoshiPerBTC)
	o.Price = money.NewFiatAmount(money.EUR, 1, 0)
	a := dex.NewExchangeId()
	b := dex.NewExchangeId()
	o.exchanges[a] = exchangeSnapshot{bitcoinAmount: 10 * money.SatoshiPerBTC, stepCount: 1, stepsComplete: 1, status: exchange.Successful}
	o.exchanges[b] = exchangeSnapshot{bitcoinAmount: 10 * money.SatoshiPerBTC, stepCount: 1, stepsComplete: 1, status: exchange.Successful}
	o.recompute()

	if o.Status() != Completed {
		t.Fatalf("status = %s, want Completed", o.Status())
	}
	if o.Progress() != 1 {
		t.Fatalf("progress = %v, want 1", o.Progress())
	}
	amt := o.Amounts()
	if amt.Pending != 0 || amt.Exchanging != 0 {
		t.Fatalf("amounts = %+v, want pending=0 exchanging=0", amt)
	}
}

// Invariant 1: exchanged + exchanging + pending == total_amount, under a
// failed exchange returning its share to pending.
func TestOrderInvariantSumsToTotal(t *testing.T) {
	o := newTestOrder(10 * money.SatoshiPerBTC)
	exID := dex.NewExchangeId()
	o.exchanges[exID] = exchangeSnapshot{bitcoinAmount: 4 * money.SatoshiPerBTC, stepCount: 10, stepsComplete: 3, status: exchange.Failed}
	o.recompute()

	amt := o.Amounts()
	if amt.Exchanged+amt.Exchanging+amt.Pending != o.TotalAmount {
		t.Fatalf("sum = %v, want %v", amt.Exchanged+amt.Exchanging+amt.Pending, o.TotalAmount)
	}
	if amt.Pending != o.TotalAmount {
		t.Fatalf("pending = %v, want full total after a failed exchange returns its share", amt.Pending)
	}
}

// Invariant 5: at most one exchange per ExchangeId.
func TestOrderAtMostOneSnapshotPerExchangeId(t *testing.T) {
	o := newTestOrder(10 * money.SatoshiPerBTC)
	exID := dex.NewExchangeId()
	o.exchanges[exID] = exchangeSnapshot{bitcoinAmount: 1, status: exchange.Handshaking}
	o.exchanges[exID] = exchangeSnapshot{bitcoinAmount: 1, status: exchange.Exchanging}
	if len(o.exchanges) != 1 {
		t.Fatalf("exchanges = %d, want 1", len(o.exchanges))
	}
}

func TestOrderCancelIdempotent(t *testing.T) {
	o := newTestOrder(10 * money.SatoshiPerBTC)
	o.Cancel("user requested")
	o.Cancel("a different reason")
	if o.CancelReason() != "user requested" {
		t.Fatalf("CancelReason = %q, want first reason to stick", o.CancelReason())
	}
	if o.ShouldBeOnMarket() {
		t.Fatal("a cancelled order must never want to be on market")
	}
}
