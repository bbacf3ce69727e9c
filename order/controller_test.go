// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package order

import (
	"context"
	"testing"

	"github.com/coinffeine/stepswap/dex"
	"github.com/coinffeine/stepswap/dex/money"
	"github.com/coinffeine/stepswap/exchange"
)

type fakeSpawner struct {
	calls []exchange.Params
}

func (s *fakeSpawner) Spawn(ctx context.Context, params exchange.Params, listener exchange.Listener) {
	s.calls = append(s.calls, params)
}

type fakeBroker struct {
	rejections []ExchangeRejection
}

func (b *fakeBroker) Reject(ctx context.Context, rejection ExchangeRejection) error {
	b.rejections = append(b.rejections, rejection)
	return nil
}

type fakeSubmitter struct {
	submitting map[dex.OrderId]OrderBookEntry
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{submitting: make(map[dex.OrderId]OrderBookEntry)}
}

func (s *fakeSubmitter) KeepSubmitting(entry OrderBookEntry) { s.submitting[entry.OrderID] = entry }
func (s *fakeSubmitter) StopSubmitting(orderID dex.OrderId)  { delete(s.submitting, orderID) }

type fakeListener struct {
	progressCalls int
	statusCalls   int
	finished      []Status
}

func (l *fakeListener) OnProgress(old, new float64)       { l.progressCalls++ }
func (l *fakeListener) OnStatusChanged(old, new Status)   { l.statusCalls++ }
func (l *fakeListener) OnFinish(final Status)             { l.finished = append(l.finished, final) }

func newTestController(t *testing.T) (*Controller, *Order, *fakeSpawner, *fakeBroker, *fakeSubmitter, *fakeListener) {
	t.Helper()
	o := newTestOrder(10 * money.SatoshiPerBTC)
	spawner := &fakeSpawner{}
	broker := &fakeBroker{}
	submitter := newFakeSubmitter()
	listener := &fakeListener{}
	c := NewController(o, Config{StepCount: 10}, spawner, broker, submitter)
	c.AddListener(listener)
	return c, o, spawner, broker, submitter, listener
}

func TestAcceptMatchRules(t *testing.T) {
	c, o, _, _, _, _ := newTestController(t)
	counterpart := dex.OverlayId{9}

	base := OrderMatch{
		OrderID:       o.ID,
		ExchangeID:    dex.NewExchangeId(),
		CounterpartID: counterpart,
		BitcoinAmount: 5 * money.SatoshiPerBTC,
		FiatAmount:    money.NewFiatAmount(money.EUR, 50, 0),
	}

	if cause, already, ok := c.acceptMatch(base); !ok || already {
		t.Fatalf("expected acceptance, got cause=%s already=%v", cause, already)
	}

	wrongOrder := base
	wrongOrder.OrderID = dex.NewOrderId()
	if cause, _, ok := c.acceptMatch(wrongOrder); ok || cause != CauseOrderMismatch {
		t.Fatalf("cause = %s, want CauseOrderMismatch", cause)
	}

	wrongCurrency := base
	wrongCurrency.FiatAmount = money.NewFiatAmount(money.USD, 50, 0)
	if cause, _, ok := c.acceptMatch(wrongCurrency); ok || cause != CauseCurrencyMismatch {
		t.Fatalf("cause = %s, want CauseCurrencyMismatch", cause)
	}

	tooBig := base
	tooBig.BitcoinAmount = 20 * money.SatoshiPerBTC
	if cause, _, ok := c.acceptMatch(tooBig); ok || cause != CauseMatchExceedsPending {
		t.Fatalf("cause = %s, want CauseMatchExceedsPending", cause)
	}
}

func TestHandleMatchAcceptedSpawnsExchangeAndTracksCounterpartActive(t *testing.T) {
	c, o, spawner, _, _, _ := newTestController(t)
	ctx := context.Background()
	counterpart := dex.OverlayId{9}

	m := OrderMatch{
		OrderID: o.ID, ExchangeID: dex.NewExchangeId(), CounterpartID: counterpart,
		BitcoinAmount: 5 * money.SatoshiPerBTC, FiatAmount: money.NewFiatAmount(money.EUR, 50, 0),
	}
	c.HandleMatch(ctx, m)

	if len(spawner.calls) != 1 {
		t.Fatalf("spawned %d exchanges, want 1", len(spawner.calls))
	}
	if got := spawner.calls[0].Role; got != exchange.Buyer {
		t.Fatalf("role = %s, want Buyer for a Bid order", got)
	}
	if !o.hasActiveExchangeWith(counterpart) {
		t.Fatal("expected an active exchange against the counterpart right after spawn")
	}

	// Rule (d): a second match against the same counterpart while the
	// first is still running must be rejected, not spawned.
	second := OrderMatch{
		OrderID: o.ID, ExchangeID: dex.NewExchangeId(), CounterpartID: counterpart,
		BitcoinAmount: 1 * money.SatoshiPerBTC, FiatAmount: money.NewFiatAmount(money.EUR, 10, 0),
	}
	c.HandleMatch(ctx, second)
	if len(spawner.calls) != 1 {
		t.Fatalf("spawned %d exchanges, want still 1 (counterpart active)", len(spawner.calls))
	}
}

func TestHandleMatchRejectedNotifiesBroker(t *testing.T) {
	c, o, spawner, broker, _, _ := newTestController(t)
	ctx := context.Background()

	m := OrderMatch{
		OrderID: dex.NewOrderId(), ExchangeID: dex.NewExchangeId(), CounterpartID: dex.OverlayId{1},
		BitcoinAmount: 1, FiatAmount: money.NewFiatAmount(money.EUR, 10, 0),
	}
	c.HandleMatch(ctx, m)

	if len(spawner.calls) != 0 {
		t.Fatalf("spawned %d exchanges, want 0", len(spawner.calls))
	}
	if len(broker.rejections) != 1 || broker.rejections[0].Cause != CauseOrderMismatch {
		t.Fatalf("rejections = %+v, want one CauseOrderMismatch", broker.rejections)
	}
	_ = o
}

func TestExchangeSuccessCompletesOrderAndStopsSubmission(t *testing.T) {
	c, o, _, _, submitter, listener := newTestController(t)
	exID := dex.NewExchangeId()
	o.exchanges[exID] = exchangeSnapshot{bitcoinAmount: 10 * money.SatoshiPerBTC, stepCount: 4, status: exchange.Handshaking}
	o.recompute()
	submitter.KeepSubmitting(OrderBookEntry{OrderID: o.ID})

	c.ExchangeSuccess(exchange.Snapshot{ExchangeID: exID, Status: exchange.Successful, StepsCompleted: 4, StepCount: 4})

	if o.Status() != Completed {
		t.Fatalf("status = %s, want Completed", o.Status())
	}
	if _, stillSubmitting := submitter.submitting[o.ID]; stillSubmitting {
		t.Fatal("submission must stop once the order completes")
	}
	if len(listener.finished) != 1 || listener.finished[0] != Completed {
		t.Fatalf("finished = %+v, want exactly one Completed", listener.finished)
	}
}

func TestProtocolViolationBlacklistsCounterpart(t *testing.T) {
	c, o, _, _, _, _ := newTestController(t)
	counterpart := dex.OverlayId{7}
	exID := dex.NewExchangeId()
	o.exchanges[exID] = exchangeSnapshot{counterpartID: counterpart, bitcoinAmount: 5 * money.SatoshiPerBTC, stepCount: 4, status: exchange.Exchanging}
	o.recompute()

	c.ExchangeFailure(exchange.Snapshot{ExchangeID: exID, Status: exchange.Failed, Cause: exchange.CauseProtocolViolation})

	if !c.blacklist.contains(counterpart) {
		t.Fatal("a ProtocolViolation failure must blacklist its counterpart")
	}

	m := OrderMatch{
		OrderID: o.ID, ExchangeID: dex.NewExchangeId(), CounterpartID: counterpart,
		BitcoinAmount: 1 * money.SatoshiPerBTC, FiatAmount: money.NewFiatAmount(money.EUR, 10, 0),
	}
	if cause, _, ok := c.acceptMatch(m); ok || cause != CauseCounterpartBlacklisted {
		t.Fatalf("cause = %s, want CauseCounterpartBlacklisted", cause)
	}
}

func TestCancelWithNoRunningExchangeFinishesImmediately(t *testing.T) {
	c, o, _, _, _, listener := newTestController(t)
	ctx := context.Background()
	c.Cancel(ctx, "user requested")

	if o.Status() != Cancelled {
		t.Fatalf("status = %s, want Cancelled", o.Status())
	}
	if len(listener.finished) != 1 || listener.finished[0] != Cancelled {
		t.Fatalf("finished = %+v, want exactly one Cancelled", listener.finished)
	}

	// Idempotent: cancelling again must not fire on_finish twice.
	c.Cancel(ctx, "a different reason")
	if len(listener.finished) != 1 {
		t.Fatalf("finished = %+v, want still exactly one entry", listener.finished)
	}
}

func TestNetworkSizeGatesSubmission(t *testing.T) {
	c, o, _, _, submitter, _ := newTestController(t)
	ctx := context.Background()

	c.FundsAvailable(ctx)
	if _, submitting := submitter.submitting[o.ID]; !submitting {
		t.Fatal("expected submission once funds are available and connected")
	}

	c.NetworkSize(1)
	if _, submitting := submitter.submitting[o.ID]; submitting {
		t.Fatal("expected submission to stop once network_size drops to 1")
	}

	c.NetworkSize(3)
	if _, submitting := submitter.submitting[o.ID]; !submitting {
		t.Fatal("expected submission to resume once connectivity returns")
	}
}
