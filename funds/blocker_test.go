// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package funds

import (
	"context"
	"testing"
	"time"

	"github.com/coinffeine/stepswap/dex"
	"github.com/coinffeine/stepswap/dex/money"
	"github.com/coinffeine/stepswap/exchange"
)

// fakeProcessor lets tests force a payment-processor reservation failure,
// something exchange.FakePaymentProcessor never does.
type fakeProcessor struct {
	failReserve bool
	released    []exchange.ReservationID
}

func (p *fakeProcessor) RetrieveAccountID(ctx context.Context) (string, error) { return "acct", nil }

func (p *fakeProcessor) Reserve(ctx context.Context, amount money.FiatAmount) (exchange.ReservationID, error) {
	if p.failReserve {
		return "", exchange.ErrPaymentProcessorError
	}
	return exchange.ReservationID("proc-res"), nil
}

func (p *fakeProcessor) Release(ctx context.Context, id exchange.ReservationID) error {
	p.released = append(p.released, id)
	return nil
}

func (p *fakeProcessor) Pay(ctx context.Context, step int, amount money.FiatAmount, dest string) (string, error) {
	return "", nil
}

func (p *fakeProcessor) VerifyCredit(ctx context.Context, expected money.FiatAmount, since time.Time) (bool, error) {
	return true, nil
}

type recordingListener struct {
	available   []dex.OrderId
	unavailable []dex.OrderId
}

func (l *recordingListener) AvailableFunds(orderID dex.OrderId, r Reservation) {
	l.available = append(l.available, orderID)
}

func (l *recordingListener) UnavailableFunds(orderID dex.OrderId) {
	l.unavailable = append(l.unavailable, orderID)
}

func TestBlockFundsBothReservationsSucceed(t *testing.T) {
	wallet := &exchange.FakeWallet{Funds: 10 * money.SatoshiPerBTC}
	proc := &fakeProcessor{}
	b := New(wallet, proc, dex.NoopLogger())
	l := &recordingListener{}
	b.AddListener(l)

	orderID := dex.NewOrderId()
	b.BlockFunds(context.Background(), orderID, 5*money.SatoshiPerBTC, money.NewFiatAmount(money.EUR, 50, 0))

	if len(l.available) != 1 || l.available[0] != orderID {
		t.Fatalf("available = %+v, want one entry for %s", l.available, orderID)
	}
	if len(l.unavailable) != 0 {
		t.Fatalf("unavailable = %+v, want none", l.unavailable)
	}
}

func TestBlockFundsWalletFails(t *testing.T) {
	wallet := &exchange.FakeWallet{Funds: 0}
	proc := &fakeProcessor{}
	b := New(wallet, proc, dex.NoopLogger())
	l := &recordingListener{}
	b.AddListener(l)

	orderID := dex.NewOrderId()
	b.BlockFunds(context.Background(), orderID, 5*money.SatoshiPerBTC, money.NewFiatAmount(money.EUR, 50, 0))

	if len(l.unavailable) != 1 {
		t.Fatalf("unavailable = %+v, want one entry", l.unavailable)
	}
	if len(l.available) != 0 {
		t.Fatalf("available = %+v, want none", l.available)
	}
}

// When the payment processor reservation fails after the wallet
// reservation already succeeded, the wallet reservation must be released
// rather than left stranded.
func TestBlockFundsProcessorFailsReleasesWallet(t *testing.T) {
	wallet := &exchange.FakeWallet{Funds: 10 * money.SatoshiPerBTC}
	proc := &fakeProcessor{failReserve: true}
	b := New(wallet, proc, dex.NoopLogger())
	l := &recordingListener{}
	b.AddListener(l)

	orderID := dex.NewOrderId()
	b.BlockFunds(context.Background(), orderID, 5*money.SatoshiPerBTC, money.NewFiatAmount(money.EUR, 50, 0))

	if len(l.unavailable) != 1 {
		t.Fatalf("unavailable = %+v, want one entry", l.unavailable)
	}
	if wallet.Funds != 10*money.SatoshiPerBTC {
		t.Fatalf("wallet.Funds = %v, want the 5 BTC reservation released back", wallet.Funds)
	}
}

func TestUnblockFundsReleasesBoth(t *testing.T) {
	wallet := &exchange.FakeWallet{Funds: 10 * money.SatoshiPerBTC}
	proc := &fakeProcessor{}
	b := New(wallet, proc, dex.NoopLogger())

	ctx := context.Background()
	orderID := dex.NewOrderId()
	b.BlockFunds(ctx, orderID, 5*money.SatoshiPerBTC, money.NewFiatAmount(money.EUR, 50, 0))

	b.UnblockFunds(ctx, orderID)
	if wallet.Funds != 10*money.SatoshiPerBTC {
		t.Fatalf("wallet.Funds = %v, want fully released", wallet.Funds)
	}
	if len(proc.released) != 1 {
		t.Fatalf("processor releases = %d, want 1", len(proc.released))
	}

	// Idempotent: unblocking again is a no-op, not a double release.
	b.UnblockFunds(ctx, orderID)
	if len(proc.released) != 1 {
		t.Fatalf("processor releases after second UnblockFunds = %d, want still 1", len(proc.released))
	}
}

func TestRevokeFundsReEmitsUnavailable(t *testing.T) {
	wallet := &exchange.FakeWallet{Funds: 10 * money.SatoshiPerBTC}
	proc := &fakeProcessor{}
	b := New(wallet, proc, dex.NoopLogger())
	l := &recordingListener{}
	b.AddListener(l)

	orderID := dex.NewOrderId()
	b.BlockFunds(context.Background(), orderID, 5*money.SatoshiPerBTC, money.NewFiatAmount(money.EUR, 50, 0))
	b.RevokeFunds(orderID)

	if len(l.unavailable) != 1 {
		t.Fatalf("unavailable = %+v, want one entry after revocation", l.unavailable)
	}

	// A second revocation of an already-forgotten order must not re-emit.
	b.RevokeFunds(orderID)
	if len(l.unavailable) != 1 {
		t.Fatalf("unavailable = %+v, want still one entry", l.unavailable)
	}
}
