package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/coinffeine/stepswap/dex"
	"github.com/coinffeine/stepswap/dex/money"
)

// loopbackPeer forwards every Send directly to the counterpart Machine's
// mailbox, decoding the wire payload first. It stands in for the relay
// overlay in tests that exercise two Machines talking to each other.
type loopbackPeer struct {
	target *Machine
}

func (p *loopbackPeer) Send(ctx context.Context, to dex.OverlayId, payload []byte) error {
	msg, err := DecodePeerMessage(payload)
	if err != nil {
		return err
	}
	p.target.DeliverPeerMessage(ctx, msg)
	return nil
}

type recordingListener struct {
	progress int
	terminal chan Snapshot
}

func newRecordingListener() *recordingListener {
	return &recordingListener{terminal: make(chan Snapshot, 1)}
}

func (l *recordingListener) ExchangeProgress(Snapshot)  { l.progress++ }
func (l *recordingListener) ExchangeSuccess(s Snapshot) { l.terminal <- s }
func (l *recordingListener) ExchangeFailure(s Snapshot) { l.terminal <- s }

func newExchangePair(t *testing.T, steps int) (buyer, seller *Machine, buyerDone, sellerDone *recordingListener) {
	t.Helper()
	exchangeID := dex.NewExchangeId()
	buyerOverlay := dex.OverlayId{1}
	sellerOverlay := dex.OverlayId{2}

	buyerPeer := &loopbackPeer{}
	sellerPeer := &loopbackPeer{}

	buyerWallet := &FakeWallet{Funds: 10_000_000}
	sellerWallet := &FakeWallet{Funds: 10_000_000}
	ledger := NewPaymentLedger()
	buyerProc := NewFakePaymentProcessor("buyer-account", ledger)
	sellerProc := NewFakePaymentProcessor("seller-account", ledger)

	amount := money.BitcoinAmount(4_000_000)
	fiat := money.NewFiatAmount(money.EUR, 400, 0)

	buyerParams := Params{
		ExchangeID: exchangeID, StepCount: steps, BitcoinAmount: amount,
		FiatAmount: fiat, CounterpartID: sellerOverlay, Role: Buyer,
	}
	sellerParams := Params{
		ExchangeID: exchangeID, StepCount: steps, BitcoinAmount: amount,
		FiatAmount: fiat, CounterpartID: buyerOverlay, Role: Seller,
	}

	buyer = New(buyerParams, buyerPeer, buyerWallet, buyerProc, dex.NoopLogger())
	seller = New(sellerParams, sellerPeer, sellerWallet, sellerProc, dex.NoopLogger())
	buyerPeer.target = seller
	sellerPeer.target = buyer

	buyerDone = newRecordingListener()
	sellerDone = newRecordingListener()
	buyer.AddListener(buyerDone)
	seller.AddListener(sellerDone)
	return buyer, seller, buyerDone, sellerDone
}

func TestFullExchangeStepLocked(t *testing.T) {
	const steps = 4
	buyer, seller, buyerDone, sellerDone := newExchangePair(t, steps)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go buyer.Run(ctx)
	go seller.Run(ctx)

	select {
	case snap := <-buyerDone.terminal:
		if snap.Status != Successful {
			t.Fatalf("buyer terminal status = %s, want Successful", snap.Status)
		}
		if snap.StepsCompleted != steps {
			t.Fatalf("buyer StepsCompleted = %d, want %d", snap.StepsCompleted, steps)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for buyer to finish")
	}

	select {
	case snap := <-sellerDone.terminal:
		if snap.Status != Successful {
			t.Fatalf("seller terminal status = %s, want Successful", snap.Status)
		}
		if snap.StepsCompleted != steps {
			t.Fatalf("seller StepsCompleted = %d, want %d", snap.StepsCompleted, steps)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for seller to finish")
	}
}

func TestIdempotentStepRelease(t *testing.T) {
	_, seller, _, _ := newExchangePair(t, 4)
	ctx := context.Background()

	seller.mailbox = make(chan func(), 32)
	seller.status = Exchanging
	seller.local.PaymentAccountID = "seller-account"
	seller.remote.PaymentAccountID = "buyer-account"
	seller.deposits = Deposits{
		BuyerTx:  &PartialTx{Tx: newPlaceholderTx(1000), Confirmed: true},
		SellerTx: &PartialTx{Tx: newPlaceholderTx(1000), Confirmed: true},
	}
	seller.keyPair = &KeyPair{}

	// Credit the ledger so VerifyCredit succeeds.
	fp := seller.proc.(*FakePaymentProcessor)
	fp.ledger.credit("seller-account", money.NewFiatAmount(money.EUR, 100, 0))

	release := &StepRelease{Step: 1, Tx: newPlaceholderTx(250)}
	msg := PeerMessage{ExchangeID: seller.params.ExchangeID, Kind: MsgStepRelease, Step: 1, Release: release}

	seller.handleStepRelease(ctx, msg)
	if seller.stepsCompleted != 1 {
		t.Fatalf("stepsCompleted = %d, want 1 after first delivery", seller.stepsCompleted)
	}

	// Redeliver the same step; must be a no-op rather than re-applying.
	seller.handleStepRelease(ctx, msg)
	if seller.stepsCompleted != 1 {
		t.Fatalf("stepsCompleted = %d, want 1 after duplicate delivery", seller.stepsCompleted)
	}
}

func TestAbortAtStepBoundaryIsTerminal(t *testing.T) {
	buyer, _, buyerDone, _ := newExchangePair(t, 4)
	buyer.mailbox = make(chan func(), 32)
	buyer.status = Exchanging
	buyer.stepsCompleted = 2

	ctx := context.Background()
	buyer.abort(ctx, CauseUserAbort)

	if buyer.status != Aborted {
		t.Fatalf("status = %s, want Aborted", buyer.status)
	}
	select {
	case snap := <-buyerDone.terminal:
		if snap.Cause != CauseUserAbort {
			t.Fatalf("Cause = %s, want UserAbort", snap.Cause)
		}
		if snap.StepsCompleted != 2 {
			t.Fatalf("StepsCompleted = %d, want 2 (bounding loss to (N-k)/N)", snap.StepsCompleted)
		}
	default:
		t.Fatal("expected a terminal event on abort")
	}
}
