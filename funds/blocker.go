// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package funds implements the funds blocker: the actor that reserves an
// order's (fiat_amount, bitcoin_amount) against the external wallet and
// payment processor before the order is allowed on market, and releases
// both reservations on request or on async revocation.
package funds

import (
	"context"
	"sync"

	"github.com/coinffeine/stepswap/dex"
	"github.com/coinffeine/stepswap/dex/money"
	"github.com/coinffeine/stepswap/exchange"
)

// Listener receives the blocker's outcome for one reservation request.
type Listener interface {
	AvailableFunds(orderID dex.OrderId, reservation Reservation)
	UnavailableFunds(orderID dex.OrderId)
}

// Reservation pairs the wallet and payment-processor reservation ids held
// for one order; UnblockFunds releases both, one after the other.
type Reservation struct {
	WalletID    exchange.ReservationID
	ProcessorID exchange.ReservationID
}

// entry is the blocker's bookkeeping for one order's outstanding
// reservation, kept so UnblockFunds knows what to release. RevokeFunds
// only forgets it.
type entry struct {
	reservation Reservation
	bitcoin     money.BitcoinAmount
	fiat        money.FiatAmount
}

// Blocker reserves and releases funds for many orders concurrently; each
// order's reservation is requested and released independently, so unlike
// exchange.Machine and order.Controller this isn't a single-mailbox actor —
// it's a plain mutex-guarded map, since there's no sequential protocol to
// enforce here, just independent reserve/release pairs per order.
type Blocker struct {
	wallet    exchange.Wallet
	processor exchange.PaymentProcessor
	logger    dex.Logger

	mtx       sync.Mutex
	reserved  map[dex.OrderId]entry
	listeners []Listener
}

// New constructs a Blocker. logger defaults to a discard logger if nil.
func New(wallet exchange.Wallet, processor exchange.PaymentProcessor, logger dex.Logger) *Blocker {
	if logger == nil {
		logger = dex.NoopLogger()
	}
	return &Blocker{
		wallet:    wallet,
		processor: processor,
		logger:    logger,
		reserved:  make(map[dex.OrderId]entry),
	}
}

// AddListener registers l to receive AvailableFunds/UnavailableFunds
// notifications.
func (b *Blocker) AddListener(l Listener) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.listeners = append(b.listeners, l)
}

// BlockFunds asks the wallet and payment processor to reserve bitcoin and
// fiat for orderID, notifying listeners with the outcome. If either
// reservation fails, whichever succeeded is released immediately rather
// than left dangling.
func (b *Blocker) BlockFunds(ctx context.Context, orderID dex.OrderId, bitcoin money.BitcoinAmount, fiat money.FiatAmount) {
	walletID, err := b.wallet.Reserve(ctx, bitcoin)
	if err != nil {
		b.logger.Infof("funds: order %s: wallet reservation failed: %v", orderID, err)
		b.notifyUnavailable(orderID)
		return
	}

	procID, err := b.processor.Reserve(ctx, fiat)
	if err != nil {
		b.logger.Infof("funds: order %s: payment processor reservation failed: %v", orderID, err)
		if relErr := b.wallet.Release(ctx, walletID); relErr != nil {
			b.logger.Warnf("funds: order %s: releasing stranded wallet reservation: %v", orderID, relErr)
		}
		b.notifyUnavailable(orderID)
		return
	}

	reservation := Reservation{WalletID: walletID, ProcessorID: procID}
	b.mtx.Lock()
	b.reserved[orderID] = entry{reservation: reservation, bitcoin: bitcoin, fiat: fiat}
	b.mtx.Unlock()
	b.notifyAvailable(orderID, reservation)
}

// RevokeFunds is called when an already-granted reservation becomes
// invalid asynchronously (e.g. a wallet re-org invalidates the bitcoin
// reservation). It forgets the entry and re-emits UnavailableFunds; it
// does not attempt to release collaborator state that the collaborator
// itself just told us is gone.
func (b *Blocker) RevokeFunds(orderID dex.OrderId) {
	b.mtx.Lock()
	_, had := b.reserved[orderID]
	delete(b.reserved, orderID)
	b.mtx.Unlock()
	if !had {
		return
	}
	b.notifyUnavailable(orderID)
}

// UnblockFunds releases both reservations held for orderID. Idempotent:
// unblocking an order with no outstanding reservation is a no-op.
func (b *Blocker) UnblockFunds(ctx context.Context, orderID dex.OrderId) {
	b.mtx.Lock()
	e, ok := b.reserved[orderID]
	delete(b.reserved, orderID)
	b.mtx.Unlock()
	if !ok {
		return
	}
	if err := b.wallet.Release(ctx, e.reservation.WalletID); err != nil {
		b.logger.Warnf("funds: order %s: release wallet reservation: %v", orderID, err)
	}
	if err := b.processor.Release(ctx, e.reservation.ProcessorID); err != nil {
		b.logger.Warnf("funds: order %s: release payment processor reservation: %v", orderID, err)
	}
}

func (b *Blocker) notifyAvailable(orderID dex.OrderId, r Reservation) {
	for _, l := range b.snapshotListeners() {
		l.AvailableFunds(orderID, r)
	}
}

func (b *Blocker) notifyUnavailable(orderID dex.OrderId) {
	for _, l := range b.snapshotListeners() {
		l.UnavailableFunds(orderID)
	}
}

func (b *Blocker) snapshotListeners() []Listener {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return append([]Listener(nil), b.listeners...)
}
