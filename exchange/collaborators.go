// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package exchange

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/coinffeine/stepswap/dex/money"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/sony/gobreaker"
)

// PeerInfo is what each side announces to the other during the handshake
// during the handshake: a payment account id and a fresh public key.
type PeerInfo struct {
	PaymentAccountID string
	PublicKey        *secp256k1.PublicKey
}

// KeyPair is the Wallet collaborator's answer to CreateKeyPair.
type KeyPair struct {
	Private *secp256k1.PrivateKey
	Public  *secp256k1.PublicKey
}

// ReservationID identifies a funds reservation held by the wallet or the
// payment processor.
type ReservationID string

// TxHash is an opaque broadcast transaction identifier.
type TxHash string

// WalletError/PaymentProcessorError are the typed causes recorded for
// collaborator failures surfaced to an exchange.
var (
	ErrWalletError           = fmt.Errorf("exchange: wallet error")
	ErrPaymentProcessorError = fmt.Errorf("exchange: payment processor error")
	ErrNotEnoughFunds        = fmt.Errorf("exchange: not enough funds")
)

// Wallet is the external bitcoin wallet/network collaborator.
// UTXO selection, signing, and broadcast are out of scope for this module;
// only the contract is specified here, implemented by an injectable
// collaborator the controller talks to via ask-reply.
type Wallet interface {
	CreateKeyPair(ctx context.Context) (*KeyPair, error)
	Reserve(ctx context.Context, amount money.BitcoinAmount) (ReservationID, error)
	Release(ctx context.Context, id ReservationID) error
	SignPartial(ctx context.Context, tx *PartialTx, key *secp256k1.PrivateKey) (*PartialTx, error)
	Broadcast(ctx context.Context, tx *PartialTx) (TxHash, error)
	Transfer(ctx context.Context, amount money.BitcoinAmount, address string) (TxHash, error)
}

// PaymentProcessor is the external fiat payment collaborator.
type PaymentProcessor interface {
	RetrieveAccountID(ctx context.Context) (string, error)
	Reserve(ctx context.Context, amount money.FiatAmount) (ReservationID, error)
	Release(ctx context.Context, id ReservationID) error
	Pay(ctx context.Context, step int, amount money.FiatAmount, destinationAccount string) (string, error)
	VerifyCredit(ctx context.Context, expected money.FiatAmount, since time.Time) (bool, error)
}

// breakerSettings matches dcrdex's conservative defaults for external
// service calls: trip after a handful of consecutive failures, half-open
// shortly after to probe recovery.
func breakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
}

// GuardedWallet wraps a Wallet with a circuit breaker so a flapping wallet
// collaborator fails fast instead of hanging the exchange actor's ask-reply
// round trips.
type GuardedWallet struct {
	inner   Wallet
	breaker *gobreaker.CircuitBreaker
}

func NewGuardedWallet(inner Wallet) *GuardedWallet {
	return &GuardedWallet{inner: inner, breaker: gobreaker.NewCircuitBreaker(breakerSettings("wallet"))}
}

func (g *GuardedWallet) CreateKeyPair(ctx context.Context) (*KeyPair, error) {
	v, err := g.breaker.Execute(func() (interface{}, error) { return g.inner.CreateKeyPair(ctx) })
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWalletError, err)
	}
	return v.(*KeyPair), nil
}

func (g *GuardedWallet) Reserve(ctx context.Context, amount money.BitcoinAmount) (ReservationID, error) {
	v, err := g.breaker.Execute(func() (interface{}, error) { return g.inner.Reserve(ctx, amount) })
	if err != nil {
		return "", err // NotEnoughFunds must not be masked as ErrWalletError
	}
	return v.(ReservationID), nil
}

func (g *GuardedWallet) Release(ctx context.Context, id ReservationID) error {
	_, err := g.breaker.Execute(func() (interface{}, error) { return nil, g.inner.Release(ctx, id) })
	return err
}

func (g *GuardedWallet) SignPartial(ctx context.Context, tx *PartialTx, key *secp256k1.PrivateKey) (*PartialTx, error) {
	v, err := g.breaker.Execute(func() (interface{}, error) { return g.inner.SignPartial(ctx, tx, key) })
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWalletError, err)
	}
	return v.(*PartialTx), nil
}

func (g *GuardedWallet) Broadcast(ctx context.Context, tx *PartialTx) (TxHash, error) {
	v, err := g.breaker.Execute(func() (interface{}, error) { return g.inner.Broadcast(ctx, tx) })
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrWalletError, err)
	}
	return v.(TxHash), nil
}

func (g *GuardedWallet) Transfer(ctx context.Context, amount money.BitcoinAmount, address string) (TxHash, error) {
	v, err := g.breaker.Execute(func() (interface{}, error) { return g.inner.Transfer(ctx, amount, address) })
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrWalletError, err)
	}
	return v.(TxHash), nil
}

// GuardedPaymentProcessor wraps a PaymentProcessor with a circuit breaker,
// the same way GuardedWallet guards Wallet: a flapping payment rail fails
// fast instead of hanging the exchange actor's ask-reply round trips.
type GuardedPaymentProcessor struct {
	inner   PaymentProcessor
	breaker *gobreaker.CircuitBreaker
}

func NewGuardedPaymentProcessor(inner PaymentProcessor) *GuardedPaymentProcessor {
	return &GuardedPaymentProcessor{inner: inner, breaker: gobreaker.NewCircuitBreaker(breakerSettings("payment-processor"))}
}

func (g *GuardedPaymentProcessor) RetrieveAccountID(ctx context.Context) (string, error) {
	v, err := g.breaker.Execute(func() (interface{}, error) { return g.inner.RetrieveAccountID(ctx) })
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPaymentProcessorError, err)
	}
	return v.(string), nil
}

func (g *GuardedPaymentProcessor) Reserve(ctx context.Context, amount money.FiatAmount) (ReservationID, error) {
	v, err := g.breaker.Execute(func() (interface{}, error) { return g.inner.Reserve(ctx, amount) })
	if err != nil {
		return "", err // NotEnoughFunds must not be masked as ErrPaymentProcessorError
	}
	return v.(ReservationID), nil
}

func (g *GuardedPaymentProcessor) Release(ctx context.Context, id ReservationID) error {
	_, err := g.breaker.Execute(func() (interface{}, error) { return nil, g.inner.Release(ctx, id) })
	return err
}

func (g *GuardedPaymentProcessor) Pay(ctx context.Context, step int, amount money.FiatAmount, destinationAccount string) (string, error) {
	v, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.Pay(ctx, step, amount, destinationAccount)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPaymentProcessorError, err)
	}
	return v.(string), nil
}

func (g *GuardedPaymentProcessor) VerifyCredit(ctx context.Context, expected money.FiatAmount, since time.Time) (bool, error) {
	v, err := g.breaker.Execute(func() (interface{}, error) { return g.inner.VerifyCredit(ctx, expected, since) })
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPaymentProcessorError, err)
	}
	return v.(bool), nil
}

// FakeWallet is a deterministic in-memory Wallet used by tests: it hands out
// real keys but settles deposits instantly with placeholder transactions,
// never touching a real chain.
type FakeWallet struct {
	Funds money.BitcoinAmount

	mtx          sync.Mutex
	reservations map[ReservationID]money.BitcoinAmount
}

func (f *FakeWallet) CreateKeyPair(ctx context.Context) (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Public: priv.PubKey()}, nil
}

func (f *FakeWallet) Reserve(ctx context.Context, amount money.BitcoinAmount) (ReservationID, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if amount > f.Funds {
		return "", ErrNotEnoughFunds
	}
	f.Funds -= amount
	id := ReservationID(randomID())
	if f.reservations == nil {
		f.reservations = make(map[ReservationID]money.BitcoinAmount)
	}
	f.reservations[id] = amount
	return id, nil
}

// Release returns a previously reserved amount to Funds. Releasing an
// unknown id (already released, or never reserved through this instance)
// is a no-op rather than an error.
func (f *FakeWallet) Release(ctx context.Context, id ReservationID) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	amount, ok := f.reservations[id]
	if !ok {
		return nil
	}
	delete(f.reservations, id)
	f.Funds += amount
	return nil
}

func (f *FakeWallet) SignPartial(ctx context.Context, tx *PartialTx, key *secp256k1.PrivateKey) (*PartialTx, error) {
	signed := *tx
	signed.Hash = signed.Tx.TxHash()
	return &signed, nil
}

func (f *FakeWallet) Broadcast(ctx context.Context, tx *PartialTx) (TxHash, error) {
	confirmed := *tx
	confirmed.Confirmed = true
	*tx = confirmed
	return TxHash(tx.Hash.String()), nil
}

func (f *FakeWallet) Transfer(ctx context.Context, amount money.BitcoinAmount, address string) (TxHash, error) {
	return TxHash(randomID()), nil
}

func randomID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%x", b)
}

// PaymentLedger is the shared backing store two FakePaymentProcessor
// instances settle against in tests, standing in for the external payment
// rail both sides' real payment processor clients would actually talk to.
// Without it, a buyer's Pay and a seller's VerifyCredit would touch
// unrelated in-memory state and verification would always fail.
type PaymentLedger struct {
	mtx      sync.Mutex
	credited map[string]money.FiatAmount
}

func NewPaymentLedger() *PaymentLedger {
	return &PaymentLedger{credited: make(map[string]money.FiatAmount)}
}

func (l *PaymentLedger) credit(account string, amount money.FiatAmount) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if cur, ok := l.credited[account]; ok && cur.SameCurrency(amount) {
		l.credited[account] = cur.Add(amount)
		return
	}
	l.credited[account] = amount
}

func (l *PaymentLedger) balance(account string) (money.FiatAmount, bool) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	amt, ok := l.credited[account]
	return amt, ok
}

// FakePaymentProcessor is the deterministic test double for PaymentProcessor,
// settling payments against a shared PaymentLedger rather than its own
// isolated state.
type FakePaymentProcessor struct {
	AccountID string
	ledger    *PaymentLedger
}

func NewFakePaymentProcessor(accountID string, ledger *PaymentLedger) *FakePaymentProcessor {
	return &FakePaymentProcessor{AccountID: accountID, ledger: ledger}
}

func (f *FakePaymentProcessor) RetrieveAccountID(ctx context.Context) (string, error) {
	return f.AccountID, nil
}

func (f *FakePaymentProcessor) Reserve(ctx context.Context, amount money.FiatAmount) (ReservationID, error) {
	return ReservationID(randomID()), nil
}

func (f *FakePaymentProcessor) Release(ctx context.Context, id ReservationID) error { return nil }

func (f *FakePaymentProcessor) Pay(ctx context.Context, step int, amount money.FiatAmount, destinationAccount string) (string, error) {
	f.ledger.credit(destinationAccount, amount)
	return randomID(), nil
}

func (f *FakePaymentProcessor) VerifyCredit(ctx context.Context, expected money.FiatAmount, since time.Time) (bool, error) {
	amt, ok := f.ledger.balance(f.AccountID)
	if !ok || !amt.SameCurrency(expected) {
		return false, nil
	}
	return amt.Units >= expected.Units, nil
}
