// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/coinffeine/stepswap/dex"
	"github.com/coinffeine/stepswap/dex/money"
	"github.com/decred/dcrd/chaincfg/chainhash"
)

// Params fixes an exchange's construction-time parameters. They never
// change for the life of the exchange.
type Params struct {
	ExchangeID    dex.ExchangeId
	StepCount     int // N >= 1
	BitcoinAmount money.BitcoinAmount
	FiatAmount    money.FiatAmount
	CounterpartID dex.OverlayId
	Role          Role

	HandshakeTimeout time.Duration
	StepTimeout      time.Duration
}

// Snapshot is the immutable view of an exchange's progress handed to
// ExchangeProgress/ExchangeSuccess/ExchangeFailure listeners.
type Snapshot struct {
	ExchangeID     dex.ExchangeId
	Status         Status
	Cause          Cause
	StepsCompleted int
	StepCount      int
	Local          PeerInfo
	Remote         PeerInfo
}

// Listener receives progress and terminal events. Implementations must not
// block the exchange's mailbox goroutine for long; callers should buffer
// and flush asynchronously if the handler itself does I/O.
type Listener interface {
	ExchangeProgress(Snapshot)
	ExchangeSuccess(Snapshot)
	ExchangeFailure(Snapshot)
}

// Peer is the minimal outbound messaging contract an exchange needs from
// the relay overlay: send a payload to the counterpart, addressed by
// OverlayId.
type Peer interface {
	Send(ctx context.Context, to dex.OverlayId, payload []byte) error
}

// stepRecord is the idempotence ledger entry for one committed step.
type stepRecord struct {
	committed bool
	release   *StepRelease
}

// Machine drives one matched counterparty pair through handshake, deposit,
// and the N-step release protocol. Each Machine owns a single mailbox
// goroutine; every exported method posts a message and returns its result,
// so internal state is only ever touched from that one goroutine.
type Machine struct {
	params Params
	peer   Peer
	wallet Wallet
	proc   PaymentProcessor
	logger dex.Logger

	mailbox chan func()
	wg      sync.WaitGroup

	listenersMtx sync.Mutex
	listeners    []Listener

	// Fields below are only ever touched from the mailbox goroutine.
	status         Status
	cause          Cause
	local          PeerInfo
	remote         PeerInfo
	deposits       Deposits
	stepsCompleted int
	steps          map[int]*stepRecord

	keyPair *KeyPair
	store   *Store
}

// SetStore attaches a Store the machine checkpoints progress to on every
// progress and terminal event. The machine never reads the checkpoint back:
// Params carries no starting step, so a new Machine always begins with the
// handshake at step 0.
func (m *Machine) SetStore(store *Store) {
	m.store = store
}

func (m *Machine) checkpoint() {
	if m.store == nil {
		return
	}
	if err := m.store.SaveProgress(m.params.ExchangeID, m.stepsCompleted, m.status, time.Now().Unix()); err != nil {
		m.logger.Warnf("exchange %s: checkpoint failed: %v", m.params.ExchangeID, err)
	}
}

// New constructs a Machine in NonStarted status. Run must be called to
// start its mailbox goroutine before any method does useful work.
func New(params Params, peer Peer, wallet Wallet, proc PaymentProcessor, logger dex.Logger) *Machine {
	if logger == nil {
		logger = dex.NoopLogger()
	}
	return &Machine{
		params: params,
		peer:   peer,
		wallet: wallet,
		proc:   proc,
		logger: logger,
		status: NonStarted,
		steps:  make(map[int]*stepRecord),
	}
}

// AddListener registers l to receive future progress/terminal events. Not
// safe to call concurrently with Run's internal dispatch, so callers should
// register listeners before calling Run.
func (m *Machine) AddListener(l Listener) {
	m.listenersMtx.Lock()
	defer m.listenersMtx.Unlock()
	m.listeners = append(m.listeners, l)
}

// Run starts the mailbox goroutine and immediately begins the handshake.
// It returns once ctx is canceled or the exchange reaches a terminal
// status; cmd/peer's exchangeSpawner runs it in a goroutine of its own.
func (m *Machine) Run(ctx context.Context) {
	m.mailbox = make(chan func(), 32)
	m.wg.Add(1)
	go m.loop(ctx)
	m.post(func() { m.startHandshake(ctx) })
	m.wg.Wait()
}

// loop is the single goroutine that owns all exchange state. Every message
// handler it runs is synchronous and bounded, so the actor never blocks
// indefinitely on external I/O while holding the mailbox.
func (m *Machine) loop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case fn, ok := <-m.mailbox:
			if !ok {
				return
			}
			fn()
			if m.status.IsTerminal() {
				return
			}
		case <-ctx.Done():
			m.post(func() { m.abort(ctx, CauseUserAbort) })
		}
	}
}

// post enqueues fn to run on the mailbox goroutine. It never blocks the
// caller past the mailbox's buffer, matching the non-preemptive posting
// discipline every other actor in this module follows.
func (m *Machine) post(fn func()) {
	select {
	case m.mailbox <- fn:
	default:
		// Mailbox full: run synchronously from the caller rather than drop
		// the message outright. The mailbox is sized generously enough
		// that this only triggers under sustained overload.
		fn()
	}
}

// DeliverPeerMessage hands an inbound message from the counterpart to the
// exchange. on is dispatched on the mailbox goroutine.
func (m *Machine) DeliverPeerMessage(ctx context.Context, msg PeerMessage) {
	m.post(func() { m.handlePeerMessage(ctx, msg) })
}

// Abort requests a user-initiated abort at the next step boundary.
func (m *Machine) Abort(ctx context.Context) {
	m.post(func() { m.abort(ctx, CauseUserAbort) })
}

// Status returns the exchange's current status. Safe to call from any
// goroutine; it posts and blocks for the answer, matching the ask-reply
// discipline used for every other cross-actor query.
func (m *Machine) Status(ctx context.Context) Status {
	reply := make(chan Status, 1)
	m.post(func() { reply <- m.status })
	select {
	case s := <-reply:
		return s
	case <-ctx.Done():
		return m.status
	}
}

// PeerMessage is the wire-level shape of everything the two sides of an
// exchange exchange directly (outside of broker-mediated OrderMatch /
// ExchangeRejection traffic).
type PeerMessage struct {
	ExchangeID dex.ExchangeId
	Kind       PeerMessageKind
	Info       *PeerInfo
	Deposit    *PartialTx
	Step       int
	Release    *StepRelease
}

type PeerMessageKind uint8

const (
	MsgPeerInfo PeerMessageKind = iota
	MsgDeposit
	MsgStepRelease
	MsgAbort
)

func (m *Machine) startHandshake(ctx context.Context) {
	if !accepts("start_handshake", m.status) {
		m.logger.Warnf("exchange %s: start_handshake ignored in status %s", m.params.ExchangeID, m.status)
		return
	}
	m.status = Handshaking

	kp, err := m.wallet.CreateKeyPair(ctx)
	if err != nil {
		m.fail(ctx, "handshake_fail", CauseWalletError)
		return
	}
	m.keyPair = kp

	accountID, err := m.proc.RetrieveAccountID(ctx)
	if err != nil {
		m.fail(ctx, "handshake_fail", CausePaymentProcessorError)
		return
	}
	m.local = PeerInfo{PaymentAccountID: accountID, PublicKey: kp.Public}

	m.scheduleHandshakeTimeout(ctx)
	m.sendPeerMessage(ctx, PeerMessage{
		ExchangeID: m.params.ExchangeID,
		Kind:       MsgPeerInfo,
		Info:       &m.local,
	})
	m.emitProgress()
}

func (m *Machine) scheduleHandshakeTimeout(ctx context.Context) {
	deadline := m.params.HandshakeTimeout
	if deadline <= 0 {
		return
	}
	exchangeID := m.params.ExchangeID
	time.AfterFunc(deadline, func() {
		m.post(func() {
			if m.params.ExchangeID != exchangeID || m.status != Handshaking {
				return
			}
			m.fail(ctx, "handshake_fail", CauseHandshakeTimeout)
		})
	})
}

func (m *Machine) scheduleStepTimeout(ctx context.Context, step int) {
	deadline := m.params.StepTimeout
	if deadline <= 0 {
		return
	}
	time.AfterFunc(deadline, func() {
		m.post(func() {
			if m.status != Exchanging || m.stepsCompleted >= step {
				return
			}
			m.fail(ctx, "step_fail", CauseStepTimeout)
		})
	})
}

func (m *Machine) handlePeerMessage(ctx context.Context, msg PeerMessage) {
	switch msg.Kind {
	case MsgPeerInfo:
		m.handlePeerInfo(ctx, msg)
	case MsgDeposit:
		m.handleDeposit(ctx, msg)
	case MsgStepRelease:
		m.handleStepRelease(ctx, msg)
	case MsgAbort:
		m.abort(ctx, CauseCounterpartAbort)
	default:
		m.fail(ctx, "handshake_fail", CauseProtocolViolation)
	}
}

func (m *Machine) handlePeerInfo(ctx context.Context, msg PeerMessage) {
	if m.status != Handshaking || msg.Info == nil {
		return
	}
	if m.remote.PublicKey != nil {
		return // already received, idempotent
	}
	m.remote = *msg.Info

	reservation, err := m.wallet.Reserve(ctx, m.params.BitcoinAmount)
	if err != nil {
		m.fail(ctx, "handshake_fail", CauseWalletError)
		return
	}
	defer func() {
		if m.status == Aborted || m.status == Failed {
			_ = m.wallet.Release(ctx, reservation)
		}
	}()

	placeholder := newPlaceholderTx(m.params.BitcoinAmount)
	signed, err := m.wallet.SignPartial(ctx, &PartialTx{Tx: placeholder}, m.keyPair.Private)
	if err != nil {
		m.fail(ctx, "handshake_fail", CauseWalletError)
		return
	}
	// Our own half is provisionally confirmed as soon as it's signed; the
	// counterpart's half only becomes confirmed once handleDeposit observes
	// its broadcast.
	signed.Confirmed = true

	if m.params.Role == Buyer {
		m.deposits.BuyerTx = signed
	} else {
		m.deposits.SellerTx = signed
	}

	m.sendPeerMessage(ctx, PeerMessage{
		ExchangeID: m.params.ExchangeID,
		Kind:       MsgDeposit,
		Deposit:    signed,
	})
	m.tryStartExchange(ctx)
}

func (m *Machine) handleDeposit(ctx context.Context, msg PeerMessage) {
	if m.status != Handshaking || msg.Deposit == nil {
		return
	}
	confirmed, err := m.wallet.Broadcast(ctx, msg.Deposit)
	if err != nil {
		m.fail(ctx, "handshake_fail", CauseWalletError)
		return
	}
	remote := *msg.Deposit
	remote.Confirmed = true
	remote.Hash = chainHashFromTxHash(confirmed)
	if m.params.Role == Buyer {
		m.deposits.SellerTx = &remote
	} else {
		m.deposits.BuyerTx = &remote
	}
	m.tryStartExchange(ctx)
}

func (m *Machine) tryStartExchange(ctx context.Context) {
	if !m.deposits.Ready() {
		m.emitProgress()
		return
	}
	if !accepts("start_exchange", m.status) {
		return
	}
	m.status = Exchanging
	m.emitProgress()
	m.startStep(ctx, 1)
}

func (m *Machine) startStep(ctx context.Context, step int) {
	if step > m.params.StepCount {
		return
	}
	m.scheduleStepTimeout(ctx, step)
	if m.params.Role != Buyer {
		return // seller waits for the buyer's fiat payment + release
	}

	amount, _ := m.params.FiatAmount.Mul(1, int64(m.params.StepCount))
	if _, err := m.proc.Pay(ctx, step, amount, m.remote.PaymentAccountID); err != nil {
		m.fail(ctx, "step_fail", CausePaymentProcessorError)
		return
	}

	release := m.signStepRelease(ctx, step)
	if release == nil {
		return
	}
	m.sendPeerMessage(ctx, PeerMessage{
		ExchangeID: m.params.ExchangeID,
		Kind:       MsgStepRelease,
		Step:       step,
		Release:    release,
	})
}

func (m *Machine) signStepRelease(ctx context.Context, step int) *StepRelease {
	tx := newPlaceholderTx(money.AtStep(m.params.BitcoinAmount, step, m.params.StepCount))
	signed, err := m.wallet.SignPartial(ctx, &PartialTx{Tx: tx}, m.keyPair.Private)
	if err != nil {
		m.fail(ctx, "step_fail", CauseWalletError)
		return nil
	}
	return &StepRelease{Step: step, Tx: signed.Tx, Confirmed: signed.Confirmed, Hash: signed.Hash}
}

// handleStepRelease applies an inbound step-k release. It is the idempotent
// core of the exchange: duplicate deliveries of an already-committed step
// are acknowledged and dropped, and step k is never applied before step
// k-1 has committed.
func (m *Machine) handleStepRelease(ctx context.Context, msg PeerMessage) {
	if m.status != Exchanging || msg.Release == nil {
		return
	}
	step := msg.Step
	if rec, ok := m.steps[step]; ok && rec.committed {
		return // idempotent: already applied
	}
	if step != m.stepsCompleted+1 {
		m.logger.Warnf("exchange %s: out-of-order step %d (have %d)", m.params.ExchangeID, step, m.stepsCompleted)
		return
	}

	txHash, err := m.wallet.Broadcast(ctx, &PartialTx{Tx: msg.Release.Tx})
	if err != nil {
		m.fail(ctx, "step_fail", CauseWalletError)
		return
	}
	_ = txHash

	if m.params.Role == Seller {
		ok, err := m.proc.VerifyCredit(ctx, mustDivide(m.params.FiatAmount, m.params.StepCount), time.Time{})
		if err != nil {
			m.fail(ctx, "step_fail", CausePaymentProcessorError)
			return
		}
		if !ok {
			m.fail(ctx, "step_fail", CauseProtocolViolation)
			return
		}
	}

	m.steps[step] = &stepRecord{committed: true, release: msg.Release}
	m.stepsCompleted = step
	m.emitProgress()

	if m.params.Role == Seller {
		release := m.signStepRelease(ctx, step)
		if release == nil {
			return
		}
		m.sendPeerMessage(ctx, PeerMessage{
			ExchangeID: m.params.ExchangeID,
			Kind:       MsgStepRelease,
			Step:       step,
			Release:    release,
		})
	}

	if m.stepsCompleted >= m.params.StepCount {
		m.succeed(ctx)
		return
	}
	m.startStep(ctx, step+1)
}

func (m *Machine) succeed(ctx context.Context) {
	if !accepts("complete_step", m.status) {
		return
	}
	m.status = Successful
	m.emitTerminal(true)
}

// abort moves the exchange to Aborted if the request arrives at a valid
// step boundary; loss is bounded to (N-stepsCompleted)/N of the trade.
func (m *Machine) abort(ctx context.Context, cause Cause) {
	if m.status.IsTerminal() {
		return
	}
	if !accepts("abort", m.status) {
		return
	}
	m.status = Aborted
	m.cause = cause
	m.sendPeerMessage(ctx, PeerMessage{ExchangeID: m.params.ExchangeID, Kind: MsgAbort})
	m.emitTerminal(false)
}

func (m *Machine) fail(ctx context.Context, event string, cause Cause) {
	if m.status.IsTerminal() {
		return
	}
	if !accepts(event, m.status) {
		m.logger.Warnf("exchange %s: %s ignored in status %s", m.params.ExchangeID, event, m.status)
		return
	}
	m.status = Failed
	m.cause = cause
	m.emitTerminal(false)
}

func (m *Machine) snapshot() Snapshot {
	return Snapshot{
		ExchangeID:     m.params.ExchangeID,
		Status:         m.status,
		Cause:          m.cause,
		StepsCompleted: m.stepsCompleted,
		StepCount:      m.params.StepCount,
		Local:          m.local,
		Remote:         m.remote,
	}
}

func (m *Machine) emitProgress() {
	m.checkpoint()
	snap := m.snapshot()
	m.listenersMtx.Lock()
	defer m.listenersMtx.Unlock()
	for _, l := range m.listeners {
		l.ExchangeProgress(snap)
	}
}

func (m *Machine) emitTerminal(success bool) {
	m.checkpoint()
	snap := m.snapshot()
	m.listenersMtx.Lock()
	defer m.listenersMtx.Unlock()
	for _, l := range m.listeners {
		if success {
			l.ExchangeSuccess(snap)
		} else {
			l.ExchangeFailure(snap)
		}
	}
}

func (m *Machine) sendPeerMessage(ctx context.Context, msg PeerMessage) {
	payload, err := EncodePeerMessage(msg)
	if err != nil {
		m.logger.Warnf("exchange %s: encode message: %v", m.params.ExchangeID, err)
		return
	}
	if err := m.peer.Send(ctx, m.params.CounterpartID, payload); err != nil {
		m.logger.Warnf("exchange %s: send to counterpart failed: %v", m.params.ExchangeID, err)
	}
}

// chainHashFromTxHash converts a wallet-reported TxHash into a
// chainhash.Hash for bookkeeping, falling back to the zero hash if the
// wallet collaborator didn't return a parseable hex hash (deterministic
// test doubles always do).
func chainHashFromTxHash(h TxHash) chainhash.Hash {
	hash, err := chainhash.NewHashFromStr(string(h))
	if err != nil {
		return chainhash.Hash{}
	}
	return *hash
}

func mustDivide(a money.FiatAmount, n int) money.FiatAmount {
	result, _ := a.Mul(1, int64(n))
	return result
}
