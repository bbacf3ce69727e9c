// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package order

import (
	"context"
	"sync"
	"time"

	"github.com/coinffeine/stepswap/dex"
	"github.com/coinffeine/stepswap/exchange"
	"github.com/prometheus/client_golang/prometheus"
)

var log dex.Logger = dex.NoopLogger()

// SetLogger installs the package-level logger; called once at process
// start, mirroring the relay package.
func SetLogger(l dex.Logger) { log = l }

var (
	ordersInProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "order_controller_orders_in_progress",
		Help: "Number of orders with at least one exchange currently running.",
	})
	exchangesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "order_controller_exchanges_in_flight",
		Help: "Number of exchanges currently running across all orders.",
	})
	matchesRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "order_controller_matches_rejected_total",
		Help: "Number of broker order matches rejected by accept_order_match.",
	})
)

func init() {
	prometheus.MustRegister(ordersInProgress, exchangesInFlight, matchesRejected)
}

// Listener is notified, synchronously and in order, of every observable
// mutation to the order a Controller owns: on_progress and
// on_status_changed only fire when the respective value actually changed;
// on_finish fires exactly once, when the order reaches a terminal status.
type Listener interface {
	OnProgress(old, new float64)
	OnStatusChanged(old, new Status)
	OnFinish(final Status)
}

// Broker is the order controller's outbound channel to the broker for
// match rejections. Periodic book submission goes through Submitter
// instead.
type Broker interface {
	Reject(ctx context.Context, rejection ExchangeRejection) error
}

// Submitter is the submission supervisor's inbound contract, driven by
// ShouldBeOnMarket transitions.
type Submitter interface {
	KeepSubmitting(entry OrderBookEntry)
	StopSubmitting(orderID dex.OrderId)
}

// ExchangeSpawner starts a new exchange actor for an accepted match. The
// concrete implementation owns wiring the wallet, payment processor and
// relay peer collaborators; the controller only supplies the parameters
// derived from the match and the order.
type ExchangeSpawner interface {
	Spawn(ctx context.Context, params exchange.Params, listener exchange.Listener)
}

// Config carries the process-wide exchange defaults a Controller applies
// to every exchange it spawns.
type Config struct {
	StepCount        int
	HandshakeTimeout time.Duration
	StepTimeout      time.Duration
}

// Controller owns one Order and reacts to broker matches and exchange
// progress on a single mailbox goroutine, the same actor shape as
// exchange.Machine.
type Controller struct {
	order     *Order
	blacklist *blacklist
	spawner   ExchangeSpawner
	broker    Broker
	submitter Submitter
	cfg       Config

	mailbox chan func()
	wg      sync.WaitGroup

	listenersMtx sync.Mutex
	listeners    []Listener

	// networkConnected tracks the relay overlay's last reported network
	// size: false once it drops to 1 (this peer alone, broker
	// unreachable). Optimistic until told otherwise, so a Controller that
	// never hears a status update still submits normally.
	networkConnected bool
}

// NewController constructs a Controller around o, not yet running.
func NewController(o *Order, cfg Config, spawner ExchangeSpawner, broker Broker, submitter Submitter) *Controller {
	return &Controller{
		order:            o,
		blacklist:        newBlacklist(),
		spawner:          spawner,
		broker:           broker,
		submitter:        submitter,
		cfg:              cfg,
		networkConnected: true,
	}
}

// AddListener registers l. Must be called before Run.
func (c *Controller) AddListener(l Listener) {
	c.listenersMtx.Lock()
	defer c.listenersMtx.Unlock()
	c.listeners = append(c.listeners, l)
}

// Run starts the actor's mailbox loop and blocks until the order reaches a
// terminal status with nothing left running, or ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	c.mailbox = make(chan func(), 64)
	c.wg.Add(1)
	go c.loop(ctx)
	c.wg.Wait()
}

func (c *Controller) loop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case fn := <-c.mailbox:
			fn()
			if c.order.Status() == Completed || (c.order.Status() == Cancelled && c.order.amounts.Exchanging == 0) {
				return
			}
		case <-ctx.Done():
			c.post(func() { c.cancel(ctx, "context cancelled") })
			return
		}
	}
}

// post enqueues fn on the mailbox, or runs it inline if the mailbox isn't
// accepting sends right now (not yet started, full, or a direct
// unit-style test calling a handler outside Run).
func (c *Controller) post(fn func()) {
	select {
	case c.mailbox <- fn:
	default:
		fn()
	}
}

// withChangeTracking runs fn, then notifies listeners of whatever
// status/progress change fn produced. Buffering the notification until
// after fn returns (rather than firing inline at each mutation point)
// avoids callback-inside-mutation reentrancy into the controller's own
// state.
func (c *Controller) withChangeTracking(fn func()) {
	prevStatus, prevProgress := c.order.Status(), c.order.Progress()
	fn()
	c.flushChanges(prevStatus, c.order.Status(), prevProgress, c.order.Progress())
}

// FundsAvailable signals that the funds blocker reserved this order's
// amounts. If the order should be on market, it transitions to InMarket
// and starts submission.
func (c *Controller) FundsAvailable(ctx context.Context) {
	c.post(func() {
		c.withChangeTracking(func() {
			if c.order.MarkAvailable() && c.networkConnected {
				c.submitter.KeepSubmitting(c.bookEntry())
			}
		})
	})
}

// FundsUnavailable signals that a reservation failed or was revoked. The
// order goes Offline and submission stops.
func (c *Controller) FundsUnavailable(ctx context.Context) {
	c.post(func() {
		c.withChangeTracking(func() {
			c.order.MarkOffline()
			c.submitter.StopSubmitting(c.order.ID)
		})
	})
}

// NetworkSize reports the relay overlay's current size, as carried by its
// status notifications. A size of 1 means this peer is alone on the
// overlay and the broker is unreachable: submission pauses rather than
// publishing an order book entry nobody can see, and resumes as soon as
// connectivity returns, if the order should still be on market.
func (c *Controller) NetworkSize(size uint32) {
	c.post(func() {
		wasConnected := c.networkConnected
		c.networkConnected = size > 1
		if wasConnected == c.networkConnected {
			return
		}
		if !c.networkConnected {
			c.submitter.StopSubmitting(c.order.ID)
			return
		}
		if c.order.ShouldBeOnMarket() {
			c.submitter.KeepSubmitting(c.bookEntry())
		}
	})
}

// HandleMatch processes a broker-issued OrderMatch.
func (c *Controller) HandleMatch(ctx context.Context, m OrderMatch) {
	c.post(func() {
		cause, already, ok := c.acceptMatch(m)
		switch {
		case already:
			log.Infof("order %s: match %s already accepted, ignoring", c.order.ID, m.ExchangeID)
			return
		case !ok:
			matchesRejected.Inc()
			log.Infof("order %s: match %s rejected: %s", c.order.ID, m.ExchangeID, cause)
			if err := c.broker.Reject(ctx, ExchangeRejection{ExchangeID: m.ExchangeID, Cause: cause}); err != nil {
				log.Warnf("order %s: reject %s: %v", c.order.ID, m.ExchangeID, err)
			}
			return
		}

		role := exchange.Buyer
		if c.order.Side == Ask {
			role = exchange.Seller
		}
		params := exchange.Params{
			ExchangeID:       m.ExchangeID,
			StepCount:        c.cfg.StepCount,
			BitcoinAmount:    m.BitcoinAmount,
			FiatAmount:       m.FiatAmount,
			CounterpartID:    m.CounterpartID,
			Role:             role,
			HandshakeTimeout: c.cfg.HandshakeTimeout,
			StepTimeout:      c.cfg.StepTimeout,
		}

		c.withChangeTracking(func() {
			c.order.exchanges[m.ExchangeID] = exchangeSnapshot{
				counterpartID: m.CounterpartID,
				bitcoinAmount: m.BitcoinAmount,
				stepCount:     c.cfg.StepCount,
				status:        exchange.Handshaking,
			}
			c.order.recompute()
		})
		exchangesInFlight.Inc()
		c.spawner.Spawn(ctx, params, c)
	})
}

// ExchangeProgress implements exchange.Listener: overwrite the snapshot and
// recompute derived order state.
func (c *Controller) ExchangeProgress(snap exchange.Snapshot) {
	c.post(func() {
		c.withChangeTracking(func() { c.applySnapshot(snap) })
	})
}

// ExchangeSuccess implements exchange.Listener: record the terminal
// success and, if the order has nothing left pending or running, complete
// it and stop submission.
func (c *Controller) ExchangeSuccess(snap exchange.Snapshot) {
	c.post(func() {
		wasCompleted := c.order.Status() == Completed
		c.withChangeTracking(func() { c.applySnapshot(snap) })
		exchangesInFlight.Dec()
		if !wasCompleted && c.order.Status() == Completed {
			c.submitter.StopSubmitting(c.order.ID)
			c.notifyFinish()
		}
	})
}

// ExchangeFailure implements exchange.Listener: record the terminal
// failure. A ProtocolViolation cause blacklists the counterpart for the
// remainder of the session so no further match against it is accepted.
func (c *Controller) ExchangeFailure(snap exchange.Snapshot) {
	c.post(func() {
		c.withChangeTracking(func() {
			counterpart := c.order.exchanges[snap.ExchangeID].counterpartID
			c.applySnapshot(snap)
			if snap.Cause == exchange.CauseProtocolViolation {
				c.blacklist.add(counterpart)
			}
			if c.order.ShouldBeOnMarket() && c.networkConnected {
				c.submitter.KeepSubmitting(c.bookEntry())
			}
		})
		exchangesInFlight.Dec()
	})
}

// Cancel marks the order Cancelled. If no exchange is currently running,
// on_finish fires immediately; otherwise the controller waits for the
// running exchange to terminate before the mailbox loop exits.
func (c *Controller) Cancel(ctx context.Context, reason string) {
	c.post(func() { c.cancel(ctx, reason) })
}

func (c *Controller) cancel(ctx context.Context, reason string) {
	if c.order.Status() == Cancelled {
		return
	}
	c.withChangeTracking(func() {
		c.order.Cancel(reason)
		c.submitter.StopSubmitting(c.order.ID)
	})
	if c.order.amounts.Exchanging == 0 {
		c.notifyFinish()
	}
}

// acceptMatch implements the five match acceptance rules, plus the
// counterpart-blacklist check. ok is false iff cause names why; already is
// true iff an exchange with this id is already tracked and not yet
// terminal (MatchAlreadyAccepted).
func (c *Controller) acceptMatch(m OrderMatch) (cause RejectionCause, already, ok bool) {
	if snap, tracked := c.order.exchanges[m.ExchangeID]; tracked && !snap.status.IsTerminal() {
		return 0, true, true
	}
	if m.OrderID != c.order.ID {
		return CauseOrderMismatch, false, false
	}
	if m.FiatAmount.Currency != c.order.Currency {
		return CauseCurrencyMismatch, false, false
	}
	if c.order.PendingAmount() < m.BitcoinAmount {
		return CauseMatchExceedsPending, false, false
	}
	if c.blacklist.contains(m.CounterpartID) {
		return CauseCounterpartBlacklisted, false, false
	}
	if c.order.hasActiveExchangeWith(m.CounterpartID) {
		return CauseCounterpartActive, false, false
	}
	if c.order.hasTerminatedExchange(m.ExchangeID) {
		return CauseExchangeAlreadyTerminated, false, false
	}
	return 0, false, true
}

// applySnapshot overwrites exchange snap.ExchangeID's tracked snapshot and
// recomputes the order's derived amounts/progress/status. The counterpart
// id and reserved bitcoin amount are fixed at match-accept time and are
// preserved across overwrites; exchange.Snapshot carries neither.
func (c *Controller) applySnapshot(snap exchange.Snapshot) {
	prev := c.order.exchanges[snap.ExchangeID]
	stepCount := snap.StepCount
	if stepCount == 0 {
		stepCount = prev.stepCount
	}
	c.order.recordExchange(snap.ExchangeID, exchangeSnapshot{
		counterpartID: prev.counterpartID,
		bitcoinAmount: prev.bitcoinAmount,
		stepCount:     stepCount,
		stepsComplete: snap.StepsCompleted,
		status:        snap.Status,
	})
}

func (c *Controller) bookEntry() OrderBookEntry {
	return OrderBookEntry{
		OrderID:  c.order.ID,
		Side:     c.order.Side,
		Amount:   c.order.PendingAmount(),
		Price:    c.order.Price,
		Currency: c.order.Currency,
	}
}

// flushChanges notifies every listener, synchronously and in order, of the
// status/progress change between (oldStatus, oldProgress) and the order's
// current values. Each callback fires only if its value actually changed.
func (c *Controller) flushChanges(oldStatus, newStatus Status, oldProgress, newProgress float64) {
	statusChanged := oldStatus != newStatus
	progressChanged := oldProgress != newProgress
	if !statusChanged && !progressChanged {
		return
	}

	if newStatus == InProgress {
		ordersInProgress.Set(1)
	} else {
		ordersInProgress.Set(0)
	}

	c.listenersMtx.Lock()
	listeners := append([]Listener(nil), c.listeners...)
	c.listenersMtx.Unlock()

	for _, l := range listeners {
		if progressChanged {
			l.OnProgress(oldProgress, newProgress)
		}
		if statusChanged {
			l.OnStatusChanged(oldStatus, newStatus)
		}
	}
}

func (c *Controller) notifyFinish() {
	c.listenersMtx.Lock()
	listeners := append([]Listener(nil), c.listeners...)
	c.listenersMtx.Unlock()
	final := c.order.Status()
	for _, l := range listeners {
		l.OnFinish(final)
	}
}
