// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Command peer is the trading client: it connects to a relay broker,
// keeps one order on the book, and drives every exchange matched against
// it to completion (or failure) via the step-release protocol.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"
	"gopkg.in/ini.v1"

	"github.com/coinffeine/stepswap/dex"
	"github.com/coinffeine/stepswap/dex/money"
	"github.com/coinffeine/stepswap/exchange"
	"github.com/coinffeine/stepswap/funds"
	"github.com/coinffeine/stepswap/order"
	"github.com/coinffeine/stepswap/relay"
	"github.com/coinffeine/stepswap/submit"
	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

// options is both the go-flags target and the gopkg.in/ini.v1 target: the
// config file supplies defaults, command-line flags override them. Group
// namespaces mirror the config file's section names.
type options struct {
	ConfigFile string `short:"C" long:"config" description:"Path to an ini config file" default:"peer.conf"`
	DataDir    string `long:"data_dir" description:"Directory for the exchange checkpoint database and local identity" default:"./peer-data"`
	LogLevel   string `long:"log_level" description:"trace|debug|info|warn|error|critical" default:"info"`
	LogFile    string `long:"log_file" description:"Log file path, relative to data_dir" default:"peer.log"`

	Relay struct {
		ConnectAddress string `long:"connect_address" description:"Relay server host" default:"127.0.0.1"`
		ConnectPort    int    `long:"connect_port" description:"Relay server port" default:"7777"`
		NoTLS          bool   `long:"no_tls" description:"Disable TLS when dialing the relay server"`
	} `group:"Relay" namespace:"relay"`

	Exchange struct {
		StepCount        int           `long:"step_count" description:"Number of step releases per exchange" default:"5"`
		HandshakeTimeout time.Duration `long:"handshake_timeout" description:"Time allowed for the handshake phase" default:"30s"`
		StepTimeout      time.Duration `long:"step_timeout" description:"Time allowed per step" default:"2m"`
	} `group:"Exchange" namespace:"exchange"`

	Wallet struct {
		Network string `long:"network" description:"mainnet|testnet|simnet" default:"mainnet"`
	} `group:"Wallet" namespace:"wallet"`

	Order struct {
		Side     string  `long:"side" description:"bid or ask"`
		Amount   float64 `long:"amount" description:"Bitcoin amount, in BTC"`
		Price    float64 `long:"price" description:"Price per bitcoin, in the order's currency"`
		Currency string  `long:"currency" description:"EUR or USD" default:"EUR"`
	} `group:"Order" namespace:"order"`
}

// loadConfigFile reads path (if it exists) with gopkg.in/ini.v1 and maps
// each [section] into opts by name, so it supplies pre-flag-parse defaults
// without hand-rolling an ini syntax of our own. A missing file is not an
// error: command-line flags and the struct tags' own defaults still apply.
func loadConfigFile(path string, opts *options) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	cfg, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if sec, err := cfg.GetSection(ini.DefaultSection); err == nil {
		sec.MapTo(opts)
	}
	if sec, err := cfg.GetSection("relay"); err == nil {
		sec.MapTo(&opts.Relay)
	}
	if sec, err := cfg.GetSection("exchange"); err == nil {
		sec.MapTo(&opts.Exchange)
	}
	if sec, err := cfg.GetSection("wallet"); err == nil {
		sec.MapTo(&opts.Wallet)
	}
	if sec, err := cfg.GetSection("order"); err == nil {
		sec.MapTo(&opts.Order)
	}
	return nil
}

func parseOptions() (*options, error) {
	var opts options

	// A first, config-only pass just to learn -C/--config before the real
	// parse, so the config file can be overridden from the command line.
	preParser := flags.NewParser(&opts, flags.IgnoreUnknown)
	_, _ = preParser.Parse()

	if err := loadConfigFile(opts.ConfigFile, &opts); err != nil {
		return nil, err
	}

	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}
	return &opts, nil
}

// loadOrCreateLocalID persists this peer's overlay identity across
// restarts: losing it would mean reconnecting under a new address and
// dropping every in-flight exchange's counterpart from recognizing us.
func loadOrCreateLocalID(path string) (dex.OverlayId, error) {
	var id dex.OverlayId
	b, err := os.ReadFile(path)
	if err == nil && len(b) == len(id) {
		copy(id[:], b)
		return id, nil
	}
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("generate local id: %w", err)
	}
	if err := os.WriteFile(path, id[:], 0o600); err != nil {
		return id, fmt.Errorf("persist local id: %w", err)
	}
	return id, nil
}

func parseCurrency(s string) (money.Currency, error) {
	switch s {
	case "EUR", "":
		return money.EUR, nil
	case "USD":
		return money.USD, nil
	default:
		return 0, fmt.Errorf("unsupported currency %q", s)
	}
}

func parseSide(s string) (order.Side, error) {
	switch s {
	case "bid":
		return order.Bid, nil
	case "ask":
		return order.Ask, nil
	default:
		return 0, fmt.Errorf("order.side must be bid or ask, got %q", s)
	}
}

// openLogRotator opens a jrick/logrotate Rotator (an io.WriteCloser) at
// path, creating its directory first, so it can be handed to
// dex.NewLoggerMaker as the secondary log-file writer. The rotator rolls
// the file over once it reaches 10 MiB and keeps 3 old files.
func openLogRotator(path string) (*rotator.Rotator, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	r, err := rotator.New(path, 10*1024, false, 3)
	if err != nil {
		return nil, fmt.Errorf("open log rotator: %w", err)
	}
	return r, nil
}

// brokerGateway is the one outbound path to the broker, implementing both
// order.Broker (match rejections) and submit.Gateway (book entries):
// everything addressed to dex.BrokerID goes through relay.Client.Send,
// wrapped in the order package's tagged JSON envelope.
type brokerGateway struct {
	client *relay.Client
}

func (g *brokerGateway) Reject(ctx context.Context, rejection order.ExchangeRejection) error {
	b, err := order.EncodeExchangeRejection(rejection)
	if err != nil {
		return err
	}
	return g.client.Send(ctx, dex.BrokerID, b)
}

func (g *brokerGateway) Submit(ctx context.Context, entry order.OrderBookEntry) error {
	b, err := order.EncodeOrderBookEntry(entry)
	if err != nil {
		return err
	}
	return g.client.Send(ctx, dex.BrokerID, b)
}

// exchangeSpawner starts and tracks the exchange.Machine instances a
// Controller spawns for accepted matches, so the inbound dispatch loop can
// route a peer-addressed PeerMessage to the right machine by ExchangeID.
type exchangeSpawner struct {
	peer   exchange.Peer
	wallet exchange.Wallet
	proc   exchange.PaymentProcessor
	store  *exchange.Store
	logger dex.Logger

	mtx      sync.Mutex
	machines map[dex.ExchangeId]*exchange.Machine
}

func newExchangeSpawner(peer exchange.Peer, wallet exchange.Wallet, proc exchange.PaymentProcessor, store *exchange.Store, logger dex.Logger) *exchangeSpawner {
	return &exchangeSpawner{
		peer:     peer,
		wallet:   wallet,
		proc:     proc,
		store:    store,
		logger:   logger,
		machines: make(map[dex.ExchangeId]*exchange.Machine),
	}
}

func (s *exchangeSpawner) Spawn(ctx context.Context, params exchange.Params, listener exchange.Listener) {
	m := exchange.New(params, s.peer, s.wallet, s.proc, s.logger)
	m.SetStore(s.store)
	m.AddListener(listener)
	m.AddListener(s.reaper(params.ExchangeID))

	s.mtx.Lock()
	s.machines[params.ExchangeID] = m
	s.mtx.Unlock()

	go m.Run(ctx)
}

func (s *exchangeSpawner) deliver(ctx context.Context, msg exchange.PeerMessage) {
	s.mtx.Lock()
	m, ok := s.machines[msg.ExchangeID]
	s.mtx.Unlock()
	if !ok {
		s.logger.Warnf("peer message for unknown exchange %s, dropping", msg.ExchangeID)
		return
	}
	m.DeliverPeerMessage(ctx, msg)
}

// reaper drops a terminated exchange from the registry once its listeners
// have all seen the terminal snapshot, so the registry doesn't grow
// unbounded over a long-lived process.
func (s *exchangeSpawner) reaper(id dex.ExchangeId) exchange.Listener { return reaperListener{s, id} }

type reaperListener struct {
	s  *exchangeSpawner
	id dex.ExchangeId
}

func (r reaperListener) ExchangeProgress(exchange.Snapshot) {}
func (r reaperListener) ExchangeSuccess(exchange.Snapshot)  { r.forget() }
func (r reaperListener) ExchangeFailure(exchange.Snapshot)  { r.forget() }
func (r reaperListener) forget() {
	r.s.mtx.Lock()
	delete(r.s.machines, r.id)
	r.s.mtx.Unlock()
}

// fundsListener bridges funds.Blocker's notifications into the
// order.Controller methods they're meant to drive.
type fundsListener struct {
	controller *order.Controller
}

func (l fundsListener) AvailableFunds(orderID dex.OrderId, reservation funds.Reservation) {
	l.controller.FundsAvailable(context.Background())
}

func (l fundsListener) UnavailableFunds(orderID dex.OrderId) {
	l.controller.FundsUnavailable(context.Background())
}

// loggingListener reports order lifecycle events the way the other
// packages in this module log their own actors' transitions.
type loggingListener struct {
	logger  dex.Logger
	orderID dex.OrderId
	done    chan order.Status
}

func (l *loggingListener) OnProgress(old, new float64) {
	l.logger.Infof("order %s: progress %.1f%% -> %.1f%%", l.orderID, old*100, new*100)
}

func (l *loggingListener) OnStatusChanged(old, new order.Status) {
	l.logger.Infof("order %s: status %s -> %s", l.orderID, old, new)
}

func (l *loggingListener) OnFinish(final order.Status) {
	l.logger.Infof("order %s: finished as %s", l.orderID, final)
	select {
	case l.done <- final:
	default:
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "peer:", err)
		os.Exit(1)
	}
}

func run() error {
	opts, err := parseOptions()
	if err != nil {
		if flags.WroteHelp(err) {
			return nil
		}
		return err
	}

	if err := os.MkdirAll(opts.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	logRotator, err := openLogRotator(filepath.Join(opts.DataDir, opts.LogFile))
	if err != nil {
		return err
	}
	defer logRotator.Close()

	level, ok := slog.LevelFromString(opts.LogLevel)
	if !ok {
		level = slog.LevelInfo
	}
	loggerMaker := dex.NewLoggerMaker(logRotator, level, nil)
	relay.SetLogger(loggerMaker.Logger("RLAY"))
	order.SetLogger(loggerMaker.Logger("ORDR"))
	mainLog := loggerMaker.Logger("PEER")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	localID, err := loadOrCreateLocalID(filepath.Join(opts.DataDir, "identity"))
	if err != nil {
		return err
	}

	client := relay.NewClient(relay.ClientConfig{
		LocalID: localID,
		Addr:    fmt.Sprintf("%s:%d", opts.Relay.ConnectAddress, opts.Relay.ConnectPort),
		NoTLS:   opts.Relay.NoTLS,
	})

	// The process's four background loops (relay client, submission
	// supervisor, order controller, inbound dispatch) run under one
	// errgroup, so a clean shutdown means cancelling ctx once and waiting
	// on a single g.Wait() rather than tracking each goroutine by hand.
	// Exchange machines are started by exchangeSpawner in goroutines of
	// their own and are not part of the group.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { client.Run(gctx); return nil })

	store, err := exchange.OpenStore(filepath.Join(opts.DataDir, "exchanges.db"))
	if err != nil {
		return fmt.Errorf("open exchange store: %w", err)
	}
	defer store.Close()

	// No real chain or payment-rail integration exists in this module: the
	// wallet and payment processor are the same in-memory test doubles the
	// exchange package's own tests use, standing in for collaborators a
	// production deployment would inject instead. Both are wrapped in their
	// circuit breaker guards regardless, since a real collaborator swapped in
	// later must not bypass that protection.
	wallet := exchange.NewGuardedWallet(&exchange.FakeWallet{Funds: money.SatoshiPerBTC * 1000})
	proc := exchange.NewGuardedPaymentProcessor(exchange.NewFakePaymentProcessor("local-account", exchange.NewPaymentLedger()))

	spawner := newExchangeSpawner(client, wallet, proc, store, loggerMaker.Logger("XCHG"))
	gateway := &brokerGateway{client: client}

	side, err := parseSide(opts.Order.Side)
	if err != nil {
		return err
	}
	currency, err := parseCurrency(opts.Order.Currency)
	if err != nil {
		return err
	}
	bitcoinAmount := money.BitcoinAmount(opts.Order.Amount * money.SatoshiPerBTC)
	fiatWhole := int64(opts.Order.Price)
	fiatMinor := int64((opts.Order.Price-float64(fiatWhole))*100 + 0.5)
	price := money.NewFiatAmount(currency, fiatWhole, fiatMinor)

	o := order.New(dex.NewOrderId(), side, bitcoinAmount, price, currency)

	supervisor := submit.New(gateway, loggerMaker.Logger("SUBM"))
	g.Go(func() error { supervisor.Run(gctx); return nil })

	controller := order.NewController(o, order.Config{
		StepCount:        opts.Exchange.StepCount,
		HandshakeTimeout: opts.Exchange.HandshakeTimeout,
		StepTimeout:      opts.Exchange.StepTimeout,
	}, spawner, gateway, supervisor)

	done := make(chan order.Status, 1)
	controller.AddListener(&loggingListener{logger: mainLog, orderID: o.ID, done: done})

	blocker := funds.New(wallet, proc, loggerMaker.Logger("FUND"))
	blocker.AddListener(fundsListener{controller: controller})

	g.Go(func() error { controller.Run(gctx); return nil })
	blocker.BlockFunds(gctx, o.ID, bitcoinAmount, price)

	g.Go(func() error { dispatchInbound(gctx, client, controller, spawner, mainLog); return nil })

	mainLog.Infof("peer %s: order %s placed (%s %s @ %s), waiting for matches", localID, o.ID, o.Side, bitcoinAmount, price)

	select {
	case <-done:
	case <-gctx.Done():
	}
	cancel()
	_ = g.Wait()
	blocker.UnblockFunds(context.Background(), o.ID)
	return nil
}

// dispatchInbound demuxes relay.Client's Inbound channel: broker-addressed
// frames decode as the order package's tagged envelope, everything else is
// a peer-to-peer exchange.PeerMessage routed by ExchangeID.
func dispatchInbound(ctx context.Context, client *relay.Client, controller *order.Controller, spawner *exchangeSpawner, logger dex.Logger) {
	for {
		select {
		case in, ok := <-client.Inbound():
			if !ok {
				return
			}
			if in.IsStatus {
				logger.Debugf("overlay network size now %d", in.NetworkSize)
				controller.NetworkSize(in.NetworkSize)
				continue
			}
			if in.From.IsBroker() {
				handleBrokerMessage(ctx, in.Payload, controller, logger)
				continue
			}
			msg, err := exchange.DecodePeerMessage(in.Payload)
			if err != nil {
				logger.Warnf("decode peer message from %s: %v", in.From, err)
				continue
			}
			spawner.deliver(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func handleBrokerMessage(ctx context.Context, payload []byte, controller *order.Controller, logger dex.Logger) {
	typ, data, err := order.DecodeBrokerEnvelope(payload)
	if err != nil {
		logger.Warnf("decode broker envelope: %v", err)
		return
	}
	switch typ {
	case order.MsgOrderMatch:
		m, err := order.DecodeOrderMatch(data)
		if err != nil {
			logger.Warnf("decode order match: %v", err)
			return
		}
		controller.HandleMatch(ctx, m)
	default:
		logger.Warnf("unexpected broker message type %s", typ)
	}
}
