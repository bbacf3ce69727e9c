// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package relay implements the star-topology overlay: a
// broker-side Server that every peer dials over TCP, relaying framed
// messages between peers and providing membership (network size)
// notifications. It never interprets the relayed payload.
package relay

import (
	"context"
	"crypto/elliptic"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coinffeine/stepswap/dex"
	"github.com/coinffeine/stepswap/relay/wire"
	"github.com/decred/dcrd/certgen"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var log dex.Logger = dex.NoopLogger()

// SetLogger installs the package-level logger, following the teacher's
// convention of a package-global "log" configured once at process start.
func SetLogger(l dex.Logger) { log = l }

const (
	// joinRate/joinBurst, each scaled by 50 in NewServer, set the
	// server-wide JoinAs rate limit shared by all connections (a connection
	// joins only once, with its first frame).
	joinRate, joinBurst = 1, 5
	// relayRate/relayBurst bound how many Relay requests a single
	// connection may issue per second.
	relayRate, relayBurst = 50, 200

	// recentJoinCacheSize bounds the "identity churn" tracking cache.
	recentJoinCacheSize = 4096
)

var (
	connectedPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connected_peers",
		Help: "Number of overlay ids currently mapped to a live worker.",
	})
	messagesRelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_relayed_total",
		Help: "Number of Relay frames successfully forwarded to a destination.",
	})
	messagesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_dropped_total",
		Help: "Number of Relay frames dropped because the destination id was unknown.",
	})
)

func init() {
	prometheus.MustRegister(connectedPeers, messagesRelayed, messagesDropped)
}

// Config is the server's constructor argument, analogous to dcrdex's
// RPCConfig.
type Config struct {
	// ListenAddr is the TCP address the relay listens on, e.g. ":9234".
	ListenAddr string
	// AdminAddr, if non-empty, serves the chi-routed admin/status HTTP API.
	AdminAddr string
	// TLSCert/TLSKey name the keypair files; if absent, a self-signed pair
	// is generated, exactly as the teacher's genCertPair.
	TLSCert, TLSKey string
	NoTLS           bool
	AltDNSNames     []string
}

// worker is the server-side state for one connected TCP client. Exactly one
// goroutine (run) owns the connection; all mutation of id happens from
// that goroutine or under Server.mtx.
type worker struct {
	conn    net.Conn
	id      dex.OverlayId
	joined  bool
	limiter *rate.Limiter
	outbox  chan *wire.Frame
	done    chan struct{}
	kicked  chan struct{} // closed by the server to force this worker to stop
}

func newWorker(conn net.Conn) *worker {
	return &worker{
		conn:    conn,
		limiter: rate.NewLimiter(relayRate, relayBurst),
		outbox:  make(chan *wire.Frame, 64),
		done:    make(chan struct{}),
		kicked:  make(chan struct{}),
	}
}

// Server is the broker-side relay hub: a TCP listener plus an id -> worker
// map mutated only under mtx, exactly as dcrdex's comms.Server keeps its
// clients map. There is no shared mutable worker state outside that map;
// each worker's connection is owned by its own goroutine.
type Server struct {
	cfg      Config
	listener net.Listener

	mtx     sync.RWMutex
	workers map[dex.OverlayId]*worker

	joinLimiter *rate.Limiter // global JoinAs rate limit, cheap spam guard

	recentJoins *recentJoinCache

	httpServer *http.Server
	mux        *chi.Mux
}

// NewServer constructs a Server; it does not yet bind a listener (see
// Bind).
func NewServer(cfg Config) *Server {
	mux := chi.NewRouter()
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)
	s := &Server{
		cfg:         cfg,
		workers:     make(map[dex.OverlayId]*worker),
		joinLimiter: rate.NewLimiter(joinRate*50, joinBurst*50),
		recentJoins: newRecentJoinCache(recentJoinCacheSize),
		mux:         mux,
	}
	mux.Get("/status", s.handleStatusHTTP)
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return s
}

// Bind opens the TCP listener. A failure here is fatal to start, so the
// caller should treat a non-nil error as unrecoverable.
func (s *Server) Bind() error {
	var listener net.Listener
	var err error
	if s.cfg.NoTLS {
		listener, err = net.Listen("tcp", s.cfg.ListenAddr)
	} else {
		tlsCfg, terr := s.tlsConfig()
		if terr != nil {
			return fmt.Errorf("relay: CannotBind %s: %w", s.cfg.ListenAddr, terr)
		}
		listener, err = tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
	}
	if err != nil {
		return fmt.Errorf("relay: CannotBind %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = listener
	return nil
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	certExists := fileExists(s.cfg.TLSCert)
	keyExists := fileExists(s.cfg.TLSKey)
	if certExists != keyExists {
		return nil, fmt.Errorf("missing half of the TLS keypair")
	}
	if !certExists {
		if err := genCertPair(s.cfg.TLSCert, s.cfg.TLSKey, s.cfg.AltDNSNames); err != nil {
			return nil, err
		}
	}
	keypair, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{keypair},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// genCertPair generates a self-signed TLS keypair, adapted from the
// teacher's server.go.
func genCertPair(certFile, keyFile string, altDNSNames []string) error {
	validUntil := time.Now().Add(10 * 365 * 24 * time.Hour)
	cert, key, err := certgen.NewTLSCertPair(elliptic.P521(), "stepswap relay autogenerated cert", validUntil, altDNSNames)
	if err != nil {
		return err
	}
	if err = os.WriteFile(certFile, cert, 0644); err != nil {
		return err
	}
	if err = os.WriteFile(keyFile, key, 0600); err != nil {
		os.Remove(certFile)
		return err
	}
	return nil
}

// httpRunner adapts an *http.Server to dex.Runner so its lifecycle can be
// supervised by a dex.ConnectionMaster. It is the only component in this
// package run that way: Run tracks the accept loop and the per-connection
// workers with a plain sync.WaitGroup.
type httpRunner struct{ srv *http.Server }

func (r *httpRunner) Run(ctx context.Context) {
	errCh := make(chan error, 1)
	go func() { errCh <- r.srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.srv.Shutdown(shutdownCtx)
		<-errCh
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("admin http server: %v", err)
		}
	}
}

// Run accepts connections until ctx is canceled, spawning one worker
// goroutine per connection. It also starts the admin HTTP server if
// AdminAddr is set.
func (s *Server) Run(ctx context.Context) {
	var wg sync.WaitGroup

	var adminCM dex.ConnectionMaster
	if s.cfg.AdminAddr != "" {
		s.httpServer = &http.Server{Addr: s.cfg.AdminAddr, Handler: s.mux}
		_ = adminCM.ConnectOnce(ctx, &httpRunner{srv: s.httpServer})
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Errorf("accept error: %v", err)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handleConn(ctx, conn)
			}()
		}
	}()

	<-ctx.Done()
	log.Infof("relay server shutting down")
	_ = s.listener.Close()
	adminCM.Wait()
	s.disconnectAll()
	wg.Wait()
}

// handleConn runs the framed protocol for one TCP connection: the first
// frame must be a Join, after which the worker is registered and the
// connection enters its steady-state relay loop.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	w := newWorker(conn)
	defer close(w.done)

	first, err := wire.ReadFrame(conn)
	if err != nil {
		log.Debugf("relay: handshake read error from %s: %v", conn.RemoteAddr(), err)
		return
	}
	id, ok := parseJoinFrame(first)
	if !ok {
		log.Debugf("relay: first frame from %s was not a Join", conn.RemoteAddr())
		return
	}
	if !s.joinLimiter.Allow() {
		log.Debugf("relay: rejecting JoinAs from %s: rate limited", conn.RemoteAddr())
		return
	}
	w.id = id
	w.joined = true
	s.joinAs(w)
	defer s.removeWorker(w)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(w)
	}()

	s.readLoop(ctx, w)
	<-writerDone
}

func parseJoinFrame(f *wire.Frame) (dex.OverlayId, bool) {
	if f.Kind != wire.KindRelay || f.Relay == nil {
		return dex.OverlayId{}, false
	}
	j, err := wire.UnmarshalJoin(f.Relay.Payload)
	if err != nil {
		return dex.OverlayId{}, false
	}
	return dex.OverlayId(j.ID), true
}

// joinAs handles a peer (re)joining with id: last-writer-wins,
// acknowledge with the post-join network size, broadcast to everyone.
func (s *Server) joinAs(w *worker) {
	s.mtx.Lock()
	if prev, had := s.workers[w.id]; had {
		log.Infof("relay: %x reconnected, terminating previous worker", w.id[:4])
		close(prev.kicked)
	}
	s.workers[w.id] = w
	size := len(s.workers)
	churned := s.recentJoins.observe(w.id)
	s.mtx.Unlock()
	if churned {
		log.Debugf("relay: %x rejoined within the churn window", w.id[:4])
	}

	connectedPeers.Set(float64(size))
	log.Infof("relay: %x joined, network size now %d", w.id[:4], size)

	select {
	case w.outbox <- &wire.Frame{Kind: wire.KindStatus, Status: &wire.StatusMessage{NetworkSize: uint32(size)}}:
	default:
		log.Warnf("relay: outbox full acknowledging join for %x", w.id[:4])
	}
	s.broadcastStatus()
}

func (s *Server) removeWorker(w *worker) {
	s.mtx.Lock()
	if cur, ok := s.workers[w.id]; ok && cur == w {
		delete(s.workers, w.id)
	}
	size := len(s.workers)
	s.mtx.Unlock()
	connectedPeers.Set(float64(size))
	s.broadcastStatus()
}

func (s *Server) broadcastStatus() {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	size := uint32(len(s.workers))
	frame := &wire.Frame{Kind: wire.KindStatus, Status: &wire.StatusMessage{NetworkSize: size}}
	for _, w := range s.workers {
		select {
		case w.outbox <- frame:
		default:
			log.Debugf("relay: outbox full broadcasting status to %x", w.id[:4])
		}
	}
}

// readLoop implements JoinAs-already-done steady state: every subsequent
// frame from this connection must be a Relay frame, handled per spec
// §4.1's Relay(to, payload) rule.
func (s *Server) readLoop(ctx context.Context, w *worker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.kicked:
			return
		default:
		}
		f, err := wire.ReadFrame(w.conn)
		if err != nil {
			return
		}
		if f.Kind != wire.KindRelay || f.Relay == nil {
			log.Debugf("relay: dropping non-Relay frame from %x", w.id[:4])
			continue
		}
		if !w.limiter.Allow() {
			log.Debugf("relay: rate limiting %x", w.id[:4])
			continue
		}
		s.forward(w.id, f.Relay.EndpointID, f.Relay.Payload)
	}
}

// forward implements Relay(to, payload) from worker `from`: look up the
// destination and forward with EndpointID rewritten to the true source, or
// drop and log if the destination is unknown.
func (s *Server) forward(from dex.OverlayId, to [wire.EndpointIDLen]byte, payload []byte) {
	toID := dex.OverlayId(to)
	s.mtx.RLock()
	dst, ok := s.workers[toID]
	s.mtx.RUnlock()
	if !ok {
		messagesDropped.Inc()
		log.Debugf("relay: dropping message from %x to unknown id %x", from[:4], toID[:4])
		return
	}
	frame := &wire.Frame{Kind: wire.KindRelay, Relay: &wire.RelayMessage{
		EndpointID: ([wire.EndpointIDLen]byte)(from),
		Payload:    payload,
	}}
	select {
	case dst.outbox <- frame:
		messagesRelayed.Inc()
	default:
		messagesDropped.Inc()
		log.Warnf("relay: outbox full forwarding to %x, dropping", toID[:4])
	}
}

func (s *Server) writeLoop(w *worker) {
	for {
		select {
		case frame, ok := <-w.outbox:
			if !ok {
				return
			}
			if err := wire.WriteFrame(w.conn, frame); err != nil {
				return
			}
		case <-w.kicked:
			w.conn.Close()
			return
		case <-w.done:
			return
		}
	}
}

func (s *Server) disconnectAll() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, w := range s.workers {
		w.conn.Close()
	}
}

func (s *Server) handleStatusHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(struct {
		NetworkSize int `json:"network_size"`
	}{NetworkSize: s.NetworkSize()})
}

// NetworkSize returns the current count of joined ids, for tests and the
// admin HTTP endpoint.
func (s *Server) NetworkSize() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return len(s.workers)
}

// recentJoinCache tracks the last time each overlay id joined, evicting the
// oldest entry once it grows past limit. It exists only to let the server
// recognize reconnect-driven JoinAs churn for logging, never to change
// forwarding behavior.
type recentJoinCache struct {
	mtx   sync.Mutex
	limit int
	seen  map[dex.OverlayId]time.Time
	order []dex.OverlayId
}

func newRecentJoinCache(limit int) *recentJoinCache {
	return &recentJoinCache{
		limit: limit,
		seen:  make(map[dex.OverlayId]time.Time, limit),
	}
}

const churnWindow = 2 * time.Second

// observe records id's join time and reports whether it had joined within
// churnWindow before this call. Caller must already hold Server.mtx.
func (c *recentJoinCache) observe(id dex.OverlayId) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	prev, had := c.seen[id]
	churned := had && time.Since(prev) < churnWindow
	if !had {
		if len(c.order) >= c.limit {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.seen, oldest)
		}
		c.order = append(c.order, id)
	}
	c.seen[id] = time.Now()
	return churned
}
