// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coinffeine/stepswap/dex"
	"github.com/coinffeine/stepswap/relay/wire"
)

// Inbound is one message received from the overlay: either a relayed
// payload from another peer, or a status update with the current network
// size.
type Inbound struct {
	From        dex.OverlayId // zero value for a status-only Inbound
	Payload     []byte
	NetworkSize uint32
	IsStatus    bool
}

// ClientConfig configures a Client.
type ClientConfig struct {
	LocalID    dex.OverlayId
	Addr       string // TCP address of the relay server
	NoTLS      bool
	ServerName string // for TLS verification when NoTLS is false

	// MaxBackoff bounds the reconnect loop's exponential backoff, per spec
	// §4.1 "bounded exponential backoff".
	MaxBackoff time.Duration
}

// Client is the peer-side counterpart to Server: it connects, joins with
// LocalID, and exposes Send plus a channel of Inbound messages. On
// disconnect it reconnects with bounded exponential backoff and rejoins
// with the same LocalID.
type Client struct {
	cfg ClientConfig

	mtx      sync.Mutex
	conn     net.Conn
	outbox   chan sendRequest
	inbound  chan *Inbound
	statusCh chan uint32
}

type sendRequest struct {
	to      dex.OverlayId
	payload []byte
	errCh   chan error
}

// NewClient constructs a Client; call Run to start connecting.
func NewClient(cfg ClientConfig) *Client {
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 2 * time.Minute
	}
	return &Client{
		cfg:      cfg,
		outbox:   make(chan sendRequest, 64),
		inbound:  make(chan *Inbound, 256),
		statusCh: make(chan uint32, 8),
	}
}

// Inbound returns the channel of messages received from the overlay.
func (c *Client) Inbound() <-chan *Inbound { return c.inbound }

// Send asks the server to relay payload to the given destination id.
// Send does not block on the network; it only blocks if the internal
// outbox is full, providing backpressure without holding up the caller's
// actor mailbox indefinitely.
func (c *Client) Send(ctx context.Context, to dex.OverlayId, payload []byte) error {
	req := sendRequest{to: to, payload: payload, errCh: make(chan error, 1)}
	select {
	case c.outbox <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run connects and reconnects until ctx is canceled, implementing the
// bounded exponential backoff reconnect loop.
func (c *Client) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry forever; MaxInterval bounds the wait
	bo.MaxInterval = c.cfg.MaxBackoff

	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.runOnce(ctx); err != nil {
			log.Warnf("relay client: connection to %s failed: %v", c.cfg.Addr, err)
		}
		if ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		log.Debugf("relay client: reconnecting to %s in %s", c.cfg.Addr, wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// runOnce dials, joins, and pumps frames until the connection drops or ctx
// is canceled. A clean return (nil) only happens via ctx cancellation.
func (c *Client) runOnce(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	join := &wire.Join{ID: [wire.EndpointIDLen]byte(c.cfg.LocalID)}
	joinFrame := &wire.Frame{Kind: wire.KindRelay, Relay: &wire.RelayMessage{
		EndpointID: [wire.EndpointIDLen]byte(dex.BrokerID),
		Payload:    wire.MarshalJoin(join),
	}}
	if err := wire.WriteFrame(conn, joinFrame); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	ack, err := wire.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("join ack: %w", err)
	}
	if ack.Kind != wire.KindStatus || ack.Status == nil {
		return fmt.Errorf("join ack: expected status frame")
	}
	c.deliverStatus(ack.Status.NetworkSize)

	c.mtx.Lock()
	c.conn = conn
	c.mtx.Unlock()

	stop := make(chan struct{})
	errCh := make(chan error, 2)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		errCh <- c.writeLoop(conn, stop)
	}()
	go func() {
		errCh <- c.readLoop(conn)
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		close(stop)
		<-writerDone
		return nil
	case err := <-errCh:
		conn.Close()
		close(stop)
		<-writerDone
		return err
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if c.cfg.NoTLS {
		return dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	}
	tlsConn, err := tls.DialWithDialer(dialer, "tcp", c.cfg.Addr, &tls.Config{ServerName: c.cfg.ServerName})
	if err != nil {
		return nil, err
	}
	return tlsConn, nil
}

func (c *Client) writeLoop(conn net.Conn, stop <-chan struct{}) error {
	for {
		select {
		case req := <-c.outbox:
			frame := &wire.Frame{Kind: wire.KindRelay, Relay: &wire.RelayMessage{
				EndpointID: [wire.EndpointIDLen]byte(req.to),
				Payload:    req.payload,
			}}
			err := wire.WriteFrame(conn, frame)
			req.errCh <- err
			if err != nil {
				return err
			}
		case <-stop:
			return nil
		}
	}
}

func (c *Client) readLoop(conn net.Conn) error {
	for {
		f, err := wire.ReadFrame(conn)
		if err != nil {
			return err
		}
		switch f.Kind {
		case wire.KindStatus:
			c.deliverStatus(f.Status.NetworkSize)
		case wire.KindRelay:
			c.deliverPayload(dex.OverlayId(f.Relay.EndpointID), f.Relay.Payload)
		}
	}
}

func (c *Client) deliverStatus(size uint32) {
	select {
	case c.inbound <- &Inbound{IsStatus: true, NetworkSize: size}:
	default:
		log.Warnf("relay client: inbound channel full, dropping status update")
	}
}

func (c *Client) deliverPayload(from dex.OverlayId, payload []byte) {
	select {
	case c.inbound <- &Inbound{From: from, Payload: payload}:
	default:
		log.Warnf("relay client: inbound channel full, dropping message from %x", from[:4])
	}
}
