// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Dashboard pushes network-size updates to operator-facing websocket
// clients. It is an auxiliary operator feature (SPEC_FULL.md §5.1): unlike the
// core relay protocol, which is raw length-prefixed TCP, the dashboard is
// plain JSON-over-websocket and carries no swap-critical traffic, so its
// failure cannot affect an exchange in progress.
type Dashboard struct {
	server   *Server
	upgrader websocket.Upgrader

	mtx     sync.Mutex
	viewers map[*websocket.Conn]struct{}
}

// NewDashboard wraps server, exposing its NetworkSize over a websocket push
// feed at the returned handler's route.
func NewDashboard(server *Server) *Dashboard {
	return &Dashboard{
		server:  server,
		viewers: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler upgrades to a websocket and pushes the current network size
// immediately, then on every change until the client disconnects.
func (d *Dashboard) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("dashboard: upgrade failed: %v", err)
		return
	}
	d.mtx.Lock()
	d.viewers[conn] = struct{}{}
	d.mtx.Unlock()

	defer func() {
		d.mtx.Lock()
		delete(d.viewers, conn)
		d.mtx.Unlock()
		conn.Close()
	}()

	if err := conn.WriteJSON(networkSizeMessage(d.server.NetworkSize())); err != nil {
		return
	}

	// The dashboard is push-only; read and discard to notice client-side
	// close frames promptly.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Run polls the server's network size and pushes changes to every
// connected viewer until ctx is canceled.
func (d *Dashboard) Run(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	last := -1
	for {
		select {
		case <-ctx.Done():
			d.closeAll()
			return
		case <-ticker.C:
			size := d.server.NetworkSize()
			if size == last {
				continue
			}
			last = size
			d.broadcast(networkSizeMessage(size))
		}
	}
}

func (d *Dashboard) broadcast(msg any) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	for conn := range d.viewers {
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			delete(d.viewers, conn)
		}
	}
}

func (d *Dashboard) closeAll() {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	for conn := range d.viewers {
		conn.Close()
		delete(d.viewers, conn)
	}
}

func networkSizeMessage(size int) any {
	return struct {
		NetworkSize int `json:"network_size"`
	}{NetworkSize: size}
}
