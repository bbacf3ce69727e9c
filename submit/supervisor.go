// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package submit implements the submission supervisor: it holds the set of
// orders the user currently wants in the broker's book and periodically
// republishes each one, since the broker treats the absence of a refresh
// as an implicit withdrawal.
package submit

import (
	"context"
	"sync"
	"time"

	"github.com/coinffeine/stepswap/dex"
	"github.com/coinffeine/stepswap/order"
)

// defaultInterval matches the book-entry keep-alive cadence; well under
// any reasonable broker-side expiry so a brief republish delay never reads
// as a withdrawal.
const defaultInterval = 30 * time.Second

// Gateway is how the supervisor actually reaches the broker. Order
// controllers never call it directly; only the supervisor does, so every
// book entry on the wire went through the same keep-alive path.
type Gateway interface {
	Submit(ctx context.Context, entry order.OrderBookEntry) error
}

// Supervisor implements order.Submitter: KeepSubmitting/StopSubmitting are
// the order controller's only way to affect what gets republished.
type Supervisor struct {
	gateway  Gateway
	logger   dex.Logger
	interval time.Duration

	mtx     sync.Mutex
	entries map[dex.OrderId]order.OrderBookEntry
}

// New constructs a Supervisor with the default republish interval. logger
// defaults to a discard logger if nil.
func New(gateway Gateway, logger dex.Logger) *Supervisor {
	if logger == nil {
		logger = dex.NoopLogger()
	}
	return &Supervisor{
		gateway:  gateway,
		logger:   logger,
		interval: defaultInterval,
		entries:  make(map[dex.OrderId]order.OrderBookEntry),
	}
}

// KeepSubmitting adds or replaces entry in the keep-alive set. The next
// tick (or an immediate first submission) republishes it.
func (s *Supervisor) KeepSubmitting(entry order.OrderBookEntry) {
	s.mtx.Lock()
	s.entries[entry.OrderID] = entry
	s.mtx.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.gateway.Submit(ctx, entry); err != nil {
		s.logger.Warnf("submit: order %s: initial submission failed, next tick will retry: %v", entry.OrderID, err)
	}
}

// StopSubmitting drops orderID from the keep-alive set. Idempotent.
func (s *Supervisor) StopSubmitting(orderID dex.OrderId) {
	s.mtx.Lock()
	delete(s.entries, orderID)
	s.mtx.Unlock()
}

// Run periodically republishes every entry in the keep-alive set until ctx
// is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.republishAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) republishAll(ctx context.Context) {
	s.mtx.Lock()
	entries := make([]order.OrderBookEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mtx.Unlock()

	for _, e := range entries {
		if err := s.gateway.Submit(ctx, e); err != nil {
			s.logger.Warnf("submit: order %s: republish failed: %v", e.OrderID, err)
		}
	}
}
