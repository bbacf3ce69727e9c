// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import (
	"context"
	"fmt"
	"sync"
)

// Runner is satisfied by anything with an actor main loop that should be
// started once and run until its context is canceled.
type Runner interface {
	Run(ctx context.Context)
}

// ConnectionMaster supervises the lifecycle of a single Runner: it starts
// the runner's Run loop exactly once, and lets callers wait for or force its
// termination. Modeled on dcrdex's dex.ConnectionMaster; the relay server
// uses it to supervise its admin HTTP server.
type ConnectionMaster struct {
	wg      sync.WaitGroup
	mtx     sync.Mutex
	cancel  context.CancelFunc
	started bool
}

// ErrAlreadyConnected is returned by ConnectOnce if the runner is already
// running.
var ErrAlreadyConnected = fmt.Errorf("already connected")

// ConnectOnce starts runner.Run in a new goroutine, derived from ctx so the
// caller can also cancel independently via Disconnect.
func (cm *ConnectionMaster) ConnectOnce(ctx context.Context, runner Runner) error {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	if cm.started {
		return ErrAlreadyConnected
	}
	cm.started = true
	runCtx, cancel := context.WithCancel(ctx)
	cm.cancel = cancel
	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		runner.Run(runCtx)
	}()
	return nil
}

// Disconnect cancels the runner's context. It does not block; call Wait to
// block until the runner has actually returned.
func (cm *ConnectionMaster) Disconnect() {
	cm.mtx.Lock()
	cancel := cm.cancel
	cm.mtx.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the supervised runner's Run method has returned.
func (cm *ConnectionMaster) Wait() {
	cm.wg.Wait()
}
