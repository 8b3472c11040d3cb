package amqp

import (
	"context"
	"sync"
)

// Completion is a one-shot signal carrying an optional error. It resolves at
// most once; observers attaching before or after resolution both see the
// outcome. A nil error means clean completion.
type Completion struct {
	mu       sync.Mutex
	done     chan struct{}
	err      error
	resolved bool
}

// NewCompletion returns an unresolved completion signal.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Resolve settles the signal. The first call wins; later calls are no-ops
// and return false.
func (c *Completion) Resolve(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		return false
	}
	c.resolved = true
	c.err = err
	close(c.done)
	return true
}

// Done returns a channel that is closed once the signal resolves.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Err returns the resolution error and whether the signal has resolved.
func (c *Completion) Err() (error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err, c.resolved
}

// Wait blocks until the signal resolves or ctx is cancelled.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadySignal is a one-shot signal resolved with session information on each
// entry into the ready state. The Supervisor re-arms a fresh ReadySignal
// whenever the session leaves ready, so observers obtain a new handle per
// reconnect cycle.
type ReadySignal struct {
	mu       sync.Mutex
	done     chan struct{}
	info     SessionInfo
	resolved bool
}

// NewReadySignal returns an unresolved ready signal.
func NewReadySignal() *ReadySignal {
	return &ReadySignal{done: make(chan struct{})}
}

// Resolve settles the signal with the active session info. The first call
// wins; later calls are no-ops and return false.
func (r *ReadySignal) Resolve(info SessionInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return false
	}
	r.resolved = true
	r.info = info
	close(r.done)
	return true
}

// Done returns a channel that is closed once the signal resolves.
func (r *ReadySignal) Done() <-chan struct{} {
	return r.done
}

// Info returns the session info and whether the signal has resolved.
func (r *ReadySignal) Info() (SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info, r.resolved
}

// Wait blocks until the signal resolves or ctx is cancelled.
func (r *ReadySignal) Wait(ctx context.Context) (SessionInfo, error) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.info, nil
	case <-ctx.Done():
		return SessionInfo{}, ctx.Err()
	}
}
