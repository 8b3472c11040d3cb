package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// timerHandle abstracts the reconnect timer so tests can drive the schedule
// without sleeping. *time.Timer satisfies it.
type timerHandle interface {
	Stop() bool
}

// Supervisor owns the broker connection lifecycle: it runs transport
// attempts, drives the handshake, detects failures, applies exponential
// backoff, and exposes one-shot ready/exited signals. At most one transport
// attempt and at most one reconnect timer exist at any time; all state
// transitions are serialized under the supervisor mutex.
type Supervisor struct {
	dialer     Dialer
	transport  TransportConfig
	handshake  *HandshakeSequencer
	backoff    ExponentialBackoff
	maxRetries int
	logger     *slog.Logger
	afterFunc  func(d time.Duration, f func()) timerHandle

	registry *QueueRegistry
	guard    *PublishGuard

	mu               sync.Mutex
	state            State
	retries          int
	retryAllowed     bool
	closing          bool
	epoch            int
	session          Session
	channel          Channel
	reconnectTimer   timerHandle
	reconnectPending bool
	ready            *ReadySignal
	exit             *Completion
	connectFuture    *Completion
}

// SupervisorOption configures the Supervisor
type SupervisorOption func(*Supervisor)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxRetries sets the number of failed attempts tolerated before the
// supervisor gives up and resolves the exit signal.
func WithMaxRetries(retries int) SupervisorOption {
	return func(s *Supervisor) {
		s.maxRetries = retries
	}
}

// WithBackoff sets the reconnection backoff policy
func WithBackoff(b ExponentialBackoff) SupervisorOption {
	return func(s *Supervisor) {
		s.backoff = b
	}
}

// NewSupervisor creates a supervisor in the idle state. Nothing happens
// until Connect is called.
func NewSupervisor(dialer Dialer, transport TransportConfig, creds Credentials, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		dialer:     dialer,
		transport:  transport,
		backoff:    DefaultBackoff(),
		maxRetries: 5,
		logger:     slog.Default(),
		state:      StateIdle,
		ready:      NewReadySignal(),
		exit:       NewCompletion(),
		afterFunc: func(d time.Duration, f func()) timerHandle {
			return time.AfterFunc(d, f)
		},
	}

	for _, opt := range opts {
		opt(s)
	}

	s.handshake = NewHandshakeSequencer(creds, 1, s.logger, s.onHandshakeStage)
	s.registry = NewQueueRegistry(s, s.logger)
	s.guard = NewPublishGuard(s, s.logger)

	return s
}

// Registry returns the queue declaration registry for this connection.
func (s *Supervisor) Registry() *QueueRegistry {
	return s.registry
}

// Publisher returns the publish guard for this connection.
func (s *Supervisor) Publisher() *PublishGuard {
	return s.guard
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReadySignal returns the signal for the next (or current) entry into the
// ready state. A fresh signal is armed each time the session leaves ready,
// so callers should re-fetch after each resolution.
func (s *Supervisor) ReadySignal() *ReadySignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// ExitSignal returns the signal resolved exactly once when this lifecycle
// terminates, either by exhausted retries or a confirmed clean disconnect.
func (s *Supervisor) ExitSignal() *Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exit
}

// ReadyChannel implements channelSource for the registry and publish guard.
// The channel is only handed out while the state is ready.
func (s *Supervisor) ReadyChannel() (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady || s.channel == nil {
		return nil, ErrNotConnected
	}
	return s.channel, nil
}

// Connect starts the connection lifecycle and blocks until the session is
// ready or the lifecycle terminates. Calling Connect after Exited begins a
// fresh lifecycle with the retry counter reset and retrying re-enabled; a
// concurrent call while an attempt is in flight joins the pending outcome.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateReady:
		s.mu.Unlock()
		return nil
	case StateClosing:
		s.mu.Unlock()
		return ErrConnectionClosed
	case StateIdle, StateExited:
		s.retries = 0
		s.retryAllowed = true
		s.closing = false
		s.registry.Clear()
		s.connectFuture = NewCompletion()
		if _, resolved := s.exit.Err(); resolved {
			s.exit = NewCompletion()
		}
		s.rearmReadyLocked()
		s.setStateLocked(StateConnecting)
		go s.attempt(uuid.New().String())
	}
	future := s.connectFuture
	s.mu.Unlock()

	if future == nil {
		return ErrNotConnected
	}
	return future.Wait(ctx)
}

// Disconnect requests a graceful shutdown: reconnection is suppressed, any
// pending reconnect timer is cancelled, and the exit signal resolves once
// the transport confirms closure.
func (s *Supervisor) Disconnect(reason string) error {
	s.mu.Lock()
	if s.state == StateExited {
		s.mu.Unlock()
		return nil
	}

	s.closing = true
	s.retryAllowed = false
	s.cancelReconnectTimerLocked()

	session := s.session
	if session == nil {
		// Never connected, or between attempts: nothing to close.
		s.toExitedLocked(ErrConnectionClosed)
		s.mu.Unlock()
		return nil
	}

	s.logger.Info("disconnect requested", "reason", reason)
	s.leaveReadyLocked()
	s.setStateLocked(StateClosing)
	s.mu.Unlock()

	// The close watcher observes the clean shutdown and finishes the
	// transition to exited.
	return session.Close(reason)
}

// StopRetrying cancels any pending reconnect timer and blocks further
// reconnection attempts until the next Connect. A lifecycle that was waiting
// on a retry terminates immediately.
func (s *Supervisor) StopRetrying() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.retryAllowed = false
	if s.reconnectPending {
		s.cancelReconnectTimerLocked()
		s.logger.Info("retrying stopped, pending reconnect cancelled")
		s.toExitedLocked(ErrConnectionClosed)
	}
}

// attempt runs a single transport attempt followed by the handshake. Only
// Connect and the reconnect timer start attempts, so at most one is ever
// outstanding.
func (s *Supervisor) attempt(attemptID string) {
	s.logger.Info("connecting to broker", "addr", s.transport.Addr, "attempt", attemptID)

	ctx := context.Background()
	if s.transport.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.transport.DialTimeout)
		defer cancel()
	}

	session, err := s.dialer.Open(ctx, s.transport)
	if err != nil {
		s.logger.Error("connection failed", "addr", s.transport.Addr, "error", err)
		s.connectionFailed(&TransportError{
			Op:        "connect",
			Addr:      s.transport.Addr,
			Err:       err,
			Timestamp: time.Now(),
		})
		return
	}

	s.mu.Lock()
	if s.closing || !s.retryAllowed {
		s.mu.Unlock()
		_ = session.Close("shutdown during connect")
		s.mu.Lock()
		s.toExitedLocked(ErrConnectionClosed)
		s.mu.Unlock()
		return
	}
	s.session = session
	s.epoch++
	epoch := s.epoch
	s.setStateLocked(StateAuthenticating)
	s.mu.Unlock()

	channel, err := s.handshake.Run(ctx, session)
	if err != nil {
		_ = session.Close("handshake failed")
		s.mu.Lock()
		s.session = nil
		s.mu.Unlock()
		s.connectionFailed(err)
		return
	}

	s.mu.Lock()
	if s.closing {
		s.session = nil
		s.mu.Unlock()
		_ = session.Close("shutdown during handshake")
		s.mu.Lock()
		s.toExitedLocked(ErrConnectionClosed)
		s.mu.Unlock()
		return
	}
	s.channel = channel
	s.retries = 0
	s.setStateLocked(StateReady)
	ready := s.ready
	future := s.connectFuture
	info := SessionInfo{ID: attemptID, Since: time.Now()}
	s.mu.Unlock()

	s.logger.Info("session ready", "addr", s.transport.Addr, "session", attemptID)
	ready.Resolve(info)
	if future != nil {
		future.Resolve(nil)
	}

	go s.watchClose(session, epoch)
}

// watchClose waits for the session's close notification and routes it to the
// clean-exit or reconnect path. Stale notifications from a superseded
// session are dropped via the epoch check.
func (s *Supervisor) watchClose(session Session, epoch int) {
	err, ok := <-session.NotifyClose()
	clean := !ok || err == nil

	s.mu.Lock()
	if epoch != s.epoch || s.state == StateExited {
		s.mu.Unlock()
		return
	}

	s.session = nil
	s.leaveReadyLocked()

	if clean || s.closing {
		s.logger.Info("connection closed cleanly")
		s.toExitedLocked(ErrConnectionClosed)
		s.mu.Unlock()
		return
	}

	s.logger.Error("connection lost", "addr", s.transport.Addr, "error", err)
	cause := &TransportError{
		Op:        "session",
		Addr:      s.transport.Addr,
		Err:       err,
		Unclean:   true,
		Timestamp: time.Now(),
	}
	if !s.retryAllowed {
		s.toExitedLocked(cause)
		s.mu.Unlock()
		return
	}
	s.scheduleReconnectLocked(cause)
	s.mu.Unlock()
}

// connectionFailed handles a failed transport attempt or handshake. It is
// the failure-path entry into the shared reconnect scheduler.
func (s *Supervisor) connectionFailed(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateExited {
		return
	}
	if s.closing || !s.retryAllowed {
		s.toExitedLocked(cause)
		return
	}
	s.scheduleReconnectLocked(cause)
}

// scheduleReconnectLocked arms the reconnect timer, or terminates the
// lifecycle when retries are exhausted. Both the connection-failed and the
// unclean-disconnect paths come through here, so the duplicate-timer guard
// covers each: a second entry while a timer is pending is a no-op.
func (s *Supervisor) scheduleReconnectLocked(cause error) {
	if s.reconnectPending {
		return
	}

	if s.retries >= s.maxRetries {
		s.logger.Error("reconnect attempts exhausted",
			"addr", s.transport.Addr,
			"attempts", s.retries)
		s.toExitedLocked(fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, s.retries, cause))
		return
	}

	delay := s.backoff.NextDelay(s.retries)
	s.retries++
	s.reconnectPending = true
	s.setStateLocked(StateReconnecting)
	s.logger.Info("reconnect scheduled",
		"addr", s.transport.Addr,
		"delay", delay,
		"attempt", s.retries,
		"maxRetries", s.maxRetries)
	s.reconnectTimer = s.afterFunc(delay, s.onReconnectTimer)
}

// onReconnectTimer fires when the backoff delay elapses and starts the next
// transport attempt.
func (s *Supervisor) onReconnectTimer() {
	s.mu.Lock()
	s.reconnectPending = false
	s.reconnectTimer = nil
	if s.closing || !s.retryAllowed || s.state == StateExited {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateConnecting)
	attemptID := uuid.New().String()
	s.mu.Unlock()

	s.attempt(attemptID)
}

// leaveReadyLocked clears per-session state on any departure from ready:
// the registry is discarded and a fresh ready signal is armed.
func (s *Supervisor) leaveReadyLocked() {
	s.channel = nil
	s.registry.Clear()
	s.rearmReadyLocked()
}

func (s *Supervisor) rearmReadyLocked() {
	if _, resolved := s.ready.Info(); resolved {
		s.ready = NewReadySignal()
	}
}

// toExitedLocked finishes the lifecycle: the state becomes exited, a pending
// connect future is rejected rather than left dangling, and the exit signal
// resolves exactly once.
func (s *Supervisor) toExitedLocked(cause error) {
	s.cancelReconnectTimerLocked()
	s.setStateLocked(StateExited)
	if s.connectFuture != nil {
		s.connectFuture.Resolve(cause)
	}
	s.exit.Resolve(nil)
}

func (s *Supervisor) cancelReconnectTimerLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.reconnectPending = false
}

func (s *Supervisor) onHandshakeStage(stage string) {
	if stage != StageOpenChannel {
		return
	}
	s.mu.Lock()
	if s.state == StateAuthenticating {
		s.setStateLocked(StateOpeningChannel)
	}
	s.mu.Unlock()
}

func (s *Supervisor) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.logger.Info("connection state changed", "from", s.state.String(), "to", next.String())
	s.state = next
}
