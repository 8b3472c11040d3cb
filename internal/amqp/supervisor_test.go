package amqp

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel records queue declarations and publishes.
type fakeChannel struct {
	mu         sync.Mutex
	declares   []string
	declareErr error
	publishes  []PublishArgs
	publishErr error
}

func (c *fakeChannel) DeclareQueue(ctx context.Context, name string, args QueueArgs) (Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declareErr != nil {
		return Queue{}, c.declareErr
	}
	c.declares = append(c.declares, name)
	return Queue{Name: name}, nil
}

func (c *fakeChannel) Publish(ctx context.Context, args PublishArgs) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.publishes = append(c.publishes, args)
	return nil
}

func (c *fakeChannel) declareCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.declares)
}

func (c *fakeChannel) publishCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.publishes)
}

// fakeSession scripts the handshake and close notification.
type fakeSession struct {
	mu        sync.Mutex
	authErr   error
	openErr   error
	channel   *fakeChannel
	closeCh   chan error
	closed    bool
	authCalls int
	openCalls int
	order     []string
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		channel: &fakeChannel{},
		closeCh: make(chan error, 1),
	}
}

func (s *fakeSession) Authenticate(ctx context.Context, creds Credentials) (ChannelFactory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCalls++
	s.order = append(s.order, "authenticate")
	if s.authErr != nil {
		return nil, s.authErr
	}
	return s, nil
}

func (s *fakeSession) OpenChannel(ctx context.Context, id int) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openCalls++
	s.order = append(s.order, "open-channel")
	if s.openErr != nil {
		return nil, s.openErr
	}
	return s.channel, nil
}

func (s *fakeSession) NotifyClose() <-chan error {
	return s.closeCh
}

func (s *fakeSession) Close(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.closeCh)
	}
	return nil
}

// fail simulates an unexpected mid-session drop.
func (s *fakeSession) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.closeCh <- err
		close(s.closeCh)
	}
}

// fakeDialer scripts one outcome per attempt.
type fakeDialer struct {
	mu       sync.Mutex
	attempts int
	script   func(attempt int) (Session, error)
}

func (d *fakeDialer) Open(ctx context.Context, cfg TransportConfig) (Session, error) {
	d.mu.Lock()
	n := d.attempts
	d.attempts++
	d.mu.Unlock()
	return d.script(n)
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// fakeTimer and timerRecorder let tests drive the reconnect schedule without
// sleeping.
type fakeTimer struct {
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return true
}

type timerRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
	timers []*fakeTimer
}

func (r *timerRecorder) afterFunc(d time.Duration, f func()) timerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	r.fns = append(r.fns, f)
	t := &fakeTimer{}
	r.timers = append(r.timers, t)
	return t
}

func (r *timerRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.delays)
}

func (r *timerRecorder) delay(i int) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delays[i]
}

func (r *timerRecorder) fire(i int) {
	r.mu.Lock()
	fn := r.fns[i]
	r.mu.Unlock()
	fn()
}

func newTestSupervisor(t *testing.T, dialer Dialer, opts ...SupervisorOption) (*Supervisor, *timerRecorder) {
	t.Helper()
	recorder := &timerRecorder{}
	base := []SupervisorOption{
		WithLogger(slog.New(slog.NewTextHandler(testWriter{t}, nil))),
		WithBackoff(ExponentialBackoff{Base: time.Second, Multiplier: 2}),
		WithMaxRetries(3),
	}
	s := NewSupervisor(dialer, TransportConfig{Addr: "broker:5672", VHost: "/"},
		Credentials{Username: "guest", Password: "guest"},
		append(base, opts...)...)
	s.afterFunc = recorder.afterFunc
	return s, recorder
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSupervisorConnect(t *testing.T) {
	t.Run("successful handshake reaches ready", func(t *testing.T) {
		session := newFakeSession()
		dialer := &fakeDialer{script: func(int) (Session, error) { return session, nil }}
		s, recorder := newTestSupervisor(t, dialer)

		err := s.Connect(testContext(t))

		require.NoError(t, err)
		assert.Equal(t, StateReady, s.State())
		assert.Equal(t, 0, recorder.count())

		info, resolved := s.ReadySignal().Info()
		assert.True(t, resolved)
		assert.NotEmpty(t, info.ID)

		_, exited := s.ExitSignal().Err()
		assert.False(t, exited)
	})

	t.Run("connect while ready is a no-op", func(t *testing.T) {
		session := newFakeSession()
		dialer := &fakeDialer{script: func(int) (Session, error) { return session, nil }}
		s, _ := newTestSupervisor(t, dialer)

		require.NoError(t, s.Connect(testContext(t)))
		require.NoError(t, s.Connect(testContext(t)))

		assert.Equal(t, 1, dialer.attemptCount())
	})

	t.Run("failure then success recovers through backoff", func(t *testing.T) {
		session := newFakeSession()
		dialer := &fakeDialer{script: func(attempt int) (Session, error) {
			if attempt == 0 {
				return nil, errors.New("connection refused")
			}
			return session, nil
		}}
		s, recorder := newTestSupervisor(t, dialer)

		done := make(chan error, 1)
		go func() { done <- s.Connect(testContext(t)) }()

		require.Eventually(t, func() bool { return recorder.count() == 1 }, time.Second, time.Millisecond)
		assert.Equal(t, StateReconnecting, s.State())
		recorder.fire(0)

		require.NoError(t, <-done)
		assert.Equal(t, StateReady, s.State())
	})
}

func TestSupervisorBackoffSchedule(t *testing.T) {
	t.Run("delays double per failure and exit resolves at the retry budget", func(t *testing.T) {
		dialer := &fakeDialer{script: func(int) (Session, error) {
			return nil, errors.New("connection refused")
		}}
		s, recorder := newTestSupervisor(t, dialer)

		done := make(chan error, 1)
		go func() { done <- s.Connect(testContext(t)) }()

		// baseDelay=1s, maxRetries=3: retries scheduled at 1s, 2s, 4s.
		for i, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
			require.Eventually(t, func() bool { return recorder.count() == i+1 }, time.Second, time.Millisecond)
			assert.Equal(t, want, recorder.delay(i))

			_, exited := s.ExitSignal().Err()
			assert.False(t, exited, "exit must not resolve while retries remain")

			recorder.fire(i)
		}

		// The fourth failure exhausts the budget.
		err := <-done
		require.ErrorIs(t, err, ErrRetriesExhausted)
		assert.Equal(t, StateExited, s.State())
		assert.Equal(t, 3, recorder.count(), "no timer after the final failure")

		_, exited := s.ExitSignal().Err()
		assert.True(t, exited)
	})

	t.Run("duplicate failure events arm a single timer", func(t *testing.T) {
		dialer := &fakeDialer{script: func(int) (Session, error) {
			return nil, errors.New("connection refused")
		}}
		s, recorder := newTestSupervisor(t, dialer)

		s.mu.Lock()
		s.retryAllowed = true
		s.mu.Unlock()

		cause := errors.New("boom")
		s.connectionFailed(cause)
		s.connectionFailed(cause)

		assert.Equal(t, 1, recorder.count())
	})

	t.Run("retry counter resets on ready", func(t *testing.T) {
		session := newFakeSession()
		dialer := &fakeDialer{script: func(attempt int) (Session, error) {
			if attempt < 2 {
				return nil, errors.New("connection refused")
			}
			return session, nil
		}}
		s, recorder := newTestSupervisor(t, dialer)

		done := make(chan error, 1)
		go func() { done <- s.Connect(testContext(t)) }()

		require.Eventually(t, func() bool { return recorder.count() == 1 }, time.Second, time.Millisecond)
		recorder.fire(0)
		require.Eventually(t, func() bool { return recorder.count() == 2 }, time.Second, time.Millisecond)
		recorder.fire(1)
		require.NoError(t, <-done)

		s.mu.Lock()
		retries := s.retries
		s.mu.Unlock()
		assert.Equal(t, 0, retries)
	})
}

func TestSupervisorTransportLost(t *testing.T) {
	t.Run("unclean drop schedules reconnect and clears session state", func(t *testing.T) {
		first := newFakeSession()
		second := newFakeSession()
		dialer := &fakeDialer{script: func(attempt int) (Session, error) {
			if attempt == 0 {
				return first, nil
			}
			return second, nil
		}}
		s, recorder := newTestSupervisor(t, dialer)

		require.NoError(t, s.Connect(testContext(t)))

		_, _, err := s.Registry().Declare(testContext(t), "orders", QueueArgs{})
		require.NoError(t, err)
		require.Equal(t, 1, s.Registry().Len())

		firstReady := s.ReadySignal()

		first.fail(errors.New("broken pipe"))

		require.Eventually(t, func() bool { return recorder.count() == 1 }, time.Second, time.Millisecond)
		assert.Equal(t, StateReconnecting, s.State())
		assert.Equal(t, time.Second, recorder.delay(0), "drop after ready restarts the schedule")
		assert.Equal(t, 0, s.Registry().Len(), "registry cleared on exit from ready")

		_, exited := s.ExitSignal().Err()
		assert.False(t, exited)

		recorder.fire(0)

		newReady := s.ReadySignal()
		assert.NotSame(t, firstReady, newReady, "ready signal re-armed per reconnect")
		_, err = newReady.Wait(testContext(t))
		require.NoError(t, err)
		assert.Equal(t, StateReady, s.State())
	})

	t.Run("unclean drop with retrying stopped terminates", func(t *testing.T) {
		session := newFakeSession()
		dialer := &fakeDialer{script: func(int) (Session, error) { return session, nil }}
		s, recorder := newTestSupervisor(t, dialer)

		require.NoError(t, s.Connect(testContext(t)))
		s.StopRetrying()

		session.fail(errors.New("broken pipe"))

		require.NoError(t, s.ExitSignal().Wait(testContext(t)))
		assert.Equal(t, StateExited, s.State())
		assert.Equal(t, 0, recorder.count())
	})
}

func TestSupervisorDisconnect(t *testing.T) {
	t.Run("clean close never reconnects", func(t *testing.T) {
		session := newFakeSession()
		dialer := &fakeDialer{script: func(int) (Session, error) { return session, nil }}
		s, recorder := newTestSupervisor(t, dialer)

		require.NoError(t, s.Connect(testContext(t)))
		require.NoError(t, s.Disconnect("operator requested"))

		require.NoError(t, s.ExitSignal().Wait(testContext(t)))
		assert.Equal(t, StateExited, s.State())
		assert.Equal(t, 0, recorder.count())
		assert.Equal(t, 1, dialer.attemptCount())
	})

	t.Run("disconnect before any session resolves exit immediately", func(t *testing.T) {
		dialer := &fakeDialer{script: func(int) (Session, error) { return newFakeSession(), nil }}
		s, _ := newTestSupervisor(t, dialer)

		require.NoError(t, s.Disconnect("never started"))

		require.NoError(t, s.ExitSignal().Wait(testContext(t)))
		assert.Equal(t, StateExited, s.State())
	})

	t.Run("disconnect cancels a pending reconnect timer", func(t *testing.T) {
		dialer := &fakeDialer{script: func(int) (Session, error) {
			return nil, errors.New("connection refused")
		}}
		s, recorder := newTestSupervisor(t, dialer)

		done := make(chan error, 1)
		go func() { done <- s.Connect(testContext(t)) }()

		require.Eventually(t, func() bool { return recorder.count() == 1 }, time.Second, time.Millisecond)
		require.NoError(t, s.Disconnect("shutting down"))

		err := <-done
		require.ErrorIs(t, err, ErrConnectionClosed)
		assert.True(t, recorder.timers[0].stopped)
		assert.Equal(t, 1, dialer.attemptCount(), "no further attempt after disconnect")
	})
}

func TestSupervisorStopRetrying(t *testing.T) {
	t.Run("cancels the armed timer and terminates the lifecycle", func(t *testing.T) {
		dialer := &fakeDialer{script: func(int) (Session, error) {
			return nil, errors.New("connection refused")
		}}
		s, recorder := newTestSupervisor(t, dialer)

		done := make(chan error, 1)
		go func() { done <- s.Connect(testContext(t)) }()

		require.Eventually(t, func() bool { return recorder.count() == 1 }, time.Second, time.Millisecond)
		s.StopRetrying()

		err := <-done
		require.ErrorIs(t, err, ErrConnectionClosed)
		assert.True(t, recorder.timers[0].stopped)
		assert.Equal(t, StateExited, s.State())
	})

	t.Run("is a flag clear only while ready", func(t *testing.T) {
		session := newFakeSession()
		dialer := &fakeDialer{script: func(int) (Session, error) { return session, nil }}
		s, _ := newTestSupervisor(t, dialer)

		require.NoError(t, s.Connect(testContext(t)))
		s.StopRetrying()

		assert.Equal(t, StateReady, s.State())
		_, exited := s.ExitSignal().Err()
		assert.False(t, exited)
	})
}

func TestSupervisorFreshLifecycle(t *testing.T) {
	t.Run("connect after exited starts over with a fresh exit signal", func(t *testing.T) {
		healthy := false
		dialer := &fakeDialer{script: func(int) (Session, error) {
			if healthy {
				return newFakeSession(), nil
			}
			return nil, errors.New("connection refused")
		}}
		s, _ := newTestSupervisor(t, dialer, WithMaxRetries(0))

		err := s.Connect(testContext(t))
		require.ErrorIs(t, err, ErrRetriesExhausted)
		firstExit := s.ExitSignal()
		require.NoError(t, firstExit.Wait(testContext(t)))

		healthy = true
		require.NoError(t, s.Connect(testContext(t)))
		assert.Equal(t, StateReady, s.State())

		secondExit := s.ExitSignal()
		assert.NotSame(t, firstExit, secondExit)
		_, exited := secondExit.Err()
		assert.False(t, exited)
	})
}

func TestSupervisorHandshakeFailure(t *testing.T) {
	t.Run("auth rejection follows the transport failure path", func(t *testing.T) {
		session := newFakeSession()
		session.authErr = errors.New("ACCESS_REFUSED")
		dialer := &fakeDialer{script: func(int) (Session, error) { return session, nil }}
		s, recorder := newTestSupervisor(t, dialer)

		done := make(chan error, 1)
		go func() { done <- s.Connect(testContext(t)) }()

		require.Eventually(t, func() bool { return recorder.count() == 1 }, time.Second, time.Millisecond)
		assert.Equal(t, StateReconnecting, s.State())
		assert.Equal(t, 0, session.openCalls, "channel never opened before auth succeeds")

		s.Disconnect("test over")
		<-done
	})
}

func TestSupervisorReadyChannel(t *testing.T) {
	t.Run("accessor refuses while not ready", func(t *testing.T) {
		dialer := &fakeDialer{script: func(int) (Session, error) { return newFakeSession(), nil }}
		s, _ := newTestSupervisor(t, dialer)

		_, err := s.ReadyChannel()
		assert.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("accessor yields the channel while ready", func(t *testing.T) {
		session := newFakeSession()
		dialer := &fakeDialer{script: func(int) (Session, error) { return session, nil }}
		s, _ := newTestSupervisor(t, dialer)

		require.NoError(t, s.Connect(testContext(t)))

		ch, err := s.ReadyChannel()
		require.NoError(t, err)
		assert.Equal(t, session.channel, ch)
	})
}
