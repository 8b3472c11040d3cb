package amqp

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrors(t *testing.T) {
	t.Run("transport error unwraps its cause", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := &TransportError{Op: "connect", Addr: "broker:5672", Err: cause, Timestamp: time.Now()}

		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "connect")
		assert.Contains(t, err.Error(), "broker:5672")
	})

	t.Run("unclean drops read differently", func(t *testing.T) {
		err := &TransportError{Op: "session", Addr: "broker:5672", Err: errors.New("eof"), Unclean: true}

		assert.Contains(t, err.Error(), "dropped")
	})

	t.Run("handshake error carries its stage", func(t *testing.T) {
		err := &HandshakeError{Stage: StageAuthenticate, Err: errors.New("denied")}

		assert.Contains(t, err.Error(), StageAuthenticate)
	})

	t.Run("IsRetryable classification", func(t *testing.T) {
		assert.False(t, IsRetryable(nil))
		assert.False(t, IsRetryable(ErrRetriesExhausted))
		assert.False(t, IsRetryable(ErrConnectionClosed))
		assert.False(t, IsRetryable(ErrNotConnected))

		assert.True(t, IsRetryable(&TransportError{Err: errors.New("refused")}))
		assert.True(t, IsRetryable(&HandshakeError{Stage: StageOpenChannel, Err: errors.New("busy")}))
	})
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateIdle:           "idle",
		StateConnecting:     "connecting",
		StateAuthenticating: "authenticating",
		StateOpeningChannel: "opening-channel",
		StateReady:          "ready",
		StateReconnecting:   "reconnecting",
		StateClosing:        "closing",
		StateExited:         "exited",
		State(99):           "unknown",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}
