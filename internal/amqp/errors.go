package amqp

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned when an operation requires a ready session
	ErrNotConnected = errors.New("amqp: not connected")

	// ErrRetriesExhausted is returned once the maximum number of
	// reconnection attempts has been reached
	ErrRetriesExhausted = errors.New("amqp: maximum reconnection attempts exceeded")

	// ErrConnectionClosed is returned when the connection was closed on
	// operator request
	ErrConnectionClosed = errors.New("amqp: connection closed by request")

	// ErrConnectTimeout is returned when the transport dial times out
	ErrConnectTimeout = errors.New("amqp: connection timeout")
)

// TransportError represents a failure of the underlying transport: a refused
// or timed out connect, or a dropped established connection.
type TransportError struct {
	Op        string    // Operation that failed
	Addr      string    // Broker address (never includes credentials)
	Err       error     // Underlying error
	Unclean   bool      // True when an established session dropped unexpectedly
	Timestamp time.Time // When the error occurred
}

func (e *TransportError) Error() string {
	if e.Unclean {
		return fmt.Sprintf("amqp transport error: %s to %s dropped: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("amqp transport error: %s to %s failed: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Handshake stages, used by HandshakeError.Stage.
const (
	StageAuthenticate = "authenticate"
	StageOpenChannel  = "open-channel"
)

// HandshakeError represents a rejected authentication or channel-open during
// session negotiation.
type HandshakeError struct {
	Stage     string    // StageAuthenticate or StageOpenChannel
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("amqp handshake error: %s rejected: %v", e.Stage, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish that was forwarded to the session and
// failed there.
type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("amqp publish error: failed to publish to %s/%s: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// IsRetryable determines if an error may be resolved by reconnecting.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrRetriesExhausted):
		return false
	case errors.Is(err, ErrConnectionClosed):
		return false
	case errors.Is(err, ErrNotConnected):
		return false
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return true
	}

	var handshakeErr *HandshakeError
	if errors.As(err, &handshakeErr) {
		return true
	}

	return true
}
