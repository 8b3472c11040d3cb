// Copyright 2025 RelayMQ Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relaymq

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaymq/relaymq-go/internal/amqp"
)

// Re-exported connection core types, so callers do not reach into internal
// packages.
type (
	// SessionInfo identifies an established session.
	SessionInfo = amqp.SessionInfo
	// QueueArgs defines options for a queue declaration.
	QueueArgs = amqp.QueueArgs
	// Queue describes a declared queue as reported by the broker.
	Queue = amqp.Queue
	// PublishArgs defines a single outbound message.
	PublishArgs = amqp.PublishArgs
	// ReadySignal resolves when the session becomes usable; re-armed per
	// reconnect.
	ReadySignal = amqp.ReadySignal
	// Completion resolves exactly once when the connection lifecycle
	// terminates.
	Completion = amqp.Completion
	// State is the connection lifecycle state.
	State = amqp.State
	// ExponentialBackoff is the reconnection delay policy.
	ExponentialBackoff = amqp.ExponentialBackoff
)

// Re-exported sentinel errors.
var (
	ErrNotConnected     = amqp.ErrNotConnected
	ErrRetriesExhausted = amqp.ErrRetriesExhausted
	ErrConnectionClosed = amqp.ErrConnectionClosed
)

// Client provides the main entry point for relaymq: a broker connection that
// re-establishes itself on failure and guards queue operations while it is
// not ready.
type Client struct {
	cfg        Config
	supervisor *amqp.Supervisor
	logger     *slog.Logger
}

// clientConfig holds client construction options
type clientConfig struct {
	logger  *slog.Logger
	dialer  amqp.Dialer
	backoff *amqp.ExponentialBackoff
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithBackoff overrides the reconnection backoff policy derived from the
// configuration.
func WithBackoff(b ExponentialBackoff) ClientOption {
	return func(cfg *clientConfig) {
		cfg.backoff = &b
	}
}

// withDialer replaces the transport dialer. Test seam.
func withDialer(d amqp.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = d
	}
}

// NewClient creates a client from the given configuration. No connection is
// attempted until Connect is called.
func NewClient(cfg Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc := &clientConfig{
		logger: slog.Default(),
		dialer: amqp.NetDialer{},
	}
	for _, opt := range options {
		opt(cc)
	}

	backoff := amqp.ExponentialBackoff{
		Base:       time.Duration(cfg.ReconnectBaseDelaySeconds) * time.Second,
		Multiplier: 2,
	}
	if cc.backoff != nil {
		backoff = *cc.backoff
	}

	supervisor := amqp.NewSupervisor(
		cc.dialer,
		amqp.TransportConfig{
			Addr:        cfg.Addr(),
			VHost:       cfg.VHost,
			Heartbeat:   time.Duration(cfg.HeartbeatSeconds) * time.Second,
			DialTimeout: time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		},
		amqp.Credentials{
			Username: cfg.Username,
			Password: cfg.Password,
		},
		amqp.WithLogger(cc.logger),
		amqp.WithMaxRetries(cfg.MaxRetries),
		amqp.WithBackoff(backoff),
	)

	cc.logger.Info("client created", "broker", cfg.Redacted())

	return &Client{
		cfg:        cfg,
		supervisor: supervisor,
		logger:     cc.logger,
	}, nil
}

// Config returns the connection parameters this client was built with.
func (c *Client) Config() Config {
	return c.cfg
}

// Connect starts the connection lifecycle and blocks until the session is
// ready, the retry budget is exhausted, or ctx is cancelled. Calling Connect
// again after the lifecycle exited begins a fresh one.
func (c *Client) Connect(ctx context.Context) error {
	return c.supervisor.Connect(ctx)
}

// Disconnect requests a graceful shutdown; reconnection is suppressed and
// the exit signal resolves once the transport confirms closure.
func (c *Client) Disconnect(reason string) error {
	return c.supervisor.Disconnect(reason)
}

// StopRetrying cancels any pending reconnect attempt without touching an
// established session. Retrying is re-enabled by the next Connect.
func (c *Client) StopRetrying() {
	c.supervisor.StopRetrying()
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.supervisor.State()
}

// ReadySignal returns the one-shot signal for the next (or current) entry
// into the ready state. Fetch it again after each resolution; a fresh signal
// is armed per reconnect cycle.
func (c *Client) ReadySignal() *ReadySignal {
	return c.supervisor.ReadySignal()
}

// ExitSignal returns the signal resolved exactly once when the current
// lifecycle terminates.
func (c *Client) ExitSignal() *Completion {
	return c.supervisor.ExitSignal()
}

// DeclareQueue declares a queue on the current session, deduplicating
// repeated declarations of the same name. The returned bool reports whether
// a network declaration was issued. Fails with ErrNotConnected while the
// session is not ready.
func (c *Client) DeclareQueue(ctx context.Context, name string, args QueueArgs) (Queue, bool, error) {
	return c.supervisor.Registry().Declare(ctx, name, args)
}

// Publish sends a message through the current session. Fails with
// ErrNotConnected while the session is not ready; the message is logged and
// dropped, never buffered.
func (c *Client) Publish(ctx context.Context, args PublishArgs) error {
	return c.supervisor.Publisher().Publish(ctx, args)
}
