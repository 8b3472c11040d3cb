package amqp

import (
	"context"
	"fmt"
	"net"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Credentials carries the broker login. Passed to the handshake only, never
// logged.
type Credentials struct {
	Username string
	Password string
}

// TransportConfig describes how to reach the broker. Immutable once the
// Supervisor is constructed.
type TransportConfig struct {
	Addr        string        // host:port
	VHost       string        // virtual host, "/" by default
	Heartbeat   time.Duration // 0 disables heartbeats
	DialTimeout time.Duration // transport connect timeout
}

// SessionInfo identifies an established session. It is what observers of the
// ready signal receive; the session handle itself stays owned by the
// Supervisor.
type SessionInfo struct {
	ID    string    // per-attempt identifier, for log correlation
	Since time.Time // when the session became ready
}

// QueueArgs defines options for a queue declaration.
type QueueArgs struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  map[string]interface{}
}

// Queue describes a declared queue as reported by the broker.
type Queue struct {
	Name      string
	Messages  int
	Consumers int
}

// PublishArgs defines a single outbound message.
type PublishArgs struct {
	Exchange    string
	RoutingKey  string
	Mandatory   bool
	Immediate   bool
	ContentType string
	Headers     map[string]interface{}
	MessageID   string
	Timestamp   time.Time
	Body        []byte
}

// Dialer opens the transport leg of a broker connection. The returned
// Session has not been authenticated yet.
type Dialer interface {
	Open(ctx context.Context, cfg TransportConfig) (Session, error)
}

// Session is the narrow protocol surface the connection core depends on.
// Authentication must succeed before channels can be opened.
type Session interface {
	// Authenticate performs the protocol handshake with the given
	// credentials and returns the channel factory on success.
	Authenticate(ctx context.Context, creds Credentials) (ChannelFactory, error)

	// NotifyClose returns a channel that yields at most one error when the
	// session ends: a non-nil error for an unexpected drop, nil (or a bare
	// close of the channel) for a clean shutdown.
	NotifyClose() <-chan error

	// Close shuts the session down, releasing the transport.
	Close(reason string) error
}

// ChannelFactory opens logical channels on an authenticated session.
type ChannelFactory interface {
	OpenChannel(ctx context.Context, id int) (Channel, error)
}

// Channel is a logical sub-connection used for queue operations.
type Channel interface {
	DeclareQueue(ctx context.Context, name string, args QueueArgs) (Queue, error)
	Publish(ctx context.Context, args PublishArgs) error
}

// NetDialer is the production Dialer. It opens a TCP connection only; the
// protocol handshake happens in Session.Authenticate so that transport
// failures and handshake rejections stay distinguishable.
type NetDialer struct{}

// Open implements Dialer.
func (NetDialer) Open(ctx context.Context, cfg TransportConfig) (Session, error) {
	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	return &liveSession{cfg: cfg, conn: conn}, nil
}

// liveSession is the amqp091-go backed Session. The raw TCP connection is
// held until Authenticate upgrades it to a protocol connection.
type liveSession struct {
	cfg  TransportConfig
	conn net.Conn
	amqp *amqp091.Connection
}

func (s *liveSession) Authenticate(ctx context.Context, creds Credentials) (ChannelFactory, error) {
	// amqp091.Open has no context support; honor a ctx deadline through
	// the socket so a hung handshake cannot block forever.
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetDeadline(deadline)
		defer s.conn.SetDeadline(time.Time{})
	}

	conn, err := amqp091.Open(s.conn, amqp091.Config{
		SASL: []amqp091.Authentication{
			&amqp091.PlainAuth{
				Username: creds.Username,
				Password: creds.Password,
			},
		},
		Vhost:     s.cfg.VHost,
		Heartbeat: s.cfg.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, err
	}

	s.amqp = conn
	return s, nil
}

// OpenChannel implements ChannelFactory. amqp091 allocates channel numbers
// itself; id is kept for log correlation only.
func (s *liveSession) OpenChannel(ctx context.Context, id int) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, err := s.amqp.Channel()
	if err != nil {
		return nil, err
	}
	return &liveChannel{ch: ch}, nil
}

func (s *liveSession) NotifyClose() <-chan error {
	out := make(chan error, 1)

	if s.amqp == nil {
		// Not authenticated; nothing to watch.
		close(out)
		return out
	}

	in := make(chan *amqp091.Error, 1)
	s.amqp.NotifyClose(in)

	go func() {
		defer close(out)
		// amqp091 closes the channel without sending on a clean
		// client-side Close; an unexpected drop delivers the error.
		if err, ok := <-in; ok && err != nil {
			out <- err
		}
	}()

	return out
}

func (s *liveSession) Close(reason string) error {
	if s.amqp != nil {
		return s.amqp.Close()
	}
	return s.conn.Close()
}

type liveChannel struct {
	ch *amqp091.Channel
}

func (c *liveChannel) DeclareQueue(ctx context.Context, name string, args QueueArgs) (Queue, error) {
	if err := ctx.Err(); err != nil {
		return Queue{}, err
	}
	q, err := c.ch.QueueDeclare(
		name,
		args.Durable,
		args.AutoDelete,
		args.Exclusive,
		false, // no-wait
		amqp091.Table(args.Arguments),
	)
	if err != nil {
		return Queue{}, fmt.Errorf("queue declare %q: %w", name, err)
	}
	return Queue{
		Name:      q.Name,
		Messages:  q.Messages,
		Consumers: q.Consumers,
	}, nil
}

func (c *liveChannel) Publish(ctx context.Context, args PublishArgs) error {
	return c.ch.PublishWithContext(
		ctx,
		args.Exchange,
		args.RoutingKey,
		args.Mandatory,
		args.Immediate,
		amqp091.Publishing{
			ContentType: args.ContentType,
			Headers:     amqp091.Table(args.Headers),
			MessageId:   args.MessageID,
			Timestamp:   args.Timestamp,
			Body:        args.Body,
		},
	)
}
