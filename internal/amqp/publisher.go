package amqp

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// PublishGuard forwards publishes to the active channel and rejects them
// with ErrNotConnected while the session is not ready. It is a guard, not a
// queue: a rejected message is logged and dropped, and delivery guarantees
// stay with the caller.
type PublishGuard struct {
	source channelSource
	logger *slog.Logger
}

// NewPublishGuard creates a guard bound to a channel source.
func NewPublishGuard(source channelSource, logger *slog.Logger) *PublishGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &PublishGuard{
		source: source,
		logger: logger,
	}
}

// Publish sends a message through the current session. MessageID and
// Timestamp are stamped when the caller left them empty.
func (g *PublishGuard) Publish(ctx context.Context, args PublishArgs) error {
	channel, err := g.source.ReadyChannel()
	if err != nil {
		g.logger.Error("cannot publish, message dropped",
			"exchange", args.Exchange,
			"routingKey", args.RoutingKey,
			"error", err)
		return err
	}

	if args.MessageID == "" {
		args.MessageID = uuid.New().String()
	}
	if args.Timestamp.IsZero() {
		args.Timestamp = time.Now()
	}

	if err := g.forward(ctx, channel, args); err != nil {
		return err
	}

	g.logger.Debug("message published",
		"exchange", args.Exchange,
		"routingKey", args.RoutingKey,
		"messageId", args.MessageID)
	return nil
}

// forward hands the message to the channel's publish operation.
func (g *PublishGuard) forward(ctx context.Context, channel Channel, args PublishArgs) error {
	if err := channel.Publish(ctx, args); err != nil {
		return &PublishError{
			Exchange:   args.Exchange,
			RoutingKey: args.RoutingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}
