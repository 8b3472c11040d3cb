package amqp

import (
	"context"
	"log/slog"
	"time"
)

// HandshakeSequencer negotiates a usable session in strict order:
// authenticate first, then open the logical channel. It never retries; a
// failure at either stage is wrapped as a HandshakeError and handed back to
// the caller, where the Supervisor's retry policy takes over.
type HandshakeSequencer struct {
	credentials Credentials
	channelID   int
	logger      *slog.Logger
	onStage     func(stage string)
}

// NewHandshakeSequencer creates a sequencer. onStage, when non-nil, is
// invoked as each stage begins so the owner can track progress.
func NewHandshakeSequencer(creds Credentials, channelID int, logger *slog.Logger, onStage func(stage string)) *HandshakeSequencer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HandshakeSequencer{
		credentials: creds,
		channelID:   channelID,
		logger:      logger,
		onStage:     onStage,
	}
}

// Run drives the handshake on an open session and returns the ready channel.
// The channel-open is never requested before authentication has succeeded.
func (h *HandshakeSequencer) Run(ctx context.Context, session Session) (Channel, error) {
	h.notify(StageAuthenticate)
	factory, err := session.Authenticate(ctx, h.credentials)
	if err != nil {
		h.logger.Error("authentication failed", "error", err)
		return nil, &HandshakeError{
			Stage:     StageAuthenticate,
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	h.logger.Info("authentication succeeded")

	h.notify(StageOpenChannel)
	channel, err := factory.OpenChannel(ctx, h.channelID)
	if err != nil {
		h.logger.Error("channel open failed", "channel", h.channelID, "error", err)
		return nil, &HandshakeError{
			Stage:     StageOpenChannel,
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	h.logger.Info("channel open", "channel", h.channelID)

	return channel, nil
}

func (h *HandshakeSequencer) notify(stage string) {
	if h.onStage != nil {
		h.onStage(stage)
	}
}
