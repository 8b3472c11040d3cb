package amqp

import (
	"context"
	"log/slog"
	"sync"
)

// channelSource yields the active channel, or ErrNotConnected while the
// session is not ready. The Supervisor is the only implementation; the
// session handle itself is never handed out.
type channelSource interface {
	ReadyChannel() (Channel, error)
}

// QueueRegistry tracks the queues already declared on the current session so
// stable topology does not cost a network round-trip per declaration. Entries
// are valid only while the session is ready; the Supervisor clears the
// registry on every exit from ready.
type QueueRegistry struct {
	source   channelSource
	logger   *slog.Logger
	mu       sync.Mutex
	declared map[string]struct{}
}

// NewQueueRegistry creates a registry bound to a channel source.
func NewQueueRegistry(source channelSource, logger *slog.Logger) *QueueRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueRegistry{
		source:   source,
		logger:   logger,
		declared: make(map[string]struct{}),
	}
}

// Declare declares the named queue unless it was already declared on this
// session. The returned bool reports whether a network declaration was
// issued; a dedup hit returns (Queue{Name: name}, false, nil) without any
// I/O. Returns ErrNotConnected when the session is not ready.
func (r *QueueRegistry) Declare(ctx context.Context, name string, args QueueArgs) (Queue, bool, error) {
	channel, err := r.source.ReadyChannel()
	if err != nil {
		r.logger.Error("cannot declare queue", "queue", name, "error", err)
		return Queue{}, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.declared[name]; ok {
		r.logger.Debug("queue already declared, skipping", "queue", name)
		return Queue{Name: name}, false, nil
	}

	queue, err := channel.DeclareQueue(ctx, name, args)
	if err != nil {
		return Queue{}, false, err
	}

	r.declared[queue.Name] = struct{}{}
	r.logger.Info("queue declared", "queue", queue.Name)

	return queue, true, nil
}

// Clear discards all recorded declarations. Called by the Supervisor on
// every transition out of ready; a new session makes no assumption that
// prior declarations survived.
func (r *QueueRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.declared = make(map[string]struct{})
}

// Len returns the number of queues declared on the current session.
func (r *QueueRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.declared)
}
