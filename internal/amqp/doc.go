// Package amqp implements the resilient broker connection core for relaymq.
//
// This package includes:
//   - Supervisor: owns the connection lifecycle state machine with automatic
//     reconnection and exponential backoff
//   - HandshakeSequencer: drives authenticate -> open-channel in strict order
//   - QueueRegistry: deduplicates queue declarations within a session
//   - PublishGuard: rejects publishes while the session is not ready
//   - Session interfaces: the narrow protocol surface the core depends on,
//     with an amqp091-go backed implementation
//
// The implementation focuses on predictable failure handling:
//   - A single reconnect timer, never two (shared guard for the failed and
//     lost paths)
//   - One-shot ready/exited signals so dependents never poll
//   - Retry policy lives solely in the Supervisor; the handshake never
//     retries internally
package amqp
