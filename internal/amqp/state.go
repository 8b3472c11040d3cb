package amqp

// State represents the current position of a Supervisor in its connection
// lifecycle. Exactly one State exists per Supervisor and all transitions are
// serialized under the supervisor mutex.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateOpeningChannel
	StateReady
	StateReconnecting
	StateClosing
	StateExited
)

// String returns a string representation of the connection state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateOpeningChannel:
		return "opening-channel"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}
