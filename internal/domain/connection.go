package domain

// ConnectionState describes the gateway socket lifecycle.
// Disconnected and Error are both "not usable" but stay distinct so a caller
// can tell a first-connect failure from a steady-state drop.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StateChangeHandler observes connection state transitions. It fires exactly
// once per change; a transition to the current state is a no-op.
type StateChangeHandler func(state ConnectionState)
