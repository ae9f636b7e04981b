package policy

// State is the connection state of one session identity.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoffWait
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoffWait:
		return "backoff_wait"
	default:
		return "unknown"
	}
}
