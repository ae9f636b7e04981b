package foreground

import (
	"github.com/danmuck/callkeep/internal/protocol/envelope"
)

type EventKind int

const (
	EventVisible EventKind = iota
	EventHidden
	EventRegistered
	EventUnregistered
	EventError
	EventIncoming
	EventRetryDue
	EventPulse
	EventEnvelope
)

func (k EventKind) String() string {
	switch k {
	case EventVisible:
		return "visible"
	case EventHidden:
		return "hidden"
	case EventRegistered:
		return "registered"
	case EventUnregistered:
		return "unregistered"
	case EventError:
		return "error"
	case EventIncoming:
		return "incoming"
	case EventRetryDue:
		return "retry_due"
	case EventPulse:
		return "pulse"
	case EventEnvelope:
		return "envelope"
	default:
		return "unknown"
	}
}

// Event is one input to Manager.Handle. Call is set for EventIncoming,
// Envelope for EventEnvelope and Err for EventError.
type Event struct {
	Kind     EventKind
	Call     *envelope.Call
	Envelope *envelope.Envelope
	Err      error
}
