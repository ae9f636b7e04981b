package policy

import "time"

// Decision is the action the background agent takes after one evaluation.
type Decision int

const (
	DoNothing Decision = iota
	AttemptReconnect
	RequestForegroundCheck
	EscalateNotification
)

func (d Decision) String() string {
	switch d {
	case DoNothing:
		return "do_nothing"
	case AttemptReconnect:
		return "attempt_reconnect"
	case RequestForegroundCheck:
		return "request_foreground_check"
	case EscalateNotification:
		return "escalate_notification"
	default:
		return "unknown"
	}
}

// Input is everything Decide looks at.
type Input struct {
	State             State
	AttemptNumber     int
	LastCheckedAt     time.Time
	Now               time.Time
	HasForegroundPeer bool
	// ServerRequestsReconnect is the heartbeat endpoint's shouldReconnect.
	// The server observes staleness the client cannot, so it wins over a
	// locally connected record.
	ServerRequestsReconnect bool
	// LastNotifiedAt is the last escalation notification, zero if none.
	LastNotifiedAt time.Time
}

// Decide maps one observation onto a Decision. It is pure.
func Decide(cfg Config, in Input) Decision {
	fresh := !in.LastCheckedAt.IsZero() && in.Now.Sub(in.LastCheckedAt) < cfg.StaleThreshold
	if in.State == StateConnected && fresh && !in.ServerRequestsReconnect {
		return DoNothing
	}
	if in.HasForegroundPeer {
		return RequestForegroundCheck
	}
	if in.AttemptNumber <= cfg.EscalationThreshold {
		return AttemptReconnect
	}
	if !in.LastNotifiedAt.IsZero() && in.Now.Sub(in.LastNotifiedAt) < cfg.NotificationCooldown {
		return DoNothing
	}
	return EscalateNotification
}
