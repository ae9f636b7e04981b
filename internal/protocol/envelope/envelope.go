package envelope

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/callkeep/internal/liveness"
	"github.com/google/uuid"
)

// Version is the wire version written by this build.
const Version = 1

// Type tags one envelope variant.
type Type string

const (
	TypeWakeUp            Type = "WAKE_UP"
	TypeCheckConnection   Type = "CHECK_CONNECTION"
	TypeIncomingCall      Type = "INCOMING_CALL"
	TypeKeepalive         Type = "KEEPALIVE"
	TypeKeepaliveResponse Type = "KEEPALIVE_RESPONSE"
)

var (
	ErrInvalidEnvelope     = errors.New("envelope: invalid envelope")
	ErrUnsupportedVersion  = errors.New("envelope: unsupported version")
	ErrEnvelopeTooLarge    = errors.New("envelope: message too large")
	ErrUnknownEnvelopeType = errors.New("envelope: unknown type")
)

func (t Type) Known() bool {
	switch t {
	case TypeWakeUp, TypeCheckConnection, TypeIncomingCall, TypeKeepalive, TypeKeepaliveResponse:
		return true
	default:
		return false
	}
}

// Call describes an incoming call carried by INCOMING_CALL.
type Call struct {
	CallSID string `json:"call_sid,omitempty"`
	From    string `json:"from,omitempty"`
}

// Envelope is the tagged union sent over the channel. Only the fields
// relevant to Type are populated.
type Envelope struct {
	Version       int                      `json:"version"`
	ID            string                   `json:"id"`
	Type          Type                     `json:"type"`
	Timestamp     time.Time                `json:"timestamp"`
	SessionID     liveness.SessionIdentity `json:"session_id,omitempty"`
	Connected     *bool                    `json:"connected,omitempty"`
	Reason        string                   `json:"reason,omitempty"`
	Call          *Call                    `json:"call,omitempty"`
	CorrelationID string                   `json:"correlation_id,omitempty"`
}

func newEnvelope(t Type, id liveness.SessionIdentity, at time.Time) Envelope {
	return Envelope{
		Version:   Version,
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: at.UTC(),
		SessionID: id,
	}
}

// WakeUp reports the sender's view of the connected flag.
func WakeUp(id liveness.SessionIdentity, connected bool, at time.Time) Envelope {
	env := newEnvelope(TypeWakeUp, id, at)
	env.Connected = &connected
	return env
}

// CheckConnection asks the foreground to verify and heal its session.
func CheckConnection(id liveness.SessionIdentity, reason string, at time.Time) Envelope {
	env := newEnvelope(TypeCheckConnection, id, at)
	env.Reason = strings.TrimSpace(reason)
	return env
}

func IncomingCall(id liveness.SessionIdentity, call Call, at time.Time) Envelope {
	env := newEnvelope(TypeIncomingCall, id, at)
	env.Call = &call
	return env
}

func Keepalive(id liveness.SessionIdentity, at time.Time) Envelope {
	return newEnvelope(TypeKeepalive, id, at)
}

// KeepaliveResponse answers req and carries its id as correlation id.
func KeepaliveResponse(req Envelope, at time.Time) Envelope {
	env := newEnvelope(TypeKeepaliveResponse, req.SessionID, at)
	env.CorrelationID = req.ID
	return env
}

func (e Envelope) Validate() error {
	if e.Version != Version {
		return fmt.Errorf("%w: got=%d want=%d", ErrUnsupportedVersion, e.Version, Version)
	}
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	}
	if !e.Type.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownEnvelopeType, e.Type)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEnvelope)
	}
	switch e.Type {
	case TypeWakeUp:
		if e.Connected == nil {
			return fmt.Errorf("%w: %s missing connected", ErrInvalidEnvelope, e.Type)
		}
	case TypeIncomingCall:
		if e.Call == nil {
			return fmt.Errorf("%w: %s missing call", ErrInvalidEnvelope, e.Type)
		}
		if err := e.SessionID.Validate(); err != nil {
			return fmt.Errorf("%w: %s missing session_id", ErrInvalidEnvelope, e.Type)
		}
	case TypeKeepaliveResponse:
		if strings.TrimSpace(e.CorrelationID) == "" {
			return fmt.Errorf("%w: %s missing correlation_id", ErrInvalidEnvelope, e.Type)
		}
	}
	return nil
}

// IsConnected returns the WAKE_UP payload, false when absent.
func (e Envelope) IsConnected() bool {
	return e.Connected != nil && *e.Connected
}
