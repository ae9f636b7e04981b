package foreground

import (
	"context"
	"errors"

	"github.com/danmuck/callkeep/internal/liveness"
	"github.com/danmuck/callkeep/internal/protocol/envelope"
)

var (
	ErrSessionConnect      = errors.New("foreground: session connect failed")
	ErrSessionDisconnected = errors.New("foreground: session disconnected")
	ErrNotActivated        = errors.New("foreground: not activated")
	ErrIdentityMismatch    = errors.New("foreground: manager bound to another identity")
)

// Session is a live provider registration.
type Session interface {
	Close() error
}

// Telephony opens provider sessions. Lifecycle changes after Connect are
// reported back through Manager.Handle.
type Telephony interface {
	Connect(ctx context.Context, cred liveness.Credential) (Session, error)
}

// Release gives up a held sleep inhibitor.
type Release func()

type SleepInhibitor interface {
	Acquire(ctx context.Context) (Release, error)
}

// CallSurface presents an incoming call locally.
type CallSurface interface {
	Present(ctx context.Context, id liveness.SessionIdentity, call envelope.Call) error
}

// Capabilities are the host features resolved at startup. A false value
// selects the degraded branch for that feature.
type Capabilities struct {
	SleepInhibitor   bool
	BackgroundTimers bool
}
