package liveness

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrIdentityRequired  = errors.New("liveness: session identity required")
	ErrInvalidCredential = errors.New("liveness: invalid credential")
	ErrCredentialExpired = errors.New("liveness: credential expired")
	// ErrCredentialFetch marks every failure to obtain a usable credential
	// from the token endpoint.
	ErrCredentialFetch = errors.New("liveness: credential fetch failed")
)

// SessionIdentity identifies the reachable user/session. It is opaque and
// never rewritten once assigned.
type SessionIdentity string

func (id SessionIdentity) String() string {
	return string(id)
}

func (id SessionIdentity) Validate() error {
	if strings.TrimSpace(string(id)) == "" {
		return ErrIdentityRequired
	}
	return nil
}

// Credential is a provider access token bound to one identity.
type Credential struct {
	Token     string          `json:"token"`
	IssuedFor SessionIdentity `json:"issued_for"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Valid reports whether the credential may still be handed to a connect call.
func (c Credential) Valid(now time.Time) bool {
	return strings.TrimSpace(c.Token) != "" && now.Before(c.ExpiresAt)
}

func (c Credential) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidCredential)
	}
	if err := c.IssuedFor.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if c.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: missing expires_at", ErrInvalidCredential)
	}
	return nil
}

// Record is the last-known liveness of the logical session.
type Record struct {
	Connected     bool            `json:"connected"`
	LastCheckedAt time.Time       `json:"last_checked_at"`
	SessionID     SessionIdentity `json:"session_id,omitempty"`
}

// Fresh reports whether the record was checked within staleAfter of now.
func (r Record) Fresh(now time.Time, staleAfter time.Duration) bool {
	if r.LastCheckedAt.IsZero() {
		return false
	}
	return now.Sub(r.LastCheckedAt) < staleAfter
}

// PendingCall remembers the identity an incoming-call notification links to.
type PendingCall struct {
	SessionID  SessionIdentity `json:"session_id"`
	CallSID    string          `json:"call_sid,omitempty"`
	From       string          `json:"from,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Attempt is the persisted form of an actor's reconnect counter. It is only
// written when backoff persistence is enabled.
type Attempt struct {
	Number         int       `json:"number"`
	NextEligibleAt time.Time `json:"next_eligible_at"`
}
