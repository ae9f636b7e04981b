// Package channel carries envelopes between the foreground and background
// actors. Delivery is at-most-once and unordered; a successful Send only
// means the envelope left this process.
package channel

import (
	"context"
	"errors"

	"github.com/danmuck/callkeep/internal/liveness"
	"github.com/danmuck/callkeep/internal/protocol/envelope"
)

var (
	ErrDelivery = errors.New("channel: delivery failed")
	ErrClosed   = errors.New("channel: closed")
)

// Channel is the transport contract both actors depend on.
type Channel interface {
	Send(ctx context.Context, env envelope.Envelope) error
	Inbox() <-chan envelope.Envelope
	// HasPeer reports whether a counterpart serving id is reachable right
	// now. An empty id matches any peer.
	HasPeer(id liveness.SessionIdentity) bool
	Close() error
}
