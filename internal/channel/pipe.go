package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/callkeep/internal/liveness"
	"github.com/danmuck/callkeep/internal/protocol/envelope"
)

// PipeEnd is one side of an in-process channel pair.
type PipeEnd struct {
	inbox chan envelope.Envelope
	peer  *PipeEnd

	mu       sync.Mutex
	identity liveness.SessionIdentity
	closed   bool
	drop     func(envelope.Envelope) bool
}

// NewPipe returns two connected ends. Each inbox holds buffer envelopes;
// sends beyond that fail with ErrDelivery.
func NewPipe(buffer int) (*PipeEnd, *PipeEnd) {
	if buffer <= 0 {
		buffer = 16
	}
	a := &PipeEnd{inbox: make(chan envelope.Envelope, buffer)}
	b := &PipeEnd{inbox: make(chan envelope.Envelope, buffer)}
	a.peer = b
	b.peer = a
	return a, b
}

// SetIdentity declares which identity this end serves, as seen by the
// other end's HasPeer.
func (p *PipeEnd) SetIdentity(id liveness.SessionIdentity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identity = id
}

// SetDrop installs a loss filter. Envelopes for which fn returns true are
// discarded after Send has reported success.
func (p *PipeEnd) SetDrop(fn func(envelope.Envelope) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drop = fn
}

func (p *PipeEnd) Send(ctx context.Context, env envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := env.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	closed, drop := p.closed, p.drop
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !p.peer.open() {
		return fmt.Errorf("%w: peer closed", ErrDelivery)
	}
	if drop != nil && drop(env) {
		return nil
	}
	select {
	case p.peer.inbox <- env:
		return nil
	default:
		return fmt.Errorf("%w: peer inbox full", ErrDelivery)
	}
}

func (p *PipeEnd) Inbox() <-chan envelope.Envelope {
	return p.inbox
}

func (p *PipeEnd) HasPeer(id liveness.SessionIdentity) bool {
	peer := p.peer
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.closed {
		return false
	}
	return id == "" || peer.identity == "" || peer.identity == id
}

func (p *PipeEnd) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *PipeEnd) open() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}
