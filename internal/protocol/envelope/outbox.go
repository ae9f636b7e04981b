package envelope

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Pending tracks one envelope awaiting a correlated reply.
type Pending struct {
	ID       string
	Type     Type
	SentAt   time.Time
	Deadline time.Time
}

// Outbox remembers sent envelopes by id until a reply arrives or they expire.
// Nothing is resent from here; the channel stays at-most-once.
type Outbox struct {
	mu    sync.Mutex
	items map[string]Pending
}

func NewOutbox() *Outbox {
	return &Outbox{
		items: make(map[string]Pending),
	}
}

func (o *Outbox) Track(env Envelope, ttl time.Duration) {
	key := strings.TrimSpace(env.ID)
	if key == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[key] = Pending{
		ID:       key,
		Type:     env.Type,
		SentAt:   env.Timestamp,
		Deadline: env.Timestamp.Add(ttl),
	}
}

// Resolve removes the entry correlated with reply. It reports whether the
// reply matched anything; duplicate replies resolve to false.
func (o *Outbox) Resolve(reply Envelope) (Pending, bool) {
	key := strings.TrimSpace(reply.CorrelationID)
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if ok {
		delete(o.items, key)
	}
	return item, ok
}

// Expire drops entries past their deadline and returns them.
func (o *Outbox) Expire(now time.Time) []Pending {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Pending
	for k, item := range o.items {
		if !now.Before(item.Deadline) {
			out = append(out, item)
			delete(o.items, k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SentAt.Before(out[j].SentAt)
	})
	return out
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}
