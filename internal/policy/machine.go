package policy

import (
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/callkeep/internal/liveness"
)

// Snapshot is a point-in-time copy of a Machine.
type Snapshot struct {
	Identity       liveness.SessionIdentity
	State          State
	AttemptNumber  int
	NextEligibleAt time.Time
	InFlight       bool
}

// Machine tracks one identity's connection state and reconnect backoff.
// At most one connection handshake may be in flight at a time.
type Machine struct {
	id  liveness.SessionIdentity
	cfg BackoffConfig
	rng *rand.Rand

	mu             sync.Mutex
	state          State
	attempt        int
	nextEligibleAt time.Time
	inFlight       bool
}

func NewMachine(id liveness.SessionIdentity, cfg BackoffConfig) *Machine {
	m := &Machine{
		id:    id,
		cfg:   cfg,
		state: StateDisconnected,
	}
	if cfg.Jitter {
		m.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return m
}

// Begin moves Disconnected/BackoffWait to Connecting when now has reached
// the next eligible time and no attempt is outstanding. A false return means
// the caller must not start a handshake.
func (m *Machine) Begin(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight {
		return false
	}
	if m.state != StateDisconnected && m.state != StateBackoffWait {
		return false
	}
	if now.Before(m.nextEligibleAt) {
		return false
	}
	m.inFlight = true
	m.state = StateConnecting
	return true
}

// Succeed completes an attempt: Connecting -> Connected, counter reset.
func (m *Machine) Succeed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight = false
	m.state = StateConnected
	m.attempt = 0
	m.nextEligibleAt = time.Time{}
}

// Fail completes an attempt: Connecting -> BackoffWait. It returns the delay
// until the next eligible attempt.
func (m *Machine) Fail(now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight = false
	m.state = StateBackoffWait
	m.attempt++
	delay := BackoffDelay(m.cfg, m.attempt, m.rng)
	m.nextEligibleAt = now.Add(delay)
	return delay
}

// Disconnect handles a provider-pushed loss: Connected -> Disconnected.
// Other states are left alone so an in-flight attempt keeps its guard.
func (m *Machine) Disconnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return false
	}
	m.state = StateDisconnected
	return true
}

// MarkConnected records a registration reported by the provider outside of
// an attempt.
func (m *Machine) MarkConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight {
		return
	}
	m.state = StateConnected
	m.attempt = 0
	m.nextEligibleAt = time.Time{}
}

// Abort releases an in-flight guard without counting a failure.
func (m *Machine) Abort() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inFlight {
		return
	}
	m.inFlight = false
	m.state = StateDisconnected
}

// Restore seeds the counter from a persisted attempt.
func (m *Machine) Restore(a liveness.Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight || a.Number < 0 {
		return
	}
	m.attempt = a.Number
	m.nextEligibleAt = a.NextEligibleAt
	if a.Number > 0 {
		m.state = StateBackoffWait
	}
}

func (m *Machine) Attempt() liveness.Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return liveness.Attempt{Number: m.attempt, NextEligibleAt: m.nextEligibleAt}
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Identity:       m.id,
		State:          m.state,
		AttemptNumber:  m.attempt,
		NextEligibleAt: m.nextEligibleAt,
		InFlight:       m.inFlight,
	}
}

// Registry hands out one Machine per identity.
type Registry struct {
	cfg BackoffConfig

	mu       sync.Mutex
	machines map[liveness.SessionIdentity]*Machine
}

func NewRegistry(cfg BackoffConfig) *Registry {
	return &Registry{
		cfg:      cfg,
		machines: make(map[liveness.SessionIdentity]*Machine),
	}
}

func (r *Registry) Machine(id liveness.SessionIdentity) *Machine {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[id]
	if !ok {
		m = NewMachine(id, r.cfg)
		r.machines[id] = m
	}
	return m
}

func (r *Registry) Forget(id liveness.SessionIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.machines, id)
}
