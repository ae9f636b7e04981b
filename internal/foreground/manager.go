package foreground

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/callkeep/internal/channel"
	"github.com/danmuck/callkeep/internal/liveness"
	"github.com/danmuck/callkeep/internal/observability"
	"github.com/danmuck/callkeep/internal/policy"
	"github.com/danmuck/callkeep/internal/protocol/envelope"
	"github.com/rs/zerolog"
)

// Actor names this side in the store and in metrics.
const Actor = "foreground"

var ErrMissingDependency = errors.New("foreground: missing dependency")

// Deps are the collaborators a Manager drives. Inhibitor and Surface are
// optional.
type Deps struct {
	Telephony   Telephony
	Credentials *liveness.CredentialCache
	Store       liveness.Store
	Channel     channel.Channel
	Inhibitor   SleepInhibitor
	Surface     CallSurface
	Clock       clock.Clock
}

// Manager keeps one identity's telephony session alive.
type Manager struct {
	cfg      Config
	deps     Deps
	clock    clock.Clock
	registry *policy.Registry
	outbox   *envelope.Outbox
	logger   zerolog.Logger

	mu           sync.Mutex
	identity     liveness.SessionIdentity
	active       bool
	gen          uint64
	runCtx       context.Context
	cancel       context.CancelFunc
	session      Session
	release      Release
	visible      bool
	retry        *clock.Timer
	retryAt      time.Time
	inhibitRetry *clock.Timer
}

func NewManager(cfg Config, deps Deps) (*Manager, error) {
	switch {
	case deps.Telephony == nil:
		return nil, fmt.Errorf("%w: telephony", ErrMissingDependency)
	case deps.Credentials == nil:
		return nil, fmt.Errorf("%w: credential cache", ErrMissingDependency)
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: store", ErrMissingDependency)
	case deps.Channel == nil:
		return nil, fmt.Errorf("%w: channel", ErrMissingDependency)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		clock:    clk,
		registry: policy.NewRegistry(cfg.Policy.Backoff),
		outbox:   envelope.NewOutbox(),
		logger:   observability.ComponentLogger(Actor),
	}, nil
}

// Activate binds the manager to id and brings the session up. Calling it
// again for the same identity only re-checks the session. Connection
// failures are absorbed into the retry schedule.
func (m *Manager) Activate(ctx context.Context, id liveness.SessionIdentity) (err error) {
	defer m.recoverHandler("activate", &err)
	if err := id.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.active {
		bound := m.identity
		m.mu.Unlock()
		if bound != id {
			return fmt.Errorf("%w: bound=%s requested=%s", ErrIdentityMismatch, bound, id)
		}
		return m.AttemptReconnectIfNeeded(ctx)
	}
	m.identity = id
	m.active = true
	m.visible = true
	m.gen++
	m.runCtx, m.cancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	if err := liveness.SaveIdentity(ctx, m.deps.Store, id); err != nil {
		m.logger.Warn().Err(err).Str("identity", id.String()).Msg("identity persist failed")
	}
	machine := m.registry.Machine(id)
	if m.cfg.Policy.PersistBackoff {
		attempt, ok, err := liveness.LoadAttempt(ctx, m.deps.Store, Actor, id)
		switch {
		case err != nil:
			m.logger.Warn().Err(err).Str("identity", id.String()).Msg("attempt restore failed")
		case ok:
			machine.Restore(attempt)
			m.logger.Debug().Str("identity", id.String()).Int("attempt", attempt.Number).Msg("attempt restored")
		}
	}
	m.logger.Info().Str("identity", id.String()).Msg("activated")

	m.acquireInhibitor(ctx, true)
	return m.AttemptReconnectIfNeeded(ctx)
}

// AttemptReconnectIfNeeded is the single entry point for starting a
// handshake. It does nothing while connected, while an attempt is in flight
// or before the backoff deadline; in the last case it makes sure a retry is
// scheduled.
func (m *Manager) AttemptReconnectIfNeeded(ctx context.Context) error {
	id, gen, ok := m.binding()
	if !ok {
		return ErrNotActivated
	}
	machine := m.registry.Machine(id)
	now := m.clock.Now()
	if !machine.Begin(now) {
		snap := machine.Snapshot()
		if snap.State == policy.StateBackoffWait && !snap.InFlight {
			m.scheduleRetry(gen, snap.NextEligibleAt.Sub(now))
		}
		return nil
	}
	m.connect(ctx, id, gen, machine)
	return nil
}

func (m *Manager) connect(ctx context.Context, id liveness.SessionIdentity, gen uint64, machine *policy.Machine) {
	finished := false
	defer func() {
		if !finished {
			machine.Abort()
		}
	}()

	cred, err := m.deps.Credentials.Get(ctx, id)
	if err != nil {
		finished = true
		m.failAttempt(ctx, id, gen, machine, err)
		return
	}
	if !cred.Valid(m.clock.Now()) {
		finished = true
		m.failAttempt(ctx, id, gen, machine, fmt.Errorf("%w: %s", liveness.ErrCredentialExpired, id))
		return
	}
	sess, err := m.deps.Telephony.Connect(ctx, cred)
	if err != nil {
		finished = true
		m.failAttempt(ctx, id, gen, machine, fmt.Errorf("%w: %v", ErrSessionConnect, err))
		return
	}

	m.mu.Lock()
	if !m.active || m.gen != gen {
		m.mu.Unlock()
		_ = sess.Close()
		return
	}
	prev := m.session
	m.session = sess
	m.stopRetryLocked()
	m.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	finished = true
	machine.Succeed()
	observability.RecordReconnectAttempt("success")
	m.persistAttempt(ctx, id, machine)
	m.writeRecord(ctx, id, true)
	m.send(ctx, envelope.WakeUp(id, true, m.clock.Now()))
	m.logger.Info().Str("identity", id.String()).Msg("session connected")
}

func (m *Manager) failAttempt(ctx context.Context, id liveness.SessionIdentity, gen uint64, machine *policy.Machine, cause error) {
	delay := machine.Fail(m.clock.Now())
	m.scheduleRetry(gen, delay)
	observability.RecordReconnectAttempt("failure")
	m.persistAttempt(ctx, id, machine)
	m.writeRecord(ctx, id, false)
	m.logger.Warn().
		Err(cause).
		Str("identity", id.String()).
		Int("attempt", machine.Attempt().Number).
		Dur("retry_in", delay).
		Msg("session connect failed")
}

// Handle dispatches one event. It never panics out.
func (m *Manager) Handle(ctx context.Context, ev Event) (err error) {
	defer m.recoverHandler(ev.Kind.String(), &err)
	switch ev.Kind {
	case EventVisible:
		return m.OnVisibilityVisible(ctx)
	case EventHidden:
		return m.OnVisibilityHidden(ctx)
	case EventRegistered:
		return m.onRegistered(ctx)
	case EventUnregistered, EventError:
		return m.onDisconnected(ctx, ev.Err)
	case EventIncoming:
		if ev.Call == nil {
			return fmt.Errorf("foreground: %s event without call", ev.Kind)
		}
		return m.OnIncoming(ctx, *ev.Call)
	case EventRetryDue:
		return m.AttemptReconnectIfNeeded(ctx)
	case EventPulse:
		return m.pulse(ctx)
	case EventEnvelope:
		if ev.Envelope == nil {
			return fmt.Errorf("foreground: %s event without envelope", ev.Kind)
		}
		return m.onEnvelope(ctx, *ev.Envelope)
	default:
		return fmt.Errorf("foreground: unknown event %d", ev.Kind)
	}
}

// OnVisibilityVisible re-acquires the inhibitor, heals the session and
// probes the agent with a keepalive.
func (m *Manager) OnVisibilityVisible(ctx context.Context) (err error) {
	defer m.recoverHandler("visible", &err)
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return ErrNotActivated
	}
	m.visible = true
	id := m.identity
	m.mu.Unlock()

	m.acquireInhibitor(ctx, true)
	_ = m.AttemptReconnectIfNeeded(ctx)
	ka := envelope.Keepalive(id, m.clock.Now())
	if m.send(ctx, ka) {
		m.outbox.Track(ka, m.cfg.KeepaliveTTL)
	}
	return nil
}

// OnVisibilityHidden drops the inhibitor. The session stays up.
func (m *Manager) OnVisibilityHidden(ctx context.Context) (err error) {
	defer m.recoverHandler("hidden", &err)
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return ErrNotActivated
	}
	m.visible = false
	rel := m.release
	m.release = nil
	if m.inhibitRetry != nil {
		m.inhibitRetry.Stop()
		m.inhibitRetry = nil
	}
	m.mu.Unlock()
	if rel != nil {
		rel()
	}
	if !m.cfg.Capabilities.BackgroundTimers {
		m.logger.Debug().Msg("hidden without background timers; pulses paused")
	}
	return nil
}

// OnIncoming relays the call to the agent before presenting it locally.
func (m *Manager) OnIncoming(ctx context.Context, call envelope.Call) (err error) {
	defer m.recoverHandler("incoming", &err)
	id, _, ok := m.binding()
	if !ok {
		return ErrNotActivated
	}
	m.send(ctx, envelope.IncomingCall(id, call, m.clock.Now()))
	if m.deps.Surface != nil {
		if err := m.deps.Surface.Present(ctx, id, call); err != nil {
			m.logger.Warn().Err(err).Str("identity", id.String()).Str("call_sid", call.CallSID).Msg("call surface failed")
		}
	}
	return nil
}

// Teardown stops timers, releases the inhibitor and closes the session.
// The store is left as is.
func (m *Manager) Teardown(ctx context.Context) error {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return nil
	}
	m.active = false
	m.gen++
	id := m.identity
	cancel := m.cancel
	sess := m.session
	m.session = nil
	rel := m.release
	m.release = nil
	m.stopRetryLocked()
	if m.inhibitRetry != nil {
		m.inhibitRetry.Stop()
		m.inhibitRetry = nil
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if rel != nil {
		rel()
	}
	machine := m.registry.Machine(id)
	machine.Abort()
	machine.Disconnect()

	var err error
	if sess != nil {
		err = sess.Close()
	}
	m.logger.Info().Str("identity", id.String()).Msg("torn down")
	return err
}

// Run pulses on the visible or hidden interval and dispatches inbound
// envelopes until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	timer := m.clock.Timer(m.pulseInterval())
	defer timer.Stop()
	inbox := m.deps.Channel.Inbox()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-inbox:
			if !ok {
				return channel.ErrClosed
			}
			_ = m.Handle(ctx, Event{Kind: EventEnvelope, Envelope: &env})
		case <-timer.C:
			_ = m.Handle(ctx, Event{Kind: EventPulse})
			timer.Reset(m.pulseInterval())
		}
	}
}

// Snapshot reports the policy state of the bound identity.
func (m *Manager) Snapshot() (policy.Snapshot, bool) {
	m.mu.Lock()
	id := m.identity
	m.mu.Unlock()
	if id == "" {
		return policy.Snapshot{}, false
	}
	return m.registry.Machine(id).Snapshot(), true
}

// RetryPending returns the deadline of the scheduled retry, if any.
func (m *Manager) RetryPending() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryAt, m.retry != nil
}

// PendingKeepalives counts keepalives still waiting for a reply.
func (m *Manager) PendingKeepalives() int {
	return m.outbox.Len()
}

func (m *Manager) onRegistered(ctx context.Context) error {
	id, _, ok := m.binding()
	if !ok {
		return ErrNotActivated
	}
	machine := m.registry.Machine(id)
	machine.MarkConnected()
	if machine.Snapshot().State != policy.StateConnected {
		return nil
	}
	m.mu.Lock()
	m.stopRetryLocked()
	m.mu.Unlock()
	m.persistAttempt(ctx, id, machine)
	m.writeRecord(ctx, id, true)
	m.send(ctx, envelope.WakeUp(id, true, m.clock.Now()))
	m.logger.Info().Str("identity", id.String()).Msg("session registered")
	return nil
}

func (m *Manager) onDisconnected(ctx context.Context, cause error) error {
	id, _, ok := m.binding()
	if !ok {
		return ErrNotActivated
	}
	if cause == nil {
		cause = ErrSessionDisconnected
	} else {
		cause = fmt.Errorf("%w: %v", ErrSessionDisconnected, cause)
	}
	m.registry.Machine(id).Disconnect()
	m.writeRecord(ctx, id, false)
	m.send(ctx, envelope.WakeUp(id, false, m.clock.Now()))
	m.logger.Warn().Err(cause).Str("identity", id.String()).Msg("session lost")
	return m.AttemptReconnectIfNeeded(ctx)
}

func (m *Manager) pulse(ctx context.Context) error {
	m.mu.Lock()
	active, id, visible := m.active, m.identity, m.visible
	m.mu.Unlock()
	if !active {
		return ErrNotActivated
	}
	if !visible && !m.cfg.Capabilities.BackgroundTimers {
		return nil
	}
	now := m.clock.Now()
	for _, missed := range m.outbox.Expire(now) {
		m.logger.Debug().Str("identity", id.String()).Str("envelope", missed.ID).Msg("keepalive unanswered")
	}
	connected := m.registry.Machine(id).Snapshot().State == policy.StateConnected
	m.writeRecord(ctx, id, connected)
	m.send(ctx, envelope.WakeUp(id, connected, now))
	if !connected {
		return m.AttemptReconnectIfNeeded(ctx)
	}
	return nil
}

func (m *Manager) onEnvelope(ctx context.Context, env envelope.Envelope) error {
	id, _, ok := m.binding()
	if !ok {
		return ErrNotActivated
	}
	observability.RecordEnvelope("in", string(env.Type), true)
	if env.SessionID != "" && env.SessionID != id {
		m.logger.Debug().Str("identity", id.String()).Str("envelope_identity", env.SessionID.String()).Msg("ignoring envelope for another identity")
		return nil
	}
	switch env.Type {
	case envelope.TypeCheckConnection:
		_ = m.AttemptReconnectIfNeeded(ctx)
		connected := m.registry.Machine(id).Snapshot().State == policy.StateConnected
		m.send(ctx, envelope.WakeUp(id, connected, m.clock.Now()))
	case envelope.TypeKeepaliveResponse:
		if _, ok := m.outbox.Resolve(env); !ok {
			m.logger.Debug().Str("correlation_id", env.CorrelationID).Msg("unmatched keepalive response")
		}
	case envelope.TypeKeepalive:
		m.send(ctx, envelope.KeepaliveResponse(env, m.clock.Now()))
	default:
		m.logger.Debug().Str("envelope", string(env.Type)).Msg("ignoring envelope")
	}
	return nil
}

func (m *Manager) acquireInhibitor(ctx context.Context, allowRetry bool) {
	if !m.cfg.Capabilities.SleepInhibitor || m.deps.Inhibitor == nil {
		return
	}
	m.mu.Lock()
	prev := m.release
	m.release = nil
	gen := m.gen
	m.mu.Unlock()
	if prev != nil {
		prev()
	}

	rel, err := m.deps.Inhibitor.Acquire(ctx)
	if err != nil {
		if !allowRetry {
			m.logger.Debug().Err(err).Msg("sleep inhibitor retry rejected")
			return
		}
		m.logger.Warn().Err(err).Dur("retry_in", m.cfg.InhibitorRetryDelay).Msg("sleep inhibitor rejected")
		m.mu.Lock()
		if m.active && m.gen == gen {
			if m.inhibitRetry != nil {
				m.inhibitRetry.Stop()
			}
			runCtx := m.runCtx
			m.inhibitRetry = m.clock.AfterFunc(m.cfg.InhibitorRetryDelay, func() {
				m.retryInhibitor(runCtx, gen)
			})
		}
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	if !m.active || m.gen != gen || !m.visible {
		m.mu.Unlock()
		rel()
		return
	}
	m.release = rel
	m.mu.Unlock()
}

func (m *Manager) retryInhibitor(ctx context.Context, gen uint64) {
	defer m.recoverHandler("inhibitor_retry", nil)
	m.mu.Lock()
	m.inhibitRetry = nil
	current := m.active && m.gen == gen && m.visible
	m.mu.Unlock()
	if !current {
		return
	}
	m.acquireInhibitor(ctx, false)
}

func (m *Manager) scheduleRetry(gen uint64, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active || m.gen != gen {
		return
	}
	if m.retry != nil {
		m.retry.Stop()
	}
	runCtx := m.runCtx
	var timer *clock.Timer
	timer = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.retry == timer {
			m.retry = nil
			m.retryAt = time.Time{}
		}
		m.mu.Unlock()
		_ = m.Handle(runCtx, Event{Kind: EventRetryDue})
	})
	m.retry = timer
	m.retryAt = m.clock.Now().Add(delay)
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.retryAt = time.Time{}
}

func (m *Manager) pulseInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.visible {
		return m.cfg.PulseEvery
	}
	return m.cfg.HiddenPulseEvery
}

func (m *Manager) binding() (liveness.SessionIdentity, uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity, m.gen, m.active
}

func (m *Manager) writeRecord(ctx context.Context, id liveness.SessionIdentity, connected bool) {
	rec := liveness.Record{
		Connected:     connected,
		LastCheckedAt: m.clock.Now(),
		SessionID:     id,
	}
	if err := liveness.SaveRecord(ctx, m.deps.Store, rec); err != nil {
		m.logger.Warn().Err(err).Str("identity", id.String()).Msg("record write failed")
	}
}

func (m *Manager) persistAttempt(ctx context.Context, id liveness.SessionIdentity, machine *policy.Machine) {
	if !m.cfg.Policy.PersistBackoff {
		return
	}
	if err := liveness.SaveAttempt(ctx, m.deps.Store, Actor, id, machine.Attempt()); err != nil {
		m.logger.Warn().Err(err).Str("identity", id.String()).Msg("attempt persist failed")
	}
}

// send is best-effort; a false return only means the envelope did not
// leave this process.
func (m *Manager) send(ctx context.Context, env envelope.Envelope) bool {
	err := m.deps.Channel.Send(ctx, env)
	observability.RecordEnvelope("out", string(env.Type), err == nil)
	if err != nil {
		m.logger.Debug().Err(err).Str("envelope", string(env.Type)).Msg("envelope not delivered")
		return false
	}
	return true
}

func (m *Manager) recoverHandler(op string, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	m.logger.Error().Str("op", op).Interface("panic", r).Msg("handler panic recovered")
	if errp != nil {
		*errp = fmt.Errorf("foreground: %s panicked: %v", op, r)
	}
}
