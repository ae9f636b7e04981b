package background

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/callkeep/internal/channel"
	"github.com/danmuck/callkeep/internal/liveness"
	"github.com/danmuck/callkeep/internal/observability"
	"github.com/danmuck/callkeep/internal/policy"
	"github.com/danmuck/callkeep/internal/protocol/envelope"
	"github.com/danmuck/callkeep/internal/remote"
	"github.com/rs/zerolog"
)

// Actor names this side in the store and in metrics.
const Actor = "background"

var (
	ErrTickSkipped       = errors.New("background: tick already in flight")
	ErrMissingDependency = errors.New("background: missing dependency")
	ErrNoAppURL          = errors.New("background: app url not configured")
)

// HeartbeatSender posts liveness snapshots to the remote endpoint.
type HeartbeatSender interface {
	SendHeartbeat(ctx context.Context, id liveness.SessionIdentity, rec liveness.Record, at time.Time) (remote.HeartbeatResponse, error)
}

// Deps are the agent's collaborators. Notifier, Opener and Heartbeat are
// optional; each absent one selects a degraded branch.
type Deps struct {
	Store     liveness.Store
	Channel   channel.Channel
	Notifier  Notifier
	Opener    Opener
	Heartbeat HeartbeatSender
	Clock     clock.Clock
}

// Agent is the background actor.
type Agent struct {
	cfg    Config
	deps   Deps
	clock  clock.Clock
	logger zerolog.Logger

	tickMu sync.Mutex

	mu             sync.Mutex
	attempt        int
	lastNotifiedAt time.Time
	lastTickAt     time.Time
	restored       bool
	noticeShownAt  map[string]time.Time
}

func NewAgent(cfg Config, deps Deps) (*Agent, error) {
	switch {
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
	return &Agent{
		cfg:           cfg,
		deps:          deps,
		clock:         clk,
		logger:        observability.ComponentLogger(Actor),
		noticeShownAt: make(map[string]time.Time),
	}, nil
}

// OnTick runs one liveness evaluation. A tick that arrives while another
// is running is dropped with ErrTickSkipped.
func (a *Agent) OnTick(ctx context.Context) (decision policy.Decision, err error) {
	if !a.tickMu.TryLock() {
		a.logger.Debug().Msg("tick skipped")
		return policy.DoNothing, ErrTickSkipped
	}
	defer a.tickMu.Unlock()
	defer a.recoverHandler("tick", &err)

	a.mu.Lock()
	a.lastTickAt = a.clock.Now()
	a.mu.Unlock()

	id, ok, err := liveness.LoadIdentity(ctx, a.deps.Store)
	if err != nil {
		a.logger.Warn().Err(err).Msg("identity load failed")
		return policy.DoNothing, nil
	}
	if !ok {
		a.logger.Debug().Msg("no identity yet")
		return policy.DoNothing, nil
	}
	a.restoreAttempt(ctx, id)

	// A rejected heartbeat still carries the server's verdict.
	resp, _ := a.SendHeartbeat(ctx)
	notice, hasNotice := reconnectNotice(resp.Notifications)
	serverRequests := resp.ShouldReconnect || hasNotice

	rec, err := liveness.LoadRecord(ctx, a.deps.Store)
	if err != nil {
		a.logger.Warn().Err(err).Msg("record load failed")
	}
	decision = a.evaluate(id, rec, serverRequests)
	a.act(ctx, id, decision, notice)
	a.persistAttempt(ctx, id)
	return decision, nil
}

func (a *Agent) evaluate(id liveness.SessionIdentity, rec liveness.Record, serverRequests bool) policy.Decision {
	now := a.clock.Now()
	state := policy.StateDisconnected
	if rec.Connected {
		state = policy.StateConnected
	}
	hasPeer := a.deps.Channel.HasPeer(id)

	a.mu.Lock()
	in := policy.Input{
		State:                   state,
		AttemptNumber:           a.attempt,
		LastCheckedAt:           rec.LastCheckedAt,
		Now:                     now,
		HasForegroundPeer:       hasPeer,
		ServerRequestsReconnect: serverRequests,
		LastNotifiedAt:          a.lastNotifiedAt,
	}
	decision := policy.Decide(a.cfg.Policy, in)
	switch decision {
	case policy.DoNothing:
		if rec.Connected && rec.Fresh(now, a.cfg.Policy.StaleThreshold) && !serverRequests {
			a.attempt = 0
		}
	case policy.AttemptReconnect:
		a.attempt++
	}
	attempt := a.attempt
	a.mu.Unlock()

	observability.RecordDecision(Actor, decision.String())
	a.logger.Info().
		Str("identity", id.String()).
		Str("decision", decision.String()).
		Int("attempt", attempt).
		Bool("connected", rec.Connected).
		Bool("peer", hasPeer).
		Bool("server_reconnect", serverRequests).
		Msg("tick evaluated")
	return decision
}

// act carries out decision. A server reconnect notice, when present,
// supplies the escalation text.
func (a *Agent) act(ctx context.Context, id liveness.SessionIdentity, decision policy.Decision, notice remote.Notification) {
	switch decision {
	case policy.RequestForegroundCheck:
		a.send(ctx, envelope.CheckConnection(id, "stale liveness", a.clock.Now()))
	case policy.AttemptReconnect:
		if err := a.focusOrOpen(ctx, id); err != nil {
			a.logger.Warn().Err(err).Str("identity", id.String()).Msg("foreground open failed")
		}
	case policy.EscalateNotification:
		err := a.raiseReconnect(ctx, id, notice.Title, notice.Body)
		if errors.Is(err, ErrNotificationPermissionDenied) {
			a.logger.Warn().Str("identity", id.String()).Msg("notifications unavailable; retrying silently")
			if err := a.focusOrOpen(ctx, id); err != nil {
				a.logger.Debug().Err(err).Msg("silent retry failed")
			}
			return
		}
		if err != nil {
			a.logger.Warn().Err(err).Str("identity", id.String()).Msg("escalation failed")
		}
	}
}

// OnMessage handles one envelope from the foreground. Replays and
// out-of-order deliveries leave the store unchanged.
func (a *Agent) OnMessage(ctx context.Context, env envelope.Envelope) (err error) {
	defer a.recoverHandler("message", &err)
	observability.RecordEnvelope("in", string(env.Type), true)
	switch env.Type {
	case envelope.TypeWakeUp:
		return a.onWakeUp(ctx, env)
	case envelope.TypeIncomingCall:
		return a.onIncomingCall(ctx, env)
	case envelope.TypeKeepalive:
		a.send(ctx, envelope.KeepaliveResponse(env, a.clock.Now()))
	default:
		a.logger.Debug().Str("envelope", string(env.Type)).Msg("ignoring envelope")
	}
	return nil
}

func (a *Agent) onWakeUp(ctx context.Context, env envelope.Envelope) error {
	rec, err := liveness.LoadRecord(ctx, a.deps.Store)
	if err != nil {
		return err
	}
	if env.Timestamp.Before(rec.LastCheckedAt) {
		a.logger.Debug().Time("envelope_at", env.Timestamp).Time("record_at", rec.LastCheckedAt).Msg("stale wake-up ignored")
		return nil
	}
	next := liveness.Record{
		Connected:     env.IsConnected(),
		LastCheckedAt: env.Timestamp,
		SessionID:     rec.SessionID,
	}
	if env.SessionID != "" {
		next.SessionID = env.SessionID
	}
	if err := liveness.SaveRecord(ctx, a.deps.Store, next); err != nil {
		return err
	}
	if next.Connected {
		a.clearEscalation(ctx, next.SessionID)
	}
	return nil
}

// clearEscalation resets the attempt counter and withdraws a reconnect
// notification that is still on screen.
func (a *Agent) clearEscalation(ctx context.Context, id liveness.SessionIdentity) {
	a.mu.Lock()
	a.attempt = 0
	escalated := !a.lastNotifiedAt.IsZero()
	a.lastNotifiedAt = time.Time{}
	a.mu.Unlock()
	if !escalated || a.deps.Notifier == nil {
		return
	}
	if err := a.deps.Notifier.Dismiss(ctx, TagReconnect); err != nil {
		a.logger.Debug().Err(err).Msg("reconnect notification not dismissed")
		return
	}
	a.logger.Info().Str("identity", id.String()).Msg("session healed; escalation cleared")
}

func (a *Agent) onIncomingCall(ctx context.Context, env envelope.Envelope) error {
	if env.Call == nil {
		return fmt.Errorf("%w: incoming call without payload", envelope.ErrInvalidEnvelope)
	}
	prev, seen, err := liveness.LoadPendingCall(ctx, a.deps.Store)
	if err != nil {
		a.logger.Warn().Err(err).Msg("pending call load failed")
	}
	if seen && env.Call.CallSID != "" && prev.CallSID == env.Call.CallSID {
		a.logger.Debug().Str("call_sid", env.Call.CallSID).Msg("duplicate incoming call")
		return nil
	}
	pending := liveness.PendingCall{
		SessionID:  env.SessionID,
		CallSID:    env.Call.CallSID,
		From:       env.Call.From,
		ReceivedAt: env.Timestamp,
	}
	if err := liveness.SavePendingCall(ctx, a.deps.Store, pending); err != nil {
		a.logger.Warn().Err(err).Msg("pending call save failed")
	}

	from := strings.TrimSpace(env.Call.From)
	if from == "" {
		from = "unknown caller"
	}
	err = a.notify(ctx, Notification{
		Title: "Incoming call",
		Body:  "Call from " + from,
		Tag:   TagCall,
		Actions: []Action{
			{ID: ActionAnswer, Title: "Answer"},
			{ID: ActionDecline, Title: "Decline"},
		},
		RequireInteraction: true,
		Renotify:           true,
		Data: map[string]string{
			"identity": env.SessionID.String(),
			"callSid":  env.Call.CallSID,
		},
	})
	if err != nil {
		a.logger.Warn().Err(err).Str("call_sid", env.Call.CallSID).Msg("call notification failed")
	}
	return nil
}

// SendHeartbeat posts the current record once; failures are logged and not
// retried. Reconnect notices in the reply are left to the tick's decision.
// Other server notices are shown at most once per cooldown window.
func (a *Agent) SendHeartbeat(ctx context.Context) (remote.HeartbeatResponse, error) {
	if a.deps.Heartbeat == nil {
		return remote.HeartbeatResponse{}, nil
	}
	id, ok, err := liveness.LoadIdentity(ctx, a.deps.Store)
	if err != nil || !ok {
		return remote.HeartbeatResponse{}, err
	}
	rec, err := liveness.LoadRecord(ctx, a.deps.Store)
	if err != nil {
		return remote.HeartbeatResponse{}, err
	}
	resp, err := a.deps.Heartbeat.SendHeartbeat(ctx, id, rec, a.clock.Now())
	observability.RecordHeartbeat(err == nil)
	if err != nil {
		a.logger.Warn().Err(err).Str("identity", id.String()).Bool("should_reconnect", resp.ShouldReconnect).Msg("heartbeat failed")
		return resp, err
	}
	for _, n := range resp.Notifications {
		if isReconnectNotice(n) || !a.claimNotice(n.Title) {
			continue
		}
		if err := a.notify(ctx, serverNotification(n)); err != nil {
			a.logger.Debug().Err(err).Str("title", n.Title).Msg("server notification not shown")
		}
	}
	return resp, nil
}

// claimNotice reports whether the server notice titled title may be shown
// now and records it as shown.
func (a *Agent) claimNotice(title string) bool {
	now := a.clock.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	if last, ok := a.noticeShownAt[title]; ok && now.Sub(last) < a.cfg.Policy.NotificationCooldown {
		return false
	}
	a.noticeShownAt[title] = now
	return true
}

// NotifyAndOpen raises the persistent reconnect notification. The
// foreground is opened when the user interacts with it.
func (a *Agent) NotifyAndOpen(ctx context.Context, id liveness.SessionIdentity) error {
	return a.raiseReconnect(ctx, id, "", "")
}

func (a *Agent) raiseReconnect(ctx context.Context, id liveness.SessionIdentity, title, body string) error {
	if strings.TrimSpace(title) == "" {
		title = "Call connection lost"
	}
	if strings.TrimSpace(body) == "" {
		body = "You will not receive calls until the connection is restored. Tap to reconnect."
	}
	err := a.notify(ctx, Notification{
		Title: title,
		Body:  body,
		Tag:   TagReconnect,
		Actions: []Action{
			{ID: ActionReconnect, Title: "Reconnect"},
		},
		RequireInteraction: true,
		Renotify:           true,
		Data: map[string]string{
			"identity": id.String(),
			"action":   ActionReconnect,
		},
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.lastNotifiedAt = a.clock.Now()
	a.mu.Unlock()
	return nil
}

// OnNotificationAction routes a user response. Decline clears the pending
// call; everything else brings a foreground instance up.
func (a *Agent) OnNotificationAction(ctx context.Context, in Interaction) (err error) {
	defer a.recoverHandler("notification_action", &err)
	a.logger.Info().Str("tag", in.Tag).Str("action", in.Action).Msg("notification action")
	if in.Action == ActionDecline {
		return a.deps.Store.Delete(ctx, liveness.KeyPendingCall)
	}
	id := liveness.SessionIdentity(strings.TrimSpace(in.Data["identity"]))
	if id == "" {
		id = a.fallbackIdentity(ctx, in.Tag)
	}
	if id == "" {
		return liveness.ErrIdentityRequired
	}
	return a.focusOrOpen(ctx, id)
}

// Run drives ticks, store-change wakes, envelopes and notification
// interactions until ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	ticker := a.clock.Ticker(a.cfg.TickEvery)
	defer ticker.Stop()

	wakes, stopWatch, err := watchStore(a.cfg.WatchPath)
	if err != nil {
		a.logger.Warn().Err(err).Str("path", a.cfg.WatchPath).Msg("store watch unavailable")
	}
	defer stopWatch()

	var interactions <-chan Interaction
	if src, ok := a.deps.Notifier.(InteractionSource); ok {
		interactions = src.Interactions()
	}
	inbox := a.deps.Channel.Inbox()

	var wg sync.WaitGroup
	defer wg.Wait()
	tick := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = a.OnTick(ctx)
		}()
	}
	tick()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			tick()
		case <-wakes:
			if a.sinceLastTick() >= a.cfg.WakeDebounce {
				tick()
			}
		case env, ok := <-inbox:
			if !ok {
				return channel.ErrClosed
			}
			// Ticks run on their own goroutine and may interleave.
			_ = a.OnMessage(ctx, env)
		case in := <-interactions:
			_ = a.OnNotificationAction(ctx, in)
		}
	}
}

// Status is a point-in-time view of the agent's counters.
type Status struct {
	Attempt        int       `json:"attempt"`
	LastNotifiedAt time.Time `json:"last_notified_at"`
	LastTickAt     time.Time `json:"last_tick_at"`
}

func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		Attempt:        a.attempt,
		LastNotifiedAt: a.lastNotifiedAt,
		LastTickAt:     a.lastTickAt,
	}
}

func (a *Agent) focusOrOpen(ctx context.Context, id liveness.SessionIdentity) error {
	if a.deps.Opener == nil {
		a.logger.Debug().Str("identity", id.String()).Msg("no opener; waiting for foreground")
		return nil
	}
	if a.deps.Channel.HasPeer(id) {
		found, err := a.deps.Opener.Focus(ctx, id.String())
		if err != nil {
			a.logger.Debug().Err(err).Str("identity", id.String()).Msg("focus failed")
		}
		if found {
			a.send(ctx, envelope.CheckConnection(id, "user interaction", a.clock.Now()))
			return nil
		}
	}
	target, err := a.appURL(id)
	if err != nil {
		return err
	}
	return a.deps.Opener.Open(ctx, target)
}

func (a *Agent) appURL(id liveness.SessionIdentity) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(a.cfg.AppURL), "/")
	if base == "" {
		return "", ErrNoAppURL
	}
	return base + "/" + url.PathEscape(id.String()), nil
}

func (a *Agent) fallbackIdentity(ctx context.Context, tag string) liveness.SessionIdentity {
	if tag == TagCall {
		if call, ok, err := liveness.LoadPendingCall(ctx, a.deps.Store); err == nil && ok && call.SessionID != "" {
			return call.SessionID
		}
	}
	id, ok, err := liveness.LoadIdentity(ctx, a.deps.Store)
	if err != nil || !ok {
		return ""
	}
	return id
}

func (a *Agent) notify(ctx context.Context, n Notification) error {
	if !a.cfg.Notifications || a.deps.Notifier == nil {
		observability.RecordNotification(n.Tag, false)
		return ErrNotificationPermissionDenied
	}
	err := a.deps.Notifier.Notify(ctx, n)
	observability.RecordNotification(n.Tag, err == nil)
	return err
}

func (a *Agent) send(ctx context.Context, env envelope.Envelope) {
	err := a.deps.Channel.Send(ctx, env)
	observability.RecordEnvelope("out", string(env.Type), err == nil)
	if err != nil {
		a.logger.Debug().Err(err).Str("envelope", string(env.Type)).Msg("envelope not delivered")
	}
}

func (a *Agent) restoreAttempt(ctx context.Context, id liveness.SessionIdentity) {
	if !a.cfg.Policy.PersistBackoff {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.restored {
		return
	}
	a.restored = true
	saved, ok, err := liveness.LoadAttempt(ctx, a.deps.Store, Actor, id)
	if err != nil || !ok {
		return
	}
	a.attempt = saved.Number
}

func (a *Agent) persistAttempt(ctx context.Context, id liveness.SessionIdentity) {
	if !a.cfg.Policy.PersistBackoff {
		return
	}
	a.mu.Lock()
	attempt := liveness.Attempt{Number: a.attempt}
	a.mu.Unlock()
	if err := liveness.SaveAttempt(ctx, a.deps.Store, Actor, id, attempt); err != nil {
		a.logger.Warn().Err(err).Msg("attempt persist failed")
	}
}

func (a *Agent) sinceLastTick() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastTickAt.IsZero() {
		return a.cfg.WakeDebounce
	}
	return a.clock.Now().Sub(a.lastTickAt)
}

func serverNotification(n remote.Notification) Notification {
	return Notification{
		Title: n.Title,
		Body:  n.Body,
		Tag:   TagServer,
		Data:  n.Data,
	}
}

func isReconnectNotice(n remote.Notification) bool {
	return n.Data["action"] == ActionReconnect
}

func reconnectNotice(notes []remote.Notification) (remote.Notification, bool) {
	for _, n := range notes {
		if isReconnectNotice(n) {
			return n, true
		}
	}
	return remote.Notification{}, false
}

func (a *Agent) recoverHandler(op string, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	a.logger.Error().Str("op", op).Interface("panic", r).Msg("handler panic recovered")
	if errp != nil {
		*errp = fmt.Errorf("background: %s panicked: %v", op, r)
	}
}
