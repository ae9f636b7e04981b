package background

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/callkeep/internal/channel"
	"github.com/danmuck/callkeep/internal/functions"
	"github.com/danmuck/callkeep/internal/liveness"
	"github.com/danmuck/callkeep/internal/policy"
	"github.com/danmuck/callkeep/internal/protocol/envelope"
	"github.com/danmuck/callkeep/internal/remote"
	"github.com/danmuck/callkeep/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	mu        sync.Mutex
	shown     []Notification
	dismissed []string
	err       error
}

func (n *fakeNotifier) Notify(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.shown = append(n.shown, note)
	return nil
}

func (n *fakeNotifier) Dismiss(_ context.Context, tag string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dismissed = append(n.dismissed, tag)
	return nil
}

func (n *fakeNotifier) Dismissed() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.dismissed...)
}

func (n *fakeNotifier) Shown() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.shown...)
}

type fakeOpener struct {
	mu      sync.Mutex
	found   bool
	focused []string
	opened  []string
}

func (o *fakeOpener) Focus(_ context.Context, id string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.focused = append(o.focused, id)
	return o.found, nil
}

func (o *fakeOpener) Open(_ context.Context, target string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, target)
	return nil
}

func (o *fakeOpener) Opened() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.opened...)
}

type fakeHeartbeat struct {
	mu      sync.Mutex
	resp    remote.HeartbeatResponse
	err     error
	calls   int
	panics  bool
	entered chan struct{}
	gate    chan struct{}
}

func (h *fakeHeartbeat) SendHeartbeat(_ context.Context, id liveness.SessionIdentity, rec liveness.Record, at time.Time) (remote.HeartbeatResponse, error) {
	h.mu.Lock()
	h.calls++
	entered, gate, panics := h.entered, h.gate, h.panics
	resp, err := h.resp, h.err
	h.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if panics {
		panic("heartbeat exploded")
	}
	resp.UserID = id.String()
	resp.Connected = rec.Connected
	return resp, err
}

type harness struct {
	clock     *clock.Mock
	store     *liveness.MemoryStore
	notifier  *fakeNotifier
	opener    *fakeOpener
	heartbeat *fakeHeartbeat
	fg        *channel.PipeEnd
	agent     *Agent
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Unix(1700000000, 0))
	store := liveness.NewMemoryStore()
	fgEnd, agentEnd := channel.NewPipe(64)
	h := &harness{
		clock:     clk,
		store:     store,
		notifier:  &fakeNotifier{},
		opener:    &fakeOpener{},
		heartbeat: &fakeHeartbeat{},
		fg:        fgEnd,
	}

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	agent, err := NewAgent(cfg, Deps{
		Store:     store,
		Channel:   agentEnd,
		Notifier:  h.notifier,
		Opener:    h.opener,
		Heartbeat: h.heartbeat,
		Clock:     clk,
	})
	require.NoError(t, err)
	h.agent = agent
	return h
}

func (h *harness) seed(t *testing.T, rec liveness.Record) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, liveness.SaveIdentity(ctx, h.store, "42"))
	require.NoError(t, liveness.SaveRecord(ctx, h.store, rec))
}

func drain(end *channel.PipeEnd) []envelope.Envelope {
	var out []envelope.Envelope
	for {
		select {
		case env := <-end.Inbox():
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestNewAgentRequiresStoreAndChannel(t *testing.T) {
	testlog.Start(t)
	_, err := NewAgent(DefaultConfig(), Deps{})
	require.ErrorIs(t, err, ErrMissingDependency)
	_, err = NewAgent(DefaultConfig(), Deps{Store: liveness.NewMemoryStore()})
	require.ErrorIs(t, err, ErrMissingDependency)
}

func TestTickWithoutIdentityDoesNothing(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)

	decision, err := h.agent.OnTick(context.Background())
	require.NoError(t, err)
	require.Equal(t, policy.DoNothing, decision)
	require.Zero(t, h.heartbeat.calls)
	require.Empty(t, drain(h.fg))
}

func TestTickFreshConnectedDoesNothing(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	h.seed(t, liveness.Record{Connected: true, LastCheckedAt: h.clock.Now().Add(-time.Minute), SessionID: "42"})

	decision, err := h.agent.OnTick(context.Background())
	require.NoError(t, err)
	require.Equal(t, policy.DoNothing, decision)
	require.Equal(t, 1, h.heartbeat.calls)
	require.Empty(t, drain(h.fg))
}

func TestTickWithPeerRequestsForegroundCheck(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	h.seed(t, liveness.Record{Connected: true, LastCheckedAt: h.clock.Now().Add(-time.Hour), SessionID: "42"})

	decision, err := h.agent.OnTick(context.Background())
	require.NoError(t, err)
	require.Equal(t, policy.RequestForegroundCheck, decision)

	sent := drain(h.fg)
	require.Len(t, sent, 1)
	require.Equal(t, envelope.TypeCheckConnection, sent[0].Type)
	require.Equal(t, liveness.SessionIdentity("42"), sent[0].SessionID)
	require.Empty(t, h.opener.Opened())
}

func TestServerReconnectRequestOverridesConnectedRecord(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	h.seed(t, liveness.Record{Connected: true, LastCheckedAt: h.clock.Now(), SessionID: "42"})
	h.heartbeat.resp = remote.HeartbeatResponse{Success: true, ShouldReconnect: true}

	decision, err := h.agent.OnTick(context.Background())
	require.NoError(t, err)
	require.Equal(t, policy.RequestForegroundCheck, decision)
}

func TestTickEscalatesAfterThresholdThenCoolsDown(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, func(cfg *Config) {
		cfg.Policy.EscalationThreshold = 2
	})
	require.NoError(t, h.fg.Close())
	h.seed(t, liveness.Record{Connected: false, LastCheckedAt: h.clock.Now(), SessionID: "42"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		decision, err := h.agent.OnTick(ctx)
		require.NoError(t, err)
		require.Equal(t, policy.AttemptReconnect, decision, "tick %d", i)
	}
	require.Equal(t, []string{
		"http://localhost:3000/42",
		"http://localhost:3000/42",
		"http://localhost:3000/42",
	}, h.opener.Opened())

	decision, err := h.agent.OnTick(ctx)
	require.NoError(t, err)
	require.Equal(t, policy.EscalateNotification, decision)
	shown := h.notifier.Shown()
	require.Len(t, shown, 1)
	require.Equal(t, TagReconnect, shown[0].Tag)
	require.True(t, shown[0].RequireInteraction)
	require.True(t, shown[0].Renotify)
	require.Equal(t, "42", shown[0].Data["identity"])

	decision, err = h.agent.OnTick(ctx)
	require.NoError(t, err)
	require.Equal(t, policy.DoNothing, decision)
	require.Len(t, h.notifier.Shown(), 1)

	h.clock.Add(16 * time.Minute)
	decision, err = h.agent.OnTick(ctx)
	require.NoError(t, err)
	require.Equal(t, policy.EscalateNotification, decision)
	require.Len(t, h.notifier.Shown(), 2)
}

func TestEscalationWithoutPermissionRetriesSilently(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, func(cfg *Config) {
		cfg.Policy.EscalationThreshold = 1
		cfg.Notifications = false
	})
	require.NoError(t, h.fg.Close())
	h.seed(t, liveness.Record{SessionID: "42"})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		decision, err := h.agent.OnTick(ctx)
		require.NoError(t, err)
		require.Equal(t, policy.AttemptReconnect, decision)
	}

	decision, err := h.agent.OnTick(ctx)
	require.NoError(t, err)
	require.Equal(t, policy.EscalateNotification, decision)
	require.Empty(t, h.notifier.Shown())
	require.Len(t, h.opener.Opened(), 3)
	require.True(t, h.agent.Status().LastNotifiedAt.IsZero())
}

func TestWakeUpIsIdempotentAndOrdered(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	ctx := context.Background()
	at := h.clock.Now()

	wake := envelope.WakeUp("42", true, at)
	require.NoError(t, h.agent.OnMessage(ctx, wake))
	require.NoError(t, h.agent.OnMessage(ctx, wake))

	rec, err := liveness.LoadRecord(ctx, h.store)
	require.NoError(t, err)
	require.True(t, rec.Connected)
	require.True(t, rec.LastCheckedAt.Equal(at))
	require.Equal(t, liveness.SessionIdentity("42"), rec.SessionID)

	stale := envelope.WakeUp("42", false, at.Add(-time.Minute))
	require.NoError(t, h.agent.OnMessage(ctx, stale))
	rec, err = liveness.LoadRecord(ctx, h.store)
	require.NoError(t, err)
	require.True(t, rec.Connected)

	later := envelope.WakeUp("42", false, at.Add(time.Minute))
	require.NoError(t, h.agent.OnMessage(ctx, later))
	rec, err = liveness.LoadRecord(ctx, h.store)
	require.NoError(t, err)
	require.False(t, rec.Connected)
}

func TestConnectedWakeUpResetsAttempts(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	require.NoError(t, h.fg.Close())
	h.seed(t, liveness.Record{SessionID: "42"})
	ctx := context.Background()

	_, err := h.agent.OnTick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, h.agent.Status().Attempt)

	h.clock.Add(time.Second)
	require.NoError(t, h.agent.OnMessage(ctx, envelope.WakeUp("42", true, h.clock.Now())))
	require.Zero(t, h.agent.Status().Attempt)
}

func TestConnectedWakeUpClearsEscalation(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, func(cfg *Config) {
		cfg.Policy.EscalationThreshold = 1
	})
	require.NoError(t, h.fg.Close())
	h.seed(t, liveness.Record{SessionID: "42"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.agent.OnTick(ctx)
		require.NoError(t, err)
	}
	require.Len(t, h.notifier.Shown(), 1)
	require.False(t, h.agent.Status().LastNotifiedAt.IsZero())

	h.clock.Add(time.Second)
	require.NoError(t, h.agent.OnMessage(ctx, envelope.WakeUp("42", false, h.clock.Now())))
	require.Empty(t, h.notifier.Dismissed())

	h.clock.Add(time.Second)
	require.NoError(t, h.agent.OnMessage(ctx, envelope.WakeUp("42", true, h.clock.Now())))
	require.Equal(t, []string{TagReconnect}, h.notifier.Dismissed())
	status := h.agent.Status()
	require.Zero(t, status.Attempt)
	require.True(t, status.LastNotifiedAt.IsZero())

	require.NoError(t, h.agent.OnMessage(ctx, envelope.WakeUp("42", true, h.clock.Now())))
	require.Len(t, h.notifier.Dismissed(), 1)
}

func TestIncomingCallNotifiesOncePerCall(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	ctx := context.Background()
	call := envelope.IncomingCall("42", envelope.Call{CallSID: "CA1", From: "+15550100"}, h.clock.Now())

	require.NoError(t, h.agent.OnMessage(ctx, call))
	require.NoError(t, h.agent.OnMessage(ctx, call))

	shown := h.notifier.Shown()
	require.Len(t, shown, 1)
	require.Equal(t, TagCall, shown[0].Tag)
	require.Equal(t, []Action{
		{ID: ActionAnswer, Title: "Answer"},
		{ID: ActionDecline, Title: "Decline"},
	}, shown[0].Actions)
	require.Contains(t, shown[0].Body, "+15550100")

	pending, ok, err := liveness.LoadPendingCall(ctx, h.store)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, liveness.SessionIdentity("42"), pending.SessionID)
	require.Equal(t, "CA1", pending.CallSID)
}

func TestKeepaliveIsAnswered(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	req := envelope.Keepalive("42", h.clock.Now())

	require.NoError(t, h.agent.OnMessage(context.Background(), req))

	sent := drain(h.fg)
	require.Len(t, sent, 1)
	require.Equal(t, envelope.TypeKeepaliveResponse, sent[0].Type)
	require.Equal(t, req.ID, sent[0].CorrelationID)
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	h.seed(t, liveness.Record{SessionID: "42"})
	h.heartbeat.entered = make(chan struct{}, 1)
	h.heartbeat.gate = make(chan struct{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.agent.OnTick(ctx)
		done <- err
	}()
	<-h.heartbeat.entered

	_, err := h.agent.OnTick(ctx)
	require.ErrorIs(t, err, ErrTickSkipped)

	close(h.heartbeat.gate)
	require.NoError(t, <-done)
}

func TestTickRecoversFromPanic(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	h.seed(t, liveness.Record{SessionID: "42"})
	h.heartbeat.panics = true

	_, err := h.agent.OnTick(context.Background())
	require.Error(t, err)

	h.heartbeat.mu.Lock()
	h.heartbeat.panics = false
	h.heartbeat.mu.Unlock()
	_, err = h.agent.OnTick(context.Background())
	require.NoError(t, err)
}

func TestHeartbeatShowsServerNoticesOncePerCooldown(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	h.seed(t, liveness.Record{SessionID: "42"})
	h.heartbeat.resp = remote.HeartbeatResponse{
		Success: true,
		Notifications: []remote.Notification{{
			Title: "Missed Call",
			Body:  "You missed a call from +15550100",
			Data:  map[string]string{"userId": "42", "callSid": "CA9"},
		}},
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.agent.SendHeartbeat(ctx)
		require.NoError(t, err)
		h.clock.Add(30 * time.Second)
	}
	shown := h.notifier.Shown()
	require.Len(t, shown, 1)
	require.Equal(t, TagServer, shown[0].Tag)
	require.Equal(t, "Missed Call", shown[0].Title)
	require.False(t, shown[0].RequireInteraction)

	h.clock.Add(15 * time.Minute)
	_, err := h.agent.SendHeartbeat(ctx)
	require.NoError(t, err)
	require.Len(t, h.notifier.Shown(), 2)
}

func TestServerReconnectNoticeWithPeerOnlyChecksForeground(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	h.seed(t, liveness.Record{Connected: false, LastCheckedAt: h.clock.Now(), SessionID: "42"})
	h.heartbeat.resp = functions.EvaluateHeartbeat(remote.HeartbeatRequest{UserID: "42", Connected: false}, h.clock.Now())
	require.Len(t, h.heartbeat.resp.Notifications, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		decision, err := h.agent.OnTick(ctx)
		require.NoError(t, err)
		require.Equal(t, policy.RequestForegroundCheck, decision, "tick %d", i)
		h.clock.Add(30 * time.Second)
	}
	require.Empty(t, h.notifier.Shown())
	require.Len(t, drain(h.fg), 3)
	require.True(t, h.agent.Status().LastNotifiedAt.IsZero())
}

func TestServerReconnectNoticeEscalatesThroughPolicy(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, func(cfg *Config) {
		cfg.Policy.EscalationThreshold = 1
	})
	require.NoError(t, h.fg.Close())
	h.seed(t, liveness.Record{Connected: false, LastCheckedAt: h.clock.Now(), SessionID: "42"})
	h.heartbeat.resp = functions.EvaluateHeartbeat(remote.HeartbeatRequest{UserID: "42", Connected: false}, h.clock.Now())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		decision, err := h.agent.OnTick(ctx)
		require.NoError(t, err)
		require.Equal(t, policy.AttemptReconnect, decision, "tick %d", i)
		h.clock.Add(30 * time.Second)
	}
	require.Empty(t, h.notifier.Shown())

	decision, err := h.agent.OnTick(ctx)
	require.NoError(t, err)
	require.Equal(t, policy.EscalateNotification, decision)
	shown := h.notifier.Shown()
	require.Len(t, shown, 1)
	require.Equal(t, TagReconnect, shown[0].Tag)
	require.Equal(t, "Reconnect call service", shown[0].Title)
	require.Equal(t, []Action{{ID: ActionReconnect, Title: "Reconnect"}}, shown[0].Actions)
	require.True(t, h.agent.Status().LastNotifiedAt.Equal(h.clock.Now()))

	for i := 0; i < 3; i++ {
		h.clock.Add(30 * time.Second)
		decision, err = h.agent.OnTick(ctx)
		require.NoError(t, err)
		require.Equal(t, policy.DoNothing, decision)
	}
	require.Len(t, h.notifier.Shown(), 1)
}

func TestRejectedHeartbeatStillRequestsReconnect(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	h.seed(t, liveness.Record{Connected: true, LastCheckedAt: h.clock.Now(), SessionID: "42"})
	h.heartbeat.resp = remote.HeartbeatResponse{Success: false, ShouldReconnect: true, Error: "lookup failed"}
	h.heartbeat.err = remote.ErrHeartbeat

	decision, err := h.agent.OnTick(context.Background())
	require.NoError(t, err)
	require.Equal(t, policy.RequestForegroundCheck, decision)
	require.Equal(t, 1, h.heartbeat.calls)
}

func TestHeartbeatFailureIsReturnedOnce(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	h.seed(t, liveness.Record{SessionID: "42"})
	h.heartbeat.err = errors.New("offline")

	_, err := h.agent.SendHeartbeat(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, h.heartbeat.calls)
}

func TestDeclineClearsPendingCall(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, liveness.SavePendingCall(ctx, h.store, liveness.PendingCall{SessionID: "42", CallSID: "CA1"}))

	require.NoError(t, h.agent.OnNotificationAction(ctx, Interaction{Tag: TagCall, Action: ActionDecline}))

	_, ok, err := liveness.LoadPendingCall(ctx, h.store)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, h.opener.Opened())
}

func TestAnswerFocusesExistingForeground(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	h.opener.found = true
	ctx := context.Background()
	require.NoError(t, liveness.SavePendingCall(ctx, h.store, liveness.PendingCall{SessionID: "42", CallSID: "CA1"}))

	require.NoError(t, h.agent.OnNotificationAction(ctx, Interaction{Tag: TagCall, Action: ActionAnswer}))

	require.Empty(t, h.opener.Opened())
	sent := drain(h.fg)
	require.Len(t, sent, 1)
	require.Equal(t, envelope.TypeCheckConnection, sent[0].Type)
	require.Equal(t, liveness.SessionIdentity("42"), sent[0].SessionID)
}

func TestReconnectActionOpensWhenNoForeground(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)
	require.NoError(t, h.fg.Close())
	ctx := context.Background()

	err := h.agent.OnNotificationAction(ctx, Interaction{
		Tag:    TagReconnect,
		Action: ActionReconnect,
		Data:   map[string]string{"identity": "store 42"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"http://localhost:3000/store%2042"}, h.opener.Opened())

	err = h.agent.OnNotificationAction(ctx, Interaction{Tag: TagReconnect, Action: ActionDefault})
	require.ErrorIs(t, err, liveness.ErrIdentityRequired)
}

func TestPersistedAttemptsResumeAfterRestart(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, func(cfg *Config) { cfg.Policy.PersistBackoff = true })
	require.NoError(t, h.fg.Close())
	h.seed(t, liveness.Record{SessionID: "42"})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.agent.OnTick(ctx)
		require.NoError(t, err)
	}
	saved, ok, err := liveness.LoadAttempt(ctx, h.store, Actor, "42")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, saved.Number)

	cfg := DefaultConfig()
	cfg.Policy.PersistBackoff = true
	fgEnd, agentEnd := channel.NewPipe(4)
	require.NoError(t, fgEnd.Close())
	restarted, err := NewAgent(cfg, Deps{Store: h.store, Channel: agentEnd, Clock: h.clock})
	require.NoError(t, err)
	_, err = restarted.OnTick(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, restarted.Status().Attempt)
}

func TestNotifyAndOpenRaisesPersistentReconnect(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, nil)

	require.NoError(t, h.agent.NotifyAndOpen(context.Background(), "42"))
	shown := h.notifier.Shown()
	require.Len(t, shown, 1)
	require.Equal(t, TagReconnect, shown[0].Tag)
	require.Equal(t, "Call connection lost", shown[0].Title)
	require.Equal(t, ActionReconnect, shown[0].Data["action"])
	require.True(t, h.agent.Status().LastNotifiedAt.Equal(h.clock.Now()))
}
