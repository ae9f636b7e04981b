package policy

import (
	"testing"
	"time"

	"github.com/danmuck/callkeep/internal/testutil/testlog"
)

func TestDecide(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	now := time.Unix(1700000000, 0)
	fresh := now.Add(-time.Minute)
	stale := now.Add(-cfg.StaleThreshold)

	tests := []struct {
		name string
		in   Input
		want Decision
	}{
		{
			name: "connected and fresh",
			in:   Input{State: StateConnected, LastCheckedAt: fresh, Now: now},
			want: DoNothing,
		},
		{
			name: "connected fresh with peer",
			in:   Input{State: StateConnected, LastCheckedAt: fresh, Now: now, HasForegroundPeer: true},
			want: DoNothing,
		},
		{
			name: "disconnected with peer asks foreground",
			in:   Input{State: StateDisconnected, LastCheckedAt: fresh, Now: now, HasForegroundPeer: true},
			want: RequestForegroundCheck,
		},
		{
			name: "connected but stale with peer",
			in:   Input{State: StateConnected, LastCheckedAt: stale, Now: now, HasForegroundPeer: true},
			want: RequestForegroundCheck,
		},
		{
			name: "server asks reconnect while connected",
			in:   Input{State: StateConnected, LastCheckedAt: fresh, Now: now, HasForegroundPeer: true, ServerRequestsReconnect: true},
			want: RequestForegroundCheck,
		},
		{
			name: "no peer below threshold opens foreground",
			in:   Input{State: StateDisconnected, AttemptNumber: 0, Now: now},
			want: AttemptReconnect,
		},
		{
			name: "no peer at threshold still attempts",
			in:   Input{State: StateDisconnected, AttemptNumber: cfg.EscalationThreshold, Now: now},
			want: AttemptReconnect,
		},
		{
			name: "no peer over threshold escalates",
			in:   Input{State: StateDisconnected, AttemptNumber: cfg.EscalationThreshold + 1, Now: now},
			want: EscalateNotification,
		},
		{
			name: "escalation suppressed inside cooldown",
			in: Input{
				State:          StateDisconnected,
				AttemptNumber:  cfg.EscalationThreshold + 1,
				Now:            now,
				LastNotifiedAt: now.Add(-cfg.NotificationCooldown + time.Second),
			},
			want: DoNothing,
		},
		{
			name: "escalation allowed after cooldown",
			in: Input{
				State:          StateDisconnected,
				AttemptNumber:  cfg.EscalationThreshold + 1,
				Now:            now,
				LastNotifiedAt: now.Add(-cfg.NotificationCooldown),
			},
			want: EscalateNotification,
		},
		{
			name: "never checked counts as stale",
			in:   Input{State: StateConnected, Now: now},
			want: AttemptReconnect,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(cfg, tt.in); got != tt.want {
				t.Fatalf("Decide() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestConfigWithDefaultsAndValidate(t *testing.T) {
	testlog.Start(t)
	cfg := Config{}.WithDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	cfg.Backoff.MaxDelay = cfg.Backoff.BaseDelay / 2
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected max<base to fail")
	}
}
