package policy

import (
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/callkeep/internal/testutil/testlog"
)

func TestBackoffDelayExactNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig().Backoff
	want := map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		4: 8 * time.Second,
		5: 16 * time.Second,
		6: 30 * time.Second,
		7: 30 * time.Second,
	}
	for n, d := range want {
		if got := BackoffDelay(cfg, n, nil); got != d {
			t.Fatalf("attempt%d got=%v want=%v", n, got, d)
		}
	}
}

func TestBackoffDelayHugeAttemptStaysCapped(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig().Backoff
	if got := BackoffDelay(cfg, 5000, nil); got != cfg.MaxDelay {
		t.Fatalf("attempt5000 got=%v", got)
	}
}

func TestBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		BaseDelay:  250 * time.Millisecond,
		Multiplier: 2.0,
		MaxDelay:   5 * time.Second,
		Jitter:     true,
	}
	rng := rand.New(rand.NewSource(7))
	got := BackoffDelay(cfg, 1, rng)
	if got < 125*time.Millisecond || got > 375*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestBackoffDelayZeroBase(t *testing.T) {
	testlog.Start(t)
	if got := BackoffDelay(BackoffConfig{}, 3, nil); got != 0 {
		t.Fatalf("expected zero delay, got=%v", got)
	}
}
