package policy

import (
	"math"
	"math/rand"
	"time"
)

// BackoffDelay returns the retry delay for attempt N (1-based):
// min(base * multiplier^(n-1), max). Jitter scales the result into
// [0.5, 1.5) of that value when enabled.
func BackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && (delay > float64(cfg.MaxDelay) || math.IsInf(delay, 1)) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}
