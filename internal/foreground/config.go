package foreground

import (
	"time"

	"github.com/danmuck/callkeep/internal/policy"
)

type Config struct {
	Policy policy.Config
	// PulseEvery is the liveness pulse interval while visible.
	PulseEvery time.Duration
	// HiddenPulseEvery applies while hidden, if background timers exist.
	HiddenPulseEvery    time.Duration
	InhibitorRetryDelay time.Duration
	KeepaliveTTL        time.Duration
	Capabilities        Capabilities
}

func DefaultConfig() Config {
	return Config{
		Policy:              policy.DefaultConfig(),
		PulseEvery:          5 * time.Minute,
		HiddenPulseEvery:    15 * time.Minute,
		InhibitorRetryDelay: time.Second,
		KeepaliveTTL:        30 * time.Second,
		Capabilities: Capabilities{
			SleepInhibitor:   true,
			BackgroundTimers: true,
		},
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	c.Policy = c.Policy.WithDefaults()
	if c.PulseEvery <= 0 {
		c.PulseEvery = def.PulseEvery
	}
	if c.HiddenPulseEvery <= 0 {
		c.HiddenPulseEvery = def.HiddenPulseEvery
	}
	if c.InhibitorRetryDelay <= 0 {
		c.InhibitorRetryDelay = def.InhibitorRetryDelay
	}
	if c.KeepaliveTTL <= 0 {
		c.KeepaliveTTL = def.KeepaliveTTL
	}
	return c
}
