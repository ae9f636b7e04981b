package background

import (
	"time"

	"github.com/danmuck/callkeep/internal/policy"
)

type Config struct {
	Policy    policy.Config
	TickEvery time.Duration
	// WakeDebounce ignores store-change wakes that follow a tick this
	// closely.
	WakeDebounce time.Duration
	// AppURL is the foreground entry point; identities are appended as a
	// path segment.
	AppURL string
	// WatchPath is the store file to watch, empty to disable.
	WatchPath     string
	Notifications bool
}

func DefaultConfig() Config {
	return Config{
		Policy:        policy.DefaultConfig(),
		TickEvery:     15 * time.Minute,
		WakeDebounce:  30 * time.Second,
		AppURL:        "http://localhost:3000",
		Notifications: true,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	c.Policy = c.Policy.WithDefaults()
	if c.TickEvery <= 0 {
		c.TickEvery = def.TickEvery
	}
	if c.WakeDebounce < 0 {
		c.WakeDebounce = def.WakeDebounce
	}
	return c
}
