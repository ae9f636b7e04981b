package policy

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidConfig = errors.New("policy: invalid config")

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	Jitter     bool
}

// Config holds the reconnection policy tunables.
type Config struct {
	Backoff              BackoffConfig
	EscalationThreshold  int
	StaleThreshold       time.Duration
	NotificationCooldown time.Duration
	// PersistBackoff keeps the attempt counter in the liveness store so a
	// restarted actor resumes its backoff instead of starting from zero.
	PersistBackoff bool
}

func DefaultConfig() Config {
	return Config{
		Backoff: BackoffConfig{
			BaseDelay:  time.Second,
			Multiplier: 2.0,
			MaxDelay:   30 * time.Second,
			Jitter:     false,
		},
		EscalationThreshold:  5,
		StaleThreshold:       10 * time.Minute,
		NotificationCooldown: 15 * time.Minute,
		PersistBackoff:       false,
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Backoff.BaseDelay <= 0 {
		c.Backoff.BaseDelay = def.Backoff.BaseDelay
	}
	if c.Backoff.Multiplier < 1.0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	if c.EscalationThreshold <= 0 {
		c.EscalationThreshold = def.EscalationThreshold
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = def.StaleThreshold
	}
	if c.NotificationCooldown <= 0 {
		c.NotificationCooldown = def.NotificationCooldown
	}
	return c
}

func (c Config) Validate() error {
	if c.Backoff.BaseDelay <= 0 {
		return fmt.Errorf("%w: base delay must be positive", ErrInvalidConfig)
	}
	if c.Backoff.MaxDelay < c.Backoff.BaseDelay {
		return fmt.Errorf("%w: max delay %v below base delay %v", ErrInvalidConfig, c.Backoff.MaxDelay, c.Backoff.BaseDelay)
	}
	if c.EscalationThreshold < 0 {
		return fmt.Errorf("%w: negative escalation threshold", ErrInvalidConfig)
	}
	if c.StaleThreshold <= 0 {
		return fmt.Errorf("%w: stale threshold must be positive", ErrInvalidConfig)
	}
	if c.NotificationCooldown < 0 {
		return fmt.Errorf("%w: negative notification cooldown", ErrInvalidConfig)
	}
	return nil
}
