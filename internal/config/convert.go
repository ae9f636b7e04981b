package config

import (
	"github.com/danmuck/callkeep/internal/background"
	"github.com/danmuck/callkeep/internal/foreground"
	"github.com/danmuck/callkeep/internal/functions"
	"github.com/danmuck/callkeep/internal/liveness"
	"github.com/danmuck/callkeep/internal/policy"
	"github.com/danmuck/callkeep/internal/remote"
)

func (c Config) PolicyConfig() policy.Config {
	return policy.Config{
		Backoff: policy.BackoffConfig{
			BaseDelay:  c.Policy.BaseDelay,
			Multiplier: c.Policy.Multiplier,
			MaxDelay:   c.Policy.MaxDelay,
			Jitter:     c.Policy.Jitter,
		},
		EscalationThreshold:  c.Policy.EscalationThreshold,
		StaleThreshold:       c.Policy.StaleThreshold,
		NotificationCooldown: c.Policy.NotificationCooldown,
		PersistBackoff:       c.Policy.PersistBackoff,
	}
}

func (c Config) ForegroundConfig(caps Capabilities) foreground.Config {
	return foreground.Config{
		Policy:              c.PolicyConfig(),
		PulseEvery:          c.Foreground.PulseEvery,
		HiddenPulseEvery:    c.Foreground.HiddenPulseEvery,
		InhibitorRetryDelay: c.Foreground.InhibitorRetryDelay,
		KeepaliveTTL:        c.Foreground.KeepaliveTTL,
		Capabilities: foreground.Capabilities{
			SleepInhibitor:   caps.SleepInhibitor,
			BackgroundTimers: caps.BackgroundTimers,
		},
	}
}

func (c Config) AgentConfig(caps Capabilities) background.Config {
	watch := ""
	if c.Store.Driver != liveness.DriverMemory {
		watch = c.Store.Path
	}
	return background.Config{
		Policy:        c.PolicyConfig(),
		TickEvery:     c.Agent.TickEvery,
		WakeDebounce:  c.Agent.WakeDebounce,
		AppURL:        c.Agent.AppURL,
		WatchPath:     watch,
		Notifications: caps.Notifications,
	}
}

func (c Config) FunctionsConfig() functions.Config {
	return functions.Config{
		Addr:              c.Functions.Addr,
		CORSOrigins:       c.Functions.CORSOrigins,
		AccountSID:        c.Functions.AccountSID,
		APIKey:            c.Functions.APIKey,
		APISecret:         c.Functions.APISecret,
		ApplicationSID:    c.Functions.ApplicationSID,
		IdentityPrefix:    c.Functions.IdentityPrefix,
		TokenTTL:          c.Functions.TokenTTL,
		Region:            c.Functions.Region,
		ProviderURL:       c.Functions.ProviderURL,
		ProviderAuthToken: c.Functions.ProviderAuthToken,
		StatusCallbackURL: c.Functions.StatusCallbackURL,
	}
}

func (c Config) HTTPConfig() remote.HTTPConfig {
	return remote.HTTPConfig{
		Timeout: c.Endpoints.Timeout,
		CAFile:  c.Endpoints.CAFile,
	}
}

func (c Config) TokenConfig() remote.TokenConfig {
	return remote.TokenConfig{
		BaseURL:      c.Endpoints.BaseURL,
		TTL:          c.Endpoints.TokenTTL,
		SafetyMargin: c.Endpoints.SafetyMargin,
	}
}
