package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig is the on-disk TOML shape. Durations are strings ("30s").
type fileConfig struct {
	Policy       policyFile       `toml:"policy"`
	Foreground   foregroundFile   `toml:"foreground"`
	Agent        agentFile        `toml:"agent"`
	Endpoints    endpointsFile    `toml:"endpoints"`
	Store        storeFile        `toml:"store"`
	Functions    functionsFile    `toml:"functions"`
	Capabilities capabilitiesFile `toml:"capabilities"`
}

type policyFile struct {
	BaseDelay            string  `toml:"base_delay"`
	Multiplier           float64 `toml:"multiplier"`
	MaxDelay             string  `toml:"max_delay"`
	Jitter               bool    `toml:"jitter"`
	EscalationThreshold  int     `toml:"escalation_threshold"`
	StaleThreshold       string  `toml:"stale_threshold"`
	NotificationCooldown string  `toml:"notification_cooldown"`
	PersistBackoff       bool    `toml:"persist_backoff"`
}

type foregroundFile struct {
	Identity            string   `toml:"identity"`
	PulseEvery          string   `toml:"pulse_every"`
	HiddenPulseEvery    string   `toml:"hidden_pulse_every"`
	InhibitorRetryDelay string   `toml:"inhibitor_retry_delay"`
	KeepaliveTTL        string   `toml:"keepalive_ttl"`
	TelephonyCommand    string   `toml:"telephony_command"`
	TelephonyArgs       []string `toml:"telephony_args"`
	InhibitCommand      string   `toml:"inhibit_command"`
	InhibitArgs         []string `toml:"inhibit_args"`
}

type agentFile struct {
	ID            string   `toml:"id"`
	Addr          string   `toml:"addr"`
	CORSOrigins   []string `toml:"cors_origins"`
	Token         string   `toml:"token"`
	TickEvery     string   `toml:"tick_every"`
	WakeDebounce  string   `toml:"wake_debounce"`
	AppURL        string   `toml:"app_url"`
	NotifyCommand string   `toml:"notify_command"`
	OpenCommand   string   `toml:"open_command"`
	FocusCommand  []string `toml:"focus_command"`
}

type endpointsFile struct {
	BaseURL      string `toml:"base_url"`
	ChannelURL   string `toml:"channel_url"`
	TokenTTL     string `toml:"token_ttl"`
	SafetyMargin string `toml:"safety_margin"`
	Timeout      string `toml:"timeout"`
	CAFile       string `toml:"ca_file"`
}

type storeFile struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
}

type functionsFile struct {
	ID                string   `toml:"id"`
	Addr              string   `toml:"addr"`
	CORSOrigins       []string `toml:"cors_origins"`
	AccountSID        string   `toml:"account_sid"`
	APIKey            string   `toml:"api_key"`
	APISecret         string   `toml:"api_secret"`
	ApplicationSID    string   `toml:"application_sid"`
	IdentityPrefix    string   `toml:"identity_prefix"`
	TokenTTL          string   `toml:"token_ttl"`
	Region            string   `toml:"region"`
	ProviderURL       string   `toml:"provider_url"`
	ProviderAuthToken string   `toml:"provider_auth_token"`
	StatusCallbackURL string   `toml:"status_callback_url"`
}

type capabilitiesFile struct {
	SleepInhibitor   string `toml:"sleep_inhibitor"`
	BackgroundTimers string `toml:"background_timers"`
	Notifications    string `toml:"notifications"`
}

// Load decodes path and overlays every defined key onto Default().
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q in %s", ErrInvalidConfig, undecoded[0].String(), path)
	}
	cfg, err := overlayFile(Default(), raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("load config (%s): %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode is Load for an in-memory document.
func Decode(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg, err := overlayFile(Default(), raw, meta)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type overlay struct {
	meta toml.MetaData
	err  error
}

func set[T any](o *overlay, dst *T, v T, key ...string) {
	if o.meta.IsDefined(key...) {
		*dst = v
	}
}

func (o *overlay) str(dst *string, v string, key ...string) {
	set(o, dst, strings.TrimSpace(v), key...)
}

func (o *overlay) dur(dst *time.Duration, v string, key ...string) {
	if o.err != nil || !o.meta.IsDefined(key...) {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		o.err = fmt.Errorf("%w: %s: %v", ErrInvalidConfig, strings.Join(key, "."), err)
		return
	}
	*dst = d
}

func overlayFile(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	o := &overlay{meta: meta}

	p := raw.Policy
	o.dur(&cfg.Policy.BaseDelay, p.BaseDelay, "policy", "base_delay")
	set(o, &cfg.Policy.Multiplier, p.Multiplier, "policy", "multiplier")
	o.dur(&cfg.Policy.MaxDelay, p.MaxDelay, "policy", "max_delay")
	set(o, &cfg.Policy.Jitter, p.Jitter, "policy", "jitter")
	set(o, &cfg.Policy.EscalationThreshold, p.EscalationThreshold, "policy", "escalation_threshold")
	o.dur(&cfg.Policy.StaleThreshold, p.StaleThreshold, "policy", "stale_threshold")
	o.dur(&cfg.Policy.NotificationCooldown, p.NotificationCooldown, "policy", "notification_cooldown")
	set(o, &cfg.Policy.PersistBackoff, p.PersistBackoff, "policy", "persist_backoff")

	f := raw.Foreground
	o.str(&cfg.Foreground.Identity, f.Identity, "foreground", "identity")
	o.dur(&cfg.Foreground.PulseEvery, f.PulseEvery, "foreground", "pulse_every")
	o.dur(&cfg.Foreground.HiddenPulseEvery, f.HiddenPulseEvery, "foreground", "hidden_pulse_every")
	o.dur(&cfg.Foreground.InhibitorRetryDelay, f.InhibitorRetryDelay, "foreground", "inhibitor_retry_delay")
	o.dur(&cfg.Foreground.KeepaliveTTL, f.KeepaliveTTL, "foreground", "keepalive_ttl")
	o.str(&cfg.Foreground.TelephonyCommand, f.TelephonyCommand, "foreground", "telephony_command")
	set(o, &cfg.Foreground.TelephonyArgs, f.TelephonyArgs, "foreground", "telephony_args")
	o.str(&cfg.Foreground.InhibitCommand, f.InhibitCommand, "foreground", "inhibit_command")
	set(o, &cfg.Foreground.InhibitArgs, f.InhibitArgs, "foreground", "inhibit_args")

	a := raw.Agent
	o.str(&cfg.Agent.ID, a.ID, "agent", "id")
	o.str(&cfg.Agent.Addr, a.Addr, "agent", "addr")
	set(o, &cfg.Agent.CORSOrigins, a.CORSOrigins, "agent", "cors_origins")
	o.str(&cfg.Agent.Token, a.Token, "agent", "token")
	o.dur(&cfg.Agent.TickEvery, a.TickEvery, "agent", "tick_every")
	o.dur(&cfg.Agent.WakeDebounce, a.WakeDebounce, "agent", "wake_debounce")
	o.str(&cfg.Agent.AppURL, a.AppURL, "agent", "app_url")
	o.str(&cfg.Agent.NotifyCommand, a.NotifyCommand, "agent", "notify_command")
	o.str(&cfg.Agent.OpenCommand, a.OpenCommand, "agent", "open_command")
	set(o, &cfg.Agent.FocusCommand, a.FocusCommand, "agent", "focus_command")

	e := raw.Endpoints
	o.str(&cfg.Endpoints.BaseURL, e.BaseURL, "endpoints", "base_url")
	o.str(&cfg.Endpoints.ChannelURL, e.ChannelURL, "endpoints", "channel_url")
	o.dur(&cfg.Endpoints.TokenTTL, e.TokenTTL, "endpoints", "token_ttl")
	o.dur(&cfg.Endpoints.SafetyMargin, e.SafetyMargin, "endpoints", "safety_margin")
	o.dur(&cfg.Endpoints.Timeout, e.Timeout, "endpoints", "timeout")
	o.str(&cfg.Endpoints.CAFile, e.CAFile, "endpoints", "ca_file")

	o.str(&cfg.Store.Driver, raw.Store.Driver, "store", "driver")
	o.str(&cfg.Store.Path, raw.Store.Path, "store", "path")

	fn := raw.Functions
	o.str(&cfg.Functions.ID, fn.ID, "functions", "id")
	o.str(&cfg.Functions.Addr, fn.Addr, "functions", "addr")
	set(o, &cfg.Functions.CORSOrigins, fn.CORSOrigins, "functions", "cors_origins")
	o.str(&cfg.Functions.AccountSID, fn.AccountSID, "functions", "account_sid")
	o.str(&cfg.Functions.APIKey, fn.APIKey, "functions", "api_key")
	o.str(&cfg.Functions.APISecret, fn.APISecret, "functions", "api_secret")
	o.str(&cfg.Functions.ApplicationSID, fn.ApplicationSID, "functions", "application_sid")
	o.str(&cfg.Functions.IdentityPrefix, fn.IdentityPrefix, "functions", "identity_prefix")
	o.dur(&cfg.Functions.TokenTTL, fn.TokenTTL, "functions", "token_ttl")
	o.str(&cfg.Functions.Region, fn.Region, "functions", "region")
	o.str(&cfg.Functions.ProviderURL, fn.ProviderURL, "functions", "provider_url")
	o.str(&cfg.Functions.ProviderAuthToken, fn.ProviderAuthToken, "functions", "provider_auth_token")
	o.str(&cfg.Functions.StatusCallbackURL, fn.StatusCallbackURL, "functions", "status_callback_url")

	c := raw.Capabilities
	o.str(&cfg.Capabilities.SleepInhibitor, strings.ToLower(c.SleepInhibitor), "capabilities", "sleep_inhibitor")
	o.str(&cfg.Capabilities.BackgroundTimers, strings.ToLower(c.BackgroundTimers), "capabilities", "background_timers")
	o.str(&cfg.Capabilities.Notifications, strings.ToLower(c.Notifications), "capabilities", "notifications")

	return cfg, o.err
}

func toFile(cfg Config) fileConfig {
	return fileConfig{
		Policy: policyFile{
			BaseDelay:            cfg.Policy.BaseDelay.String(),
			Multiplier:           cfg.Policy.Multiplier,
			MaxDelay:             cfg.Policy.MaxDelay.String(),
			Jitter:               cfg.Policy.Jitter,
			EscalationThreshold:  cfg.Policy.EscalationThreshold,
			StaleThreshold:       cfg.Policy.StaleThreshold.String(),
			NotificationCooldown: cfg.Policy.NotificationCooldown.String(),
			PersistBackoff:       cfg.Policy.PersistBackoff,
		},
		Foreground: foregroundFile{
			Identity:            cfg.Foreground.Identity,
			PulseEvery:          cfg.Foreground.PulseEvery.String(),
			HiddenPulseEvery:    cfg.Foreground.HiddenPulseEvery.String(),
			InhibitorRetryDelay: cfg.Foreground.InhibitorRetryDelay.String(),
			KeepaliveTTL:        cfg.Foreground.KeepaliveTTL.String(),
			TelephonyCommand:    cfg.Foreground.TelephonyCommand,
			TelephonyArgs:       cfg.Foreground.TelephonyArgs,
			InhibitCommand:      cfg.Foreground.InhibitCommand,
			InhibitArgs:         cfg.Foreground.InhibitArgs,
		},
		Agent: agentFile{
			ID:            cfg.Agent.ID,
			Addr:          cfg.Agent.Addr,
			CORSOrigins:   cfg.Agent.CORSOrigins,
			Token:         redact(cfg.Agent.Token),
			TickEvery:     cfg.Agent.TickEvery.String(),
			WakeDebounce:  cfg.Agent.WakeDebounce.String(),
			AppURL:        cfg.Agent.AppURL,
			NotifyCommand: cfg.Agent.NotifyCommand,
			OpenCommand:   cfg.Agent.OpenCommand,
			FocusCommand:  cfg.Agent.FocusCommand,
		},
		Endpoints: endpointsFile{
			BaseURL:      cfg.Endpoints.BaseURL,
			ChannelURL:   cfg.Endpoints.ChannelURL,
			TokenTTL:     cfg.Endpoints.TokenTTL.String(),
			SafetyMargin: cfg.Endpoints.SafetyMargin.String(),
			Timeout:      cfg.Endpoints.Timeout.String(),
			CAFile:       cfg.Endpoints.CAFile,
		},
		Store: storeFile{
			Driver: cfg.Store.Driver,
			Path:   cfg.Store.Path,
		},
		Functions: functionsFile{
			ID:                cfg.Functions.ID,
			Addr:              cfg.Functions.Addr,
			CORSOrigins:       cfg.Functions.CORSOrigins,
			AccountSID:        cfg.Functions.AccountSID,
			APIKey:            cfg.Functions.APIKey,
			APISecret:         redact(cfg.Functions.APISecret),
			ApplicationSID:    cfg.Functions.ApplicationSID,
			IdentityPrefix:    cfg.Functions.IdentityPrefix,
			TokenTTL:          cfg.Functions.TokenTTL.String(),
			Region:            cfg.Functions.Region,
			ProviderURL:       cfg.Functions.ProviderURL,
			ProviderAuthToken: redact(cfg.Functions.ProviderAuthToken),
			StatusCallbackURL: cfg.Functions.StatusCallbackURL,
		},
		Capabilities: capabilitiesFile{
			SleepInhibitor:   cfg.Capabilities.SleepInhibitor,
			BackgroundTimers: cfg.Capabilities.BackgroundTimers,
			Notifications:    cfg.Capabilities.Notifications,
		},
	}
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
