package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/callkeep/internal/liveness"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Capability modes. Auto probes the host at startup.
const (
	ModeAuto = "auto"
	ModeOn   = "on"
	ModeOff  = "off"
)

// Config is the effective runtime configuration of every subcommand.
type Config struct {
	Policy       PolicyConfig
	Foreground   ForegroundConfig
	Agent        AgentConfig
	Endpoints    EndpointsConfig
	Store        StoreConfig
	Functions    FunctionsConfig
	Capabilities CapabilitiesConfig
}

type PolicyConfig struct {
	BaseDelay            time.Duration
	Multiplier           float64
	MaxDelay             time.Duration
	Jitter               bool
	EscalationThreshold  int
	StaleThreshold       time.Duration
	NotificationCooldown time.Duration
	PersistBackoff       bool
}

type ForegroundConfig struct {
	Identity            string
	PulseEvery          time.Duration
	HiddenPulseEvery    time.Duration
	InhibitorRetryDelay time.Duration
	KeepaliveTTL        time.Duration
	TelephonyCommand    string
	TelephonyArgs       []string
	InhibitCommand      string
	InhibitArgs         []string
}

type AgentConfig struct {
	ID            string
	Addr          string
	CORSOrigins   []string
	Token         string
	TickEvery     time.Duration
	WakeDebounce  time.Duration
	AppURL        string
	NotifyCommand string
	OpenCommand   string
	FocusCommand  []string
}

// EndpointsConfig locates the remote functions and the agent's channel.
type EndpointsConfig struct {
	BaseURL      string
	ChannelURL   string
	TokenTTL     time.Duration
	SafetyMargin time.Duration
	Timeout      time.Duration
	CAFile       string
}

type StoreConfig struct {
	Driver string
	Path   string
}

type FunctionsConfig struct {
	ID                string
	Addr              string
	CORSOrigins       []string
	AccountSID        string
	APIKey            string
	APISecret         string
	ApplicationSID    string
	IdentityPrefix    string
	TokenTTL          time.Duration
	Region            string
	ProviderURL       string
	ProviderAuthToken string
	StatusCallbackURL string
}

type CapabilitiesConfig struct {
	SleepInhibitor   string
	BackgroundTimers string
	Notifications    string
}

func Default() Config {
	return Config{
		Policy: PolicyConfig{
			BaseDelay:            time.Second,
			Multiplier:           2.0,
			MaxDelay:             30 * time.Second,
			EscalationThreshold:  5,
			StaleThreshold:       10 * time.Minute,
			NotificationCooldown: 15 * time.Minute,
		},
		Foreground: ForegroundConfig{
			PulseEvery:          5 * time.Minute,
			HiddenPulseEvery:    15 * time.Minute,
			InhibitorRetryDelay: time.Second,
			KeepaliveTTL:        30 * time.Second,
			TelephonyArgs:       []string{"--identity", "{identity}", "--token", "{token}"},
		},
		Agent: AgentConfig{
			ID:            "callkeep-agent",
			Addr:          "127.0.0.1:8089",
			CORSOrigins:   []string{"http://localhost:3000"},
			TickEvery:     15 * time.Minute,
			WakeDebounce:  30 * time.Second,
			AppURL:        "http://localhost:3000",
			NotifyCommand: "notify-send",
			OpenCommand:   "xdg-open",
		},
		Endpoints: EndpointsConfig{
			BaseURL:      "http://127.0.0.1:8090",
			ChannelURL:   "ws://127.0.0.1:8089/channel",
			TokenTTL:     time.Hour,
			SafetyMargin: time.Minute,
			Timeout:      10 * time.Second,
		},
		Store: StoreConfig{
			Driver: liveness.DriverSQLite,
			Path:   "callkeep.db",
		},
		Functions: FunctionsConfig{
			ID:             "callkeep-functions",
			Addr:           ":8090",
			IdentityPrefix: "store",
			TokenTTL:       time.Hour,
			Region:         "eu1",
			ProviderURL:    "https://api.twilio.com",
		},
		Capabilities: CapabilitiesConfig{
			SleepInhibitor:   ModeAuto,
			BackgroundTimers: ModeAuto,
			Notifications:    ModeAuto,
		},
	}
}

func (c Config) Validate() error {
	if c.Policy.BaseDelay <= 0 {
		return fmt.Errorf("%w: policy.base_delay must be positive", ErrInvalidConfig)
	}
	if c.Policy.MaxDelay < c.Policy.BaseDelay {
		return fmt.Errorf("%w: policy.max_delay below base_delay", ErrInvalidConfig)
	}
	if c.Policy.Multiplier < 1.0 {
		return fmt.Errorf("%w: policy.multiplier must be >= 1", ErrInvalidConfig)
	}
	if c.Policy.EscalationThreshold < 0 {
		return fmt.Errorf("%w: policy.escalation_threshold must not be negative", ErrInvalidConfig)
	}
	if c.Policy.StaleThreshold <= 0 {
		return fmt.Errorf("%w: policy.stale_threshold must be positive", ErrInvalidConfig)
	}
	if c.Agent.TickEvery <= 0 {
		return fmt.Errorf("%w: agent.tick_every must be positive", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Agent.Addr) == "" {
		return fmt.Errorf("%w: agent.addr is required", ErrInvalidConfig)
	}
	if err := validateURL("agent.app_url", c.Agent.AppURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("endpoints.base_url", c.Endpoints.BaseURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("endpoints.channel_url", c.Endpoints.ChannelURL, "ws", "wss"); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case liveness.DriverMemory:
	case liveness.DriverFile, liveness.DriverSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("%w: store.path is required for driver %q", ErrInvalidConfig, c.Store.Driver)
		}
	default:
		return fmt.Errorf("%w: unknown store.driver %q", ErrInvalidConfig, c.Store.Driver)
	}
	for name, mode := range map[string]string{
		"capabilities.sleep_inhibitor":   c.Capabilities.SleepInhibitor,
		"capabilities.background_timers": c.Capabilities.BackgroundTimers,
		"capabilities.notifications":     c.Capabilities.Notifications,
	} {
		switch mode {
		case ModeAuto, ModeOn, ModeOff:
		default:
			return fmt.Errorf("%w: %s must be auto, on or off", ErrInvalidConfig, name)
		}
	}
	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: %s must be an absolute url", ErrInvalidConfig, field)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %s scheme must be one of %s", ErrInvalidConfig, field, strings.Join(schemes, ", "))
}
