package functions

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidConfig = errors.New("functions: invalid config")

type Config struct {
	Addr        string
	CORSOrigins []string

	// AccountSID and APIKey identify the issuer; APISecret signs tokens.
	AccountSID     string
	APIKey         string
	APISecret      string
	ApplicationSID string
	IdentityPrefix string
	TokenTTL       time.Duration
	Region         string

	// ProviderURL is the telephony REST API base used by transfers.
	ProviderURL       string
	ProviderAuthToken string
	StatusCallbackURL string
}

func DefaultConfig() Config {
	return Config{
		Addr:           ":8090",
		IdentityPrefix: "store",
		TokenTTL:       time.Hour,
		Region:         "eu1",
		ProviderURL:    "https://api.twilio.com",
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = def.Addr
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = def.TokenTTL
	}
	if strings.TrimSpace(c.IdentityPrefix) == "" {
		c.IdentityPrefix = def.IdentityPrefix
	}
	if strings.TrimSpace(c.ProviderURL) == "" {
		c.ProviderURL = def.ProviderURL
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APISecret) == "" {
		return fmt.Errorf("%w: api_secret is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: api_key is required", ErrInvalidConfig)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("%w: token_ttl must be positive", ErrInvalidConfig)
	}
	return nil
}
