package functions

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrUserIDRequired = errors.New("functions: user id is required")

// VoiceGrant scopes the token to voice calling.
type VoiceGrant struct {
	Incoming struct {
		Allow bool `json:"allow"`
	} `json:"incoming"`
	Outgoing *struct {
		ApplicationSID string `json:"application_sid"`
	} `json:"outgoing,omitempty"`
}

type Grants struct {
	Identity string      `json:"identity"`
	Voice    *VoiceGrant `json:"voice,omitempty"`
}

// AccessClaims is the provider access-token claim set.
type AccessClaims struct {
	jwt.RegisteredClaims
	Grants Grants `json:"grants"`
}

// Issuer mints signed access tokens for session identities.
type Issuer struct {
	accountSID     string
	apiKey         string
	secret         []byte
	applicationSID string
	prefix         string
	ttl            time.Duration
	clock          clock.Clock
}

func NewIssuer(cfg Config, clk clock.Clock) (*Issuer, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Issuer{
		accountSID:     cfg.AccountSID,
		apiKey:         cfg.APIKey,
		secret:         []byte(cfg.APISecret),
		applicationSID: cfg.ApplicationSID,
		prefix:         cfg.IdentityPrefix,
		ttl:            cfg.TokenTTL,
		clock:          clk,
	}, nil
}

// Identity maps a user id onto the registered client identity.
func (i *Issuer) Identity(userID string) string {
	return i.prefix + strings.TrimSpace(userID)
}

// Issue returns a signed token and the identity it was issued for.
func (i *Issuer) Issue(userID string) (string, string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", "", ErrUserIDRequired
	}
	identity := i.Identity(userID)
	now := i.clock.Now()

	grant := &VoiceGrant{}
	grant.Incoming.Allow = true
	if i.applicationSID != "" {
		grant.Outgoing = &struct {
			ApplicationSID string `json:"application_sid"`
		}{ApplicationSID: i.applicationSID}
	}
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        i.apiKey + "-" + uuid.NewString(),
			Issuer:    i.apiKey,
			Subject:   i.accountSID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Grants: Grants{Identity: identity, Voice: grant},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["cty"] = "twilio-fpa;v=1"
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", "", fmt.Errorf("functions: sign token: %w", err)
	}
	return signed, identity, nil
}
