package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/callkeep/internal/liveness"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrCredentialFetch = liveness.ErrCredentialFetch
	ErrInvalidEndpoint = errors.New("remote: invalid endpoint")
)

const (
	DefaultTokenTTL     = time.Hour
	DefaultSafetyMargin = time.Minute
	maxResponseBytes    = 1 << 20
)

// TokenConfig configures TokenClient.
type TokenConfig struct {
	BaseURL string
	// TTL bounds the expiry when the token carries no usable exp claim.
	TTL          time.Duration
	SafetyMargin time.Duration
	HTTP         *http.Client
	Clock        clock.Clock
}

// TokenClient fetches provider credentials from GET /credentials.
type TokenClient struct {
	endpoint *url.URL
	http     *http.Client
	clock    clock.Clock
	ttl      time.Duration
	margin   time.Duration
}

type credentialResponse struct {
	Token    string `json:"token"`
	Identity string `json:"identity"`
	Error    string `json:"error"`
	Details  string `json:"details"`
}

func NewTokenClient(cfg TokenConfig) (*TokenClient, error) {
	endpoint, err := joinEndpoint(cfg.BaseURL, "credentials")
	if err != nil {
		return nil, err
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTokenTTL
	}
	if cfg.SafetyMargin < 0 || cfg.SafetyMargin >= cfg.TTL {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	if cfg.HTTP == nil {
		cfg.HTTP = http.DefaultClient
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &TokenClient{
		endpoint: endpoint,
		http:     cfg.HTTP,
		clock:    cfg.Clock,
		ttl:      cfg.TTL,
		margin:   cfg.SafetyMargin,
	}, nil
}

// FetchCredential implements liveness.CredentialFetcher. Every failure is
// wrapped in ErrCredentialFetch.
func (c *TokenClient) FetchCredential(ctx context.Context, id liveness.SessionIdentity) (liveness.Credential, error) {
	if err := id.Validate(); err != nil {
		return liveness.Credential{}, fmt.Errorf("%w: %v", ErrCredentialFetch, err)
	}
	u := *c.endpoint
	q := u.Query()
	q.Set("userId", id.String())
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return liveness.Credential{}, fmt.Errorf("%w: %v", ErrCredentialFetch, err)
	}
	req.Header.Set("Accept", "application/json")
	issuedAt := c.clock.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return liveness.Credential{}, fmt.Errorf("%w: %v", ErrCredentialFetch, err)
	}
	defer resp.Body.Close()

	var body credentialResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		return liveness.Credential{}, fmt.Errorf("%w: status=%d decode: %v", ErrCredentialFetch, resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(body.Error)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return liveness.Credential{}, fmt.Errorf("%w: status=%d: %s", ErrCredentialFetch, resp.StatusCode, msg)
	}
	if strings.TrimSpace(body.Token) == "" {
		return liveness.Credential{}, fmt.Errorf("%w: empty token", ErrCredentialFetch)
	}
	return liveness.Credential{
		Token:     body.Token,
		IssuedFor: id,
		ExpiresAt: c.expiry(body.Token, issuedAt),
	}, nil
}

// expiry is the earlier of the token's exp claim and issuedAt+TTL, pulled
// forward by the safety margin.
func (c *TokenClient) expiry(token string, issuedAt time.Time) time.Time {
	limit := issuedAt.Add(c.ttl)
	if exp, ok := TokenExpiry(token); ok && exp.Before(limit) {
		limit = exp
	}
	return limit.Add(-c.margin)
}

// TokenExpiry reads the exp claim without verifying the signature. The
// client never holds the signing key; the provider verifies on connect.
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func joinEndpoint(base, path string) (*url.URL, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return nil, fmt.Errorf("%w: base url required", ErrInvalidEndpoint)
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrInvalidEndpoint)
	}
	return u.JoinPath(path), nil
}
