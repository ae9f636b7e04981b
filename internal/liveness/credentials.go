package liveness

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

// CredentialFetcher obtains a fresh credential from the token endpoint.
type CredentialFetcher interface {
	FetchCredential(ctx context.Context, id SessionIdentity) (Credential, error)
}

// CredentialCache serves credentials from the store and refreshes them
// from the fetcher once they are absent or expired.
type CredentialCache struct {
	store   Store
	fetcher CredentialFetcher
	clock   clock.Clock

	mu sync.Mutex
}

func NewCredentialCache(store Store, fetcher CredentialFetcher, clk clock.Clock) *CredentialCache {
	if clk == nil {
		clk = clock.New()
	}
	return &CredentialCache{
		store:   store,
		fetcher: fetcher,
		clock:   clk,
	}
}

// Get returns a credential for id that is valid at the time of return.
func (c *CredentialCache) Get(ctx context.Context, id SessionIdentity) (Credential, error) {
	if err := id.Validate(); err != nil {
		return Credential{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, ok, err := LoadCredential(ctx, c.store, id)
	if err == nil && ok && cached.IssuedFor == id && cached.Valid(c.clock.Now()) {
		return cached, nil
	}

	fresh, err := c.fetcher.FetchCredential(ctx, id)
	if err != nil {
		return Credential{}, err
	}
	if fresh.IssuedFor == "" {
		fresh.IssuedFor = id
	}
	if err := fresh.Validate(); err != nil {
		return Credential{}, fmt.Errorf("%w: %w", ErrCredentialFetch, err)
	}
	if !fresh.Valid(c.clock.Now()) {
		return Credential{}, fmt.Errorf("%w: %w: fetched credential for %s expires at %s",
			ErrCredentialFetch, ErrCredentialExpired, id, fresh.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	if err := SaveCredential(ctx, c.store, fresh); err != nil {
		log.Warn().Err(err).Str("identity", id.String()).Msg("liveness: credential cache write failed")
	}
	return fresh, nil
}

// Invalidate drops the cached credential so the next Get refetches.
func (c *CredentialCache) Invalidate(ctx context.Context, id SessionIdentity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Delete(ctx, CredentialKey(id))
}
