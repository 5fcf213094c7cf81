package oidc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

// DefaultKeyCacheDuration is how long a fetched signing key set is served
// from cache, to avoid hammering the issuer's JWKS endpoint.
const DefaultKeyCacheDuration = 15 * time.Minute

type keysEntry struct {
	set       jwk.Set
	fetchedAt time.Time
}

// KeyCache caches provider signing key sets, keyed by issuer.
type KeyCache struct {
	hc       *http.Client
	cacheFor time.Duration

	mu      sync.Mutex
	entries map[string]keysEntry
}

// KeyCacheOpt configures a KeyCache.
type KeyCacheOpt func(*KeyCache)

// WithKeyHTTPClient sets the client used for JWKS fetches.
func WithKeyHTTPClient(hc *http.Client) KeyCacheOpt {
	return func(k *KeyCache) { k.hc = hc }
}

// WithKeyCacheDuration overrides how long key sets are cached.
func WithKeyCacheDuration(d time.Duration) KeyCacheOpt {
	return func(k *KeyCache) { k.cacheFor = d }
}

// NewKeyCache initializes an empty key cache.
func NewKeyCache(opts ...KeyCacheOpt) *KeyCache {
	k := &KeyCache{
		hc:       http.DefaultClient,
		cacheFor: DefaultKeyCacheDuration,
		entries:  make(map[string]keysEntry),
	}
	for _, o := range opts {
		o(k)
	}
	return k
}

// Keys returns the signing key set for the issuer, fetching from jwksURI
// when the cached copy is missing or stale.
func (k *KeyCache) Keys(ctx context.Context, issuer, jwksURI string) (jwk.Set, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if e, ok := k.entries[issuer]; ok && time.Now().Before(e.fetchedAt.Add(k.cacheFor)) {
		return e.set, nil
	}

	if jwksURI == "" {
		return nil, fmt.Errorf("no JWKS endpoint known for issuer %s", issuer)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
	if err != nil {
		return nil, fmt.Errorf("building JWKS request: %w", err)
	}
	res, err := k.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching keys from %s: %w", jwksURI, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint %s returned status %d", jwksURI, res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading JWKS body: %w", err)
	}

	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parsing JWKS: %w", err)
	}

	k.entries[issuer] = keysEntry{set: set, fetchedAt: time.Now()}

	return set, nil
}

// Invalidate drops the cached key set for an issuer, forcing a re-fetch on
// the next lookup.
func (k *KeyCache) Invalidate(issuer string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.entries, issuer)
}
