package oidc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultDiscoveryCacheDuration is how long a fetched discovery document is
// served from cache before it is re-fetched.
const DefaultDiscoveryCacheDuration = 5 * time.Minute

const oidcwk = "/.well-known/openid-configuration"

// ProviderMetadata is the subset of the provider's discovery document this
// application consumes.
//
// https://openid.net/specs/openid-connect-discovery-1_0.html#ProviderMetadata
type ProviderMetadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserinfoEndpoint      string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI               string   `json:"jwks_uri,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
}

type discoveryEntry struct {
	md        *ProviderMetadata
	fetchedAt time.Time
}

// Cache fetches provider metadata and caches it per issuer. It is safe for
// concurrent use; a duplicate fetch during concurrent population is
// tolerated.
type Cache struct {
	hc       *http.Client
	cacheFor time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]discoveryEntry
}

// CacheOpt configures a Cache.
type CacheOpt func(*Cache)

// WithHTTPClient sets the client used for discovery fetches. The client
// should carry a timeout; if not set, http.DefaultClient is used.
func WithHTTPClient(hc *http.Client) CacheOpt {
	return func(c *Cache) { c.hc = hc }
}

// WithCacheDuration overrides how long discovery documents are cached.
func WithCacheDuration(d time.Duration) CacheOpt {
	return func(c *Cache) { c.cacheFor = d }
}

// NewCache initializes an empty discovery cache.
func NewCache(opts ...CacheOpt) *Cache {
	c := &Cache{
		hc:       http.DefaultClient,
		cacheFor: DefaultDiscoveryCacheDuration,
		logger:   slog.Default().With(slog.String("component", "oidc-discovery")),
		entries:  make(map[string]discoveryEntry),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Lookup returns the metadata for the given issuer, from cache when fresh.
// On any failure (network, non-200 status, malformed body, missing required
// fields) it logs the attempted URL and last HTTP status and returns nil.
// Callers are expected to fall back to GuessEndpoints.
func (c *Cache) Lookup(ctx context.Context, issuer string) *ProviderMetadata {
	c.mu.Lock()
	if e, ok := c.entries[issuer]; ok && time.Now().Before(e.fetchedAt.Add(c.cacheFor)) {
		c.mu.Unlock()
		return e.md
	}
	c.mu.Unlock()

	wkURL := strings.TrimRight(issuer, "/") + oidcwk

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wkURL, nil)
	if err != nil {
		c.logger.WarnContext(ctx, "building discovery request", "url", wkURL, "err", err.Error())
		return nil
	}
	res, err := c.hc.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "discovery fetch failed", "url", wkURL, "err", err.Error())
		return nil
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		c.logger.WarnContext(ctx, "discovery fetch returned non-OK status", "url", wkURL, "status", res.StatusCode)
		return nil
	}

	md := &ProviderMetadata{}
	if err := json.NewDecoder(res.Body).Decode(md); err != nil {
		c.logger.WarnContext(ctx, "decoding discovery document", "url", wkURL, "status", res.StatusCode, "err", err.Error())
		return nil
	}

	if md.Issuer == "" || md.AuthorizationEndpoint == "" || md.TokenEndpoint == "" {
		c.logger.WarnContext(ctx, "discovery document missing required fields", "url", wkURL, "status", res.StatusCode)
		return nil
	}

	c.mu.Lock()
	c.entries[issuer] = discoveryEntry{md: md, fetchedAt: time.Now()}
	c.mu.Unlock()

	return md
}

// FallbackEndpoints are deterministic endpoint-path guesses for an issuer
// whose discovery document is unreachable. The authorization and token lists
// are ordered by how common the layout is among generic providers.
type FallbackEndpoints struct {
	Authorization []string
	Token         []string
	Userinfo      string
	JWKS          string
}

// GuessEndpoints returns the fallback endpoints for an issuer.
func GuessEndpoints(issuer string) FallbackEndpoints {
	base := strings.TrimRight(issuer, "/")
	return FallbackEndpoints{
		Authorization: []string{
			base + "/oauth2/authorize",
			base + "/authorize",
			base + "/protocol/openid-connect/auth",
		},
		Token: []string{
			base + "/oauth2/token",
			base + "/token",
			base + "/protocol/openid-connect/token",
		},
		Userinfo: base + "/userinfo",
		JWKS:     base + "/.well-known/jwks.json",
	}
}
