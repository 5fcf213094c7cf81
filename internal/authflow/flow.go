package authflow

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"fraudview/internal/oidc"
	"fraudview/internal/session"
)

const (
	// SessionCeiling is the absolute maximum session lifetime, fixed at
	// creation. Refresh never extends it.
	SessionCeiling = 8 * time.Hour
	// RefreshLeeway is how close to token expiry a session must be before
	// a refresh is attempted.
	RefreshLeeway = 60 * time.Second

	defaultTokenLifetime = time.Hour
	probeTimeout         = 2 * time.Second
)

// baselineScope must always be requested; without it the provider will not
// issue an ID token.
const baselineScope = "openid"

// conventionalScopes are the standard OIDC scopes generic providers
// understand. When discovery is unavailable, requested scopes outside this
// set are stripped rather than risking an invalid_scope rejection.
var conventionalScopes = []string{"openid", "profile", "email", "address", "phone", "offline_access"}

// Config is the relying-party configuration for the login flow.
type Config struct {
	// Issuer is the identity provider's issuer URL.
	Issuer string
	// ClientID registered with the provider.
	ClientID string
	// ClientSecret, when the client is confidential. Optional with PKCE.
	ClientSecret string
	// RedirectURL is the registered callback URL.
	RedirectURL string
	// Scopes to request in addition to the mandatory openid scope.
	Scopes []string
	// ProbeAuthorizeEndpoint enables a best-effort reachability check of
	// the resolved authorization endpoint before redirecting. Skipped in
	// non-production contexts.
	ProbeAuthorizeEndpoint bool
	// HTTPClient is used for token, userinfo and probe requests. It should
	// carry a timeout.
	HTTPClient *http.Client
}

func (c Config) validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if err := validHTTPURL(c.Issuer); err != nil {
		return fmt.Errorf("issuer: %w", err)
	}
	if c.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}
	if c.RedirectURL == "" {
		return fmt.Errorf("redirect URL is required")
	}
	if err := validHTTPURL(c.RedirectURL); err != nil {
		return fmt.Errorf("redirect URL: %w", err)
	}
	return nil
}

func validHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q is not an absolute http(s) URL", raw)
	}
	return nil
}

// Flow drives the authorization-code-with-PKCE flow end to end: initiation,
// callback completion, and silent refresh.
type Flow struct {
	cfg       Config
	discovery *oidc.Cache
	verifier  *oidc.Verifier
	store     *session.Store
	hc        *http.Client
	logger    *slog.Logger
	now       func() time.Time

	validateOnce sync.Once
	validateErr  error
}

// New wires a flow from its collaborators.
func New(cfg Config, discovery *oidc.Cache, verifier *oidc.Verifier, store *session.Store) *Flow {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Flow{
		cfg:       cfg,
		discovery: discovery,
		verifier:  verifier,
		store:     store,
		hc:        hc,
		logger:    slog.Default().With(slog.String("component", "authflow")),
		now:       time.Now,
	}
}

// Store exposes the session store backing this flow.
func (f *Flow) Store() *session.Store { return f.store }

// ValidateConfig is the single load-bearing configuration gate. The result
// is computed once and cached; callers upstream must route users to an
// error state rather than proceed when it fails.
func (f *Flow) ValidateConfig() error {
	f.validateOnce.Do(func() {
		f.validateErr = f.cfg.validate()
	})
	if f.validateErr != nil {
		return &FlowError{Kind: KindConfig, Err: f.validateErr}
	}
	return nil
}

// StartResult is the output of flow initiation. The attempt goes to the
// caller for client-side custody and, separately, into the signed handoff
// cookie as a deliberate secondary transport.
type StartResult struct {
	AuthorizeURL string
	Attempt      *oidc.Attempt
}

// Start validates configuration, negotiates scopes, resolves the
// authorization endpoint and builds the redirect URL.
func (f *Flow) Start(ctx context.Context) (*StartResult, error) {
	if err := f.ValidateConfig(); err != nil {
		return nil, err
	}

	attempt, err := oidc.NewAttempt()
	if err != nil {
		return nil, &FlowError{Kind: KindConfig, Err: err}
	}

	md := f.discovery.Lookup(ctx, f.cfg.Issuer)
	scopes := f.resolveScopes(ctx, md)
	authzEndpoint := f.resolveAuthorizeEndpoint(ctx, md)

	o2 := oauth2.Config{
		ClientID:     f.cfg.ClientID,
		ClientSecret: f.cfg.ClientSecret,
		RedirectURL:  f.cfg.RedirectURL,
		Scopes:       scopes,
		Endpoint:     oauth2.Endpoint{AuthURL: authzEndpoint},
	}

	authorizeURL := o2.AuthCodeURL(attempt.State,
		oauth2.SetAuthURLParam("code_challenge", attempt.Challenge()),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("nonce", attempt.Nonce),
	)

	return &StartResult{AuthorizeURL: authorizeURL, Attempt: attempt}, nil
}

// resolveScopes always includes the baseline openid scope. When discovery
// reported supported scopes the request is intersected with them; otherwise
// a conservative filter strips custom values generic providers would
// reject.
func (f *Flow) resolveScopes(ctx context.Context, md *oidc.ProviderMetadata) []string {
	requested := make([]string, 0, len(f.cfg.Scopes)+1)
	requested = append(requested, baselineScope)
	for _, s := range f.cfg.Scopes {
		if s != baselineScope && !slices.Contains(requested, s) {
			requested = append(requested, s)
		}
	}

	allowed := conventionalScopes
	if md != nil && len(md.ScopesSupported) > 0 {
		allowed = md.ScopesSupported
	}

	scopes := make([]string, 0, len(requested))
	var dropped []string
	for _, s := range requested {
		if s == baselineScope || slices.Contains(allowed, s) {
			scopes = append(scopes, s)
		} else {
			dropped = append(dropped, s)
		}
	}
	if len(dropped) > 0 {
		f.logger.InfoContext(ctx, "dropping scopes not supported by provider", "dropped", dropped)
	}
	return scopes
}

// resolveAuthorizeEndpoint prefers the discovered endpoint, falling back
// through ordered path guesses when discovery failed. With probing enabled,
// the first guess that answers at all wins.
func (f *Flow) resolveAuthorizeEndpoint(ctx context.Context, md *oidc.ProviderMetadata) string {
	if md != nil {
		return md.AuthorizationEndpoint
	}

	guesses := oidc.GuessEndpoints(f.cfg.Issuer).Authorization
	if f.cfg.ProbeAuthorizeEndpoint {
		for _, g := range guesses {
			if f.reachable(ctx, g) {
				return g
			}
		}
		f.logger.WarnContext(ctx, "no authorization endpoint guess was reachable, using first", "endpoint", guesses[0])
	}
	return guesses[0]
}

// reachable reports whether the endpoint answered an HTTP request at all.
// Any status counts; authorization endpoints commonly reject bare requests.
func (f *Flow) reachable(ctx context.Context, endpoint string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return false
	}
	res, err := f.hc.Do(req)
	if err != nil {
		return false
	}
	_ = res.Body.Close()
	return true
}

// resolveTokenEndpoint mirrors resolveAuthorizeEndpoint for the token URL.
func (f *Flow) resolveTokenEndpoint(md *oidc.ProviderMetadata) string {
	if md != nil {
		return md.TokenEndpoint
	}
	return oidc.GuessEndpoints(f.cfg.Issuer).Token[0]
}

func (f *Flow) resolveJWKSURI(md *oidc.ProviderMetadata) string {
	if md != nil && md.JWKSURI != "" {
		return md.JWKSURI
	}
	return oidc.GuessEndpoints(f.cfg.Issuer).JWKS
}

func (f *Flow) resolveUserinfoEndpoint(md *oidc.ProviderMetadata) string {
	if md != nil {
		// an empty discovered value means the provider has no userinfo
		// endpoint, which is not the same as discovery being down
		return md.UserinfoEndpoint
	}
	return oidc.GuessEndpoints(f.cfg.Issuer).Userinfo
}

// oauth2Config builds the exchange/refresh configuration against the
// resolved token endpoint.
func (f *Flow) oauth2Config(tokenEndpoint string) oauth2.Config {
	return oauth2.Config{
		ClientID:     f.cfg.ClientID,
		ClientSecret: f.cfg.ClientSecret,
		RedirectURL:  f.cfg.RedirectURL,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenEndpoint},
	}
}

// outboundContext attaches the flow's HTTP client for the oauth2 package.
func (f *Flow) outboundContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, f.hc)
}
