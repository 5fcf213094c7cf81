package web

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"fraudview/internal/authflow"
)

const loginPath = "/auth/login"

// Guard classifies every inbound path and gates the private prefixes on a
// live session. Public paths are never gated; neutral paths pass through
// without enforcement, relying on downstream checks.
type Guard struct {
	flow    *authflow.Flow
	cookies *authflow.Cookies
	logger  *slog.Logger

	publicPrefixes  []string
	privatePrefixes []string

	configOnce sync.Once
	configErr  error
}

// NewGuard builds the route guard.
func NewGuard(flow *authflow.Flow, cookies *authflow.Cookies) *Guard {
	return &Guard{
		flow:    flow,
		cookies: cookies,
		logger:  slog.Default().With(slog.String("component", "route-guard")),
		publicPrefixes: []string{
			"/auth/",
			"/healthz",
			"/static/",
			// introspection answers authenticated:false instead of
			// redirecting, so it does its own session lookup
			"/api/session",
		},
		privatePrefixes: []string{
			"/dashboard",
			"/api/",
		},
	}
}

// Middleware wires the guard into the router chain.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// configuration is validated once; when invalid, nothing reaches
		// protected logic
		g.configOnce.Do(func() { g.configErr = g.flow.ValidateConfig() })
		if g.configErr != nil && !strings.HasPrefix(r.URL.Path, loginPath) {
			http.Redirect(w, r, loginPath+"?error=configuration", http.StatusSeeOther)
			return
		}

		switch {
		case g.isPublic(r.URL.Path):
			next.ServeHTTP(w, r)

		case g.isPrivate(r.URL.Path):
			sid := g.cookies.SessionID(r)
			if sid == "" {
				g.redirectToLogin(w, r)
				return
			}
			rec, err := g.flow.EnsureFresh(r.Context(), sid)
			if err != nil {
				g.logger.ErrorContext(r.Context(), "refreshing session", "err", err.Error())
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			if rec == nil {
				g.cookies.ClearSession(w)
				g.redirectToLogin(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(withSession(r.Context(), rec)))

		default:
			// neutral: pass through, downstream decides
			next.ServeHTTP(w, r)
		}
	})
}

func (g *Guard) isPublic(path string) bool {
	return hasAnyPrefix(path, g.publicPrefixes)
}

func (g *Guard) isPrivate(path string) bool {
	return hasAnyPrefix(path, g.privatePrefixes)
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (g *Guard) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	v := url.Values{"next": {r.URL.RequestURI()}}
	http.Redirect(w, r, loginPath+"?"+v.Encode(), http.StatusSeeOther)
}
