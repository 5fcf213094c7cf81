package authflow

import (
	"net/http"
	"time"

	"github.com/gorilla/sessions"

	"fraudview/internal/oidc"
)

// Cookie names use the browser-enforced __Host- prefix in production,
// which requires a secure context, Path=/ and no Domain attribute. Outside
// production (plain-HTTP development) the bare names are used.
const (
	sessionCookieBase = "fraudview_session"
	pkceCookieBase    = "fraudview_pkce"
	hostPrefix        = "__Host-"
)

const pkceReturnToKey = "return_to"

// Cookies manages the two cookies this subsystem owns: the opaque session
// ID cookie, and the signed PKCE handoff cookie that survives the redirect
// to the identity provider when client-side custody of the attempt is lost.
type Cookies struct {
	production bool
	pkce       *sessions.CookieStore
}

// NewCookies builds the cookie manager. authKey signs the PKCE handoff
// cookie (securecookie HMAC); it must be at least 32 bytes of key material.
func NewCookies(production bool, authKey []byte) *Cookies {
	store := sessions.NewCookieStore(authKey)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(oidc.AttemptTTL.Seconds()),
		HttpOnly: true,
		Secure:   production,
		SameSite: http.SameSiteLaxMode,
	}
	return &Cookies{production: production, pkce: store}
}

// SessionCookieName is the environment-dependent session cookie name.
func (c *Cookies) SessionCookieName() string {
	if c.production {
		return hostPrefix + sessionCookieBase
	}
	return sessionCookieBase
}

func (c *Cookies) pkceCookieName() string {
	if c.production {
		return hostPrefix + pkceCookieBase
	}
	return pkceCookieBase
}

// WritePKCE stores the attempt (and the post-login return path) in the
// signed handoff cookie.
func (c *Cookies) WritePKCE(w http.ResponseWriter, r *http.Request, att *oidc.Attempt, returnTo string) error {
	s, _ := c.pkce.New(r, c.pkceCookieName())
	s.Values["code_verifier"] = att.CodeVerifier
	s.Values["state"] = att.State
	s.Values["nonce"] = att.Nonce
	s.Values["created_at"] = att.CreatedAt.Unix()
	s.Values[pkceReturnToKey] = returnTo
	return s.Save(r, w)
}

// ReadPKCE recovers the attempt from the handoff cookie. A missing,
// unreadable or tampered cookie yields nil.
func (c *Cookies) ReadPKCE(r *http.Request) (*oidc.Attempt, string) {
	s, err := c.pkce.Get(r, c.pkceCookieName())
	if err != nil || s.IsNew {
		return nil, ""
	}

	verifier, _ := s.Values["code_verifier"].(string)
	state, _ := s.Values["state"].(string)
	nonce, _ := s.Values["nonce"].(string)
	createdAt, _ := s.Values["created_at"].(int64)
	returnTo, _ := s.Values[pkceReturnToKey].(string)

	if verifier == "" || state == "" {
		return nil, ""
	}

	return &oidc.Attempt{
		CodeVerifier: verifier,
		State:        state,
		Nonce:        nonce,
		CreatedAt:    time.Unix(createdAt, 0),
	}, returnTo
}

// ClearPKCE expires the handoff cookie.
func (c *Cookies) ClearPKCE(w http.ResponseWriter, r *http.Request) {
	s, _ := c.pkce.New(r, c.pkceCookieName())
	s.Options.MaxAge = -1
	_ = s.Save(r, w)
}

// SetSession issues the session ID cookie with the given lifetime.
func (c *Cookies) SetSession(w http.ResponseWriter, id string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.SessionCookieName(),
		Value:    id,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.production,
		SameSite: http.SameSiteLaxMode,
	})
}

// SessionID reads the session ID cookie, or returns the empty string.
func (c *Cookies) SessionID(r *http.Request) string {
	ck, err := r.Cookie(c.SessionCookieName())
	if err != nil {
		return ""
	}
	return ck.Value
}

// ClearSession expires the session cookie.
func (c *Cookies) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.SessionCookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.production,
		SameSite: http.SameSiteLaxMode,
	})
}
