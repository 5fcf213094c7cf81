package web

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"fraudview/internal/authflow"
	"fraudview/internal/oidc"
)

// login renders the error-annotated sign-in view when an error indicator is
// present; otherwise it initiates the authorization flow and redirects the
// browser to the identity provider.
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	errCode := r.URL.Query().Get("error")
	if errCode != "" || r.URL.Query().Has("signed_out") {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := loginTmpl.Execute(w, map[string]any{"Error": errCode}); err != nil {
			s.logger.ErrorContext(r.Context(), "rendering login view", "err", err.Error())
		}
		return
	}

	res, err := s.flow.Start(r.Context())
	if err != nil {
		s.failLogin(w, r, err)
		return
	}

	// server-side backup of the PKCE material, in case client-side custody
	// is lost across the provider redirect
	returnTo := safeReturnPath(r.URL.Query().Get("next"))
	if err := s.cookies.WritePKCE(w, r, res.Attempt, returnTo); err != nil {
		s.logger.ErrorContext(r.Context(), "writing PKCE cookie", "err", err.Error())
		http.Redirect(w, r, loginPath+"?error=internal", http.StatusSeeOther)
		return
	}

	http.Redirect(w, r, res.AuthorizeURL, http.StatusSeeOther)
}

// callback completes the flow. PKCE material passed explicitly via the
// pkce parameter wins; the signed handoff cookie is the deliberate
// secondary transport.
func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	in := authflow.CallbackInput{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}

	returnTo := ""
	if att := decodeAttemptParam(q.Get("pkce")); att != nil {
		in.Attempt = att
	} else {
		in.Attempt, returnTo = s.cookies.ReadPKCE(r)
	}

	id, rec, err := s.flow.Complete(r.Context(), in)
	if err != nil {
		s.cookies.ClearPKCE(w, r)
		s.failLogin(w, r, err)
		return
	}

	s.cookies.SetSession(w, id, authflow.CookieMaxAge(rec, time.Now))
	s.cookies.ClearPKCE(w, r)

	dest := safeReturnPath(returnTo)
	if dest == "" {
		dest = landingPath
	}
	http.Redirect(w, r, dest, http.StatusSeeOther)
}

// logout deletes the server-side session and expires the cookie.
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if sid := s.cookies.SessionID(r); sid != "" {
		s.store.Delete(sid)
	}
	s.cookies.ClearSession(w)
	http.Redirect(w, r, loginPath+"?signed_out=1", http.StatusSeeOther)
}

// sessionInfo is the introspection endpoint consumed by the UI layer.
func (s *Server) sessionInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	sid := s.cookies.SessionID(r)
	if sid == "" {
		writeJSON(w, map[string]any{"authenticated": false})
		return
	}

	rec, err := s.flow.EnsureFresh(r.Context(), sid)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "refreshing session for introspection", "err", err.Error())
		writeJSON(w, map[string]any{"authenticated": false})
		return
	}
	if rec == nil {
		s.cookies.ClearSession(w)
		writeJSON(w, map[string]any{"authenticated": false})
		return
	}

	writeJSON(w, map[string]any{
		"authenticated": true,
		"profile":       rec.Claims,
		"expires_at":    rec.ExpiresAt,
		"rotations":     rec.RotationCount,
	})
}

// dashboard is the guarded landing stub; the real dashboard pages are a
// separate concern.
func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	rec := SessionFromContext(r.Context())
	if rec == nil {
		http.Redirect(w, r, loginPath, http.StatusSeeOther)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, map[string]any{"Subject": rec.Subject, "Role": rec.Role}); err != nil {
		s.logger.ErrorContext(r.Context(), "rendering dashboard", "err", err.Error())
	}
}

// failLogin logs the detailed failure and redirects to the login view with
// only a coarse error code; provider responses and stack detail never reach
// the browser.
func (s *Server) failLogin(w http.ResponseWriter, r *http.Request, err error) {
	kind := authflow.KindOf(err)
	if kind == "" {
		kind = "internal"
	}
	s.logger.WarnContext(r.Context(), "login flow failed", "kind", string(kind), "err", err.Error())
	http.Redirect(w, r, loginPath+"?error="+string(kind), http.StatusSeeOther)
}

// decodeAttemptParam parses the explicit pkce callback parameter: a
// base64url-encoded JSON attempt.
func decodeAttemptParam(raw string) *oidc.Attempt {
	if raw == "" {
		return nil
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil
	}
	att := &oidc.Attempt{}
	if err := json.Unmarshal(b, att); err != nil {
		return nil
	}
	return att
}

// safeReturnPath only allows same-site relative paths for post-login
// redirects.
func safeReturnPath(p string) string {
	if p == "" || !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") {
		return ""
	}
	return p
}

func writeJSON(w http.ResponseWriter, v any) {
	_ = json.NewEncoder(w).Encode(v)
}
