package authflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"fraudview/internal/oidc"
	"fraudview/internal/session"
)

// CallbackInput carries the provider's redirect parameters plus the PKCE
// material recovered by the caller. Attempt is the explicit transport; the
// HTTP layer falls back to the signed handoff cookie before calling
// Complete, so a nil Attempt here means both transports came up empty.
type CallbackInput struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
	Attempt          *oidc.Attempt
}

// Complete runs the callback state machine: protocol error branch,
// parameter validation, PKCE/state checks, code exchange, ID-token
// verification, best-effort userinfo, and session creation. On success it
// returns the new session ID and record.
func (f *Flow) Complete(ctx context.Context, in CallbackInput) (string, *session.Record, error) {
	if err := f.ValidateConfig(); err != nil {
		return "", nil, err
	}

	if in.Error != "" {
		return "", nil, &FlowError{Kind: KindProtocol, Code: in.Error, Description: in.ErrorDescription}
	}

	if in.Code == "" || in.State == "" {
		return "", nil, flowErr(KindInvalidRequest, "callback missing code or state parameter")
	}

	att := in.Attempt
	if att == nil {
		return "", nil, flowErr(KindInvalidSession, "no PKCE material for this login attempt")
	}
	if att.Expired(f.now()) {
		return "", nil, flowErr(KindInvalidSession, "login attempt older than %s", oidc.AttemptTTL)
	}

	if in.State != att.State {
		return "", nil, flowErr(KindStateMismatch, "callback state does not match the login attempt")
	}

	md := f.discovery.Lookup(ctx, f.cfg.Issuer)
	o2 := f.oauth2Config(f.resolveTokenEndpoint(md))

	tok, err := o2.Exchange(f.outboundContext(ctx), in.Code,
		oauth2.SetAuthURLParam("code_verifier", att.CodeVerifier),
	)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			// the response body is logged, never trusted beyond that
			f.logger.WarnContext(ctx, "token exchange rejected",
				"status", rerr.Response.StatusCode, "body", string(rerr.Body))
		}
		return "", nil, flowErr(KindExchangeFailed, "exchanging authorization code: %w", err)
	}

	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" {
		return "", nil, flowErr(KindTokenInvalid, "token response contained no ID token")
	}

	claims, err := f.verifier.Verify(ctx, rawID, oidc.VerifyOpts{
		Issuer:        f.cfg.Issuer,
		ClientID:      f.cfg.ClientID,
		ExpectedNonce: att.Nonce,
		JWKSURI:       f.resolveJWKSURI(md),
	})
	if err != nil {
		return "", nil, flowErr(KindTokenInvalid, "verifying ID token: %w", err)
	}

	profile, role := f.fetchUserinfo(ctx, f.resolveUserinfoEndpoint(md), tok.AccessToken, claims)

	now := f.now()
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = now.Add(defaultTokenLifetime)
	}
	ceiling := now.Add(SessionCeiling)
	if expiresAt.After(ceiling) {
		expiresAt = ceiling
	}

	rec := &session.Record{
		Subject:           claims.Subject,
		AccessToken:       tok.AccessToken,
		IDToken:           rawID,
		RefreshToken:      tok.RefreshToken,
		Claims:            profile,
		Role:              role,
		ExpiresAt:         expiresAt,
		AbsoluteExpiresAt: ceiling,
		CreatedAt:         now,
	}

	id := f.store.Create(rec)

	f.logger.InfoContext(ctx, "session created", "subject", claims.Subject, "expires_at", expiresAt)

	return id, rec, nil
}

// fetchUserinfo retrieves supplementary profile claims with the access
// token. It is best-effort: on any failure the flow proceeds with the
// ID-token claims alone. The role comes from userinfo when present, else
// from the verified ID token.
func (f *Flow) fetchUserinfo(ctx context.Context, endpoint, accessToken string, claims *oidc.Claims) (map[string]any, string) {
	fallback := func() (map[string]any, string) {
		profile := claims.Extra
		if profile == nil {
			profile = map[string]any{"sub": claims.Subject}
		}
		return profile, claims.Role.Resolve()
	}

	if endpoint == "" {
		return fallback()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fallback()
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	res, err := f.hc.Do(req)
	if err != nil {
		f.logger.WarnContext(ctx, "userinfo request failed, proceeding without", "err", err.Error())
		return fallback()
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		f.logger.WarnContext(ctx, "userinfo returned non-OK status, proceeding without", "status", res.StatusCode)
		return fallback()
	}

	info := map[string]any{}
	if err := json.NewDecoder(res.Body).Decode(&info); err != nil {
		f.logger.WarnContext(ctx, "decoding userinfo response, proceeding without", "err", err.Error())
		return fallback()
	}

	// prevent token substitution: userinfo must describe the same subject
	// as the verified ID token
	if sub, _ := info["sub"].(string); sub != claims.Subject {
		f.logger.WarnContext(ctx, "userinfo subject does not match ID token, discarding",
			"userinfo_sub", info["sub"], "token_sub", claims.Subject)
		return fallback()
	}

	role := roleFromUserinfo(info)
	if role == "" {
		role = claims.Role.Resolve()
	}

	return info, role
}

// roleFromUserinfo pulls a role claim out of the raw userinfo map, handling
// the string-or-array shape.
func roleFromUserinfo(info map[string]any) string {
	raw, ok := info["role"]
	if !ok {
		return ""
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return ""
	}
	rc := oidc.RoleClaim{}
	if err := rc.UnmarshalJSON(b); err != nil {
		return ""
	}
	return rc.Resolve()
}

// CookieMaxAge is the session cookie lifetime for a record: the minimum of
// the remaining token lifetime and the remaining absolute ceiling.
func CookieMaxAge(rec *session.Record, now func() time.Time) time.Duration {
	n := now()
	untilExpiry := rec.ExpiresAt.Sub(n)
	untilCeiling := rec.AbsoluteExpiresAt.Sub(n)
	if untilCeiling < untilExpiry {
		return untilCeiling
	}
	return untilExpiry
}
