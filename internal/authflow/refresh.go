package authflow

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"

	"fraudview/internal/oidc"
	"fraudview/internal/session"
)

// EnsureFresh returns the session in a usable state, refreshing the access
// token when it is within RefreshLeeway of expiry. A nil record with a nil
// error means the session is gone and the user must re-authenticate.
//
// Concurrent calls for the same session coalesce into a single outbound
// refresh; waiters receive the in-flight result.
func (f *Flow) EnsureFresh(ctx context.Context, id string) (*session.Record, error) {
	rec := f.store.Peek(id)
	if rec == nil {
		return nil, nil
	}

	now := f.now()
	if now.After(rec.AbsoluteExpiresAt) {
		// hard ceiling: delete even if the provider would still accept the
		// refresh token
		f.store.Delete(id)
		f.logger.InfoContext(ctx, "session reached absolute ceiling, forcing re-authentication", "subject", rec.Subject)
		return nil, nil
	}

	if rec.ExpiresAt.Sub(now) > RefreshLeeway {
		return rec, nil
	}

	if rec.RefreshToken == "" {
		// valid but not renewable; the caller sees it expire naturally
		return rec, nil
	}

	v, err, _ := f.store.RefreshGroup().Do(id, func() (any, error) {
		return f.refresh(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	refreshed, _ := v.(*session.Record)
	return refreshed, nil
}

// refresh performs the refresh_token grant for a session. Runs inside the
// store's singleflight group.
func (f *Flow) refresh(ctx context.Context, id string) (*session.Record, error) {
	rec := f.store.Peek(id)
	if rec == nil {
		return nil, nil
	}
	now := f.now()
	// a coalesced waiter may arrive after the winning call already
	// refreshed; don't refresh twice
	if rec.ExpiresAt.Sub(now) > RefreshLeeway {
		return rec, nil
	}

	md := f.discovery.Lookup(ctx, f.cfg.Issuer)
	o2 := f.oauth2Config(f.resolveTokenEndpoint(md))

	ts := o2.TokenSource(f.outboundContext(ctx), &oauth2.Token{RefreshToken: rec.RefreshToken})
	tok, err := ts.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response.StatusCode >= 400 && rerr.Response.StatusCode < 500 {
			// invalid or revoked grant: the session is dead
			f.store.Delete(id)
			f.logger.WarnContext(ctx, "refresh grant rejected, session deleted",
				"subject", rec.Subject, "status", rerr.Response.StatusCode)
			return nil, nil
		}
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	if rawID, _ := tok.Extra("id_token").(string); rawID != "" {
		_, verr := f.verifier.Verify(ctx, rawID, oidc.VerifyOpts{
			Issuer:   f.cfg.Issuer,
			ClientID: f.cfg.ClientID,
			JWKSURI:  f.resolveJWKSURI(md),
		})
		if verr != nil {
			// keep the previous verified ID token rather than trusting an
			// unverifiable rotation
			f.logger.WarnContext(ctx, "rotated ID token failed verification, keeping previous",
				"subject", rec.Subject, "err", verr.Error())
		} else {
			rec.IDToken = rawID
		}
	}

	rec.AccessToken = tok.AccessToken
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = now.Add(defaultTokenLifetime)
	}
	if expiresAt.After(rec.AbsoluteExpiresAt) {
		expiresAt = rec.AbsoluteExpiresAt
	}
	rec.ExpiresAt = expiresAt
	if tok.RefreshToken != "" {
		rec.RefreshToken = tok.RefreshToken
	}
	rec.RotationCount++

	f.store.Set(id, rec)

	return rec, nil
}
