package authflow

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fraudview/internal/oidc"
	"fraudview/internal/session"
)

// startLogin runs flow initiation and points the provider at the attempt's
// nonce, as the real authorization redirect would.
func startLogin(t *testing.T, ctx context.Context, f *Flow, idp *mockIdP) *oidc.Attempt {
	t.Helper()
	res, err := f.Start(ctx)
	require.NoError(t, err)
	idp.setNonce(res.Attempt.Nonce)
	return res.Attempt
}

func TestComplete(t *testing.T) {
	ctx := context.Background()

	idp := newMockIdP(t)
	f := newTestFlow(t, idp.issuer())
	att := startLogin(t, ctx, f, idp)

	before := time.Now()
	id, rec, err := f.Complete(ctx, CallbackInput{Code: "good-code", State: att.State, Attempt: att})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NotNil(t, rec)

	assert.Equal(t, "user-1", rec.Subject)
	assert.Equal(t, "at-1", rec.AccessToken)
	assert.Equal(t, "rt-1", rec.RefreshToken)
	assert.NotEmpty(t, rec.IDToken)
	assert.Equal(t, 0, rec.RotationCount)

	// profile and role come from userinfo
	assert.Equal(t, "analyst@example.com", rec.Claims["email"])
	assert.Equal(t, "ANALYST", rec.Role)

	// token lifetime drives expiry; the ceiling is fixed at creation
	assert.WithinDuration(t, before.Add(time.Hour), rec.ExpiresAt, 5*time.Second)
	assert.WithinDuration(t, before.Add(SessionCeiling), rec.AbsoluteExpiresAt, 5*time.Second)

	require.NotNil(t, f.Store().Get(id))

	// the exchange carried the PKCE verifier
	idp.mu.Lock()
	lastVerifier := idp.lastVerifier
	idp.mu.Unlock()
	assert.Equal(t, att.CodeVerifier, lastVerifier)
}

func TestCompleteFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("provider error parameter", func(t *testing.T) {
		idp := newMockIdP(t)
		f := newTestFlow(t, idp.issuer())

		_, _, err := f.Complete(ctx, CallbackInput{Error: "access_denied", ErrorDescription: "user cancelled"})
		assert.Equal(t, KindProtocol, KindOf(err))

		fe := &FlowError{}
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, "access_denied", fe.Code)
		assert.Equal(t, 0, int(idp.exchangeCalls.Load()))
	})

	t.Run("missing code", func(t *testing.T) {
		idp := newMockIdP(t)
		f := newTestFlow(t, idp.issuer())
		att := startLogin(t, ctx, f, idp)

		_, _, err := f.Complete(ctx, CallbackInput{State: att.State, Attempt: att})
		assert.Equal(t, KindInvalidRequest, KindOf(err))
	})

	t.Run("missing state", func(t *testing.T) {
		idp := newMockIdP(t)
		f := newTestFlow(t, idp.issuer())
		att := startLogin(t, ctx, f, idp)

		_, _, err := f.Complete(ctx, CallbackInput{Code: "good-code", Attempt: att})
		assert.Equal(t, KindInvalidRequest, KindOf(err))
	})

	t.Run("no PKCE material", func(t *testing.T) {
		idp := newMockIdP(t)
		f := newTestFlow(t, idp.issuer())

		_, _, err := f.Complete(ctx, CallbackInput{Code: "good-code", State: "s"})
		assert.Equal(t, KindInvalidSession, KindOf(err))
	})

	t.Run("stale attempt", func(t *testing.T) {
		idp := newMockIdP(t)
		f := newTestFlow(t, idp.issuer())
		att := startLogin(t, ctx, f, idp)
		att.CreatedAt = time.Now().Add(-oidc.AttemptTTL - time.Minute)

		_, _, err := f.Complete(ctx, CallbackInput{Code: "good-code", State: att.State, Attempt: att})
		assert.Equal(t, KindInvalidSession, KindOf(err))
	})

	t.Run("state mismatch", func(t *testing.T) {
		idp := newMockIdP(t)
		f := newTestFlow(t, idp.issuer())
		att := startLogin(t, ctx, f, idp)

		_, _, err := f.Complete(ctx, CallbackInput{Code: "good-code", State: "forged", Attempt: att})
		assert.Equal(t, KindStateMismatch, KindOf(err))
		assert.Equal(t, 0, int(idp.exchangeCalls.Load()))
	})

	t.Run("exchange rejected", func(t *testing.T) {
		idp := newMockIdP(t)
		idp.exchangeStatus = http.StatusBadRequest
		f := newTestFlow(t, idp.issuer())
		att := startLogin(t, ctx, f, idp)

		_, _, err := f.Complete(ctx, CallbackInput{Code: "good-code", State: att.State, Attempt: att})
		assert.Equal(t, KindExchangeFailed, KindOf(err))
	})

	t.Run("no ID token in response", func(t *testing.T) {
		idp := newMockIdP(t)
		idp.omitIDToken = true
		f := newTestFlow(t, idp.issuer())
		att := startLogin(t, ctx, f, idp)

		_, _, err := f.Complete(ctx, CallbackInput{Code: "good-code", State: att.State, Attempt: att})
		assert.Equal(t, KindTokenInvalid, KindOf(err))
	})

	t.Run("nonce mismatch in ID token", func(t *testing.T) {
		idp := newMockIdP(t)
		f := newTestFlow(t, idp.issuer())
		startLogin(t, ctx, f, idp)

		// a second attempt's callback arrives carrying the first nonce
		res, err := f.Start(ctx)
		require.NoError(t, err)

		_, _, cerr := f.Complete(ctx, CallbackInput{Code: "good-code", State: res.Attempt.State, Attempt: res.Attempt})
		assert.Equal(t, KindTokenInvalid, KindOf(cerr))

		verr := &oidc.VerificationError{}
		require.ErrorAs(t, cerr, &verr)
		assert.Equal(t, oidc.ReasonNonceMismatch, verr.Reason)
	})

	t.Run("no session created on failure", func(t *testing.T) {
		idp := newMockIdP(t)
		f := newTestFlow(t, idp.issuer())
		att := startLogin(t, ctx, f, idp)

		_, _, err := f.Complete(ctx, CallbackInput{Code: "good-code", State: "forged", Attempt: att})
		require.Error(t, err)
		assert.Equal(t, 0, f.Store().Len())
	})
}

func TestCompleteUserinfoDegraded(t *testing.T) {
	ctx := context.Background()

	t.Run("userinfo unavailable falls back to ID token claims", func(t *testing.T) {
		idp := newMockIdP(t)
		idp.userinfoStatus = http.StatusInternalServerError
		idp.idTokenExtra = map[string]any{"role": "auditor", "email": "auditor@example.com"}
		f := newTestFlow(t, idp.issuer())
		att := startLogin(t, ctx, f, idp)

		_, rec, err := f.Complete(ctx, CallbackInput{Code: "good-code", State: att.State, Attempt: att})
		require.NoError(t, err)
		assert.Equal(t, "auditor", rec.Role)
		assert.Equal(t, "auditor@example.com", rec.Claims["email"])
		assert.Equal(t, "user-1", rec.Claims["sub"])
	})

	t.Run("userinfo subject mismatch is discarded", func(t *testing.T) {
		idp := newMockIdP(t)
		idp.userinfoBody = map[string]any{"sub": "someone-else", "email": "attacker@example.com"}
		f := newTestFlow(t, idp.issuer())
		att := startLogin(t, ctx, f, idp)

		_, rec, err := f.Complete(ctx, CallbackInput{Code: "good-code", State: att.State, Attempt: att})
		require.NoError(t, err)
		assert.Equal(t, "user-1", rec.Claims["sub"])
		assert.NotEqual(t, "attacker@example.com", rec.Claims["email"])
	})

	t.Run("role from ID token when userinfo has none", func(t *testing.T) {
		idp := newMockIdP(t)
		idp.userinfoBody = map[string]any{"sub": "user-1", "email": "analyst@example.com"}
		idp.idTokenExtra = map[string]any{"role": []string{"ROLE_SUPERVISOR"}}
		f := newTestFlow(t, idp.issuer())
		att := startLogin(t, ctx, f, idp)

		_, rec, err := f.Complete(ctx, CallbackInput{Code: "good-code", State: att.State, Attempt: att})
		require.NoError(t, err)
		assert.Equal(t, "SUPERVISOR", rec.Role)
	})
}

func TestCookieMaxAge(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	t.Run("token expiry wins while under the ceiling", func(t *testing.T) {
		rec := &session.Record{
			ExpiresAt:         now.Add(time.Hour),
			AbsoluteExpiresAt: now.Add(8 * time.Hour),
		}
		assert.Equal(t, time.Hour, CookieMaxAge(rec, clock))
	})

	t.Run("ceiling wins near end of session", func(t *testing.T) {
		rec := &session.Record{
			ExpiresAt:         now.Add(time.Hour),
			AbsoluteExpiresAt: now.Add(10 * time.Minute),
		}
		assert.Equal(t, 10*time.Minute, CookieMaxAge(rec, clock))
	})
}
