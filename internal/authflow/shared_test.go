package authflow

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/require"

	"fraudview/internal/oidc"
	"fraudview/internal/session"
)

const (
	testClientID    = "fraudview-web"
	testRedirectURL = "http://localhost:8080/auth/callback"
)

type testSigner struct {
	key *rsa.PrivateKey
	kid string
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &testSigner{key: key, kid: "idp-key-1"}
}

func (s *testSigner) jwks(t *testing.T) []byte {
	t.Helper()
	k, err := jwk.Import(s.key.Public())
	require.NoError(t, err)
	require.NoError(t, k.Set(jwk.KeyIDKey, s.kid))
	require.NoError(t, k.Set(jwk.AlgorithmKey, "RS256"))

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(k))

	b, err := json.Marshal(set)
	require.NoError(t, err)
	return b
}

func (s *testSigner) sign(t *testing.T, claims map[string]any) string {
	t.Helper()
	hb, err := json.Marshal(map[string]any{"alg": "RS256", "typ": "JWT", "kid": s.kid})
	require.NoError(t, err)
	pb, err := json.Marshal(claims)
	require.NoError(t, err)

	signingInput := base64.RawURLEncoding.EncodeToString(hb) + "." + base64.RawURLEncoding.EncodeToString(pb)
	sum := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, sum[:])
	require.NoError(t, err)

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig)
}

// mockIdP is a minimal OpenID provider: discovery, token endpoint with both
// grants, userinfo and JWKS. Behavior is tweaked through the public fields
// before the request under test.
type mockIdP struct {
	t      *testing.T
	srv    *httptest.Server
	signer *testSigner

	mu           sync.Mutex
	nonce        string
	idTokenExtra map[string]any
	userinfoBody map[string]any

	exchangeStatus int // 0 means success
	omitIDToken    bool
	userinfoStatus int // 0 means success

	refreshStatus    int // 0 means success
	refreshDelay     time.Duration
	newRefreshToken  string
	rotatedIDToken   string // overrides the signed rotation when set
	disableDiscovery bool

	exchangeCalls atomic.Int32
	refreshCalls  atomic.Int32
	lastVerifier  string
}

func newMockIdP(t *testing.T) *mockIdP {
	t.Helper()
	m := &mockIdP{t: t, signer: newTestSigner(t)}

	mux := http.NewServeMux()
	m.srv = httptest.NewServer(mux)
	t.Cleanup(m.srv.Close)

	mux.HandleFunc("/.well-known/openid-configuration", m.discovery)
	mux.HandleFunc("/token", m.token)
	mux.HandleFunc("/userinfo", m.userinfo)
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(m.signer.jwks(m.t))
	})

	return m
}

func (m *mockIdP) issuer() string { return m.srv.URL }

func (m *mockIdP) setNonce(n string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonce = n
}

func (m *mockIdP) discovery(w http.ResponseWriter, _ *http.Request) {
	if m.disableDiscovery {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"issuer":                 m.srv.URL,
		"authorization_endpoint": m.srv.URL + "/auth",
		"token_endpoint":         m.srv.URL + "/token",
		"userinfo_endpoint":      m.srv.URL + "/userinfo",
		"jwks_uri":               m.srv.URL + "/jwks",
		"scopes_supported":       []string{"openid", "profile", "email"},
	})
}

func (m *mockIdP) idToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	claims := map[string]any{
		"iss": m.srv.URL,
		"sub": "user-1",
		"aud": testClientID,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
	if m.nonce != "" {
		claims["nonce"] = m.nonce
	}
	for k, v := range m.idTokenExtra {
		claims[k] = v
	}
	return m.signer.sign(m.t, claims)
}

func (m *mockIdP) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		m.exchangeCalls.Add(1)
		m.mu.Lock()
		m.lastVerifier = r.PostForm.Get("code_verifier")
		m.mu.Unlock()

		if m.exchangeStatus != 0 {
			oauthError(w, m.exchangeStatus, "invalid_grant")
			return
		}
		if r.PostForm.Get("code") != "good-code" {
			oauthError(w, http.StatusBadRequest, "invalid_grant")
			return
		}

		resp := map[string]any{
			"access_token":  "at-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "rt-1",
		}
		if !m.omitIDToken {
			resp["id_token"] = m.idToken()
		}
		writeTokenResponse(w, resp)

	case "refresh_token":
		m.refreshCalls.Add(1)
		if m.refreshDelay > 0 {
			time.Sleep(m.refreshDelay)
		}
		if m.refreshStatus != 0 {
			oauthError(w, m.refreshStatus, "invalid_grant")
			return
		}

		resp := map[string]any{
			"access_token": "at-2",
			"token_type":   "Bearer",
			"expires_in":   3600,
		}
		if m.newRefreshToken != "" {
			resp["refresh_token"] = m.newRefreshToken
		}
		if m.rotatedIDToken != "" {
			resp["id_token"] = m.rotatedIDToken
		} else {
			resp["id_token"] = m.idToken()
		}
		writeTokenResponse(w, resp)

	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type")
	}
}

func (m *mockIdP) userinfo(w http.ResponseWriter, r *http.Request) {
	if m.userinfoStatus != 0 {
		http.Error(w, "unavailable", m.userinfoStatus)
		return
	}
	if r.Header.Get("Authorization") != "Bearer at-1" {
		http.Error(w, "bad token", http.StatusUnauthorized)
		return
	}

	m.mu.Lock()
	body := m.userinfoBody
	m.mu.Unlock()
	if body == nil {
		body = map[string]any{
			"sub":   "user-1",
			"email": "analyst@example.com",
			"role":  []string{"ROLE_ANALYST"},
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func writeTokenResponse(w http.ResponseWriter, resp map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func oauthError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// newTestFlow wires a flow against the mock provider with an in-memory
// session store.
func newTestFlow(t *testing.T, issuer string) *Flow {
	t.Helper()

	store, err := session.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	discovery := oidc.NewCache()
	verifier := oidc.NewVerifier(oidc.NewKeyCache())

	return New(Config{
		Issuer:      issuer,
		ClientID:    testClientID,
		RedirectURL: testRedirectURL,
		Scopes:      []string{"profile", "email"},
	}, discovery, verifier, store)
}
