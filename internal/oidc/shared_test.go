package oidc

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/require"
)

// testSigner mints ID tokens for tests, and serves the matching JWKS.
type testSigner struct {
	key *rsa.PrivateKey
	kid string
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &testSigner{key: key, kid: "test-key-1"}
}

func (s *testSigner) jwks(t *testing.T) []byte {
	t.Helper()
	k, err := jwk.Import(s.key.Public())
	require.NoError(t, err)
	require.NoError(t, k.Set(jwk.KeyIDKey, s.kid))
	require.NoError(t, k.Set(jwk.AlgorithmKey, "RS256"))
	require.NoError(t, k.Set(jwk.KeyUsageKey, "sig"))

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(k))

	b, err := json.Marshal(set)
	require.NoError(t, err)
	return b
}

func (s *testSigner) jwksServer(t *testing.T) *httptest.Server {
	t.Helper()
	body := s.jwks(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (s *testSigner) sign(t *testing.T, claims map[string]any) string {
	return s.signWithHeader(t, map[string]any{"alg": "RS256", "typ": "JWT", "kid": s.kid}, claims)
}

func (s *testSigner) signWithHeader(t *testing.T, header, claims map[string]any) string {
	t.Helper()
	hb, err := json.Marshal(header)
	require.NoError(t, err)
	pb, err := json.Marshal(claims)
	require.NoError(t, err)

	signingInput := base64.RawURLEncoding.EncodeToString(hb) + "." + base64.RawURLEncoding.EncodeToString(pb)
	sum := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, sum[:])
	require.NoError(t, err)

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig)
}
