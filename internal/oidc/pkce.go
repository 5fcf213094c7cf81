package oidc

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"time"
)

// AttemptTTL is how long the PKCE material for an in-flight login remains
// redeemable. Callbacks arriving after this window are rejected.
const AttemptTTL = 10 * time.Minute

// Attempt is the per-login PKCE material: the verifier whose S256 challenge
// is sent with the authorization request, the anti-CSRF state, and the
// replay-protection nonce. It is consumed exactly once by the callback.
type Attempt struct {
	CodeVerifier string    `json:"code_verifier"`
	State        string    `json:"state"`
	Nonce        string    `json:"nonce"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewAttempt generates fresh PKCE material from the system randomness
// source. Values are never reused across attempts. An error here means the
// randomness source is broken, which is fatal to the whole flow.
func NewAttempt() (*Attempt, error) {
	verifier, err := randomURLSafe(32)
	if err != nil {
		return nil, err
	}
	state, err := randomURLSafe(16)
	if err != nil {
		return nil, err
	}
	nonce, err := randomURLSafe(16)
	if err != nil {
		return nil, err
	}

	return &Attempt{
		CodeVerifier: verifier,
		State:        state,
		Nonce:        nonce,
		CreatedAt:    time.Now(),
	}, nil
}

// Challenge returns the S256 code challenge for the attempt's verifier.
func (a *Attempt) Challenge() string {
	sum := sha256.Sum256([]byte(a.CodeVerifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Expired reports whether the attempt is older than AttemptTTL at now.
func (a *Attempt) Expired(now time.Time) bool {
	return now.After(a.CreatedAt.Add(AttemptTTL))
}

func randomURLSafe(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("reading from randomness source: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
