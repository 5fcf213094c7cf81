package oidc

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

// VerifyReason identifies exactly which check an ID token failed. The
// distinct reasons exist for security auditing; callers must not collapse
// them into a generic failure.
type VerifyReason string

const (
	ReasonMalformed         VerifyReason = "malformed"
	ReasonAlgorithmRejected VerifyReason = "algorithm_rejected"
	ReasonIssuerMismatch    VerifyReason = "issuer_mismatch"
	ReasonAudienceMismatch  VerifyReason = "audience_mismatch"
	ReasonExpired           VerifyReason = "expired"
	ReasonIssuedInFuture    VerifyReason = "issued_in_future"
	ReasonNonceMismatch     VerifyReason = "nonce_mismatch"
	ReasonKeyNotFound       VerifyReason = "key_not_found"
	ReasonBadSignature      VerifyReason = "bad_signature"
)

// VerificationError is a typed ID-token rejection.
type VerificationError struct {
	Reason VerifyReason
	Detail string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("id token rejected (%s): %s", e.Reason, e.Detail)
}

func verifyErr(reason VerifyReason, format string, args ...any) *VerificationError {
	return &VerificationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// DefaultMaxSkew is the clock skew tolerated on exp and iat checks.
const DefaultMaxSkew = 2 * time.Minute

// VerifyOpts parameterize a single verification.
type VerifyOpts struct {
	// Issuer the token must have been issued by. Required.
	Issuer string
	// ClientID the token's audience must contain. Required.
	ClientID string
	// ExpectedNonce, when non-empty, must match the payload nonce.
	ExpectedNonce string
	// MaxSkew overrides DefaultMaxSkew.
	MaxSkew time.Duration
	// Algorithms is the accepted signing algorithm allow-list. Defaults to
	// RS256 only.
	Algorithms []string
	// JWKSURI is where the issuer's keys live, from discovery or fallback.
	JWKSURI string

	now func() time.Time
}

// Verifier verifies raw ID tokens against an issuer's published signing
// keys, populating the key cache as a side effect.
type Verifier struct {
	keys *KeyCache
}

// NewVerifier returns a Verifier backed by the given key cache.
func NewVerifier(keys *KeyCache) *Verifier {
	return &Verifier{keys: keys}
}

type jwtHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Typ string `json:"typ"`
}

// Verify checks the raw token and returns its claims only after every check
// has passed. Any rejection is a *VerificationError carrying the specific
// reason; other error types indicate the key set could not be obtained.
func (v *Verifier) Verify(ctx context.Context, raw string, opts VerifyOpts) (*Claims, error) {
	now := time.Now
	if opts.now != nil {
		now = opts.now
	}
	skew := opts.MaxSkew
	if skew == 0 {
		skew = DefaultMaxSkew
	}
	algs := opts.Algorithms
	if len(algs) == 0 {
		algs = []string{"RS256"}
	}

	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, verifyErr(ReasonMalformed, "token has %d segments, want 3", len(parts))
	}

	headb, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, verifyErr(ReasonMalformed, "decoding header segment: %v", err)
	}
	hdr := jwtHeader{}
	if err := json.Unmarshal(headb, &hdr); err != nil {
		return nil, verifyErr(ReasonMalformed, "unmarshaling header: %v", err)
	}

	payloadb, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, verifyErr(ReasonMalformed, "decoding payload segment: %v", err)
	}
	claims := &Claims{}
	if err := json.Unmarshal(payloadb, claims); err != nil {
		return nil, verifyErr(ReasonMalformed, "unmarshaling payload: %v", err)
	}

	var algOK bool
	for _, a := range algs {
		if a == hdr.Alg {
			algOK = true
			break
		}
	}
	if !algOK {
		return nil, verifyErr(ReasonAlgorithmRejected, "alg %q not in accepted set %v", hdr.Alg, algs)
	}

	if claims.Issuer != opts.Issuer {
		return nil, verifyErr(ReasonIssuerMismatch, "iss %q, want %q", claims.Issuer, opts.Issuer)
	}
	if !claims.Audience.Contains(opts.ClientID) {
		return nil, verifyErr(ReasonAudienceMismatch, "aud %v does not contain %q", claims.Audience, opts.ClientID)
	}

	n := now()
	if claims.Expiry.Time().Add(skew).Before(n) {
		return nil, verifyErr(ReasonExpired, "token expired at %s", claims.Expiry.Time())
	}
	if !claims.IssuedAt.Time().IsZero() && claims.IssuedAt.Time().Add(-skew).After(n) {
		return nil, verifyErr(ReasonIssuedInFuture, "token issued at %s", claims.IssuedAt.Time())
	}

	if opts.ExpectedNonce != "" && claims.Nonce != opts.ExpectedNonce {
		return nil, verifyErr(ReasonNonceMismatch, "nonce does not match the value sent with the authorization request")
	}

	set, err := v.keys.Keys(ctx, opts.Issuer, opts.JWKSURI)
	if err != nil {
		return nil, fmt.Errorf("getting key set for %s: %w", opts.Issuer, err)
	}
	key, err := resolveKey(set, hdr.Kid)
	if err != nil {
		return nil, err
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, verifyErr(ReasonMalformed, "decoding signature segment: %v", err)
	}
	if err := verifySignature(parts[0]+"."+parts[1], sig, hdr.Alg, key); err != nil {
		return nil, verifyErr(ReasonBadSignature, "%v", err)
	}

	return claims, nil
}

// resolveKey finds the signing key in the set by the header kid. A token
// with no kid is accepted only when the set holds exactly one key.
func resolveKey(set jwk.Set, kid string) (crypto.PublicKey, error) {
	var jk jwk.Key
	if kid == "" {
		if set.Len() != 1 {
			return nil, verifyErr(ReasonKeyNotFound, "token has no kid and key set holds %d keys", set.Len())
		}
		k, ok := set.Key(0)
		if !ok {
			return nil, verifyErr(ReasonKeyNotFound, "key set is empty")
		}
		jk = k
	} else {
		k, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, verifyErr(ReasonKeyNotFound, "no key with kid %q in current key set", kid)
		}
		jk = k
	}

	var raw any
	if err := jwk.Export(jk, &raw); err != nil {
		return nil, verifyErr(ReasonKeyNotFound, "exporting key: %v", err)
	}
	return raw, nil
}

func verifySignature(signingInput string, sig []byte, alg string, key crypto.PublicKey) error {
	switch alg {
	case "RS256":
		return verifyRSA(signingInput, sig, key, crypto.SHA256)
	case "RS384":
		return verifyRSA(signingInput, sig, key, crypto.SHA384)
	case "RS512":
		return verifyRSA(signingInput, sig, key, crypto.SHA512)
	case "ES256":
		return verifyECDSA(signingInput, sig, key, crypto.SHA256)
	case "ES384":
		return verifyECDSA(signingInput, sig, key, crypto.SHA384)
	case "ES512":
		return verifyECDSA(signingInput, sig, key, crypto.SHA512)
	default:
		return fmt.Errorf("unsupported algorithm %q", alg)
	}
}

func verifyRSA(input string, sig []byte, key crypto.PublicKey, h crypto.Hash) error {
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("key is %T, want RSA public key", key)
	}
	sum := hashSum(input, h)
	if err := rsa.VerifyPKCS1v15(rsaKey, h, sum, sig); err != nil {
		return fmt.Errorf("RSA signature verification failed")
	}
	return nil
}

func verifyECDSA(input string, sig []byte, key crypto.PublicKey, h crypto.Hash) error {
	ecKey, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("key is %T, want ECDSA public key", key)
	}
	// JWS ECDSA signatures are the raw R || S concatenation.
	orderBytes := (ecKey.Curve.Params().BitSize + 7) / 8
	if len(sig) != 2*orderBytes {
		return fmt.Errorf("ECDSA signature has wrong length")
	}
	r := newBigInt(sig[:orderBytes])
	s := newBigInt(sig[orderBytes:])
	sum := hashSum(input, h)
	if !ecdsa.Verify(ecKey, sum, r, s) {
		return fmt.Errorf("ECDSA signature verification failed")
	}
	return nil
}

func newBigInt(b []byte) *big.Int { return new(big.Int).SetBytes(b) }

func hashSum(input string, h crypto.Hash) []byte {
	switch h {
	case crypto.SHA384:
		sum := sha512.Sum384([]byte(input))
		return sum[:]
	case crypto.SHA512:
		sum := sha512.Sum512([]byte(input))
		return sum[:]
	default:
		sum := sha256.Sum256([]byte(input))
		return sum[:]
	}
}
