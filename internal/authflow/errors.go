package authflow

import (
	"errors"
	"fmt"
)

// Kind classifies a flow failure. The web layer maps kinds to the coarse
// error codes shown on the login view; internals stay in logs.
type Kind string

const (
	// KindConfig is a fatal misconfiguration, surfaced once and cached.
	KindConfig Kind = "config"
	// KindProtocol carries an IdP-reported error code verbatim.
	KindProtocol Kind = "protocol"
	// KindInvalidRequest covers callbacks missing code or state.
	KindInvalidRequest Kind = "invalid_request"
	// KindInvalidSession covers missing or expired PKCE material.
	KindInvalidSession Kind = "invalid_session"
	// KindStateMismatch is a possible CSRF; never retried.
	KindStateMismatch Kind = "state_mismatch"
	// KindExchangeFailed covers token endpoint failures.
	KindExchangeFailed Kind = "exchange_failed"
	// KindTokenInvalid covers ID-token verification failures.
	KindTokenInvalid Kind = "token_invalid"
)

// FlowError is a classified authentication flow failure.
type FlowError struct {
	Kind Kind
	// Code and Description carry the provider's error parameters verbatim
	// for KindProtocol.
	Code        string
	Description string
	Err         error
}

func (e *FlowError) Error() string {
	if e.Kind == KindProtocol {
		return fmt.Sprintf("provider returned error %q: %s", e.Code, e.Description)
	}
	if e.Err != nil {
		return fmt.Sprintf("auth flow failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("auth flow failed (%s)", e.Kind)
}

func (e *FlowError) Unwrap() error { return e.Err }

func flowErr(kind Kind, format string, args ...any) *FlowError {
	return &FlowError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the flow error kind, or an empty Kind for untyped errors.
func KindOf(err error) Kind {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
