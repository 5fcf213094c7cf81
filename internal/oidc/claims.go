package oidc

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StrOrSlice handles JWT claims that providers send as either a single
// string or an array of strings, such as aud.
type StrOrSlice []string

// Contains reports whether a value is in the set.
func (s StrOrSlice) Contains(v string) bool {
	for _, a := range s {
		if a == v {
			return true
		}
	}
	return false
}

func (s StrOrSlice) MarshalJSON() ([]byte, error) {
	if len(s) == 1 {
		return json.Marshal(s[0])
	}
	return json.Marshal([]string(s))
}

func (s *StrOrSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = StrOrSlice{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("claim is neither a string nor a string array: %w", err)
	}
	*s = StrOrSlice(many)
	return nil
}

// UnixTime is a JWT NumericDate: seconds since the epoch.
type UnixTime int64

// NewUnixTime converts a time.Time.
func NewUnixTime(t time.Time) UnixTime { return UnixTime(t.Unix()) }

// Time returns the claim as a time.Time. The zero value maps to the zero
// time, so absent claims stay recognizable.
func (u UnixTime) Time() time.Time {
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(int64(u), 0)
}

// rolePrefix is the conventional prefix providers attach to entries of
// array-valued role claims.
const rolePrefix = "ROLE_"

// RoleClaim is a provider role claim: either a singular role string, or an
// array of prefixed role identifiers.
type RoleClaim struct {
	roles []string
	multi bool
}

// Empty reports whether no role claim was present.
func (r RoleClaim) Empty() bool { return len(r.roles) == 0 }

// Resolve normalizes the claim to a single role: the singular value as-is,
// or the first array entry with the conventional prefix stripped.
func (r RoleClaim) Resolve() string {
	if len(r.roles) == 0 {
		return ""
	}
	if !r.multi {
		return r.roles[0]
	}
	return strings.TrimPrefix(r.roles[0], rolePrefix)
}

func (r RoleClaim) MarshalJSON() ([]byte, error) {
	if len(r.roles) == 0 {
		return []byte("null"), nil
	}
	if !r.multi {
		return json.Marshal(r.roles[0])
	}
	return json.Marshal(r.roles)
}

func (r *RoleClaim) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		if single == "" {
			*r = RoleClaim{}
			return nil
		}
		*r = RoleClaim{roles: []string{single}}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("role claim is neither a string nor a string array: %w", err)
	}
	*r = RoleClaim{roles: many, multi: true}
	return nil
}

// SingleRole builds a singular role claim. Used by tests and when
// re-serializing sessions.
func SingleRole(role string) RoleClaim {
	if role == "" {
		return RoleClaim{}
	}
	return RoleClaim{roles: []string{role}}
}

// MultiRole builds an array-valued role claim.
func MultiRole(roles ...string) RoleClaim {
	return RoleClaim{roles: roles, multi: true}
}

// Claims is the payload of a verified ID token. Standard fields are typed;
// the full claim set is retained in Extra for downstream profile use.
type Claims struct {
	Issuer    string     `json:"iss,omitempty"`
	Subject   string     `json:"sub,omitempty"`
	Audience  StrOrSlice `json:"aud,omitempty"`
	Expiry    UnixTime   `json:"exp,omitempty"`
	NotBefore UnixTime   `json:"nbf,omitempty"`
	IssuedAt  UnixTime   `json:"iat,omitempty"`
	Nonce     string     `json:"nonce,omitempty"`
	Email     string     `json:"email,omitempty"`
	Name      string     `json:"name,omitempty"`
	Role      RoleClaim  `json:"role,omitzero"`

	// Extra is the complete raw claim map, including the standard fields
	// above. It is not marshaled back out.
	Extra map[string]any `json:"-"`
}

func (c *Claims) UnmarshalJSON(b []byte) error {
	type claims Claims
	cl := claims{}
	if err := json.Unmarshal(b, &cl); err != nil {
		return err
	}

	extra := map[string]any{}
	if err := json.Unmarshal(b, &extra); err != nil {
		return err
	}
	cl.Extra = extra

	*c = Claims(cl)
	return nil
}
