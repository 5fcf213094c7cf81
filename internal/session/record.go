package session

import "time"

// Record is one authenticated browser session.
//
// ExpiresAt tracks the access token lifetime and moves forward on refresh.
// AbsoluteExpiresAt is the hard ceiling fixed at creation; refresh must
// never extend it. RotationCount increments exactly once per successful
// refresh.
type Record struct {
	Subject           string         `json:"subject"`
	AccessToken       string         `json:"access_token"`
	IDToken           string         `json:"id_token"`
	RefreshToken      string         `json:"refresh_token,omitempty"`
	Claims            map[string]any `json:"claims,omitempty"`
	Role              string         `json:"role,omitempty"`
	ExpiresAt         time.Time      `json:"expires_at"`
	AbsoluteExpiresAt time.Time      `json:"absolute_expires_at"`
	CreatedAt         time.Time      `json:"created_at"`
	RotationCount     int            `json:"rotation_count"`
}

func (r *Record) clone() *Record {
	c := *r
	if r.Claims != nil {
		c.Claims = make(map[string]any, len(r.Claims))
		for k, v := range r.Claims {
			c.Claims[k] = v
		}
	}
	return &c
}
