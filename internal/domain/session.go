package domain

import "time"

// Session is the signed-in principal. Offline sessions are issued locally
// when no remote is configured and never start replication.
type Session struct {
	Name       string    `json:"name"`
	Roles      []string  `json:"roles"`
	Offline    bool      `json:"offline,omitempty"`
	ValidUntil time.Time `json:"valid_until"`
}

func (s *Session) Expired(now time.Time) bool {
	return s == nil || (!s.ValidUntil.IsZero() && now.After(s.ValidUntil))
}

func (s *Session) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Credentials are kept in memory for the lifetime of a session only.
type Credentials struct {
	Name   string
	Secret string
}

// LoginRequest needs a secret only when a remote is configured.
type LoginRequest struct {
	Name   string `json:"name" validate:"required"`
	Secret string `json:"secret"`
}

type LoginResponse struct {
	Session     *Session `json:"session"`
	AccessToken string   `json:"access_token"`
	ExpiresIn   int64    `json:"expires_in"`
}
