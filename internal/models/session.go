package models

import (
	"time"
)

// Session represents an authenticated session established by a completed
// OAuth handshake. The session ID is embedded in the bearer JWT, while all
// session state lives server-side.
type Session struct {
	SessionID   string `json:"session_id"`
	Identity    string `json:"identity"`
	Fingerprint string `json:"fingerprint"` // immutable after creation

	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`

	// Refresh token state. The token is single-use; rotation replaces both
	// fields.
	RefreshToken          string    `json:"refresh_token,omitempty"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at,omitempty"`
}

// IsExpired returns true if the session has expired.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// IsRefreshExpired returns true if the refresh token has expired or was
// never issued.
func (s *Session) IsRefreshExpired() bool {
	if s.RefreshToken == "" {
		return true
	}
	return time.Now().After(s.RefreshTokenExpiresAt)
}
