package models

import (
	"time"
)

// HandshakeStatus is the lifecycle state of a pending browser handshake.
type HandshakeStatus string

const (
	HandshakePending   HandshakeStatus = "pending"
	HandshakeCompleted HandshakeStatus = "completed"
	HandshakeExpired   HandshakeStatus = "expired"
)

// HandshakeResult is what the polling client collects once the browser side
// of the OAuth flow has finished.
type HandshakeResult struct {
	JWT              string       `json:"jwt"`
	RefreshToken     string       `json:"refresh_token"`
	ExpiresAt        time.Time    `json:"expires_at"`
	RefreshExpiresAt time.Time    `json:"refresh_expires_at"`
	User             *DiscordUser `json:"discord_user,omitempty"`
}

// PendingHandshake bridges a headless client's polling loop to the browser
// OAuth callback. Keyed by a temporary token handed to the client, and
// indexed by the OAuth CSRF state for the callback side.
type PendingHandshake struct {
	TempToken   string
	CSRFState   string
	Status      HandshakeStatus
	AuthURL     string
	Fingerprint string

	CreatedAt   time.Time
	ExpiresAt   time.Time
	CompletedAt time.Time

	Result *HandshakeResult
}

// IsExpired returns true if the handshake's TTL has elapsed.
func (h *PendingHandshake) IsExpired() bool {
	return time.Now().After(h.ExpiresAt)
}

// DiscordUser is the identity summary captured from the OAuth profile
// endpoint at handshake completion.
type DiscordUser struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name,omitempty"`
	Avatar     string `json:"avatar,omitempty"`
}
