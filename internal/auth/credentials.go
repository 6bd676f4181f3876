package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/wolfeidau/tunnelgate/internal/store"
)

// Verification failure reasons, surfaced verbatim to callers and in webhook
// rejection responses.
const (
	ReasonBadSignature        = "bad-signature"
	ReasonExpired             = "expired"
	ReasonFingerprintMismatch = "fingerprint-mismatch"
	ReasonSessionNotFound     = "session-not-found"
)

// Refresh failures. ErrFingerprintMismatch carries the breach-containment
// side effect: all sessions of the identity are revoked before it is
// returned.
var (
	ErrTokenExpired        = errors.New("refresh token expired")
	ErrFingerprintMismatch = errors.New("fingerprint mismatch")
	ErrSessionNotFound     = errors.New("session not found")
)

// Claims is the signed bearer token payload binding a session to the device
// fingerprint it was issued to.
type Claims struct {
	Fingerprint string `json:"fpt"`
	jwt.RegisteredClaims
}

// VerifyResult is the outcome of a token verification.
type VerifyResult struct {
	Valid     bool
	SessionID string
	Identity  string
	Reason    string
}

// RefreshResult carries the rotated credential pair.
type RefreshResult struct {
	AccessToken      string
	RefreshToken     string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
}

// CredentialService issues and verifies device-bound bearer tokens and
// rotates single-use refresh tokens.
type CredentialService struct {
	secret     []byte
	sessionTTL time.Duration
	refreshTTL time.Duration
	sessions   *store.SessionStore
	log        zerolog.Logger
}

// NewCredentialService returns a credential service signing with the given
// shared secret.
func NewCredentialService(secret []byte, sessionTTL, refreshTTL time.Duration, sessions *store.SessionStore, log zerolog.Logger) (*CredentialService, error) {
	if len(secret) < 32 {
		return nil, errors.New("signing secret must be at least 32 bytes")
	}

	return &CredentialService{
		secret:     secret,
		sessionTTL: sessionTTL,
		refreshTTL: refreshTTL,
		sessions:   sessions,
		log:        log.With().Str("component", "credentials").Logger(),
	}, nil
}

// Issue creates a signed bearer token for the session bound to the given
// fingerprint. Expiry is the configured session TTL.
func (c *CredentialService) Issue(sessionID, fingerprint string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(c.sessionTTL)

	claims := &Claims{
		Fingerprint: fingerprint,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "tunnelgate",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// Verify checks the token signature and expiry, compares the embedded
// fingerprint against the presented one, then loads the session and
// re-compares against its stored fingerprint. The second comparison catches
// sessions that were rotated out from under an otherwise valid token.
// A successful verification touches the session's last-activity timestamp.
func (c *CredentialService) Verify(tokenStr, fingerprint string) VerifyResult {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("invalid signing method")
		}
		return c.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return VerifyResult{Reason: ReasonExpired}
		}
		c.log.Debug().Err(err).Msg("token parse error")
		return VerifyResult{Reason: ReasonBadSignature}
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return VerifyResult{Reason: ReasonBadSignature}
	}

	if claims.Fingerprint != fingerprint {
		return VerifyResult{Reason: ReasonFingerprintMismatch}
	}

	sess, err := c.sessions.Get(claims.Subject)
	if err != nil {
		return VerifyResult{Reason: ReasonSessionNotFound}
	}

	if sess.Fingerprint != fingerprint {
		return VerifyResult{Reason: ReasonFingerprintMismatch}
	}

	c.sessions.Touch(sess.SessionID)

	return VerifyResult{
		Valid:     true,
		SessionID: sess.SessionID,
		Identity:  sess.Identity,
	}
}

// IssueCredentials issues the initial access/refresh token pair for a newly
// created session.
func (c *CredentialService) IssueCredentials(sessionID, fingerprint string) (*RefreshResult, error) {
	accessToken, expiresAt, err := c.Issue(sessionID, fingerprint)
	if err != nil {
		return nil, err
	}

	refreshToken := rand.Text()
	refreshExpiresAt := time.Now().Add(c.refreshTTL)

	if err := c.sessions.Rotate(sessionID, refreshToken, expiresAt, refreshExpiresAt); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	return &RefreshResult{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		ExpiresAt:        expiresAt,
		RefreshExpiresAt: refreshExpiresAt,
	}, nil
}

// Refresh exchanges a single-use refresh token for a new credential pair.
// The old refresh token is invalidated by the rotation itself. A fingerprint
// mismatch is treated as a compromised credential: every session of the
// identity is revoked before the error is returned.
func (c *CredentialService) Refresh(refreshToken, fingerprint string) (*RefreshResult, error) {
	sess, err := c.sessions.GetByRefreshToken(refreshToken)
	if err != nil {
		return nil, ErrSessionNotFound
	}

	if sess.IsRefreshExpired() {
		return nil, ErrTokenExpired
	}

	if sess.Fingerprint != fingerprint {
		removed := c.sessions.RevokeAllForIdentity(sess.Identity)
		c.log.Warn().
			Str("identity", sess.Identity).
			Int("revoked", removed).
			Msg("fingerprint mismatch on refresh, revoked all sessions for identity")
		return nil, ErrFingerprintMismatch
	}

	return c.IssueCredentials(sess.SessionID, fingerprint)
}
