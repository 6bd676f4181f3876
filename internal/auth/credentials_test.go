package auth

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/tunnelgate/internal/store"
)

var testSecret = []byte("test-secret-key-minimum-32-characters")

func newTestSessions(t *testing.T, ttl time.Duration) *store.SessionStore {
	t.Helper()
	s, err := store.NewSessionStore(
		filepath.Join(t.TempDir(), "sessions.json"), ttl, 10*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func newTestService(t *testing.T, sessions *store.SessionStore) *CredentialService {
	t.Helper()
	c, err := NewCredentialService(testSecret, time.Hour, 24*time.Hour, sessions, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestNewCredentialServiceShortSecret(t *testing.T) {
	_, err := NewCredentialService([]byte("short"), time.Hour, time.Hour, nil, zerolog.Nop())
	require.Error(t, err)
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	sessions := newTestSessions(t, time.Hour)
	c := newTestService(t, sessions)

	sess, err := sessions.Create("user-1", "fp-a")
	require.NoError(t, err)

	token, expiresAt, err := c.Issue(sess.SessionID, "fp-a")
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)

	result := c.Verify(token, "fp-a")
	require.True(t, result.Valid)
	require.Equal(t, sess.SessionID, result.SessionID)
	require.Equal(t, "user-1", result.Identity)
}

func TestVerifyExpiredToken(t *testing.T) {
	sessions := newTestSessions(t, time.Hour)
	c := newTestService(t, sessions)

	sess, err := sessions.Create("user-1", "fp-a")
	require.NoError(t, err)

	// A second service with a negative TTL issues already-expired tokens
	// against the same store and secret.
	expiredIssuer, err := NewCredentialService(testSecret, -time.Minute, time.Hour, sessions, zerolog.Nop())
	require.NoError(t, err)

	token, _, err := expiredIssuer.Issue(sess.SessionID, "fp-a")
	require.NoError(t, err)

	result := c.Verify(token, "fp-a")
	require.False(t, result.Valid)
	require.Equal(t, ReasonExpired, result.Reason)
}

func TestVerifyBadSignature(t *testing.T) {
	sessions := newTestSessions(t, time.Hour)
	c := newTestService(t, sessions)

	other, err := NewCredentialService([]byte("another-secret-key-32-characters!!"), time.Hour, time.Hour, sessions, zerolog.Nop())
	require.NoError(t, err)

	sess, err := sessions.Create("user-1", "fp-a")
	require.NoError(t, err)

	token, _, err := other.Issue(sess.SessionID, "fp-a")
	require.NoError(t, err)

	result := c.Verify(token, "fp-a")
	require.False(t, result.Valid)
	require.Equal(t, ReasonBadSignature, result.Reason)
}

func TestVerifyFingerprintMismatch(t *testing.T) {
	sessions := newTestSessions(t, time.Hour)
	c := newTestService(t, sessions)

	sess, err := sessions.Create("user-1", "fp-a")
	require.NoError(t, err)

	token, _, err := c.Issue(sess.SessionID, "fp-a")
	require.NoError(t, err)

	result := c.Verify(token, "fp-other")
	require.False(t, result.Valid)
	require.Equal(t, ReasonFingerprintMismatch, result.Reason)
}

func TestVerifySessionGone(t *testing.T) {
	sessions := newTestSessions(t, time.Hour)
	c := newTestService(t, sessions)

	sess, err := sessions.Create("user-1", "fp-a")
	require.NoError(t, err)

	token, _, err := c.Issue(sess.SessionID, "fp-a")
	require.NoError(t, err)

	sessions.RevokeAllForIdentity("user-1")

	result := c.Verify(token, "fp-a")
	require.False(t, result.Valid)
	require.Equal(t, ReasonSessionNotFound, result.Reason)
}

func TestRefreshIsSingleUse(t *testing.T) {
	sessions := newTestSessions(t, time.Hour)
	c := newTestService(t, sessions)

	sess, err := sessions.Create("user-1", "fp-a")
	require.NoError(t, err)

	initial, err := c.IssueCredentials(sess.SessionID, "fp-a")
	require.NoError(t, err)

	first, err := c.Refresh(initial.RefreshToken, "fp-a")
	require.NoError(t, err)
	require.NotEqual(t, initial.RefreshToken, first.RefreshToken)

	// The old token was rotated away.
	_, err = c.Refresh(initial.RefreshToken, "fp-a")
	require.ErrorIs(t, err, ErrSessionNotFound)

	// The new token works.
	_, err = c.Refresh(first.RefreshToken, "fp-a")
	require.NoError(t, err)
}

func TestRefreshExpiredToken(t *testing.T) {
	sessions := newTestSessions(t, time.Hour)

	c, err := NewCredentialService(testSecret, time.Hour, -time.Minute, sessions, zerolog.Nop())
	require.NoError(t, err)

	sess, err := sessions.Create("user-1", "fp-a")
	require.NoError(t, err)

	initial, err := c.IssueCredentials(sess.SessionID, "fp-a")
	require.NoError(t, err)

	_, err = c.Refresh(initial.RefreshToken, "fp-a")
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestRefreshFingerprintMismatchRevokesAllSessions(t *testing.T) {
	sessions := newTestSessions(t, time.Hour)
	c := newTestService(t, sessions)

	// Two independent sessions for the same identity.
	s1, err := sessions.Create("user-1", "fp-a")
	require.NoError(t, err)
	s2, err := sessions.Create("user-1", "fp-b")
	require.NoError(t, err)

	creds1, err := c.IssueCredentials(s1.SessionID, "fp-a")
	require.NoError(t, err)
	creds2, err := c.IssueCredentials(s2.SessionID, "fp-b")
	require.NoError(t, err)

	// Refresh with the wrong fingerprint trips breach containment.
	_, err = c.Refresh(creds1.RefreshToken, "fp-stolen")
	require.ErrorIs(t, err, ErrFingerprintMismatch)

	// Every session of the identity is gone, including the unrelated one.
	result := c.Verify(creds2.AccessToken, "fp-b")
	require.False(t, result.Valid)
	require.Equal(t, ReasonSessionNotFound, result.Reason)
}
