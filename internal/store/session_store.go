package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wolfeidau/tunnelgate/internal/models"
)

// ErrSessionNotFound is returned when a session does not exist or has been
// evicted.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore holds every authenticated session in memory and snapshots the
// table to sessions.json through a debounced writer. Expiry is enforced
// lazily on Get plus a periodic sweep.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session

	sessionTTL time.Duration
	writer     *DebouncedWriter
	log        zerolog.Logger
}

type sessionsFile struct {
	Sessions []*models.Session `json:"sessions"`
}

// NewSessionStore loads any existing snapshot from path and returns a store
// persisting to it. Malformed or legacy records are defaulted, never
// rejected.
func NewSessionStore(path string, sessionTTL, quiescence time.Duration, log zerolog.Logger) (*SessionStore, error) {
	s := &SessionStore{
		sessions:   make(map[string]*models.Session),
		sessionTTL: sessionTTL,
		log:        log.With().Str("component", "session_store").Logger(),
	}
	s.writer = NewDebouncedWriter(path, quiescence, s.snapshot, log)

	if err := s.load(path); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *SessionStore) load(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read session snapshot: %w", err)
	}

	var file sessionsFile
	if err := json.Unmarshal(data, &file); err != nil {
		s.log.Warn().Err(err).Msg("session snapshot unreadable, starting empty")
		return nil
	}

	now := time.Now()
	for _, sess := range file.Sessions {
		if sess == nil || sess.SessionID == "" {
			continue
		}
		// Legacy records may predate some fields; default rather than drop.
		if sess.ExpiresAt.IsZero() {
			sess.ExpiresAt = now.Add(s.sessionTTL)
		}
		if sess.LastActivity.IsZero() {
			sess.LastActivity = sess.CreatedAt
		}
		s.sessions[sess.SessionID] = sess
	}

	s.log.Info().Int("sessions", len(s.sessions)).Msg("session snapshot loaded")
	return nil
}

func (s *SessionStore) snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file := sessionsFile{Sessions: make([]*models.Session, 0, len(s.sessions))}
	for _, sess := range s.sessions {
		copy := *sess
		file.Sessions = append(file.Sessions, &copy)
	}

	return json.MarshalIndent(file, "", "  ")
}

// Create generates a new session for the identity bound to the given device
// fingerprint.
func (s *SessionStore) Create(identity, fingerprint string) (*models.Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &models.Session{
		SessionID:    id.String(),
		Identity:     identity,
		Fingerprint:  fingerprint,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.sessionTTL),
		LastActivity: now,
	}

	s.mu.Lock()
	s.sessions[sess.SessionID] = sess
	s.mu.Unlock()
	s.writer.Mark()

	copy := *sess
	return &copy, nil
}

// Get returns the session by ID, lazily evicting it if expired.
func (s *SessionStore) Get(sessionID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.IsExpired() {
		delete(s.sessions, sessionID)
		s.writer.Mark()
		return nil, ErrSessionNotFound
	}

	copy := *sess
	return &copy, nil
}

// GetByRefreshToken returns the session holding the given refresh token.
// A rotated-away token no longer matches any session.
func (s *SessionStore) GetByRefreshToken(token string) (*models.Session, error) {
	if token == "" {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sess := range s.sessions {
		if sess.RefreshToken == token {
			copy := *sess
			return &copy, nil
		}
	}
	return nil, ErrSessionNotFound
}

// Touch updates the session's last-activity timestamp.
func (s *SessionStore) Touch(sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		sess.LastActivity = time.Now()
	}
	s.mu.Unlock()

	if ok {
		s.writer.Mark()
	}
}

// Rotate replaces the session's refresh token and extends both expiries.
func (s *SessionStore) Rotate(sessionID, refreshToken string, expiresAt, refreshExpiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}

	sess.RefreshToken = refreshToken
	sess.RefreshTokenExpiresAt = refreshExpiresAt
	sess.ExpiresAt = expiresAt
	sess.LastActivity = time.Now()
	s.writer.Mark()

	return nil
}

// RevokeAllForIdentity removes every session belonging to the identity.
// Used exclusively by the breach-containment path.
func (s *SessionStore) RevokeAllForIdentity(identity string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if sess.Identity == identity {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		s.writer.Mark()
	}

	return removed
}

// SweepExpired removes all sessions past expiry and returns the count.
func (s *SessionStore) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if sess.IsExpired() {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		s.writer.Mark()
	}

	return removed
}

// StartSweep runs SweepExpired on the given interval until ctx is done.
func (s *SessionStore) StartSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.SweepExpired(); n > 0 {
					s.log.Info().Int("removed", n).Msg("swept expired sessions")
				}
			}
		}
	}()
}

// Close flushes any pending snapshot write.
func (s *SessionStore) Close() error {
	return s.writer.Close()
}
