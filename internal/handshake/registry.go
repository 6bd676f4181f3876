package handshake

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wolfeidau/tunnelgate/internal/models"
)

const (
	// HandshakeTTL bounds how long a browser login may take before the
	// polling client gives up.
	HandshakeTTL = 10 * time.Minute

	sweepInterval = 5 * time.Minute
)

// Registry is the short-lived table bridging a headless client's polling
// loop to the browser OAuth callback. Entries are keyed by a temporary token
// handed to the client and indexed by the OAuth CSRF state.
type Registry struct {
	mu      sync.Mutex
	byToken map[string]*models.PendingHandshake
	byState map[string]string // csrfState -> tempToken

	log zerolog.Logger
}

// NewRegistry returns an empty handshake registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		byToken: make(map[string]*models.PendingHandshake),
		byState: make(map[string]string),
		log:     log.With().Str("component", "handshake_registry").Logger(),
	}
}

// Create registers a new pending handshake and returns it. The CSRF state
// index lets the OAuth callback find the entry without the temp token.
func (r *Registry) Create(csrfState, authURL, fingerprint string) *models.PendingHandshake {
	now := time.Now()
	h := &models.PendingHandshake{
		TempToken:   rand.Text(),
		CSRFState:   csrfState,
		Status:      models.HandshakePending,
		AuthURL:     authURL,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(HandshakeTTL),
	}

	r.mu.Lock()
	r.byToken[h.TempToken] = h
	r.byState[csrfState] = h.TempToken
	r.mu.Unlock()

	return h
}

// GetByTempToken returns the handshake for a temp token, lazily flipping
// the status to expired once the TTL elapses. The entry is not deleted so
// the client observes "expired" rather than "not found".
func (r *Registry) GetByTempToken(tempToken string) (*models.PendingHandshake, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byToken[tempToken]
	if !ok {
		return nil, false
	}
	r.expireLocked(h)

	copy := *h
	return &copy, true
}

// GetByState returns the handshake for an OAuth CSRF state value.
func (r *Registry) GetByState(csrfState string) (*models.PendingHandshake, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.byState[csrfState]
	if !ok {
		return nil, false
	}
	h, ok := r.byToken[token]
	if !ok {
		return nil, false
	}
	r.expireLocked(h)

	copy := *h
	return &copy, true
}

// expireLocked flips a pending entry to expired once its TTL has elapsed.
// Completed entries keep their status so the client can still collect the
// result.
func (r *Registry) expireLocked(h *models.PendingHandshake) {
	if h.Status == models.HandshakePending && h.IsExpired() {
		h.Status = models.HandshakeExpired
	}
}

// Complete transitions a pending handshake to completed with the issued
// credential. Returns false without mutating if the entry is missing or no
// longer pending, which guards against double completion and races with
// expiry.
func (r *Registry) Complete(tempToken string, result *models.HandshakeResult) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byToken[tempToken]
	if !ok {
		return false
	}
	r.expireLocked(h)
	if h.Status != models.HandshakePending {
		return false
	}

	h.Status = models.HandshakeCompleted
	h.CompletedAt = time.Now()
	h.Result = result

	return true
}

// Delete removes the handshake and its CSRF state index entry.
func (r *Registry) Delete(tempToken string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.byToken[tempToken]; ok {
		delete(r.byState, h.CSRFState)
		delete(r.byToken, tempToken)
	}
}

// sweep purges entries whose TTL has elapsed, regardless of status.
func (r *Registry) sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for token, h := range r.byToken {
		if h.IsExpired() {
			delete(r.byState, h.CSRFState)
			delete(r.byToken, token)
			removed++
		}
	}

	return removed
}

// StartSweep purges expired entries on a fixed interval until ctx is done.
func (r *Registry) StartSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.sweep(); n > 0 {
					r.log.Debug().Int("removed", n).Msg("swept expired handshakes")
				}
			}
		}
	}()
}
