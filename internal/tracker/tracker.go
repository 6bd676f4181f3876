package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wolfeidau/tunnelgate/internal/models"
	"github.com/wolfeidau/tunnelgate/internal/store"
)

// maxSessionAge is a hard backstop against tracker/broker divergence:
// entries older than this are removed regardless of broker state.
const maxSessionAge = 24 * time.Hour

// ChannelLister provides the broker's authoritative list of live channel
// numbers.
type ChannelLister interface {
	ListChannels(ctx context.Context) ([]int, error)
}

type key struct {
	identity string
	channel  int
}

// Tracker holds every live tunnel session keyed by (identity, channel),
// enforcing per-channel exclusivity and supplying the quota count. State is
// reconciled against the broker's live-channel list and snapshotted to disk
// through the debounced writer.
type Tracker struct {
	mu       sync.Mutex
	sessions map[key]*models.ActiveSession

	broker           ChannelLister
	reconcileTimeout time.Duration
	writer           *store.DebouncedWriter
	log              zerolog.Logger
}

type snapshotFile struct {
	Sessions  []*models.ActiveSession `json:"sessions"`
	LastSaved time.Time               `json:"lastSaved"`
}

// New loads any existing snapshot from path and returns a tracker persisting
// to it.
func New(path string, brokerClient ChannelLister, quiescence time.Duration, log zerolog.Logger) (*Tracker, error) {
	t := &Tracker{
		sessions:         make(map[key]*models.ActiveSession),
		broker:           brokerClient,
		reconcileTimeout: 30 * time.Second,
		log:              log.With().Str("component", "tracker").Logger(),
	}
	t.writer = store.NewDebouncedWriter(path, quiescence, t.snapshot, log)

	if err := t.load(path); err != nil {
		return nil, err
	}

	return t, nil
}

func (t *Tracker) load(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read tracker snapshot: %w", err)
	}

	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		t.log.Warn().Err(err).Msg("tracker snapshot unreadable, starting empty")
		return nil
	}

	for _, s := range file.Sessions {
		if s == nil || s.Identity == "" || s.Channel == 0 {
			continue
		}
		t.sessions[key{s.Identity, s.Channel}] = s
	}

	t.log.Info().Int("sessions", len(t.sessions)).Msg("tracker snapshot loaded")
	return nil
}

func (t *Tracker) snapshot() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	file := snapshotFile{
		Sessions:  make([]*models.ActiveSession, 0, len(t.sessions)),
		LastSaved: time.Now(),
	}
	for _, s := range t.sessions {
		copy := *s
		file.Sessions = append(file.Sessions, &copy)
	}

	return json.MarshalIndent(file, "", "  ")
}

// IsChannelInUse reports whether any identity currently holds the channel.
// Linear scan; the table is bounded by realistic concurrent-session counts.
func (t *Tracker) IsChannelInUse(channel int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k := range t.sessions {
		if k.channel == channel {
			return true
		}
	}
	return false
}

// Add inserts a new active session. The existence check and insert happen
// under one lock acquisition, making Add the final authority when two
// open-channel requests race past the caller's pre-checks.
func (t *Tracker) Add(identity string, channel int, sessionID, fingerprint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{identity, channel}
	if _, exists := t.sessions[k]; exists {
		return false
	}

	t.sessions[k] = &models.ActiveSession{
		Identity:          identity,
		Channel:           channel,
		SessionID:         sessionID,
		FingerprintPrefix: models.FingerprintPrefixOf(fingerprint),
		ConnectedAt:       time.Now(),
	}
	t.writer.Mark()

	return true
}

// Remove deletes the session for (identity, channel).
func (t *Tracker) Remove(identity string, channel int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{identity, channel}
	if _, ok := t.sessions[k]; !ok {
		return false
	}
	delete(t.sessions, k)
	t.writer.Mark()

	return true
}

// RemoveByChannelOnly removes the first session found on the channel. Used
// when the triggering webhook carries no verifiable identity; trades
// precision for guaranteed cleanup.
func (t *Tracker) RemoveByChannelOnly(channel int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k, s := range t.sessions {
		if k.channel == channel {
			delete(t.sessions, k)
			t.writer.Mark()
			t.log.Debug().Str("identity", s.Identity).Int("channel", channel).
				Msg("removed session by channel only")
			return true
		}
	}
	return false
}

// Count returns the number of active sessions held by the identity.
func (t *Tracker) Count(identity string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for k := range t.sessions {
		if k.identity == identity {
			n++
		}
	}
	return n
}

// SessionsFor returns the active sessions held by the identity.
func (t *Tracker) SessionsFor(identity string) []*models.ActiveSession {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []*models.ActiveSession
	for k, s := range t.sessions {
		if k.identity == identity {
			copy := *s
			result = append(result, &copy)
		}
	}
	return result
}

// Reconcile removes tracked sessions whose channel is absent from the
// broker's live list ("ghosts"). An unreachable broker is not evidence of
// channel closure, so fetch failures keep prior state and skip the cycle.
func (t *Tracker) Reconcile(ctx context.Context, initial bool) error {
	ctx, cancel := context.WithTimeout(ctx, t.reconcileTimeout)
	defer cancel()

	channels, err := t.broker.ListChannels(ctx)
	if err != nil {
		t.log.Warn().Err(err).Bool("initial", initial).
			Msg("broker unreachable, skipping reconcile cycle")
		return err
	}

	live := make(map[int]bool, len(channels))
	for _, c := range channels {
		live[c] = true
	}

	t.mu.Lock()
	removed := 0
	for k := range t.sessions {
		if !live[k.channel] {
			delete(t.sessions, k)
			removed++
		}
	}
	if removed > 0 {
		t.writer.Mark()
	}
	t.mu.Unlock()

	if removed > 0 || initial {
		t.log.Info().Int("removed", removed).Bool("initial", initial).
			Msg("reconciled tracker against broker")
	}

	return nil
}

// SweepExpired removes sessions older than maxSessionAge.
func (t *Tracker) SweepExpired() int {
	cutoff := time.Now().Add(-maxSessionAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for k, s := range t.sessions {
		if s.ConnectedAt.Before(cutoff) {
			delete(t.sessions, k)
			removed++
		}
	}
	if removed > 0 {
		t.writer.Mark()
	}

	return removed
}

// Start runs the initial reconcile, then periodic reconciles and age sweeps
// until ctx is done. Reconcile failures are soft.
func (t *Tracker) Start(ctx context.Context, reconcileInterval time.Duration) {
	// Clear state left over from a prior crash. Best effort.
	_ = t.Reconcile(ctx, true)

	go func() {
		reconcile := time.NewTicker(reconcileInterval)
		defer reconcile.Stop()
		sweep := time.NewTicker(time.Hour)
		defer sweep.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-reconcile.C:
				_ = t.Reconcile(ctx, false)
			case <-sweep.C:
				if n := t.SweepExpired(); n > 0 {
					t.log.Info().Int("removed", n).Msg("swept aged-out tracker sessions")
				}
			}
		}
	}()
}

// Close flushes any pending snapshot write.
func (t *Tracker) Close() error {
	return t.writer.Close()
}
