package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/wolfeidau/tunnelgate/internal/models"
)

const (
	// reloadDebounce avoids re-reading the file mid-write; editors and
	// atomic-rename writers both emit bursts of events.
	reloadDebounce = 250 * time.Millisecond

	// pollInterval is the fallback mtime check for environments where
	// change notifications are unreliable (network mounts, some containers).
	pollInterval = 30 * time.Second
)

// Store is a read-through cache of the users.json policy table. Reloads are
// triggered by filesystem change notifications and by a fallback mtime poll;
// both funnel into the same idempotent reload which swaps the table
// atomically.
type Store struct {
	mu    sync.Mutex
	table map[string]*models.Policy

	path    string
	lastMod time.Time

	watcher     *fsnotify.Watcher
	reloadTimer *time.Timer
	stopCh      chan struct{}
	log         zerolog.Logger
}

type usersFile struct {
	Users []*models.Policy `json:"users"`
}

// NewStore loads the policy file at path, synthesizing a default file with a
// single placeholder identity when none exists, so the service never starts
// with an unreadable store.
func NewStore(path string, log zerolog.Logger) (*Store, error) {
	s := &Store{
		table:  make(map[string]*models.Policy),
		path:   path,
		stopCh: make(chan struct{}),
		log:    log.With().Str("component", "policy_store").Logger(),
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := s.writeDefaultFile(); err != nil {
			return nil, err
		}
		s.log.Info().Str("path", path).Msg("policy file missing, wrote default")
	}

	if err := s.reload(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) writeDefaultFile() error {
	file := usersFile{Users: []*models.Policy{{
		Identity:        "replace-with-discord-user-id",
		AllowedChannels: []int{25565},
		MaxSessions:     1,
	}}}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0600)
}

// reload re-reads the policy file and replaces the in-memory table. It is
// safe to call from any trigger; a failed parse keeps the previous table.
func (s *Store) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	var file usersFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse policy file: %w", err)
	}

	table := make(map[string]*models.Policy, len(file.Users))
	for _, p := range file.Users {
		if p == nil || p.Identity == "" {
			continue
		}
		table[p.Identity] = p
	}

	info, statErr := os.Stat(s.path)

	s.mu.Lock()
	s.table = table
	if statErr == nil {
		s.lastMod = info.ModTime()
	}
	s.mu.Unlock()

	s.log.Info().Int("identities", len(table)).Msg("policy table loaded")
	return nil
}

// Lookup returns the policy for an identity. An absent identity yields
// (nil, false): zero permissions, not an error.
func (s *Store) Lookup(identity string) (*models.Policy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.table[identity]
	if !ok {
		return nil, false
	}

	copy := *p
	copy.AllowedChannels = append([]int(nil), p.AllowedChannels...)
	return &copy, true
}

// Watch starts the change-notification watcher and the fallback mtime poll.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = watcher

	// Watch the directory, not the file: atomic-rename writers replace the
	// inode and a file watch would silently go stale.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return err
	}

	go s.watchLoop(ctx)
	go s.pollLoop(ctx)

	return nil
}

func (s *Store) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.scheduleReload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Error().Err(err).Msg("policy watcher error")
		}
	}
}

// scheduleReload debounces bursts of change events into one reload.
func (s *Store) scheduleReload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reloadTimer != nil {
		s.reloadTimer.Stop()
	}
	s.reloadTimer = time.AfterFunc(reloadDebounce, func() {
		if err := s.reload(); err != nil {
			s.log.Error().Err(err).Msg("policy reload failed, keeping previous table")
		}
	})
}

func (s *Store) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

// pollOnce compares the file's modification time against the last loaded
// one and reloads on change.
func (s *Store) pollOnce() {
	info, err := os.Stat(s.path)
	if err != nil {
		s.log.Warn().Err(err).Msg("policy file stat failed")
		return
	}

	s.mu.Lock()
	changed := info.ModTime().After(s.lastMod)
	s.mu.Unlock()

	if changed {
		s.log.Debug().Msg("policy file mtime changed, reloading")
		if err := s.reload(); err != nil {
			s.log.Error().Err(err).Msg("policy reload failed, keeping previous table")
		}
	}
}

// Close stops the watcher and poll loops.
func (s *Store) Close() error {
	close(s.stopCh)

	s.mu.Lock()
	if s.reloadTimer != nil {
		s.reloadTimer.Stop()
	}
	s.mu.Unlock()

	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
