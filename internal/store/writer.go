package store

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type flushState int

const (
	stateClean flushState = iota
	stateDirtyScheduled
	stateFlushing
)

// DebouncedWriter coalesces snapshot writes to a single file. Every mutation
// calls Mark, which cancels and restarts the quiescence timer; the snapshot
// is only written once mutations stop for the configured window. Close forces
// a final flush if a write is still pending.
type DebouncedWriter struct {
	mu         sync.Mutex
	path       string
	quiescence time.Duration
	snapshot   func() ([]byte, error)
	log        zerolog.Logger

	state  flushState
	timer  *time.Timer
	closed bool
}

// NewDebouncedWriter creates a writer that persists the output of snapshot
// to path after quiescence has elapsed without further Mark calls.
func NewDebouncedWriter(path string, quiescence time.Duration, snapshot func() ([]byte, error), log zerolog.Logger) *DebouncedWriter {
	return &DebouncedWriter{
		path:       path,
		quiescence: quiescence,
		snapshot:   snapshot,
		log:        log.With().Str("file", filepath.Base(path)).Logger(),
	}
}

// Mark records a mutation. Any pending flush timer is cancelled and
// restarted so rapid mutations collapse into one write.
func (w *DebouncedWriter) Mark() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.state = stateDirtyScheduled
	w.timer = time.AfterFunc(w.quiescence, w.flush)
}

func (w *DebouncedWriter) flush() {
	w.mu.Lock()
	if w.state != stateDirtyScheduled {
		w.mu.Unlock()
		return
	}
	w.state = stateFlushing
	w.mu.Unlock()

	err := w.write()

	w.mu.Lock()
	if err != nil {
		// Leave the dirty flag set so the next Mark retries the write.
		w.log.Error().Err(err).Msg("snapshot write failed, will retry on next mutation")
		if w.state == stateFlushing {
			w.state = stateDirtyScheduled
		}
	} else if w.state == stateFlushing {
		w.state = stateClean
	}
	w.mu.Unlock()
}

func (w *DebouncedWriter) write() error {
	data, err := w.snapshot()
	if err != nil {
		return err
	}

	// Write to a temp file then rename so readers never see a partial file.
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return err
	}

	w.log.Debug().Int("bytes", len(data)).Msg("snapshot written")
	return nil
}

// Close stops the timer and performs a final synchronous flush if a write
// was still pending.
func (w *DebouncedWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	pending := w.state != stateClean
	w.state = stateClean
	w.mu.Unlock()

	if pending {
		return w.write()
	}
	return nil
}
