package workspace

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultStabilityThreshold is how long a file must be quiet before it is
// reloaded.
const DefaultStabilityThreshold = 200 * time.Millisecond

// Watcher reloads a Prompt when its file changes on disk. It watches the
// parent directory so editors that save by rename are picked up.
type Watcher struct {
	prompt             *Prompt
	stabilityThreshold time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for p. A zero threshold uses the default.
func NewWatcher(p *Prompt, stabilityThreshold time.Duration) *Watcher {
	if stabilityThreshold <= 0 {
		stabilityThreshold = DefaultStabilityThreshold
	}
	return &Watcher{prompt: p, stabilityThreshold: stabilityThreshold}
}

// Run watches until ctx is done. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	path := w.prompt.Path()
	if path == "" {
		<-ctx.Done()
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	logger := w.prompt.logger
	logger.Info().Str("path", path).Msg("Prompt watcher started")
	defer w.stopTimer()

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Prompt watcher stopped")
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(ctx)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// schedule debounces bursts of events into one reload.
func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.stabilityThreshold, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := w.prompt.Reload(); err != nil {
			w.prompt.logger.Error().Err(err).Str("path", w.prompt.Path()).Msg("Failed to reload system prompt")
		}
	})
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
