package policyfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 100 * time.Millisecond

// ReloadFunc applies a changed policy file.
type ReloadFunc func(ctx context.Context) error

// Watcher calls a ReloadFunc whenever the policy file is written, created or replaced.
type Watcher struct {
	path     string
	reload   ReloadFunc
	logger   *zap.Logger
	debounce time.Duration
}

// NewWatcher constructs a watcher for path.
func NewWatcher(path string, reload ReloadFunc, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{path: path, reload: reload, logger: logger, debounce: defaultDebounce}
}

// WithDebounce overrides how long bursts of edits are coalesced.
func (w *Watcher) WithDebounce(d time.Duration) *Watcher {
	if d > 0 {
		w.debounce = d
	}
	return w
}

// Run blocks until ctx is cancelled. The parent directory is watched so editors that
// replace the file by rename are handled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	name := filepath.Base(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch directory %s: %w", dir, err)
	}
	w.logger.Info("watching rate limit policy file", zap.String("path", w.path))

	changed := make(chan struct{}, 1)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				if event.Op&fsnotify.Remove != 0 {
					w.logger.Warn("rate limit policy file removed, keeping current policies", zap.String("path", w.path))
				}
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(w.debounce, func() {
				select {
				case changed <- struct{}{}:
				default:
				}
			})

		case <-changed:
			if _, err := os.Stat(w.path); err != nil {
				w.logger.Warn("rate limit policy file not readable", zap.String("path", w.path), zap.Error(err))
				continue
			}
			if err := w.reload(ctx); err != nil {
				w.logger.Error("rate limit policy reload failed", zap.String("path", w.path), zap.Error(err))
				continue
			}
			w.logger.Info("rate limit policy file reloaded", zap.String("path", w.path))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("policy file watcher error", zap.Error(err))
		}
	}
}
