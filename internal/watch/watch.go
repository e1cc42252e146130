// Package watch reloads plugins when files under the plugin directories
// change.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/plinthcms/plinth/internal/kernel"
)

// DefaultDebounce batches the burst of events an editor save produces.
const DefaultDebounce = 500 * time.Millisecond

// Reloader is satisfied by *kernel.Kernel.
type Reloader interface {
	Reload(ctx context.Context) (*kernel.LoadReport, error)
}

// Stats counts watcher activity.
type Stats struct {
	Events        int
	Reloads       int
	Errors        int
	LastEventPath string
	LastReload    time.Time
}

// Watcher watches plugin directories and their plugin subdirectories.
// fsnotify is not recursive, so new plugin directories are added as they
// appear.
type Watcher struct {
	watcher  *fsnotify.Watcher
	reloader Reloader
	debounce time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a watcher over dirs. Missing directories are skipped.
func New(dirs []string, reloader Reloader, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &Watcher{watcher: fw, reloader: reloader, debounce: debounce, logger: logger}

	for _, dir := range dirs {
		if err := w.addTree(dir); err != nil {
			logger.Warn("not watching plugin dir", zap.String("dir", dir), zap.Error(err))
		}
	}
	return w, nil
}

// addTree watches dir and its immediate subdirectories.
func (w *Watcher) addTree(dir string) error {
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() && !ignored(e.Name()) {
			sub := filepath.Join(dir, e.Name())
			if err := w.watcher.Add(sub); err != nil {
				w.logger.Warn("not watching plugin", zap.String("dir", sub), zap.Error(err))
			}
		}
	}
	w.logger.Debug("watching plugin dir", zap.String("dir", dir))
	return nil
}

// Run handles events until ctx is cancelled, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.watcher.Close() }()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.handle(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
			w.logger.Error("plugin watcher error", zap.Error(err))

		case <-fire:
			fire = nil
			w.reload(ctx)
		}
	}
}

// handle records an event and reports whether it should trigger a reload.
func (w *Watcher) handle(event fsnotify.Event) bool {
	if ignored(filepath.Base(event.Name)) {
		return false
	}
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return false
	}
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				w.logger.Warn("not watching new plugin", zap.String("dir", event.Name), zap.Error(err))
			}
		}
	}

	w.mu.Lock()
	w.stats.Events++
	w.stats.LastEventPath = event.Name
	w.mu.Unlock()
	w.logger.Debug("plugin file changed", zap.String("path", event.Name), zap.Stringer("op", event.Op))
	return true
}

func (w *Watcher) reload(ctx context.Context) {
	start := time.Now()
	report, err := w.reloader.Reload(ctx)

	w.mu.Lock()
	w.stats.Reloads++
	w.stats.LastReload = start
	if err != nil {
		w.stats.Errors++
	}
	w.mu.Unlock()

	if err != nil {
		w.logger.Error("plugin reload failed", zap.Error(err))
		return
	}
	fields := []zap.Field{zap.Duration("took", time.Since(start))}
	if report != nil {
		fields = append(fields, zap.Strings("loaded", report.Loaded), zap.Int("problems", len(report.Problems)))
	}
	w.logger.Info("plugins reloaded after file change", fields...)
}

// Stats returns a snapshot of watcher activity.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// ignored filters editor droppings and hidden files.
func ignored(name string) bool {
	return strings.HasPrefix(name, ".") ||
		strings.HasSuffix(name, "~") ||
		strings.HasSuffix(name, ".swp") ||
		strings.HasSuffix(name, ".tmp")
}
