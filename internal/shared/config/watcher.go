package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 500 * time.Millisecond

// Watcher holds the current routing configuration and reloads it when the
// file changes. Readers always get a complete config; a failed reload keeps
// the previous one.
type Watcher struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[RoutingConfig]

	mu       sync.Mutex
	onChange []func(*RoutingConfig)
	watcher  *fsnotify.Watcher
}

// NewWatcher loads the routing file once and returns a watcher for it
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	rc, err := LoadRouting(path)
	if err != nil {
		return nil, err
	}
	return NewStaticWatcher(path, rc, logger), nil
}

// NewStaticWatcher wraps an already-built config. Reload re-reads path if set.
func NewStaticWatcher(path string, rc *RoutingConfig, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{path: path, logger: logger}
	w.current.Store(rc)
	return w
}

// Get returns the current routing configuration
func (w *Watcher) Get() *RoutingConfig {
	return w.current.Load()
}

// OnChange registers a callback invoked after every successful reload
func (w *Watcher) OnChange(fn func(*RoutingConfig)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Reload re-reads the routing file and publishes it
func (w *Watcher) Reload() error {
	if w.path == "" {
		w.publish(w.current.Load())
		return nil
	}
	rc, err := LoadRouting(w.path)
	if err != nil {
		return err
	}
	w.current.Store(rc)
	w.logger.Info("routing configuration reloaded",
		slog.String("path", w.path),
		slog.Int("models", len(rc.Models)),
		slog.Int("keys", len(rc.Keys)),
	)
	w.publish(rc)
	return nil
}

func (w *Watcher) publish(rc *RoutingConfig) {
	w.mu.Lock()
	callbacks := append([]func(*RoutingConfig){}, w.onChange...)
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn(rc)
	}
}

// Watch starts watching the routing file until ctx is done. The directory is
// watched rather than the file so that editors which replace the file on
// save (and Kubernetes ConfigMap symlink swaps) are picked up.
func (w *Watcher) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return err
	}

	w.mu.Lock()
	w.watcher = fsw
	w.mu.Unlock()

	w.logger.Info("watching routing configuration", slog.String("path", w.path))
	go w.watchLoop(ctx, fsw)
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context, fsw *fsnotify.Watcher) {
	var debounceTimer *time.Timer
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = fsw.Close()
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target && filepath.Base(event.Name) != "..data" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				if err := w.Reload(); err != nil {
					w.logger.Error("failed to reload routing configuration, keeping current",
						slog.String("path", w.path),
						slog.String("error", err.Error()),
					)
				}
			})

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("routing config watcher error", slog.String("error", err.Error()))
		}
	}
}

// Close stops the file watcher
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
