package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/stageflow/model"
)

// defaultReloadDebounce collapses the burst of events an editor save produces.
const defaultReloadDebounce = 250 * time.Millisecond

// RegistryWatcher reloads a model registry file into a live registry when the
// file changes. Invalid files are logged and ignored; the registry keeps its
// last good configuration.
type RegistryWatcher struct {
	path     string
	registry *model.Registry
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onReload func(error)
	logger   *slog.Logger

	started  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

// WatcherOption configures a RegistryWatcher.
type WatcherOption func(*RegistryWatcher)

// WithDebounce sets how long to wait for more changes before reloading.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *RegistryWatcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithReloadHook is called after every reload attempt with its error.
func WithReloadHook(fn func(error)) WatcherOption {
	return func(w *RegistryWatcher) {
		w.onReload = fn
	}
}

// NewRegistryWatcher creates a watcher for the registry file at path.
func NewRegistryWatcher(path string, registry *model.Registry, logger *slog.Logger, opts ...WatcherOption) (*RegistryWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve registry path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &RegistryWatcher{
		path:     abs,
		registry: registry,
		watcher:  fsw,
		debounce: defaultReloadDebounce,
		logger:   logger,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching. The directory is watched rather than the file so
// that editors replacing the file by rename are seen.
func (w *RegistryWatcher) Start(ctx context.Context) error {
	if _, err := os.Stat(w.path); err != nil {
		return fmt.Errorf("registry file: %w", err)
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	w.started.Store(true)
	go w.processEvents(ctx)

	w.logger.Info("Registry watcher started", "path", w.path, "debounce", w.debounce)
	return nil
}

// Stop stops the watcher and waits for its goroutine to exit.
func (w *RegistryWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		err = w.watcher.Close()
	})
	if w.started.Load() {
		<-w.done
	}
	return err
}

// Reload reads the file and merges it into the registry if it is valid.
func (w *RegistryWatcher) Reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read registry file: %w", err)
	}
	cfg, err := model.ParseConfig(data)
	if err != nil {
		return err
	}
	candidate, err := model.LoadFromJSON(data)
	if err != nil {
		return err
	}
	if err := candidate.Validate(); err != nil {
		return fmt.Errorf("invalid registry: %w", err)
	}

	w.registry.MergeFromConfig(cfg)
	w.logger.Info("Model registry reloaded",
		"path", w.path,
		"tiers", len(cfg.Tiers),
		"endpoints", len(cfg.Endpoints))
	return nil
}

func (w *RegistryWatcher) processEvents(ctx context.Context) {
	defer close(w.done)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.stopOnce.Do(func() { _ = w.watcher.Close() })
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.logger.Debug("Registry change detected", "op", event.Op.String())
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)

		case <-timer.C:
			err := w.Reload()
			if err != nil {
				w.logger.Warn("Registry reload failed, keeping previous configuration", "path", w.path, "error", err)
			}
			if w.onReload != nil {
				w.onReload(err)
			}
		}
	}
}
