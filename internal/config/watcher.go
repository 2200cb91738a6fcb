package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 250 * time.Millisecond

// Watcher reloads the config file when it changes on disk and publishes
// successfully validated configurations on Updates.
type Watcher struct {
	logger  *zap.Logger
	path    string
	updates chan *Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher for the file cfg was loaded from.
// It does nothing when the configuration came from the environment only.
func NewWatcher(logger *zap.Logger, cfg *Config) *Watcher {
	return &Watcher{
		logger:  logger,
		path:    cfg.Path,
		updates: make(chan *Config, 1),
	}
}

// Updates returns the channel of reloaded configurations.
// It is nil when there is no file to watch, so selecting on it blocks forever.
func (w *Watcher) Updates() <-chan *Config {
	if w.path == "" {
		return nil
	}
	return w.updates
}

// Start begins watching the config file's directory. Editors often replace
// files by rename, so the directory is watched rather than the file.
func (w *Watcher) Start(ctx context.Context) error {
	if w.path == "" {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		if closeErr := fw.Close(); closeErr != nil {
			w.logger.Warn("Failed to close config watcher", zap.Error(closeErr))
		}
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.watcher = fw
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.run(watchCtx, fw, w.done)

	w.logger.Info("Config hot reload enabled", zap.String("path", w.path))
	return nil
}

// Stop stops watching and waits for the watch goroutine to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done, w.watcher = nil, nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer func() {
		if err := fw.Close(); err != nil {
			w.logger.Warn("Failed to close config watcher", zap.Error(err))
		}
	}()

	target := filepath.Clean(w.path)
	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(reloadDebounce)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", zap.Error(err))

		case <-timer.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("Config reload rejected, keeping previous configuration",
			zap.String("path", w.path),
			zap.Error(err))
		return
	}

	// Keep only the latest configuration if the consumer has not caught up
	select {
	case <-w.updates:
	default:
	}
	w.updates <- cfg

	w.logger.Info("Configuration reloaded", zap.String("path", w.path))
}
