package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jasonkneen/claudesky/internal/observability"
	"github.com/rs/zerolog"
)

// ChangeFunc receives a freshly loaded config after the file changes.
type ChangeFunc func(cfg *Config)

// WatcherConfig holds configuration for the config watcher
type WatcherConfig struct {
	Loader             *Loader
	StabilityThreshold time.Duration
	OnChange           ChangeFunc
	Logger             zerolog.Logger
}

// Watcher reloads the config file when it changes on disk. Editors that
// replace the file on save are handled by watching the parent directory.
type Watcher struct {
	watcher            *fsnotify.Watcher
	loader             *Loader
	path               string
	stabilityThreshold time.Duration
	onChange           ChangeFunc
	logger             zerolog.Logger

	done     chan struct{}
	stopOnce sync.Once

	debounceMu sync.Mutex
	debounce   *time.Timer
}

// NewWatcher creates a config watcher
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Loader == nil {
		return nil, fmt.Errorf("loader is required")
	}
	path := cfg.Loader.GetConfigPath()
	if path == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if cfg.StabilityThreshold == 0 {
		cfg.StabilityThreshold = 200 * time.Millisecond
	}

	return &Watcher{
		watcher:            fw,
		loader:             cfg.Loader,
		path:               filepath.Clean(path),
		stabilityThreshold: cfg.StabilityThreshold,
		onChange:           cfg.OnChange,
		logger:             cfg.Logger.With().Str("component", "config-watcher").Logger(),
		done:               make(chan struct{}),
	}, nil
}

// Start begins watching the config file's directory
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go w.eventLoop()

	w.logger.Info().Str("path", w.path).Msg("Config watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.debounceMu.Lock()
	if w.debounce != nil {
		w.debounce.Stop()
		w.debounce = nil
	}
	w.debounceMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

// schedule collapses bursts of writes into one reload
func (w *Watcher) schedule() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(w.stabilityThreshold, func() {
		select {
		case <-w.done:
			return
		default:
			w.reload()
		}
	})
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		observability.RecordConfigReload(false)
		w.logger.Warn().Err(err).Msg("Ignoring invalid config change")
		return
	}

	observability.RecordConfigReload(true)
	observability.RecordConfigAudit(context.Background(), "config_reload", "watcher", map[string]interface{}{
		"path":          w.path,
		"default_model": cfg.Models.Default,
	})
	w.logger.Info().Str("default_model", cfg.Models.Default).Msg("Config reloaded")

	if w.onChange != nil {
		w.onChange(cfg)
	}
}
