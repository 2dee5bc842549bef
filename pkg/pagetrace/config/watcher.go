package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// Watcher reloads a configuration file when it changes and hands every
// valid version to a callback. Invalid versions are logged and ignored so
// the last good configuration stays in effect.
type Watcher struct {
	path     string
	onChange func(Config)
	watcher  *fsnotify.Watcher
	logger   logr.Logger
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once

	mu      sync.RWMutex
	current Config
}

// NewWatcher loads path and starts watching it. The directory is watched
// rather than the file so editors that replace the file are followed.
func NewWatcher(path string, logger logr.Logger, onChange func(Config)) (*Watcher, error) {
	wLogger := logger.WithName("pagetrace.config")

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		if cerr := watcher.Close(); cerr != nil {
			wLogger.Error(cerr, "failed to close fs watcher")
		}
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	wLogger.V(1).Info("watching config", "path", abs)

	w := &Watcher{
		path:     abs,
		onChange: onChange,
		watcher:  watcher,
		logger:   wLogger,
		done:     make(chan struct{}),
		current:  cfg,
	}

	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

// Current returns the last valid configuration.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops watching. Calls after the first return nil.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error(err, "filesystem watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	w.logger.V(1).Info("received file event", "file", event.Name, "op", event.Op)

	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	w.reload()
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error(err, "failed to reload config, keeping previous version", "path", w.path)
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.logger.Info("config reloaded", "path", w.path, "type", cfg.Type, "tabs", len(cfg.Tabs))
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
