package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/switchboard-gw/switchboard/internal/observability"
)

// ReloadCallback receives each successfully reloaded configuration.
type ReloadCallback func(*Config)

// ErrorCallback receives reload failures; the previous configuration
// stays in effect.
type ErrorCallback func(error)

// Watcher watches a configuration file and reloads it on change.
// Editors and orchestrators replace files rather than rewrite them,
// so the watch is on the directory and events are debounced.
type Watcher struct {
	path          string
	watcher       *fsnotify.Watcher
	callback      ReloadCallback
	errorCallback ErrorCallback
	logger        observability.Logger
	debounceDelay time.Duration

	mu         sync.RWMutex
	lastConfig *Config
	running    bool

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// WatcherOption is a functional option for configuring the watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets the delay between a file event and reload.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = delay
	}
}

// WithWatcherLogger sets the watcher logger.
func WithWatcherLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithErrorCallback sets the reload failure callback.
func WithErrorCallback(callback ErrorCallback) WatcherOption {
	return func(w *Watcher) {
		w.errorCallback = callback
	}
}

// NewWatcher creates a watcher for path. callback runs on every
// successful reload.
func NewWatcher(path string, callback ReloadCallback, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:          absPath,
		watcher:       fsWatcher,
		callback:      callback,
		logger:        observability.NopLogger(),
		debounceDelay: 100 * time.Millisecond,
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start loads the file once and begins watching. Start on a running
// watcher is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.lastConfig = cfg
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	w.logger.Info("watching configuration file",
		observability.String("path", w.path),
	)

	go w.watch(ctx)
	return nil
}

// Stop terminates the watch loop and closes the underlying watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.stoppedCh
	return w.watcher.Close()
}

// LastConfig returns the most recently loaded configuration.
func (w *Watcher) LastConfig() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastConfig
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.stoppedCh)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounceDelay)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watch failed", observability.Error(err))
			if w.errorCallback != nil {
				w.errorCallback(err)
			}
		}
	}
}

// reload loads the file again; a failure keeps the last good config.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous configuration",
			observability.String("path", w.path),
			observability.Error(err),
		)
		if w.errorCallback != nil {
			w.errorCallback(err)
		}
		return
	}

	w.mu.Lock()
	w.lastConfig = cfg
	w.mu.Unlock()

	w.logger.Info("configuration reloaded",
		observability.String("path", w.path),
	)
	if w.callback != nil {
		w.callback(cfg)
	}
}
