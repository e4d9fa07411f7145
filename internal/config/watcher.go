package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling period of a [Watcher].
const DefaultWatchInterval = 5 * time.Second

// Watcher monitors a store's file for edits made outside the process and
// calls a callback with the previous and reloaded configs. Writes made
// through [Store.Update] do not trigger the callback. It uses polling (not
// fsnotify) to keep dependencies minimal.
type Watcher struct {
	store    *Store
	interval time.Duration
	onChange func(old, new *Config)

	mu        sync.Mutex
	lastMtime time.Time

	done     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher starts polling the file behind s in a background goroutine.
func NewWatcher(s *Store, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		store:    s,
		interval: DefaultWatchInterval,
		onChange: onChange,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	info, err := os.Stat(s.Path())
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	w.lastMtime = info.ModTime()

	go w.poll()
	return w, nil
}

// Stop stops the file watcher and waits for the polling goroutine to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
	<-w.stopped
}

func (w *Watcher) poll() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reloads the file when its mtime moved and, if the content differs
// from what the store holds and is valid, calls onChange.
func (w *Watcher) check() {
	path := w.store.Path()
	info, err := os.Stat(path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", path, "err", err)
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.lastMtime)
	w.lastMtime = info.ModTime()
	w.mu.Unlock()
	if unchanged {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("config watcher: failed to read config", "path", path, "err", err)
		return
	}
	old, cur, changed, err := w.store.reload(data)
	if err != nil {
		slog.Warn("config watcher: invalid config ignored", "path", path, "err", err)
		return
	}
	if !changed {
		return
	}

	slog.Info("config watcher: configuration reloaded", "path", path)
	if w.onChange != nil {
		w.onChange(old, cur)
	}
}
