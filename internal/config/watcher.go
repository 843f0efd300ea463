package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"
)

// ChangeFunc receives each newly loaded config together with its diff
// against the one it replaces.
type ChangeFunc func(cfg *Config, d ConfigDiff)

// Watcher keeps the config file and the running config in step. It polls on
// an interval and, optionally, reloads when the process receives a signal.
// A file that fails to load or validate is logged and skipped.
type Watcher struct {
	path     string
	interval time.Duration
	signals  []os.Signal
	onChange ChangeFunc

	// reloadMu orders reloads so callbacks see configs in file order.
	reloadMu sync.Mutex

	mu      sync.Mutex
	current *Config
	seen    fileState

	done     chan struct{}
	stopOnce sync.Once
}

// fileState identifies one version of the file on disk.
type fileState struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithSignals makes Run reload immediately on any of sigs, typically SIGHUP.
func WithSignals(sigs ...os.Signal) WatcherOption {
	return func(w *Watcher) { w.signals = append(w.signals, sigs...) }
}

// NewWatcher loads path once; it fails if that first load fails.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.seen = cfg, st
	return w, nil
}

// Current returns the config most recently accepted.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload reads the file now, ignoring the modification time shortcut used
// by polling. It reports whether the content changed and was accepted. The
// change callback has returned by the time Reload does.
func (w *Watcher) Reload() (bool, error) {
	return w.reload(true)
}

// Run polls until ctx is done or Stop is called. Load errors are logged,
// never returned.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var sigCh chan os.Signal
	if len(w.signals) > 0 {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, w.signals...)
		defer signal.Stop(sigCh)
	}

	for {
		force := false
		select {
		case <-ctx.Done():
			return nil
		case <-w.done:
			return nil
		case <-ticker.C:
		case sig := <-sigCh:
			slog.Info("config watcher: reload requested", "signal", sig.String())
			force = true
		}
		if _, err := w.reload(force); err != nil {
			slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		}
	}
}

// Stop ends Run. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) reload(force bool) (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	w.mu.Lock()
	prev := w.seen
	w.mu.Unlock()

	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			return false, err
		}
		if info.ModTime().Equal(prev.mtime) {
			return false, nil
		}
	}

	cfg, st, err := w.load()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	w.seen = st
	if st.sum == prev.sum {
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	d := Diff(old, cfg)
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"hot_reloadable", d.HotReloadable(),
		"restart_required", d.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(cfg, d)
	}
	return true, nil
}

// load reads and validates the file. The mtime is taken first so a write
// racing the read shows up on the next poll.
func (w *Watcher) load() (*Config, fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
