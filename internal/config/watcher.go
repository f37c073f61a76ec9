package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Reload describes one accepted configuration edit.
type Reload struct {
	Old, New *Config
	Diff     ConfigDiff
}

// Watcher keeps the running configuration in step with its file. An edit is
// loaded and validated in full before it replaces the current config; a
// rejected edit leaves the previous one in force until the file changes
// again. Edits without an effective change (comments, reordering, default
// values spelled out) update the current config silently.
type Watcher struct {
	path     string
	interval time.Duration
	onReload func(Reload)
	logger   *slog.Logger

	// checkMu serialises loads so two reloads never race on current.
	checkMu sync.Mutex

	mu      sync.Mutex
	current *Config
	stamp   fileStamp

	done     chan struct{}
	stopOnce sync.Once
}

// fileStamp identifies a file revision without reading it.
type fileStamp struct {
	mtime time.Time
	size  int64
}

func stampOf(info os.FileInfo) fileStamp {
	return fileStamp{mtime: info.ModTime(), size: info.Size()}
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets how often the file is polled. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLogger sets the logger for reload and rejection events.
func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher loads path and starts polling it. onReload, when non-nil, runs on
// the polling goroutine for every accepted edit with a non-empty diff.
func NewWatcher(path string, onReload func(Reload), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onReload: onReload,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w.current = cfg
	w.stamp = stampOf(info)

	go w.poll()
	return w, nil
}

// Current returns the configuration in force.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Check reloads the file now, regardless of whether it looks modified. It
// returns the load or validation error when the edit is rejected; the
// current config is unchanged in that case.
func (w *Watcher) Check() error {
	info, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("config: watch %q: %w", w.path, err)
	}
	return w.reload(stampOf(info))
}

// Stop ends polling. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			info, err := os.Stat(w.path)
			if err != nil {
				w.logger.Warn("config file unavailable, keeping current configuration", "path", w.path, "err", err)
				continue
			}
			st := stampOf(info)
			w.mu.Lock()
			unchanged := st == w.stamp
			w.mu.Unlock()
			if unchanged {
				continue
			}
			_ = w.reload(st)
		}
	}
}

func (w *Watcher) reload(st fileStamp) error {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	cfg, err := Load(w.path)

	w.mu.Lock()
	// A rejected revision is remembered too, so polling reports it once.
	w.stamp = st
	old := w.current
	if err == nil {
		w.current = cfg
	}
	w.mu.Unlock()

	if err != nil {
		w.logger.Warn("config reload rejected, keeping current configuration", "path", w.path, "err", err)
		return err
	}

	d := Diff(old, cfg)
	if d.Empty() {
		w.logger.Debug("config file changed without effect", "path", w.path)
		return nil
	}
	w.logger.Info("config reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"stream_changed", d.StreamChanged,
		"classification_changed", d.ClassificationChanged,
		"strategies_changed", d.StrategiesChanged(),
	)
	if w.onReload != nil {
		w.onReload(Reload{Old: old, New: cfg, Diff: d})
	}
	return nil
}
