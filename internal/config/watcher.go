package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultPollInterval is how often a [Watcher] looks at its file.
const DefaultPollInterval = 5 * time.Second

// Change is one accepted reload.
type Change struct {
	Old, New *Config
	Diff     ConfigDiff
}

// fingerprint identifies one version of the file on disk.
type fingerprint struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher polls a config file and reports valid edits. A file that fails to
// parse or validate is logged and ignored; the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration

	mu      sync.Mutex
	current *Config
	seen    fingerprint
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Defaults to [DefaultPollInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and returns a watcher positioned on that version.
// Polling starts with [Watcher.Run].
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultPollInterval}
	for _, opt := range opts {
		opt(w)
	}
	cfg, fp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, fp
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is cancelled, calling apply for every accepted change
// on the polling goroutine.
func (w *Watcher) Run(ctx context.Context, apply func(Change)) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ch, ok, err := w.Check()
		switch {
		case err != nil:
			slog.Warn("config reload rejected, keeping previous config", "path", w.path, "err", err)
		case ok:
			w.report(ch)
			if apply != nil {
				apply(ch)
			}
		}
	}
}

// Check looks at the file once. It reports ok when the content differs from
// the current config and parses cleanly. A touched but unchanged file is not
// a change.
func (w *Watcher) Check() (Change, bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return Change{}, false, err
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.mtime)
	w.mu.Unlock()
	if unchanged {
		return Change{}, false, nil
	}

	cfg, fp, err := w.read()
	if err != nil {
		return Change{}, false, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	sameContent := fp.sum == w.seen.sum
	w.seen = fp
	if sameContent {
		return Change{}, false, nil
	}
	ch := Change{Old: w.current, New: cfg, Diff: Diff(w.current, cfg)}
	w.current = cfg
	return ch, true, nil
}

func (w *Watcher) report(ch Change) {
	slog.Info("configuration reloaded",
		"path", w.path,
		"log_level_changed", ch.Diff.LogLevelChanged,
		"vad_changed", ch.Diff.VADChanged,
		"turn_changed", ch.Diff.TurnChanged,
	)
	if len(ch.Diff.RestartRequired) > 0 {
		slog.Warn("configuration changes take effect after a restart", "sections", ch.Diff.RestartRequired)
	}
}

func (w *Watcher) read() (*Config, fingerprint, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fingerprint{}, err
	}
	return cfg, fingerprint{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
