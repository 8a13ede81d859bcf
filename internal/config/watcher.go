package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// watchSettle is how long to wait after a write event before reading the file.
	watchSettle = 50 * time.Millisecond
	// watchPollInterval is the fallback polling interval.
	watchPollInterval = 5 * time.Second
)

// Watcher reloads the config file when it changes on disk and reports
// valid changes to a callback. Invalid files are logged and ignored.
type Watcher struct {
	path     string
	onChange func(old, new *Config)

	mu       sync.Mutex
	current  *Config
	lastHash [sha256.Size]byte
}

// NewWatcher creates a watcher seeded with the loaded config. The current
// file contents are hashed so an unchanged rewrite is not reported.
func NewWatcher(initial *Config, onChange func(old, new *Config)) *Watcher {
	w := &Watcher{
		path:     initial.Path(),
		onChange: onChange,
		current:  initial,
	}
	if data, err := os.ReadFile(w.path); err == nil {
		w.lastHash = sha256.Sum256(data)
	}
	return w
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run watches the config directory until ctx is done. It falls back to
// polling when fsnotify is unavailable.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("fsnotify not available, polling config", "error", err)
		return w.poll(ctx)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			slog.Warn("failed to close config watcher", "error", err)
		}
	}()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		slog.Warn("failed to watch config directory, polling config", "path", w.path, "error", err)
		return w.poll(ctx)
	}
	slog.Info("config watcher started", "path", w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				slog.Warn("config watcher closed, polling config")
				return w.poll(ctx)
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Editors write in several steps.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(watchSettle):
			}
			w.check()
		case err, ok := <-watcher.Errors:
			if !ok {
				return w.poll(ctx)
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) error {
	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.check()
		}
	}
}

// check reloads the file and calls onChange when its content changed and
// is valid.
func (w *Watcher) check() {
	changed, err := w.reload()
	if err != nil {
		slog.Warn("config reload rejected, keeping current config", "path", w.path, "error", err)
		return
	}
	if changed == nil {
		return
	}
	slog.Info("configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(changed[0], changed[1])
	}
}

// reload returns the old and new config, or nil when the content is unchanged.
func (w *Watcher) reload() ([]*Config, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	hash := sha256.Sum256(data)

	w.mu.Lock()
	unchanged := hash == w.lastHash
	w.mu.Unlock()
	if unchanged {
		return nil, nil
	}

	cfg, err := Parse(w.path, data)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.lastHash = hash
	w.mu.Unlock()
	return []*Config{old, cfg}, nil
}

// RestartRequired lists the top-level sections that differ between two
// configs and only take effect after a restart.
func RestartRequired(old, new *Config) []string {
	a, b := old.Snapshot(), new.Snapshot()
	var sections []string
	if a.System != b.System {
		sections = append(sections, "system")
	}
	if !captureEqual(a.Capture, b.Capture) {
		sections = append(sections, "capture")
	}
	if !devicesEqual(a.Devices, b.Devices) {
		sections = append(sections, "devices")
	}
	if a.Archive != b.Archive {
		sections = append(sections, "archive")
	}
	return sections
}

func captureEqual(a, b CaptureConfig) bool {
	relayA, relayB := a.RelayEnabled == nil || *a.RelayEnabled, b.RelayEnabled == nil || *b.RelayEnabled
	a.RelayEnabled, b.RelayEnabled = nil, nil
	return a == b && relayA == relayB
}

func devicesEqual(a, b []DeviceConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Hardware != b[i].Hardware ||
			a[i].Channels != b[i].Channels || a[i].SampleRate != b[i].SampleRate ||
			a[i].IsEnabled() != b[i].IsEnabled() {
			return false
		}
	}
	return true
}
