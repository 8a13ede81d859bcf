package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/andros/internal/relay"
	"github.com/oszuidwest/andros/internal/types"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")
	cfg := New(path)
	require.NoError(t, cfg.Load())
	assert.FileExists(t, path)

	snap := cfg.Snapshot()
	assert.Equal(t, DefaultWebPort, snap.System.Port)
	assert.True(t, snap.RelayEnabled())
	assert.Equal(t, relay.DropNew, snap.RelayPolicy())
	assert.Equal(t, 10*time.Second, snap.Rotation())
	assert.Equal(t, time.Second, snap.ReopenDelay())

	devices := snap.CaptureDevices()
	require.Len(t, devices, 2)
	assert.Equal(t, "i2s", devices[0].Name)
	assert.Equal(t, "hw:CARD=ANDROSi2s,DEV=1", devices[0].Hardware)
	assert.Equal(t, 4, devices[0].Channels)
	assert.Equal(t, 192000, devices[0].SampleRate)
	assert.Equal(t, "umc", devices[1].Name)
	assert.Equal(t, 2, devices[1].Channels)
	assert.Equal(t, DefaultBlockFrames, devices[1].BlockFrames)

	// The written default loads back cleanly.
	again := New(path)
	require.NoError(t, again.Load())
	assert.Equal(t, snap.Devices, again.Snapshot().Devices)
}

func TestLoadAppliesFileValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, `{
		"system": {"port": 9090, "data_dir": "`+dir+`"},
		"capture": {"rotation_seconds": 30, "relay_enabled": false, "relay_policy": "drop_oldest", "max_reopen_delay_ms": 8000},
		"devices": [
			{"name": "umc", "hardware": "hw:1,0", "channels": 2, "sample_rate": 48000},
			{"name": "spare", "hardware": "hw:2,0", "channels": 1, "sample_rate": 44100, "enabled": false}
		],
		"archive": {"retention_days": 7, "delete_after_upload_minutes": 15},
		"notifications": {"webhook_url": "https://hooks.example.com/andros"}
	}`)

	cfg := New(path)
	require.NoError(t, cfg.Load())
	snap := cfg.Snapshot()

	assert.Equal(t, 9090, snap.System.Port)
	assert.Equal(t, filepath.Join(dir, DefaultEventLogName), snap.EventLogPath())
	assert.False(t, snap.RelayEnabled())
	assert.Equal(t, relay.DropOldest, snap.RelayPolicy())
	assert.Equal(t, 30*time.Second, snap.Rotation())
	assert.Equal(t, 8*time.Second, snap.MaxReopenDelay())
	assert.Equal(t, 7*24*time.Hour, snap.Retention())
	assert.Equal(t, 15*time.Minute, snap.DeleteAfterUpload())
	assert.True(t, snap.HasWebhook())
	assert.Equal(t, "https://hooks.example.com/andros", cfg.WebhookURL())

	devices := snap.CaptureDevices()
	require.Len(t, devices, 1)
	assert.Equal(t, "umc", devices[0].Name)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"bad port", `{"system": {"port": 70000}}`, "system.port"},
		{"bad policy", `{"capture": {"relay_policy": "block"}}`, "capture.relay_policy"},
		{"no devices", `{"devices": []}`, "devices"},
		{"duplicate devices", `{"devices": [
			{"name": "umc", "hardware": "hw:1,0", "channels": 2, "sample_rate": 48000},
			{"name": "umc", "hardware": "hw:2,0", "channels": 2, "sample_rate": 48000}]}`, "devices"},
		{"missing hardware", `{"devices": [{"name": "umc", "channels": 2, "sample_rate": 48000}]}`, "devices[0].hardware"},
		{"bad webhook", `{"notifications": {"webhook_url": "not a url"}}`, "notifications.webhook_url"},
		{"backoff below delay", `{"capture": {"reopen_delay_ms": 2000, "max_reopen_delay_ms": 500}}`, "capture.max_reopen_delay_ms"},
		{"rotation overflows wav", `{"capture": {"rotation_seconds": 3600}}`, "capture.rotation_seconds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			writeConfig(t, path, tt.body)

			err := New(path).Load()
			require.Error(t, err)

			var verr *types.ValidationError
			require.ErrorAs(t, err, &verr)
			fields := make([]string, 0, len(verr.Errors))
			for _, fe := range verr.Errors {
				fields = append(fields, fe.Field)
			}
			assert.Contains(t, fields, tt.field)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestLoadDevicesDoNotInheritDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, `{"devices": [
		{"name": "umc", "hardware": "hw:CARD=U192k,DEV=0", "channels": 2, "sample_rate": 48000},
		{"name": "i2s", "hardware": "hw:CARD=ANDROSi2s,DEV=1", "channels": 4, "sample_rate": 192000}
	]}`)

	cfg := New(path)
	require.NoError(t, cfg.Load())

	snap := cfg.Snapshot()
	devices := snap.CaptureDevices()
	require.Len(t, devices, 2)
	assert.Equal(t, "umc", devices[0].Name)
	assert.Equal(t, "hw:CARD=U192k,DEV=0", devices[0].Hardware)
	assert.Equal(t, 2, devices[0].Channels)
	assert.Equal(t, 48000, devices[0].SampleRate)
	assert.Equal(t, "i2s", devices[1].Name)
	assert.Equal(t, "hw:CARD=ANDROSi2s,DEV=1", devices[1].Hardware)
	assert.Equal(t, 4, devices[1].Channels)
}

func TestRotationLimitFollowsDeviceRate(t *testing.T) {
	// One 4 ch 192 kHz file holds just over 1398 s of 32-bit audio.
	ok, err := Parse("config.json", []byte(`{"capture": {"rotation_seconds": 1398}}`))
	require.NoError(t, err)
	okSnap := ok.Snapshot()
	assert.Equal(t, 1398*time.Second, okSnap.Rotation())

	_, err = Parse("config.json", []byte(`{"capture": {"rotation_seconds": 1399}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device i2s")

	// The limit only applies to devices that are captured.
	_, err = Parse("config.json", []byte(`{"capture": {"rotation_seconds": 3600}, "devices": [
		{"name": "i2s", "hardware": "hw:CARD=ANDROSi2s,DEV=1", "channels": 4, "sample_rate": 192000, "enabled": false},
		{"name": "umc", "hardware": "hw:CARD=U192k,DEV=0", "channels": 2, "sample_rate": 48000}
	]}`))
	require.NoError(t, err)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, `{"system": `)
	err := New(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestSnapshotIsIndependent(t *testing.T) {
	cfg := New(filepath.Join(t.TempDir(), "config.json"))
	snap := cfg.Snapshot()
	snap.Devices[0].Name = "changed"
	*snap.Capture.RelayEnabled = false

	again := cfg.Snapshot()
	assert.Equal(t, "i2s", again.Devices[0].Name)
	assert.True(t, again.RelayEnabled())
}

func TestRestartRequired(t *testing.T) {
	a, err := Parse("a.json", []byte(`{"notifications": {"webhook_url": "https://a.example.com"}}`))
	require.NoError(t, err)
	b, err := Parse("b.json", []byte(`{"notifications": {"webhook_url": "https://b.example.com"}}`))
	require.NoError(t, err)
	assert.Empty(t, RestartRequired(a, b))

	c, err := Parse("c.json", []byte(`{"capture": {"rotation_seconds": 60}, "archive": {"bucket": "x"}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"capture", "archive"}, RestartRequired(a, c))
}

func TestWatcherReportsValidChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := New(path)
	require.NoError(t, cfg.Load())

	var mu sync.Mutex
	var changes [][2]*Config
	w := NewWatcher(cfg, func(old, new *Config) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, [2]*Config{old, new})
	})

	// Rewriting identical content is not a change.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	writeConfig(t, path, string(data))
	w.check()
	assert.Empty(t, changes)

	// An invalid file keeps the current config.
	writeConfig(t, path, `{"capture": {"relay_policy": "block"}}`)
	w.check()
	assert.Empty(t, changes)
	assert.Same(t, cfg, w.Current())

	writeConfig(t, path, `{"notifications": {"webhook_url": "https://hooks.example.com"}}`)
	w.check()
	require.Len(t, changes, 1)
	assert.Same(t, cfg, changes[0][0])
	assert.Equal(t, "https://hooks.example.com", changes[0][1].WebhookURL())
	assert.Same(t, changes[0][1], w.Current())
}

func TestWatcherRunPicksUpWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := New(path)
	require.NoError(t, cfg.Load())

	changed := make(chan *Config, 1)
	w := NewWatcher(cfg, func(_, new *Config) { changed <- new })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, path, `{"notifications": {"webhook_url": "https://hooks.example.com"}}`)

	select {
	case c := <-changed:
		assert.Equal(t, "https://hooks.example.com", c.WebhookURL())
	case <-time.After(watchPollInterval + 2*time.Second):
		t.Fatal("config change not reported")
	}

	cancel()
	require.NoError(t, <-done)
}
