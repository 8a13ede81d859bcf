package capture

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/andros/internal/audio"
	"github.com/oszuidwest/andros/internal/audio/audiotest"
	"github.com/oszuidwest/andros/internal/eventlog"
	"github.com/oszuidwest/andros/internal/recording"
	"github.com/oszuidwest/andros/internal/relay"
)

const loud = int32(1 << 20)

func deviceCfg(name string) audio.DeviceConfig {
	return audio.DeviceConfig{
		Name:        name,
		Hardware:    "hw:CARD=" + name + ",DEV=0",
		Channels:    2,
		SampleRate:  48000,
		BlockFrames: 64,
	}
}

// transitions records health changes reported through Options.OnHealthChange.
type transitions struct {
	mu  sync.Mutex
	log map[string][][2]audio.Health
}

func (tr *transitions) record(device string, from, to audio.Health) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.log == nil {
		tr.log = make(map[string][][2]audio.Health)
	}
	tr.log[device] = append(tr.log[device], [2]audio.Health{from, to})
}

func (tr *transitions) of(device string) [][2]audio.Health {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([][2]audio.Health(nil), tr.log[device]...)
}

func testOptions(t *testing.T, driver audio.Driver) Options {
	t.Helper()
	dir := t.TempDir()
	events, err := eventlog.NewLogger(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })

	return Options{
		Driver:         driver,
		DataDir:        filepath.Join(dir, "data"),
		Rotation:       time.Hour,
		ReopenDelay:    10 * time.Millisecond,
		SilenceTimeout: time.Second,
		Events:         events,
	}
}

// start runs mgr in the background and stops it when the test ends.
func start(t *testing.T, mgr *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("manager did not stop")
		}
	})
}

func TestNewManagerRejectsInvalidInput(t *testing.T) {
	driver := &audiotest.Driver{}

	_, err := NewManager(nil, testOptions(t, driver))
	require.ErrorIs(t, err, ErrNoDevices)

	_, err = NewManager([]audio.DeviceConfig{deviceCfg("i2s"), deviceCfg("i2s")}, testOptions(t, driver))
	require.ErrorContains(t, err, "duplicate")

	bad := deviceCfg("umc")
	bad.Channels = 0
	_, err = NewManager([]audio.DeviceConfig{deviceCfg("i2s"), bad}, testOptions(t, driver))
	require.ErrorIs(t, err, audio.ErrInvalidConfig)
}

func TestFaultReopensOnlyTheFailedDevice(t *testing.T) {
	driver := &audiotest.Driver{
		NewPCM: func(cfg audio.DeviceConfig, _ audio.ReadStrategy, attempt int) (audio.PCM, error) {
			if cfg.Name == "umc" && attempt == 0 {
				return audiotest.NewPCM(cfg, func(call int) audiotest.Step {
					if call == 2 {
						return audiotest.Step{Err: audiotest.ErrInjected}
					}
					return audiotest.Step{Samples: audiotest.Block(cfg, loud)}
				}), nil
			}
			return audiotest.NewPCM(cfg, audiotest.Constant(cfg, loud)), nil
		},
	}

	var tr transitions
	opts := testOptions(t, driver)
	opts.OnHealthChange = tr.record
	mgr, err := NewManager([]audio.DeviceConfig{deviceCfg("i2s"), deviceCfg("umc")}, opts)
	require.NoError(t, err)
	start(t, mgr)

	require.Eventually(t, func() bool {
		return driver.Opens("umc") >= 2 && len(tr.of("umc")) == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, [][2]audio.Health{
		{audio.HealthOK, audio.HealthDisconnected},
		{audio.HealthDisconnected, audio.HealthOK},
	}, tr.of("umc"))
	assert.Equal(t, audio.HealthOK, mgr.Device("umc").Health())

	umc := mgr.Device("umc").Status()
	assert.Equal(t, uint64(1), umc.Reopens)
	assert.NotEmpty(t, umc.SessionID)

	assert.Equal(t, 1, driver.Opens("i2s"))
	assert.Empty(t, tr.of("i2s"))
	assert.Equal(t, uint64(0), mgr.Device("i2s").Status().Reopens)

	events, _, err := eventlog.ReadLast(opts.Events.Path(), 100, 0, eventlog.FilterSession)
	require.NoError(t, err)
	var faults int
	for _, e := range events {
		if e.Type == eventlog.SessionFault {
			faults++
			assert.Equal(t, "umc", e.Device)
		}
	}
	assert.Equal(t, 1, faults)
}

func TestOpenFailureReportsDisconnected(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	driver := &audiotest.Driver{
		NewPCM: func(cfg audio.DeviceConfig, _ audio.ReadStrategy, _ int) (audio.PCM, error) {
			if fail.Load() {
				return nil, audiotest.ErrInjected
			}
			return audiotest.NewPCM(cfg, audiotest.Constant(cfg, loud)), nil
		},
	}

	mgr, err := NewManager([]audio.DeviceConfig{deviceCfg("umc")}, testOptions(t, driver))
	require.NoError(t, err)
	start(t, mgr)

	require.Eventually(t, func() bool {
		return mgr.Device("umc").Health() == audio.HealthDisconnected
	}, 2*time.Second, 5*time.Millisecond)
	require.Error(t, mgr.Ready())
	assert.Contains(t, mgr.Device("umc").Status().LastError, "injected")

	fail.Store(false)
	require.Eventually(t, func() bool {
		return mgr.Ready() == nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, mgr.Device("umc").Status().LastError)
}

func TestSilenceReportsNoData(t *testing.T) {
	var signal atomic.Bool
	driver := &audiotest.Driver{
		NewPCM: func(cfg audio.DeviceConfig, _ audio.ReadStrategy, _ int) (audio.PCM, error) {
			silent, on := audiotest.Block(cfg, 0), audiotest.Block(cfg, loud)
			return audiotest.NewPCM(cfg, func(int) audiotest.Step {
				if signal.Load() {
					return audiotest.Step{Samples: on}
				}
				return audiotest.Step{Samples: silent}
			}), nil
		},
	}

	var tr transitions
	opts := testOptions(t, driver)
	opts.SilenceTimeout = 30 * time.Millisecond
	opts.OnHealthChange = tr.record
	mgr, err := NewManager([]audio.DeviceConfig{deviceCfg("i2s")}, opts)
	require.NoError(t, err)
	start(t, mgr)

	dev := mgr.Device("i2s")
	require.Eventually(t, func() bool {
		return dev.Health() == audio.HealthNoData
	}, 2*time.Second, 5*time.Millisecond)
	assert.ErrorContains(t, mgr.Ready(), "i2s")

	// Silent blocks carry no peak.
	peak, ok := dev.TakePeak(time.Second)
	require.True(t, ok)
	assert.Equal(t, audio.PeakSentinel, peak)

	signal.Store(true)
	require.Eventually(t, func() bool {
		return dev.Health() == audio.HealthOK
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, [][2]audio.Health{
		{audio.HealthOK, audio.HealthNoData},
		{audio.HealthNoData, audio.HealthOK},
	}, tr.of("i2s"))
	// The session stays open through silence.
	assert.Equal(t, 1, driver.Opens("i2s"))
}

func TestTelemetryTakesPeak(t *testing.T) {
	driver := &audiotest.Driver{
		NewPCM: func(cfg audio.DeviceConfig, _ audio.ReadStrategy, _ int) (audio.PCM, error) {
			return audiotest.NewPCM(cfg, audiotest.Constant(cfg, -loud)), nil
		},
	}
	mgr, err := NewManager([]audio.DeviceConfig{deviceCfg("i2s"), deviceCfg("umc")}, testOptions(t, driver))
	require.NoError(t, err)
	start(t, mgr)

	require.Eventually(t, func() bool {
		for _, tm := range mgr.Telemetry(10 * time.Millisecond) {
			if !tm.PeakOK || tm.Peak != loud {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	tm := mgr.Telemetry(10 * time.Millisecond)
	require.Len(t, tm, 2)
	assert.Equal(t, "i2s", tm[0].Name)
	assert.Equal(t, "umc", tm[1].Name)
	for _, d := range tm {
		assert.Equal(t, audio.HealthOK, d.Health)
		assert.Equal(t, uint8(0), d.HealthCode)
	}
}

func TestRecordingRotates(t *testing.T) {
	for _, relayed := range []bool{false, true} {
		name := "direct"
		if relayed {
			name = "relay"
		}
		t.Run(name, func(t *testing.T) {
			driver := &audiotest.Driver{
				NewPCM: func(cfg audio.DeviceConfig, _ audio.ReadStrategy, _ int) (audio.PCM, error) {
					return audiotest.NewPCM(cfg, audiotest.Constant(cfg, loud)), nil
				},
			}

			var (
				mu    sync.Mutex
				files []recording.FinalizedFile
			)
			opts := testOptions(t, driver)
			opts.Rotation = 40 * time.Millisecond
			opts.RelayEnabled = relayed
			opts.RelayCapacity = 16
			opts.RelayPolicy = relay.DropOldest
			opts.OnFinalized = func(f recording.FinalizedFile) {
				mu.Lock()
				defer mu.Unlock()
				files = append(files, f)
			}

			mgr, err := NewManager([]audio.DeviceConfig{deviceCfg("i2s")}, opts)
			require.NoError(t, err)
			start(t, mgr)

			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(files) >= 2
			}, 3*time.Second, 10*time.Millisecond)

			mu.Lock()
			f := files[0]
			mu.Unlock()
			assert.Equal(t, "i2s", f.Device)
			assert.Equal(t, filepath.Join(opts.DataDir, "i2s"), filepath.Dir(f.Audio))
			assert.Positive(t, f.Frames)

			data, err := os.ReadFile(f.Audio)
			require.NoError(t, err)
			require.Greater(t, len(data), 44)
			assert.Equal(t, "RIFF", string(data[:4]))
			assert.Equal(t, "WAVE", string(data[8:12]))
			assert.FileExists(t, f.Clock)

			st := mgr.Device("i2s").Status()
			assert.GreaterOrEqual(t, st.Recording.FilesFinalized, uint64(2))
			if relayed {
				require.NotNil(t, st.Relay)
			} else {
				assert.Nil(t, st.Relay)
			}
		})
	}
}

func TestCleanupTargets(t *testing.T) {
	driver := &audiotest.Driver{}
	opts := testOptions(t, driver)
	mgr, err := NewManager([]audio.DeviceConfig{deviceCfg("i2s"), deviceCfg("umc")}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.closeWriters() })

	targets := mgr.CleanupTargets()
	require.Len(t, targets, 2)
	assert.Equal(t, "umc", targets[1].Device)
	assert.Contains(t, targets[1].Dirs, filepath.Join(opts.DataDir, "umc"))

	current := mgr.Device("umc").Writer().CurrentFile()
	require.NotEmpty(t, current)
	assert.True(t, targets[1].IsCurrent(current))
	assert.Nil(t, mgr.Device("missing"))
}

func TestLevelsFallBackToCacheWhenLocked(t *testing.T) {
	mgr, err := NewManager([]audio.DeviceConfig{deviceCfg("i2s")}, testOptions(t, &audiotest.Driver{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.closeWriters() })
	dev := mgr.Device("i2s")

	dev.mu.Lock()
	assert.Empty(t, dev.Levels().Channels)
	cached := audio.Levels{Channels: []audio.ChannelLevel{{}, {}}}
	dev.lastKnownLevels.Store(&cached)
	assert.Len(t, dev.Levels().Channels, 2)
	dev.mu.Unlock()
}

func TestLevelsConcurrentWithCapture(t *testing.T) {
	driver := &audiotest.Driver{
		NewPCM: func(cfg audio.DeviceConfig, _ audio.ReadStrategy, _ int) (audio.PCM, error) {
			return audiotest.NewPCM(cfg, audiotest.Constant(cfg, loud)), nil
		},
	}
	mgr, err := NewManager([]audio.DeviceConfig{deviceCfg("umc")}, testOptions(t, driver))
	require.NoError(t, err)
	start(t, mgr)

	var (
		wg   sync.WaitGroup
		seen atomic.Bool
	)
	deadline := time.Now().Add(300 * time.Millisecond)
	for range 4 {
		wg.Go(func() {
			for time.Now().Before(deadline) {
				if len(mgr.Levels()["umc"].Channels) == 2 {
					seen.Store(true)
				}
				_ = mgr.Status()
			}
		})
	}
	wg.Wait()
	assert.True(t, seen.Load())
}
