package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oszuidwest/andros/internal/audio"
	"github.com/oszuidwest/andros/internal/observe"
	"github.com/oszuidwest/andros/internal/recording"
)

// ErrNoDevices is returned when no capture device is configured.
var ErrNoDevices = errors.New("no capture devices configured")

// DeviceTelemetry is the external health and peak reading of one device.
type DeviceTelemetry struct {
	Name       string       `json:"name"`
	Health     audio.Health `json:"health"`
	HealthCode uint8        `json:"health_code"`
	// Peak is the largest magnitude since the previous reading, or
	// audio.PeakSentinel when no signal was seen.
	Peak int32 `json:"peak"`
	// PeakOK is false when the peak lock could not be taken in time.
	PeakOK bool `json:"peak_ok"`
}

// Manager runs all device pipelines.
type Manager struct {
	opts    Options
	devices []*Device
}

// NewManager creates a pipeline per device. Device names must be unique.
func NewManager(devices []audio.DeviceConfig, opts Options) (*Manager, error) {
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}
	opts.applyDefaults()

	m := &Manager{opts: opts}
	seen := make(map[string]bool, len(devices))
	for _, cfg := range devices {
		if seen[cfg.Name] {
			return nil, fmt.Errorf("duplicate device name %q", cfg.Name)
		}
		seen[cfg.Name] = true

		d, err := NewDevice(cfg, &m.opts)
		if err != nil {
			return nil, errors.Join(err, m.closeWriters())
		}
		m.devices = append(m.devices, d)
	}
	return m, nil
}

func (m *Manager) closeWriters() error {
	var errs []error
	for _, d := range m.devices {
		errs = append(errs, d.writer.Close())
	}
	return errors.Join(errs...)
}

// Run starts every device and blocks until ctx is done and all pipelines
// have stopped.
func (m *Manager) Run(ctx context.Context) error {
	reg, err := m.opts.Metrics.ObserveDevices(m.gauges)
	if err != nil {
		slog.Warn("failed to register device gauges", "error", err)
	}
	defer func() {
		if reg != nil {
			_ = reg.Unregister()
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	for _, d := range m.devices {
		g.Go(func() error {
			slog.Info("capture pipeline started", "device", d.Name(), "relay", d.relay != nil)
			err := d.Run(ctx)
			slog.Info("capture pipeline stopped", "device", d.Name())
			return err
		})
	}
	return g.Wait()
}

func (m *Manager) gauges() []observe.DeviceGauge {
	out := make([]observe.DeviceGauge, 0, len(m.devices))
	for _, d := range m.devices {
		g := observe.DeviceGauge{Device: d.Name(), Health: int64(d.Health())}
		if d.relay != nil {
			g.Pending = int64(d.relay.Stats().Pending)
		}
		out = append(out, g)
	}
	return out
}

// Devices returns the device pipelines in configuration order.
func (m *Manager) Devices() []*Device {
	return m.devices
}

// Device returns the named pipeline, or nil.
func (m *Manager) Device(name string) *Device {
	for _, d := range m.devices {
		if d.Name() == name {
			return d
		}
	}
	return nil
}

// Telemetry reads each device's health and takes its peak, waiting at most
// wait per device for the peak lock.
func (m *Manager) Telemetry(wait time.Duration) []DeviceTelemetry {
	out := make([]DeviceTelemetry, 0, len(m.devices))
	for _, d := range m.devices {
		h := d.Health()
		peak, ok := d.TakePeak(wait)
		if !ok {
			slog.Debug("peak lock busy", "device", d.Name())
		}
		out = append(out, DeviceTelemetry{
			Name:       d.Name(),
			Health:     h,
			HealthCode: uint8(h),
			Peak:       peak,
			PeakOK:     ok,
		})
	}
	return out
}

// Status returns a snapshot of every device.
func (m *Manager) Status() []DeviceStatus {
	out := make([]DeviceStatus, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d.Status())
	}
	return out
}

// Levels returns the latest levels keyed by device name.
func (m *Manager) Levels() map[string]audio.Levels {
	out := make(map[string]audio.Levels, len(m.devices))
	for _, d := range m.devices {
		out[d.Name()] = d.Levels()
	}
	return out
}

// Ready returns an error naming the first device whose health is not OK.
func (m *Manager) Ready() error {
	for _, d := range m.devices {
		if h := d.Health(); h != audio.HealthOK {
			return fmt.Errorf("device %s: %s", d.Name(), h)
		}
	}
	return nil
}

// CleanupTargets returns the recording directories of every device for retention cleanup.
func (m *Manager) CleanupTargets() []recording.CleanupTarget {
	out := make([]recording.CleanupTarget, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, recording.CleanupTarget{
			Device:    d.Name(),
			Dirs:      d.writer.Dirs(),
			IsCurrent: d.writer.IsCurrentFile,
		})
	}
	return out
}
