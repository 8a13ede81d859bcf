// Package observe provides OpenTelemetry metrics for the capture node.
//
// Instruments are created from a [metric.MeterProvider]. [InitProvider]
// installs a provider backed by the Prometheus exporter so the metrics can be
// scraped on /metrics. Tests should use [NewMetrics] with their own provider.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/oszuidwest/andros"

// Metrics holds the metric instruments. All fields are safe for concurrent use.
type Metrics struct {
	meter metric.Meter

	// BlocksCaptured counts complete sample blocks read from hardware.
	BlocksCaptured metric.Int64Counter
	// FramesCaptured counts frames read from hardware.
	FramesCaptured metric.Int64Counter
	// BlocksDropped counts blocks discarded by a full relay.
	BlocksDropped metric.Int64Counter
	// Recoveries counts in-session overrun and suspend recoveries. Attribute "kind".
	Recoveries metric.Int64Counter
	// Faults counts faults by "kind" ("hardware" or "storage").
	Faults metric.Int64Counter
	// Reopens counts session reopen attempts.
	Reopens metric.Int64Counter
	// FilesFinalized counts recordings whose header was patched and closed.
	FilesFinalized metric.Int64Counter
	// Uploads counts archive uploads by "status".
	Uploads metric.Int64Counter

	// PersistDuration tracks the time to write one block to storage.
	PersistDuration metric.Float64Histogram
	// UploadDuration tracks archive upload latency.
	UploadDuration metric.Float64Histogram
}

// persistBuckets are histogram bounds in seconds for block writes.
var persistBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
}

// uploadBuckets are histogram bounds in seconds for uploads.
var uploadBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300,
}

// NewMetrics creates the instruments using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.BlocksCaptured, "andros.capture.blocks", "Sample blocks read from hardware by device."},
		{&met.FramesCaptured, "andros.capture.frames", "Frames read from hardware by device."},
		{&met.BlocksDropped, "andros.relay.dropped", "Blocks dropped by a full relay by device."},
		{&met.Recoveries, "andros.capture.recoveries", "In-session recoveries by device and kind."},
		{&met.Faults, "andros.faults", "Faults by device and kind."},
		{&met.Reopens, "andros.capture.reopens", "Capture session reopen attempts by device."},
		{&met.FilesFinalized, "andros.recording.files", "Recordings finalized by device."},
		{&met.Uploads, "andros.archive.uploads", "Archive uploads by device and status."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.PersistDuration, err = m.Float64Histogram("andros.recording.persist.duration",
		metric.WithDescription("Latency of writing one block to storage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(persistBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UploadDuration, err = m.Float64Histogram("andros.archive.upload.duration",
		metric.WithDescription("Latency of archive uploads."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(uploadBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider].
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// DeviceGauge is one device's exported point-in-time values.
type DeviceGauge struct {
	Device string
	Health int64
	// Pending is the number of blocks waiting in the relay.
	Pending int64
}

// ObserveDevices registers gauges for device health and relay depth. fn is
// called on each collection.
func (m *Metrics) ObserveDevices(fn func() []DeviceGauge) (metric.Registration, error) {
	health, err := m.meter.Int64ObservableGauge("andros.device.health",
		metric.WithDescription("Device health code: 0 ok, 1 no data, 2 disconnected, 3 other error."),
	)
	if err != nil {
		return nil, err
	}
	pending, err := m.meter.Int64ObservableGauge("andros.relay.pending",
		metric.WithDescription("Blocks waiting in the relay by device."),
	)
	if err != nil {
		return nil, err
	}
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, g := range fn() {
			attrs := metric.WithAttributes(attribute.String("device", g.Device))
			o.ObserveInt64(health, g.Health, attrs)
			o.ObserveInt64(pending, g.Pending, attrs)
		}
		return nil
	}, health, pending)
}

func device(name string) metric.AddOption {
	return metric.WithAttributes(attribute.String("device", name))
}

// RecordBlock records one captured block of frames.
func (m *Metrics) RecordBlock(ctx context.Context, dev string, frames int) {
	m.BlocksCaptured.Add(ctx, 1, device(dev))
	m.FramesCaptured.Add(ctx, int64(frames), device(dev))
}

// RecordDrop records one block dropped by the relay.
func (m *Metrics) RecordDrop(ctx context.Context, dev string) {
	m.BlocksDropped.Add(ctx, 1, device(dev))
}

// RecordRecovery records an in-session recovery of the given kind.
func (m *Metrics) RecordRecovery(ctx context.Context, dev, kind string) {
	m.Recoveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("device", dev),
		attribute.String("kind", kind),
	))
}

// RecordFault records a fault of the given kind.
func (m *Metrics) RecordFault(ctx context.Context, dev, kind string) {
	m.Faults.Add(ctx, 1, metric.WithAttributes(
		attribute.String("device", dev),
		attribute.String("kind", kind),
	))
}

// RecordReopen records a session reopen attempt.
func (m *Metrics) RecordReopen(ctx context.Context, dev string) {
	m.Reopens.Add(ctx, 1, device(dev))
}

// RecordPersist records the latency of one block write.
func (m *Metrics) RecordPersist(ctx context.Context, dev string, d time.Duration) {
	m.PersistDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("device", dev)))
}

// RecordFileFinalized records a finalized recording.
func (m *Metrics) RecordFileFinalized(ctx context.Context, dev string) {
	m.FilesFinalized.Add(ctx, 1, device(dev))
}

// RecordUpload records an upload attempt and its latency.
func (m *Metrics) RecordUpload(ctx context.Context, dev, status string, d time.Duration) {
	attrs := []attribute.KeyValue{attribute.String("device", dev), attribute.String("status", status)}
	m.Uploads.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.UploadDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}
