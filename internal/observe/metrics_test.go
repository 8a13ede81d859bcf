package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumFor(t *testing.T, m *metricdata.Metrics, dev string) int64 {
	t.Helper()
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "unexpected data type %T", m.Data)
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key("device")); ok && v.AsString() == dev {
			total += dp.Value
		}
	}
	return total
}

func TestRecordBlockAndDrop(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBlock(ctx, "i2s", 1024)
	m.RecordBlock(ctx, "i2s", 1024)
	m.RecordBlock(ctx, "umc", 512)
	m.RecordDrop(ctx, "umc")

	rm := collect(t, reader)
	assert.Equal(t, int64(2), sumFor(t, findMetric(rm, "andros.capture.blocks"), "i2s"))
	assert.Equal(t, int64(2048), sumFor(t, findMetric(rm, "andros.capture.frames"), "i2s"))
	assert.Equal(t, int64(512), sumFor(t, findMetric(rm, "andros.capture.frames"), "umc"))
	assert.Equal(t, int64(1), sumFor(t, findMetric(rm, "andros.relay.dropped"), "umc"))
}

func TestRecordFaultsAndFiles(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFault(ctx, "umc", "hardware")
	m.RecordFault(ctx, "umc", "storage")
	m.RecordReopen(ctx, "umc")
	m.RecordRecovery(ctx, "i2s", "xrun")
	m.RecordFileFinalized(ctx, "i2s")
	m.RecordUpload(ctx, "i2s", "ok", 250*time.Millisecond)
	m.RecordPersist(ctx, "i2s", time.Millisecond)

	rm := collect(t, reader)
	assert.Equal(t, int64(2), sumFor(t, findMetric(rm, "andros.faults"), "umc"))
	assert.Equal(t, int64(1), sumFor(t, findMetric(rm, "andros.capture.reopens"), "umc"))
	assert.Equal(t, int64(1), sumFor(t, findMetric(rm, "andros.capture.recoveries"), "i2s"))
	assert.Equal(t, int64(1), sumFor(t, findMetric(rm, "andros.recording.files"), "i2s"))
	assert.Equal(t, int64(1), sumFor(t, findMetric(rm, "andros.archive.uploads"), "i2s"))

	hist := findMetric(rm, "andros.archive.upload.duration")
	require.NotNil(t, hist)
	h, ok := hist.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, h.DataPoints, 1)
	assert.Equal(t, uint64(1), h.DataPoints[0].Count)
}

func TestObserveDevices(t *testing.T) {
	m, reader := newTestMetrics(t)

	reg, err := m.ObserveDevices(func() []DeviceGauge {
		return []DeviceGauge{{Device: "i2s", Health: 0}, {Device: "umc", Health: 2, Pending: 3}}
	})
	require.NoError(t, err)
	defer reg.Unregister() //nolint:errcheck // test cleanup

	rm := collect(t, reader)
	health := findMetric(rm, "andros.device.health")
	require.NotNil(t, health)
	gauge, ok := health.Data.(metricdata.Gauge[int64])
	require.True(t, ok)

	got := map[string]int64{}
	for _, dp := range gauge.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("device"))
		got[v.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{"i2s": 0, "umc": 2}, got)
}

func TestInitProviderServesPrometheus(t *testing.T) {
	p, err := InitProvider(ProviderConfig{ServiceVersion: "test", Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	p.Metrics.RecordBlock(context.Background(), "umc", 1024)

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "andros_capture_blocks")
	// Resource attributes merged with the SDK defaults reach target_info.
	assert.Contains(t, string(body), `service_name="andros"`)
	assert.Contains(t, string(body), `service_version="test"`)
}
