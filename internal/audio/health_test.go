package audio

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCodes(t *testing.T) {
	assert.Equal(t, uint8(0), uint8(HealthOK))
	assert.Equal(t, uint8(1), uint8(HealthNoData))
	assert.Equal(t, uint8(2), uint8(HealthDisconnected))
	assert.Equal(t, uint8(3), uint8(HealthOtherError))
}

func TestHealthJSON(t *testing.T) {
	data, err := json.Marshal(map[string]Health{"umc": HealthDisconnected})
	require.NoError(t, err)
	assert.JSONEq(t, `{"umc":"disconnected"}`, string(data))

	var got map[string]Health
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, HealthDisconnected, got["umc"])

	text, err := HealthOtherError.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "other_error", string(text))

	var h Health
	assert.Error(t, h.UnmarshalText([]byte("broken")))
}

func TestHealthCell(t *testing.T) {
	var c HealthCell
	assert.Equal(t, HealthOK, c.Load())

	assert.Equal(t, HealthOK, c.Store(HealthNoData))
	assert.False(t, c.CompareAndSwap(HealthOK, HealthOtherError))
	assert.Equal(t, HealthNoData, c.Load())
	assert.True(t, c.CompareAndSwap(HealthNoData, HealthOK))
	assert.Equal(t, HealthOK, c.Load())
}

func TestPeakMeterTakeResets(t *testing.T) {
	p := NewPeakMeter()
	v, ok := p.TakeWithin(time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, PeakSentinel, v)

	p.Update(100)
	p.Update(42)
	p.Update(7000)
	assert.Equal(t, int32(7000), p.Peek())

	v, ok = p.TakeWithin(time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, int32(7000), v)
	assert.Equal(t, PeakSentinel, p.Peek())
}

func TestPeakMeterTakeTimesOut(t *testing.T) {
	p := NewPeakMeter()
	p.Update(5)

	p.mu.Lock()
	start := time.Now()
	_, ok := p.TakeWithin(20 * time.Millisecond)
	elapsed := time.Since(start)
	p.mu.Unlock()

	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	// A failed take leaves the peak in place.
	assert.Equal(t, int32(5), p.Peek())
}

func TestPeakMeterConcurrentUpdates(t *testing.T) {
	p := NewPeakMeter()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Go(func() {
			for v := range int32(1000) {
				p.Update(v + int32(i)*1000)
			}
		})
	}
	wg.Wait()
	v, ok := p.TakeWithin(time.Second)
	require.True(t, ok)
	assert.Equal(t, int32(7999), v)
}
