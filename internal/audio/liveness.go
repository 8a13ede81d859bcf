package audio

import (
	"math"
	"math/bits"
	"time"
)

const (
	// NearZeroBits is how many bits from either end of a sample must be zero
	// for it to count as line noise rather than signal.
	NearZeroBits = 28

	// DefaultSilenceTimeout is how long a device may go without signal before it reports NoData.
	DefaultSilenceTimeout = 2 * time.Second
)

// IsNearZero reports whether a sample's bit pattern is in the near-zero band.
func IsNearZero(s int32) bool {
	u := uint32(s)
	return bits.LeadingZeros32(u) >= NearZeroBits || bits.TrailingZeros32(u) >= NearZeroBits
}

// Observation is the liveness result for one block.
type Observation struct {
	NearZero int
	Signal   bool
	// Peak is the largest magnitude among signal samples, PeakSentinel if none.
	Peak   int32
	Health Health
}

// LivenessTracker derives a device's signal health from the blocks it captures.
// It is owned by the capture goroutine and is not safe for concurrent use.
type LivenessTracker struct {
	timeout    time.Duration
	lastSignal time.Time
}

// NewLivenessTracker creates a tracker that treats start as the last signal instant.
func NewLivenessTracker(timeout time.Duration, start time.Time) *LivenessTracker {
	if timeout <= 0 {
		timeout = DefaultSilenceTimeout
	}
	return &LivenessTracker{timeout: timeout, lastSignal: start}
}

// Observe inspects one block at instant now.
func (t *LivenessTracker) Observe(block SampleBlock, now time.Time) Observation {
	obs := Observation{Peak: PeakSentinel}
	for _, s := range block.Samples {
		if IsNearZero(s) {
			obs.NearZero++
			continue
		}
		if a := abs32(s); a > obs.Peak {
			obs.Peak = a
		}
	}

	if obs.NearZero < len(block.Samples) {
		obs.Signal = true
		t.lastSignal = now
	}
	obs.Health = t.health(now)
	return obs
}

// Expired reports whether the silence timeout has passed at now.
func (t *LivenessTracker) Expired(now time.Time) bool {
	return now.Sub(t.lastSignal) > t.timeout
}

// LastSignal returns the instant of the last genuine signal.
func (t *LivenessTracker) LastSignal() time.Time {
	return t.lastSignal
}

// Reset treats now as the last signal instant, as after a reopen.
func (t *LivenessTracker) Reset(now time.Time) {
	t.lastSignal = now
}

func (t *LivenessTracker) health(now time.Time) Health {
	if t.Expired(now) {
		return HealthNoData
	}
	return HealthOK
}

func abs32(s int32) int32 {
	if s == math.MinInt32 {
		return math.MaxInt32
	}
	if s < 0 {
		return -s
	}
	return s
}
