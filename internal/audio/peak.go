package audio

import (
	"math"
	"sync"
	"time"
)

// PeakSentinel marks a peak that has not been updated since the last take.
const PeakSentinel int32 = math.MinInt32

// PeakMeter holds the largest sample magnitude seen since it was last taken.
// It is safe for concurrent use.
type PeakMeter struct {
	mu   sync.Mutex
	peak int32
}

// NewPeakMeter creates a peak meter reset to PeakSentinel.
func NewPeakMeter() *PeakMeter {
	return &PeakMeter{peak: PeakSentinel}
}

// Update folds v into the held peak. The held value only grows until taken.
func (p *PeakMeter) Update(v int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v > p.peak {
		p.peak = v
	}
}

// TakeWithin returns the held peak and resets it to PeakSentinel. It waits at most
// d for the lock and reports false if the lock could not be acquired in time.
func (p *PeakMeter) TakeWithin(d time.Duration) (int32, bool) {
	deadline := time.Now().Add(d)
	for !p.mu.TryLock() {
		if !time.Now().Before(deadline) {
			return 0, false
		}
		time.Sleep(50 * time.Microsecond)
	}
	defer p.mu.Unlock()
	v := p.peak
	p.peak = PeakSentinel
	return v, true
}

// Peek returns the held peak without resetting it.
func (p *PeakMeter) Peek() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

// Reset clears the held peak to PeakSentinel.
func (p *PeakMeter) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peak = PeakSentinel
}
