// Package audio provides hardware capture sessions, liveness tracking and level metering.
package audio

import "math"

const (
	// MinDB is the minimum dB level (silence).
	MinDB = -120.0
	// MaxSampleValue is the maximum absolute value for 32-bit signed audio.
	MaxSampleValue = 2147483648.0
	// ClipThreshold is slightly below max to catch near-clips.
	ClipThreshold int32 = math.MaxInt32 - 1<<16
)

// LevelData holds raw per-channel accumulators for level calculation.
type LevelData struct {
	SumSquares  []float64
	Peak        []float64
	ClipCount   []int
	SampleCount int
}

// NewLevelData allocates accumulators for the given channel count.
func NewLevelData(channels int) *LevelData {
	return &LevelData{
		SumSquares: make([]float64, channels),
		Peak:       make([]float64, channels),
		ClipCount:  make([]int, channels),
	}
}

// ProcessSamples accumulates level data from interleaved samples.
// Trailing samples that do not form a whole frame are ignored.
func ProcessSamples(samples []int32, data *LevelData) {
	channels := len(data.SumSquares)
	if channels == 0 {
		return
	}
	for i := 0; i+channels <= len(samples); i += channels {
		for ch := range channels {
			s := samples[i+ch]
			v := float64(s)
			data.SumSquares[ch] += v * v
			if a := math.Abs(v); a > data.Peak[ch] {
				data.Peak[ch] = a
			}
			if s >= ClipThreshold || s <= -ClipThreshold {
				data.ClipCount[ch]++
			}
		}
		data.SampleCount++
	}
}

// CalculateLevels computes RMS and peak levels from accumulated sample data.
func CalculateLevels(data *LevelData) Levels {
	out := Levels{Channels: make([]ChannelLevel, len(data.SumSquares))}
	for ch := range out.Channels {
		if data.SampleCount == 0 {
			out.Channels[ch] = ChannelLevel{RMS: MinDB, Peak: MinDB}
			continue
		}
		rms := math.Sqrt(data.SumSquares[ch] / float64(data.SampleCount))
		out.Channels[ch] = ChannelLevel{
			RMS:  toDB(rms),
			Peak: toDB(data.Peak[ch]),
			Clip: data.ClipCount[ch],
		}
	}
	return out
}

// ComputeLevels measures one block of interleaved samples.
func ComputeLevels(block SampleBlock, channels int) Levels {
	data := NewLevelData(channels)
	ProcessSamples(block.Samples, data)
	return CalculateLevels(data)
}

func toDB(v float64) float64 {
	if v <= 0 {
		return MinDB
	}
	return max(20*math.Log10(v/MaxSampleValue), MinDB)
}

// Reset resets accumulators for the next measurement period.
func (d *LevelData) Reset() {
	d.SampleCount = 0
	clear(d.SumSquares)
	clear(d.Peak)
	clear(d.ClipCount)
}
