package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeLevels(t *testing.T) {
	half := int32(1 << 30)
	block := SampleBlock{Samples: []int32{
		half, 0,
		-half, 0,
		half, math.MaxInt32,
		-half, 0,
	}}

	levels := ComputeLevels(block, 2)
	require.Len(t, levels.Channels, 2)

	assert.InDelta(t, -6.02, levels.Channels[0].RMS, 0.01)
	assert.InDelta(t, -6.02, levels.Channels[0].Peak, 0.01)
	assert.Zero(t, levels.Channels[0].Clip)

	assert.InDelta(t, 0, levels.Channels[1].Peak, 0.01)
	assert.Equal(t, 1, levels.Channels[1].Clip)
}

func TestComputeLevelsSilence(t *testing.T) {
	levels := ComputeLevels(SampleBlock{Samples: make([]int32, 8)}, 4)
	require.Len(t, levels.Channels, 4)
	for _, ch := range levels.Channels {
		assert.Equal(t, MinDB, ch.RMS)
		assert.Equal(t, MinDB, ch.Peak)
	}
}

func TestCalculateLevelsEmpty(t *testing.T) {
	data := NewLevelData(2)
	levels := CalculateLevels(data)
	assert.Equal(t, []ChannelLevel{{RMS: MinDB, Peak: MinDB}, {RMS: MinDB, Peak: MinDB}}, levels.Channels)

	ProcessSamples([]int32{1 << 20, 1 << 20, 5}, data)
	assert.Equal(t, 1, data.SampleCount, "partial trailing frame is ignored")
	data.Reset()
	assert.Zero(t, data.SampleCount)
	assert.Zero(t, data.Peak[0])
}
