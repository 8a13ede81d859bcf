package recording

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/andros/internal/audio"
)

const (
	testRate     = 48000
	testChannels = 2
	testFrames   = 1024
	testPattern  = int32(0x01020304)
)

func blockAt(t0 time.Time, k int) audio.SampleBlock {
	samples := make([]int32, testFrames*testChannels)
	if k%2 == 1 {
		for i := range samples {
			samples[i] = testPattern
		}
	}
	offset := time.Duration(int64(k) * testFrames * int64(time.Second) / testRate)
	return audio.SampleBlock{Samples: samples, Timestamp: t0.Add(offset)}
}

func newTestWriter(t *testing.T, t0 time.Time, rotation time.Duration, finalized *[]FinalizedFile) (*Writer, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := NewWriter(WriterConfig{
		Device:   "i2s",
		AudioDir: filepath.Join(dir, "audio"),
		ClockDir: filepath.Join(dir, "clock"),
		Spec:     WAVSpec{Channels: testChannels, SampleRate: testRate},
		Rotation: rotation,
		Now:      func() time.Time { return t0 },
		OnFinalized: func(f FinalizedFile) {
			*finalized = append(*finalized, f)
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w, dir
}

func TestWriterRotationAndClockLog(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	var finalized []FinalizedFile
	w, dir := newTestWriter(t, t0, 2*time.Second, &finalized)

	// Five seconds of alternating silent and patterned blocks.
	const blocks = 235
	for k := range blocks {
		require.NoError(t, w.Persist(blockAt(t0, k)))
	}
	rotated, err := w.RotateIfDue(t0.Add(6 * time.Second))
	require.NoError(t, err)
	assert.True(t, rotated)

	require.Len(t, finalized, 3)
	wantStarts := []time.Time{t0, t0.Add(2 * time.Second), t0.Add(4 * time.Second)}
	wantFrames := []int64{95 * testFrames, 94 * testFrames, 46 * testFrames}

	var total int64
	var records []ClockRecord
	for i, f := range finalized {
		assert.Equal(t, "i2s", f.Device)
		assert.True(t, f.Started.Equal(wantStarts[i]), "file %d started %s", i, f.Started)
		assert.Equal(t, strconv.FormatInt(wantStarts[i].UnixNano(), 10)+".wav", filepath.Base(f.Audio))
		assert.Equal(t, filepath.Join(dir, "audio"), filepath.Dir(f.Audio))
		assert.Equal(t, filepath.Join(dir, "clock"), filepath.Dir(f.Clock))

		h, err := ReadWAVHeader(f.Audio)
		require.NoError(t, err)
		assert.Equal(t, wantFrames[i], h.Frames(), "file %d", i)
		assert.Equal(t, f.Frames, h.Frames())
		total += h.Frames()

		recs, err := ReadClockLog(f.Clock)
		require.NoError(t, err)
		for _, r := range recs {
			assert.Equal(t, filepath.Base(f.Audio), r.File)
		}
		records = append(records, recs...)
	}
	assert.Equal(t, int64(blocks*testFrames), total)

	require.Len(t, records, 4)
	assert.True(t, slices.IsSortedFunc(records, func(a, b ClockRecord) int {
		return int(a.Sample) - int(b.Sample)
	}))
	for i := 1; i < len(records); i++ {
		assert.Greater(t, records[i].Sample, records[i-1].Sample)
		assert.True(t, records[i].Timestamp.After(records[i-1].Timestamp))
	}
	assert.Equal(t, uint64(48*testFrames), records[0].Sample)

	// The second block of the first file carries the pattern.
	raw, err := os.ReadFile(finalized[0].Audio)
	require.NoError(t, err)
	off := 44 + testFrames*testChannels*4
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(raw[44:]))
	assert.Equal(t, uint32(testPattern), binary.LittleEndian.Uint32(raw[off:]))

	stats := w.Stats()
	assert.Equal(t, uint64(3), stats.FilesFinalized)
	assert.Equal(t, uint64(4), stats.ClockRecords)
	assert.Equal(t, uint64(blocks*testFrames), stats.TotalFrames)
	assert.Equal(t, strconv.FormatInt(t0.Add(6*time.Second).UnixNano(), 10)+".wav", stats.CurrentFile)
	assert.Zero(t, stats.StorageFaults)
}

func TestWriterRealignsAfterGap(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	var finalized []FinalizedFile
	w, _ := newTestWriter(t, t0, time.Second, &finalized)

	require.NoError(t, w.Persist(blockAt(t0, 0)))
	// A long stall: the next epoch starts at the late block, not on the old grid.
	late := blockAt(t0, 0)
	late.Timestamp = t0.Add(10 * time.Second)
	require.NoError(t, w.Persist(late))

	require.Len(t, finalized, 1)
	assert.True(t, w.Stats().FileStarted.Equal(late.Timestamp))
	assert.True(t, w.IsCurrentFile(filepath.Join(filepath.Dir(finalized[0].Audio),
		strconv.FormatInt(late.Timestamp.UnixNano(), 10)+".wav")))
	assert.False(t, w.IsCurrentFile(finalized[0].Audio))
}

func TestWriterStorageFaultRecovers(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	var finalized []FinalizedFile
	w, dir := newTestWriter(t, t0, time.Second, &finalized)
	audioDir := filepath.Join(dir, "audio")

	require.NoError(t, w.Persist(blockAt(t0, 0)))
	require.NoError(t, os.RemoveAll(audioDir))

	// Rotation succeeds for the open file but the next file cannot be created.
	b := blockAt(t0, 1)
	b.Timestamp = t0.Add(time.Second)
	err := w.Persist(b)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.Empty(t, w.CurrentFile())

	b.Timestamp = t0.Add(1100 * time.Millisecond)
	assert.ErrorIs(t, w.Persist(b), ErrStorage)

	stats := w.Stats()
	assert.Equal(t, uint64(2), stats.StorageFaults)
	assert.NotEmpty(t, stats.LastStorageErr)

	require.NoError(t, os.MkdirAll(audioDir, 0o755))
	b.Timestamp = t0.Add(1200 * time.Millisecond)
	require.NoError(t, w.Persist(b))
	assert.Equal(t, strconv.FormatInt(b.Timestamp.UnixNano(), 10)+".wav", filepath.Base(w.CurrentFile()))
}

func TestNewWriterRejectsZeroRotation(t *testing.T) {
	_, err := NewWriter(WriterConfig{
		Device:   "umc",
		AudioDir: t.TempDir(),
		ClockDir: t.TempDir(),
		Spec:     WAVSpec{Channels: 2, SampleRate: 48000},
	})
	assert.Error(t, err)
}

func TestWriterRotatesBeforeWAVOverflow(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	spec := WAVSpec{Channels: testChannels, SampleRate: testRate}
	var finalized []FinalizedFile
	// The longest rotation a file can hold never triggers the size limit on its own.
	w, _ := newTestWriter(t, t0, spec.MaxDuration(), &finalized)

	full := spec.MaxFrames() - testFrames/2
	w.wav.frames = full
	require.NoError(t, w.Persist(blockAt(t0, 1)))

	require.Len(t, finalized, 1)
	assert.Equal(t, full, finalized[0].Frames)
	h, err := ReadWAVHeader(finalized[0].Audio)
	require.NoError(t, err)
	assert.Equal(t, full, h.Frames())

	st := w.Stats()
	assert.Equal(t, uint64(1), st.FilesFinalized)
	assert.Equal(t, int64(testFrames), st.FileFrames)
	assert.NotEqual(t, filepath.Base(finalized[0].Audio), st.CurrentFile)
	assert.Zero(t, st.StorageFaults)
}
