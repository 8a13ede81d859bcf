package recording

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWAVFinalizePatchesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1.wav")
	w, err := CreateWAV(path, WAVSpec{Channels: 2, SampleRate: 48000})
	require.NoError(t, err)

	require.NoError(t, w.WriteSamples([]int32{1, -1, 0x7fffffff, -0x80000000}))
	require.NoError(t, w.WriteSamples([]int32{5, 6}))
	assert.Equal(t, int64(3), w.Frames())
	require.NoError(t, w.Finalize())

	h, err := ReadWAVHeader(path)
	require.NoError(t, err)
	assert.Equal(t, WAVHeader{
		Channels:      2,
		SampleRate:    48000,
		BitsPerSample: 32,
		Format:        1,
		RIFFSize:      36 + 24,
		DataSize:      24,
	}, h)
	assert.Equal(t, int64(3), h.Frames())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, raw, 44+24)
	assert.Equal(t, uint32(0x7fffffff), binary.LittleEndian.Uint32(raw[44+8:]))
	assert.Equal(t, uint32(0x80000000), binary.LittleEndian.Uint32(raw[44+12:]))
	assert.Equal(t, uint32(6), binary.LittleEndian.Uint32(raw[44+20:]))

	// Finalize is idempotent and further writes are rejected.
	require.NoError(t, w.Finalize())
	assert.Error(t, w.WriteSamples([]int32{1, 2}))
}

func TestWAVAbandonLeavesZeroSizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "2.wav")
	w, err := CreateWAV(path, WAVSpec{Channels: 1, SampleRate: 44100})
	require.NoError(t, err)
	require.NoError(t, w.WriteSamples([]int32{1, 2, 3}))
	require.NoError(t, w.Abandon())

	h, err := ReadWAVHeader(path)
	require.NoError(t, err)
	assert.Zero(t, h.DataSize)
	assert.Equal(t, uint32(36), h.RIFFSize)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(44+12), info.Size())
}

func TestWAVRejectsPartialFrames(t *testing.T) {
	w, err := CreateWAV(filepath.Join(t.TempDir(), "3.wav"), WAVSpec{Channels: 2, SampleRate: 48000})
	require.NoError(t, err)
	defer w.Abandon() //nolint:errcheck // test cleanup

	assert.Error(t, w.WriteSamples([]int32{1, 2, 3}))
	assert.Zero(t, w.Frames())
}

func TestCreateWAVErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := CreateWAV(filepath.Join(dir, "bad.wav"), WAVSpec{Channels: 0, SampleRate: 48000})
	assert.Error(t, err)

	path := filepath.Join(dir, "dup.wav")
	w, err := CreateWAV(path, WAVSpec{Channels: 1, SampleRate: 48000})
	require.NoError(t, err)
	require.NoError(t, w.Finalize())

	_, err = CreateWAV(path, WAVSpec{Channels: 1, SampleRate: 48000})
	assert.ErrorIs(t, err, os.ErrExist)
}

func TestReadWAVHeaderInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.wav")
	require.NoError(t, os.WriteFile(path, []byte("not a wav file"), 0o644))
	_, err := ReadWAVHeader(path)
	assert.ErrorIs(t, err, ErrInvalidWAV)

	junk := make([]byte, 44)
	copy(junk, "RIFX")
	require.NoError(t, os.WriteFile(path, junk, 0o644))
	_, err = ReadWAVHeader(path)
	assert.ErrorIs(t, err, ErrInvalidWAV)
}

func TestWAVRejectsWritesPastSizeLimit(t *testing.T) {
	spec := WAVSpec{Channels: 4, SampleRate: 192000}
	assert.Greater(t, spec.MaxDuration(), 1398*time.Second)
	assert.Less(t, spec.MaxDuration(), 1399*time.Second)

	path := filepath.Join(t.TempDir(), "full.wav")
	w, err := CreateWAV(path, spec)
	require.NoError(t, err)

	// Pretend the file already holds all but one frame.
	w.frames = spec.MaxFrames() - 1
	err = w.WriteSamples(make([]int32, 2*spec.Channels))
	require.ErrorIs(t, err, ErrWAVFull)
	assert.Equal(t, spec.MaxFrames()-1, w.Frames())

	require.NoError(t, w.WriteSamples(make([]int32, spec.Channels)))
	assert.False(t, w.Fits(1))
	require.NoError(t, w.Finalize())

	h, err := ReadWAVHeader(path)
	require.NoError(t, err)
	assert.Equal(t, spec.MaxFrames(), h.Frames())
	assert.Equal(t, uint32(spec.MaxFrames()*16), h.DataSize)
	assert.Equal(t, h.DataSize+36, h.RIFFSize)
}
