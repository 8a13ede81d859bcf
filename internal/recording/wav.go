package recording

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"
)

const (
	wavHeaderSize = 44
	wavFormatPCM  = 1
	wavBitDepth   = 32
	wavSampleSize = wavBitDepth / 8

	// riffSizeOffset and dataSizeOffset locate the two size fields patched on finalize.
	riffSizeOffset = 4
	dataSizeOffset = 40

	// MaxWAVDataSize is the largest data chunk whose RIFF size (data + 36)
	// still fits the 32-bit header field.
	MaxWAVDataSize = math.MaxUint32 - 36
)

var (
	// ErrInvalidWAV is returned when a file does not carry the expected header.
	ErrInvalidWAV = errors.New("invalid wav header")
	// ErrWAVFull is returned when a write would overflow the header's size fields.
	ErrWAVFull = errors.New("wav data chunk full")
)

// WAVSpec describes the sample layout of a WAV file.
type WAVSpec struct {
	Channels   int
	SampleRate int
}

func (s WAVSpec) blockAlign() int {
	return s.Channels * wavSampleSize
}

// MaxFrames returns how many frames one file can hold.
func (s WAVSpec) MaxFrames() int64 {
	if s.Channels <= 0 {
		return 0
	}
	return MaxWAVDataSize / int64(s.blockAlign())
}

// MaxDuration returns the longest recording one file can hold at this rate.
func (s WAVSpec) MaxDuration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(s.MaxFrames()) * time.Second / time.Duration(s.SampleRate)
}

// WAVHeader is the decoded canonical header of a 32-bit integer PCM file.
type WAVHeader struct {
	Channels      int
	SampleRate    int
	BitsPerSample int
	Format        int
	RIFFSize      uint32
	DataSize      uint32
}

// Frames returns the frame count declared by the header.
func (h WAVHeader) Frames() int64 {
	if h.Channels == 0 {
		return 0
	}
	return int64(h.DataSize) / int64(h.Channels*h.BitsPerSample/8)
}

// WAVFile is a WAV file being written. The header declares zero frames until Finalize.
type WAVFile struct {
	path   string
	spec   WAVSpec
	file   *os.File
	w      *bufio.Writer
	frames int64
	buf    []byte
	done   bool
}

// CreateWAV creates path and writes a header with zero sizes.
func CreateWAV(path string, spec WAVSpec) (*WAVFile, error) {
	if spec.Channels <= 0 || spec.SampleRate <= 0 {
		return nil, fmt.Errorf("create wav %s: invalid spec %+v", path, spec)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create wav: %w", err)
	}

	w := &WAVFile{
		path: path,
		spec: spec,
		file: f,
		w:    bufio.NewWriterSize(f, 64*1024),
	}
	if _, err := w.w.Write(encodeWAVHeader(spec, 0)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	return w, nil
}

func encodeWAVHeader(spec WAVSpec, dataSize uint32) []byte {
	h := make([]byte, wavHeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[riffSizeOffset:], 36+dataSize)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:], 16)
	binary.LittleEndian.PutUint16(h[20:], wavFormatPCM)
	binary.LittleEndian.PutUint16(h[22:], uint16(spec.Channels))
	binary.LittleEndian.PutUint32(h[24:], uint32(spec.SampleRate))
	binary.LittleEndian.PutUint32(h[28:], uint32(spec.SampleRate*spec.blockAlign()))
	binary.LittleEndian.PutUint16(h[32:], uint16(spec.blockAlign()))
	binary.LittleEndian.PutUint16(h[34:], wavBitDepth)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[dataSizeOffset:], dataSize)
	return h
}

// Path returns the file path.
func (w *WAVFile) Path() string {
	return w.path
}

// Frames returns the number of whole frames written so far.
func (w *WAVFile) Frames() int64 {
	return w.frames
}

// Fits reports whether n more frames can be written without overflowing the header.
func (w *WAVFile) Fits(n int) bool {
	return w.frames+int64(n) <= w.spec.MaxFrames()
}

// WriteSamples appends interleaved samples. len(samples) must be a multiple of the channel count.
// A write that would overflow the header fails with ErrWAVFull and writes nothing.
func (w *WAVFile) WriteSamples(samples []int32) error {
	if w.done {
		return fmt.Errorf("write %s: file closed", w.path)
	}
	if len(samples)%w.spec.Channels != 0 {
		return fmt.Errorf("write %s: %d samples is not a whole number of %d-channel frames", w.path, len(samples), w.spec.Channels)
	}
	if !w.Fits(len(samples) / w.spec.Channels) {
		return fmt.Errorf("write %s: %w", w.path, ErrWAVFull)
	}

	need := len(samples) * wavSampleSize
	if cap(w.buf) < need {
		w.buf = make([]byte, need)
	}
	buf := w.buf[:need]
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*wavSampleSize:], uint32(s))
	}
	if _, err := w.w.Write(buf); err != nil {
		return fmt.Errorf("write %s: %w", w.path, err)
	}
	w.frames += int64(len(samples) / w.spec.Channels)
	return nil
}

// Finalize flushes pending samples, patches the header with the true frame
// count and closes the file.
func (w *WAVFile) Finalize() error {
	if w.done {
		return nil
	}
	w.done = true

	dataSize := uint32(w.frames * int64(w.spec.blockAlign()))
	err := w.w.Flush()
	if err == nil {
		err = patchUint32(w.file, riffSizeOffset, 36+dataSize)
	}
	if err == nil {
		err = patchUint32(w.file, dataSizeOffset, dataSize)
	}
	if err == nil {
		err = w.file.Sync()
	}
	if closeErr := w.file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("finalize %s: %w", w.path, err)
	}
	return nil
}

// Abandon flushes what it can and closes the file without patching the header.
func (w *WAVFile) Abandon() error {
	if w.done {
		return nil
	}
	w.done = true
	flushErr := w.w.Flush()
	return errors.Join(flushErr, w.file.Close())
}

func patchUint32(f *os.File, offset int64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := f.WriteAt(b[:], offset)
	return err
}

// ReadWAVHeader decodes the header of the WAV file at path.
func ReadWAVHeader(path string) (WAVHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return WAVHeader{}, err
	}
	defer f.Close() //nolint:errcheck // Read-only operation, close error not critical

	h := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, h); err != nil {
		return WAVHeader{}, fmt.Errorf("%w: %w", ErrInvalidWAV, err)
	}
	if string(h[0:4]) != "RIFF" || string(h[8:12]) != "WAVE" || string(h[12:16]) != "fmt " || string(h[36:40]) != "data" {
		return WAVHeader{}, ErrInvalidWAV
	}
	return WAVHeader{
		Format:        int(binary.LittleEndian.Uint16(h[20:])),
		Channels:      int(binary.LittleEndian.Uint16(h[22:])),
		SampleRate:    int(binary.LittleEndian.Uint32(h[24:])),
		BitsPerSample: int(binary.LittleEndian.Uint16(h[34:])),
		RIFFSize:      binary.LittleEndian.Uint32(h[riffSizeOffset:]),
		DataSize:      binary.LittleEndian.Uint32(h[dataSizeOffset:]),
	}, nil
}
