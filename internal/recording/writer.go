package recording

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/oszuidwest/andros/internal/audio"
)

// ClockInterval is the spacing of correlation log records.
const ClockInterval = time.Second

// ErrStorage marks failures to create, write or finalize recording artifacts.
var ErrStorage = errors.New("storage fault")

// WriterConfig configures a Writer.
type WriterConfig struct {
	// Device names the capture device in logs and finalized file records.
	Device string
	// AudioDir receives the <nanos>.wav files.
	AudioDir string
	// ClockDir receives the <nanos>.csv correlation logs.
	ClockDir string
	Spec     WAVSpec
	// Rotation is how long each file covers.
	Rotation time.Duration
	// Now supplies the start of the first epoch. Defaults to time.Now.
	Now func() time.Time
	// OnFinalized is called after each file is finalized.
	OnFinalized func(FinalizedFile)
}

// FinalizedFile describes a completed rotation epoch.
type FinalizedFile struct {
	Device  string    `json:"device"`
	Audio   string    `json:"audio"`
	Clock   string    `json:"clock"`
	Frames  int64     `json:"frames"`
	Started time.Time `json:"started"`
}

// WriterStats is a snapshot of a Writer.
type WriterStats struct {
	CurrentFile     string    `json:"current_file,omitempty"`
	FileStarted     time.Time `json:"file_started,omitzero"`
	FileFrames      int64     `json:"file_frames"`
	TotalFrames     uint64    `json:"total_frames"`
	FilesFinalized  uint64    `json:"files_finalized"`
	ClockRecords    uint64    `json:"clock_records"`
	StorageFaults   uint64    `json:"storage_faults"`
	LastStorageErr  string    `json:"last_storage_error,omitempty"`
	LastFinalizedAt time.Time `json:"last_finalized_at,omitzero"`
}

// Writer persists one device's sample blocks into rotating WAV files and a
// per-file correlation log. Persist and RotateIfDue are called from a single
// goroutine; Stats and CurrentFile may be called concurrently.
type Writer struct {
	cfg WriterConfig

	mu        sync.Mutex
	wav       *WAVFile
	clock     *ClockLog
	fileStart time.Time
	nextTick  time.Time
	total     uint64
	stats     WriterStats
}

// NewWriter creates the output directories and opens the first file.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.Rotation <= 0 {
		return nil, fmt.Errorf("new writer %s: rotation must be positive", cfg.Device)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	for _, dir := range []string{cfg.AudioDir, cfg.ClockDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create directory %s: %w", ErrStorage, dir, err)
		}
	}

	w := &Writer{cfg: cfg}
	now := cfg.Now()
	w.nextTick = now.Add(ClockInterval)
	if err := w.openEpoch(now); err != nil {
		return nil, err
	}
	return w, nil
}

// Persist writes block to the current file, appends a correlation record
// when a clock interval has elapsed and rotates when the file is due.
// The block's timestamp is the reference instant for both.
func (w *Writer) Persist(block audio.SampleBlock) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := block.Timestamp
	if w.wav == nil {
		if err := w.openEpoch(now); err != nil {
			return w.fault(err)
		}
	}

	if !w.wav.Fits(block.Frames(w.cfg.Spec.Channels)) {
		slog.Warn("recording reached wav size limit, rotating early", "device", w.cfg.Device, "file", filepath.Base(w.wav.Path()))
		if err := w.rotate(now, now); err != nil {
			return w.fault(err)
		}
	}

	if err := w.wav.WriteSamples(block.Samples); err != nil {
		return w.fault(fmt.Errorf("%w: %w", ErrStorage, err))
	}
	w.total += uint64(block.Frames(w.cfg.Spec.Channels))

	if err := w.tickClock(now); err != nil {
		return w.fault(err)
	}
	if _, err := w.rotateIfDue(now); err != nil {
		return w.fault(err)
	}
	return nil
}

// RotateIfDue finalizes the current file and opens the next one when the
// rotation duration has elapsed at now.
func (w *Writer) RotateIfDue(now time.Time) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rotated, err := w.rotateIfDue(now)
	if err != nil {
		return rotated, w.fault(err)
	}
	return rotated, nil
}

func (w *Writer) rotateIfDue(now time.Time) (bool, error) {
	if w.wav == nil || now.Sub(w.fileStart) < w.cfg.Rotation {
		return false, nil
	}
	next := w.fileStart.Add(w.cfg.Rotation)
	if now.Sub(next) >= w.cfg.Rotation {
		next = now
	}
	return true, w.rotate(now, next)
}

// rotate finalizes the current epoch and opens the next one starting at next.
func (w *Writer) rotate(now, next time.Time) error {
	finalized := FinalizedFile{
		Device:  w.cfg.Device,
		Audio:   w.wav.Path(),
		Clock:   w.clock.Path(),
		Frames:  w.wav.Frames(),
		Started: w.fileStart,
	}
	wavErr := w.wav.Finalize()
	clockErr := w.clock.Close()
	w.wav, w.clock = nil, nil

	if err := errors.Join(wavErr, clockErr); err != nil {
		w.fileStart = next
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}

	w.stats.FilesFinalized++
	w.stats.LastFinalizedAt = now
	slog.Info("recording finalized",
		"device", w.cfg.Device, "file", filepath.Base(finalized.Audio), "frames", finalized.Frames)
	if w.cfg.OnFinalized != nil {
		w.cfg.OnFinalized(finalized)
	}

	return w.openEpoch(next)
}

// tickClock appends one record when the clock interval has elapsed. The
// clock advances by exactly one interval and is realigned if it fell behind.
func (w *Writer) tickClock(now time.Time) error {
	if now.Before(w.nextTick) {
		return nil
	}
	w.nextTick = w.nextTick.Add(ClockInterval)
	if !now.Before(w.nextTick) {
		w.nextTick = now.Add(ClockInterval)
	}

	err := w.clock.Append(ClockRecord{
		Timestamp: now,
		Sample:    w.total,
		File:      filepath.Base(w.wav.Path()),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	w.stats.ClockRecords++
	return nil
}

// openEpoch creates the audio file and correlation log for an epoch starting at start.
func (w *Writer) openEpoch(start time.Time) error {
	name := strconv.FormatInt(start.UnixNano(), 10)

	wav, err := CreateWAV(filepath.Join(w.cfg.AudioDir, name+".wav"), w.cfg.Spec)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	clock, err := CreateClockLog(filepath.Join(w.cfg.ClockDir, name+".csv"))
	if err != nil {
		_ = wav.Abandon()
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}

	w.wav, w.clock = wav, clock
	w.fileStart = start
	slog.Debug("recording started", "device", w.cfg.Device, "file", name+".wav")
	return nil
}

func (w *Writer) fault(err error) error {
	w.stats.StorageFaults++
	w.stats.LastStorageErr = err.Error()
	return fmt.Errorf("persist %s: %w", w.cfg.Device, err)
}

// CurrentFile returns the path of the file being written, if any.
func (w *Writer) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.wav == nil {
		return ""
	}
	return w.wav.Path()
}

// IsCurrentFile reports whether path is the audio file or correlation log
// being written.
func (w *Writer) IsCurrentFile(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.wav == nil {
		return false
	}
	p := filepath.Clean(path)
	return p == filepath.Clean(w.wav.Path()) || p == filepath.Clean(w.clock.Path())
}

// Dirs returns the distinct directories the writer creates files in.
func (w *Writer) Dirs() []string {
	if filepath.Clean(w.cfg.AudioDir) == filepath.Clean(w.cfg.ClockDir) {
		return []string{w.cfg.AudioDir}
	}
	return []string{w.cfg.AudioDir, w.cfg.ClockDir}
}

// Stats returns a snapshot of the writer's counters.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.TotalFrames = w.total
	if w.wav != nil {
		s.CurrentFile = filepath.Base(w.wav.Path())
		s.FileStarted = w.fileStart
		s.FileFrames = w.wav.Frames()
	}
	return s
}

// Close stops writing. The current file is closed without patching its
// header, so its declared frame count stays zero.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	if w.wav != nil {
		errs = append(errs, w.wav.Abandon())
		w.wav = nil
	}
	if w.clock != nil {
		errs = append(errs, w.clock.Close())
		w.clock = nil
	}
	return errors.Join(errs...)
}
