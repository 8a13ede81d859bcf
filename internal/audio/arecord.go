package audio

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/oszuidwest/andros/internal/util"
)

// Defaults for ArecordDriver.
const (
	DefaultArecordPath = "arecord"
	DefaultBufferTime  = 2 * time.Second
	DefaultReadTimeout = 100 * time.Millisecond
	DefaultProbeTime   = 250 * time.Millisecond

	// sampleBytes is the width of one S32_LE sample.
	sampleBytes   = BitDepth / 8
	stderrHistory = 16
	shutdownDelay = 2 * time.Second
)

var hostLittleEndian = func() bool {
	var x uint16 = 1
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()

// ArecordDriver opens capture streams by running arecord and reading raw S32_LE frames from its stdout.
type ArecordDriver struct {
	// Path is the arecord executable.
	Path string
	// BufferTime is the requested hardware buffer; ALSA clamps it to the device maximum.
	BufferTime time.Duration
	// ReadTimeout bounds a single read; expiry is reported as ErrNoData.
	ReadTimeout time.Duration
	// ProbeTime is how long Open watches for an immediate exit.
	ProbeTime time.Duration
}

// CaptureArgs returns the arecord arguments for cfg.
func (d *ArecordDriver) CaptureArgs(cfg DeviceConfig, strategy ReadStrategy) []string {
	bufferTime := d.BufferTime
	if bufferTime <= 0 {
		bufferTime = DefaultBufferTime
	}
	args := []string{
		"-D", cfg.Hardware,
		"-f", "S32_LE",
		"-r", strconv.Itoa(cfg.SampleRate),
		"-c", strconv.Itoa(cfg.Channels),
		"-t", "raw",
		"--buffer-time=" + strconv.FormatInt(bufferTime.Microseconds(), 10),
	}
	if strategy == StrategyDirect {
		args = append(args, "--mmap")
	}
	return append(args, "-")
}

// Open starts arecord for cfg. If arecord exits during the probe window in
// direct mode, Open returns ErrDirectUnsupported.
func (d *ArecordDriver) Open(cfg DeviceConfig, strategy ReadStrategy) (PCM, error) {
	path := d.Path
	if path == "" {
		path = DefaultArecordPath
	}
	readTimeout := d.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	probe := d.ProbeTime
	if probe <= 0 {
		probe = DefaultProbeTime
	}

	args := d.CaptureArgs(cfg, strategy)
	slog.Info("starting arecord", "device", cfg.Name, "args", strings.Join(args, " "))

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Cancel = func() error {
		return util.GracefulSignal(cmd.Process)
	}
	cmd.WaitDelay = shutdownDelay

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("start arecord: %w", err)
	}
	_ = stdoutW.Close()

	frameBytes := cfg.Channels * sampleBytes
	p := &arecordPCM{
		device:      cfg.Name,
		channels:    cfg.Channels,
		frameBytes:  frameBytes,
		readTimeout: readTimeout,
		cmd:         cmd,
		cancel:      cancel,
		stdout:      stdoutR,
		leftover:    make([]byte, 0, frameBytes),
		done:        make(chan struct{}),
	}
	p.state.Store(int32(StateSetup))

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		p.watchStderr(stderr)
	}()
	go func() {
		<-stderrDone
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		p.state.Store(int32(StateDisconnected))
		close(p.done)
	}()

	select {
	case <-p.done:
		reason := p.lastError()
		_ = p.Close()
		if strategy == StrategyDirect {
			return nil, fmt.Errorf("%w: %s", ErrDirectUnsupported, reason)
		}
		return nil, fmt.Errorf("arecord exited during startup: %s", reason)
	case <-time.After(probe):
	}
	return p, nil
}

// arecordPCM is an arecord subprocess viewed as a PCM stream.
type arecordPCM struct {
	device      string
	channels    int
	frameBytes  int
	readTimeout time.Duration

	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdout *os.File

	state atomic.Int32

	// leftover holds a trailing partial frame between reads.
	leftover []byte
	scratch  []byte
	direct   []int32

	mu    sync.Mutex
	lines []string

	done      chan struct{}
	exitErr   error
	closeOnce sync.Once
}

func (p *arecordPCM) watchStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		p.mu.Lock()
		p.lines = append(p.lines, line)
		if len(p.lines) > stderrHistory {
			p.lines = p.lines[len(p.lines)-stderrHistory:]
		}
		p.mu.Unlock()

		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "overrun"):
			p.state.CompareAndSwap(int32(StateRunning), int32(StateXRun))
		case strings.Contains(lower, "suspended"):
			p.state.CompareAndSwap(int32(StateRunning), int32(StateSuspended))
		default:
			slog.Debug("arecord", "device", p.device, "line", line)
		}
	}
}

func (p *arecordPCM) lastError() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg := util.ExtractLastError(strings.Join(p.lines, "\n"))
	if msg == "" && p.exitErr != nil {
		msg = p.exitErr.Error()
	}
	if msg == "" {
		msg = "no output"
	}
	return msg
}

func (p *arecordPCM) State() PCMState {
	return PCMState(p.state.Load())
}

func (p *arecordPCM) transition(to PCMState) error {
	for {
		cur := p.state.Load()
		if PCMState(cur) == StateDisconnected {
			return fmt.Errorf("arecord not running: %s", p.lastError())
		}
		if p.state.CompareAndSwap(cur, int32(to)) {
			return nil
		}
	}
}

// Prepare, Start and Resume only track state: arecord prepares and restarts
// the stream itself after an overrun or suspend.
func (p *arecordPCM) Prepare() error { return p.transition(StatePrepared) }
func (p *arecordPCM) Start() error   { return p.transition(StateRunning) }
func (p *arecordPCM) Resume() error  { return p.transition(StateRunning) }

func (p *arecordPCM) Read(dst []int32) (int, error) {
	maxFrames := len(dst) / p.channels
	if maxFrames == 0 {
		return 0, nil
	}
	if err := p.pending(); err != nil {
		return 0, err
	}
	need := maxFrames * p.frameBytes
	if cap(p.scratch) < need {
		p.scratch = make([]byte, need)
	}
	raw := p.scratch[:need]

	n, err := p.fill(raw)
	for i := 0; i < n/sampleBytes; i++ {
		dst[i] = int32(binary.LittleEndian.Uint32(raw[i*sampleBytes:]))
	}
	return n / p.frameBytes, err
}

func (p *arecordPCM) ReadDirect(maxFrames int) ([]int32, error) {
	if maxFrames <= 0 {
		return nil, nil
	}
	if err := p.pending(); err != nil {
		return nil, err
	}
	need := maxFrames * p.channels
	if cap(p.direct) < need {
		p.direct = make([]int32, need)
	}
	buf := p.direct[:need]
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&buf[0])), need*sampleBytes)

	n, err := p.fill(raw)
	out := buf[:n/sampleBytes]
	if !hostLittleEndian {
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(raw[i*sampleBytes:]))
		}
	}
	return out, err
}

// pending surfaces a state change reported on stderr.
func (p *arecordPCM) pending() error {
	switch p.State() {
	case StateXRun:
		return ErrXRun
	case StateSuspended:
		return ErrSuspended
	}
	return nil
}

// fill performs one read into raw and returns the number of bytes that form
// whole frames. A trailing partial frame is kept for the next call.
func (p *arecordPCM) fill(raw []byte) (int, error) {
	n := copy(raw, p.leftover)
	p.leftover = p.leftover[:0]

	if err := p.stdout.SetReadDeadline(time.Now().Add(p.readTimeout)); err != nil {
		return 0, fmt.Errorf("set read deadline: %w", err)
	}
	m, err := p.stdout.Read(raw[n:])
	total := n + m
	whole := total - total%p.frameBytes
	p.leftover = append(p.leftover, raw[whole:total]...)

	switch {
	case err == nil:
		return whole, nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return whole, ErrNoData
	case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed):
		p.state.Store(int32(StateDisconnected))
		return whole, fmt.Errorf("arecord stream ended: %s", p.lastError())
	default:
		return whole, fmt.Errorf("read arecord output: %w", err)
	}
}

func (p *arecordPCM) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()
		select {
		case <-p.done:
		case <-time.After(shutdownDelay + time.Second):
			slog.Warn("arecord did not exit in time", "device", p.device)
		}
		err = p.stdout.Close()
	})
	return err
}
