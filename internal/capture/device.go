// Package capture runs the per-device capture pipelines: hardware session,
// liveness tracking, relay and recording writer, with fault recovery.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oszuidwest/andros/internal/audio"
	"github.com/oszuidwest/andros/internal/eventlog"
	"github.com/oszuidwest/andros/internal/observe"
	"github.com/oszuidwest/andros/internal/recording"
	"github.com/oszuidwest/andros/internal/relay"
	"github.com/oszuidwest/andros/internal/util"
)

const (
	// DefaultReopenDelay is the pause between a fault and the next open attempt.
	DefaultReopenDelay = time.Second
	// DefaultRotation is how long each recording file covers.
	DefaultRotation = 10 * time.Second
	// loopInterval is the minimum duration of one capture loop iteration.
	loopInterval = time.Millisecond
	// levelInterval is how often block levels are computed for the status stream.
	levelInterval = 100 * time.Millisecond
)

// DeviceState is the lifecycle state of one device pipeline.
type DeviceState string

// Device states.
const (
	StateOpening    DeviceState = "opening"
	StateStreaming  DeviceState = "streaming"
	StateRecovering DeviceState = "recovering"
	StateFaulted    DeviceState = "faulted"
	StateStopped    DeviceState = "stopped"
)

// faultKind classifies a fault for logging and metrics.
type faultKind string

const (
	faultOpen     faultKind = "open"
	faultHardware faultKind = "hardware"
	faultStorage  faultKind = "storage"
	faultConfig   faultKind = "config"
)

// Options are the settings shared by all device pipelines.
type Options struct {
	Driver audio.Driver
	// DataDir receives one subdirectory per device.
	DataDir  string
	Rotation time.Duration
	// ReopenDelay is the pause before reopening a faulted device.
	ReopenDelay time.Duration
	// MaxReopenDelay caps the reopen delay as repeated faults double it.
	// Values at or below ReopenDelay keep the delay fixed.
	MaxReopenDelay time.Duration
	SilenceTimeout time.Duration
	// RelayEnabled moves persistence to a separate goroutine behind a relay.
	RelayEnabled  bool
	RelayCapacity int
	RelayPolicy   relay.DropPolicy

	Events  *eventlog.Logger
	Metrics *observe.Metrics
	// OnFinalized is called with every finalized recording.
	OnFinalized func(recording.FinalizedFile)
	// OnHealthChange is called on every health transition.
	OnHealthChange func(device string, from, to audio.Health)
}

func (o *Options) applyDefaults() {
	if o.Rotation <= 0 {
		o.Rotation = DefaultRotation
	}
	if o.ReopenDelay <= 0 {
		o.ReopenDelay = DefaultReopenDelay
	}
	o.MaxReopenDelay = max(o.MaxReopenDelay, o.ReopenDelay)
	if o.SilenceTimeout <= 0 {
		o.SilenceTimeout = audio.DefaultSilenceTimeout
	}
	if o.Metrics == nil {
		o.Metrics = observe.DefaultMetrics()
	}
}

// DeviceStatus is a point-in-time snapshot of one device.
type DeviceStatus struct {
	Name       string                `json:"name"`
	Hardware   string                `json:"hardware"`
	Channels   int                   `json:"channels"`
	SampleRate int                   `json:"sample_rate"`
	State      DeviceState           `json:"state"`
	Health     audio.Health          `json:"health"`
	HealthCode uint8                 `json:"health_code"`
	SessionID  string                `json:"session_id,omitempty"`
	Strategy   string                `json:"strategy,omitempty"`
	Uptime     string                `json:"uptime,omitempty"`
	LastError  string                `json:"last_error,omitempty"`
	Blocks     uint64                `json:"blocks"`
	Reopens    uint64                `json:"reopens"`
	XRuns      uint64                `json:"xruns"`
	Resumes    uint64                `json:"resumes"`
	LastSignal time.Time             `json:"last_signal,omitzero"`
	Relay      *relay.Stats          `json:"relay,omitempty"`
	Recording  recording.WriterStats `json:"recording"`
}

// Device is one capture pipeline. Health and peak are lock-free or
// bounded-wait for external readers.
type Device struct {
	cfg    audio.DeviceConfig
	opts   *Options
	writer *recording.Writer
	relay  *relay.Relay

	health audio.HealthCell
	peak   *audio.PeakMeter

	blocks  atomic.Uint64
	reopens atomic.Uint64
	xruns   atomic.Uint64
	resumes atomic.Uint64

	mu              sync.RWMutex
	state           DeviceState
	sessionID       string
	strategy        audio.ReadStrategy
	openedAt        time.Time
	lastError       string
	lastSignal      time.Time
	levels          audio.Levels
	lastKnownLevels atomic.Pointer[audio.Levels] // Read when the lock is busy

	// Owned by the capture goroutine.
	liveness    *audio.LivenessTracker
	lastLevelAt time.Time
}

// NewDevice creates the pipeline for cfg and opens its first recording file.
func NewDevice(cfg audio.DeviceConfig, opts *Options) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts.applyDefaults()

	d := &Device{
		cfg:   cfg,
		opts:  opts,
		peak:  audio.NewPeakMeter(),
		state: StateStopped,
	}
	dir := filepath.Join(opts.DataDir, cfg.Name)
	w, err := recording.NewWriter(recording.WriterConfig{
		Device:      cfg.Name,
		AudioDir:    dir,
		ClockDir:    dir,
		Spec:        recording.WAVSpec{Channels: cfg.Channels, SampleRate: cfg.SampleRate},
		Rotation:    opts.Rotation,
		OnFinalized: d.finalized,
	})
	if err != nil {
		return nil, fmt.Errorf("create writer for %s: %w", cfg.Name, err)
	}
	d.writer = w

	if opts.RelayEnabled {
		d.relay = relay.New(cfg.Name, opts.RelayCapacity, opts.RelayPolicy)
		d.relay.OnDrop = d.dropped
	}
	return d, nil
}

// Name returns the device name.
func (d *Device) Name() string {
	return d.cfg.Name
}

// Health returns the current health code.
func (d *Device) Health() audio.Health {
	return d.health.Load()
}

// TakePeak returns the peak held since the last take, waiting at most wait
// for the lock. ok is false when the lock could not be acquired in time.
func (d *Device) TakePeak(wait time.Duration) (peak int32, ok bool) {
	return d.peak.TakeWithin(wait)
}

// Writer returns the device's recording writer.
func (d *Device) Writer() *recording.Writer {
	return d.writer
}

// Run captures until ctx is done. The calling goroutine is locked to its OS
// thread for the lifetime of the pipeline. Run must be called at most once.
func (d *Device) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer func() {
		if err := d.writer.Close(); err != nil {
			slog.Warn("failed to close writer", "device", d.cfg.Name, "error", err)
		}
		d.setState(StateStopped)
	}()

	if d.relay != nil {
		done := make(chan struct{})
		go func() {
			defer close(done)
			d.persistLoop(ctx)
		}()
		defer func() {
			d.relay.Close()
			<-done
		}()
	}

	d.liveness = audio.NewLivenessTracker(d.opts.SilenceTimeout, time.Now())
	backoff := util.NewBackoff(d.opts.ReopenDelay, d.opts.MaxReopenDelay)
	attempt := 0

	for ctx.Err() == nil {
		d.setState(StateOpening)
		attempt++
		sess, err := audio.Open(d.opts.Driver, d.cfg)
		if err != nil {
			kind := faultOpen
			if errors.Is(err, audio.ErrInvalidConfig) {
				kind = faultConfig
			}
			d.fault(ctx, kind, err, attempt)
		} else {
			d.opened(sess, attempt)
			attempt = 0
			backoff.Reset()

			err = d.stream(ctx, sess)
			if cerr := sess.Close(); cerr != nil {
				slog.Warn("failed to close capture session", "device", d.cfg.Name, "error", cerr)
			}
			if err == nil {
				return nil
			}
			d.fault(ctx, faultHardware, err, attempt)
		}

		delay := backoff.Next()
		slog.Info("reopening capture device", "device", d.cfg.Name, "delay", delay)
		if !sleepCtx(ctx, delay) {
			break
		}
		d.reopens.Add(1)
		d.opts.Metrics.RecordReopen(ctx, d.cfg.Name)
		d.logSession(eventlog.SessionReopen, "reopening capture session", &eventlog.SessionDetails{
			Hardware: d.cfg.Hardware,
			Attempt:  attempt + 1,
		})
	}
	return nil
}

// opened records a newly negotiated session.
func (d *Device) opened(sess *audio.Session, attempt int) {
	id := uuid.NewString()
	now := time.Now()

	d.mu.Lock()
	d.state = StateStreaming
	d.sessionID = id
	d.strategy = sess.Strategy()
	d.openedAt = now
	d.lastError = ""
	d.mu.Unlock()

	d.liveness.Reset(now)
	d.setHealth(audio.HealthOK)
	d.logSession(eventlog.SessionOpened, "capture session opened", &eventlog.SessionDetails{
		SessionID: id,
		Hardware:  d.cfg.Hardware,
		Strategy:  sess.Strategy().String(),
		Attempt:   attempt,
	})
}

// stream reads blocks until ctx is done (nil) or the session faults.
func (d *Device) stream(ctx context.Context, sess *audio.Session) error {
	var xruns, resumes uint64
	recovering := false
	for {
		if ctx.Err() != nil {
			return nil
		}
		start := time.Now()

		out := sess.ReadBlock()
		switch out.Kind {
		case audio.OutcomeBlock:
			if recovering {
				recovering = false
				d.setState(StateStreaming)
			}
			d.handleBlock(ctx, out.Block)
		case audio.OutcomeRetry:
			if out.Recovered {
				kind := "xrun"
				if sess.Resumes() > resumes {
					kind = "suspend"
					d.resumes.Add(1)
				} else if sess.XRuns() > xruns {
					d.xruns.Add(1)
				}
				xruns, resumes = sess.XRuns(), sess.Resumes()
				d.opts.Metrics.RecordRecovery(ctx, d.cfg.Name, kind)
				recovering = true
				d.setState(StateRecovering)
			}
			if d.liveness.Expired(time.Now()) {
				d.swapHealth(audio.HealthOK, audio.HealthNoData)
			}
		case audio.OutcomeFatal:
			return out.Err
		}

		if elapsed := time.Since(start); elapsed < loopInterval {
			time.Sleep(loopInterval - elapsed)
		}
	}
}

// handleBlock runs liveness, peak and level tracking and hands the block to persistence.
func (d *Device) handleBlock(ctx context.Context, block audio.SampleBlock) {
	d.blocks.Add(1)
	d.opts.Metrics.RecordBlock(ctx, d.cfg.Name, block.Frames(d.cfg.Channels))

	obs := d.liveness.Observe(block, block.Timestamp)
	d.peak.Update(obs.Peak)
	switch {
	case obs.Signal:
		d.swapHealth(audio.HealthNoData, audio.HealthOK)
	case obs.Health == audio.HealthNoData:
		d.swapHealth(audio.HealthOK, audio.HealthNoData)
	}

	if block.Timestamp.Sub(d.lastLevelAt) >= levelInterval {
		d.lastLevelAt = block.Timestamp
		levels := audio.ComputeLevels(block, d.cfg.Channels)
		d.mu.Lock()
		d.levels = levels
		d.lastSignal = d.liveness.LastSignal()
		d.mu.Unlock()
		d.lastKnownLevels.Store(&levels)
	}

	if d.relay != nil {
		d.relay.Send(block)
		return
	}
	d.persist(ctx, block)
}

// persistLoop drains the relay into the writer until the relay is closed.
func (d *Device) persistLoop(ctx context.Context) {
	for {
		block, ok := d.relay.Receive()
		if !ok {
			return
		}
		d.persist(ctx, block)
	}
}

func (d *Device) persist(ctx context.Context, block audio.SampleBlock) {
	start := time.Now()
	err := d.writer.Persist(block)
	d.opts.Metrics.RecordPersist(ctx, d.cfg.Name, time.Since(start))
	if err != nil {
		d.storageFault(ctx, err)
		return
	}
	d.swapHealth(audio.HealthOtherError, audio.HealthOK)
}

// storageFault reports a failed write. Capture continues; the writer retries on
// the next block.
func (d *Device) storageFault(ctx context.Context, err error) {
	d.opts.Metrics.RecordFault(ctx, d.cfg.Name, string(faultStorage))
	d.setLastError(err)

	if !d.swapHealth(audio.HealthOK, audio.HealthOtherError) && !d.swapHealth(audio.HealthNoData, audio.HealthOtherError) {
		slog.Debug("storage fault", "device", d.cfg.Name, "error", err)
		return
	}
	slog.Error("storage fault, capture continues", "device", d.cfg.Name, "error", err)
	if lerr := d.opts.Events.LogRecording(eventlog.StorageError, d.cfg.Name, &eventlog.RecordingDetails{
		Error: err.Error(),
	}); lerr != nil {
		slog.Warn("failed to write event log", "error", lerr)
	}
}

// fault records a session that failed to open or died.
func (d *Device) fault(ctx context.Context, kind faultKind, err error, attempt int) {
	d.setState(StateFaulted)
	d.setLastError(err)
	d.opts.Metrics.RecordFault(ctx, d.cfg.Name, string(kind))

	health := audio.HealthDisconnected
	if kind == faultConfig {
		health = audio.HealthOtherError
	}
	d.setHealth(health)

	var state string
	var fe *audio.FaultError
	if errors.As(err, &fe) {
		state = fe.State.String()
	}
	slog.Error("capture fault", "device", d.cfg.Name, "kind", kind, "state", state, "error", err)
	d.logSession(eventlog.SessionFault, "capture fault", &eventlog.SessionDetails{
		SessionID: d.currentSessionID(),
		Hardware:  d.cfg.Hardware,
		State:     state,
		Error:     err.Error(),
		Attempt:   attempt,
	})
}

func (d *Device) finalized(f recording.FinalizedFile) {
	d.opts.Metrics.RecordFileFinalized(context.Background(), d.cfg.Name)
	if err := d.opts.Events.LogRecording(eventlog.FileFinalized, d.cfg.Name, &eventlog.RecordingDetails{
		Filename:  filepath.Base(f.Audio),
		ClockFile: filepath.Base(f.Clock),
		Frames:    f.Frames,
	}); err != nil {
		slog.Warn("failed to write event log", "error", err)
	}
	if d.opts.OnFinalized != nil {
		d.opts.OnFinalized(f)
	}
}

func (d *Device) dropped(n uint64) {
	d.opts.Metrics.RecordDrop(context.Background(), d.cfg.Name)
	if n == 1 || n%100 == 0 {
		d.logSession(eventlog.RelayDrop, "relay full, dropping block", &eventlog.SessionDetails{
			SessionID: d.currentSessionID(),
			Dropped:   n,
		})
	}
}

// setHealth stores h and reports the transition if it changed.
func (d *Device) setHealth(h audio.Health) {
	if prev := d.health.Store(h); prev != h {
		d.healthChanged(prev, h)
	}
}

// swapHealth moves from to next only if the current health is from.
func (d *Device) swapHealth(from, next audio.Health) bool {
	if !d.health.CompareAndSwap(from, next) {
		return false
	}
	d.healthChanged(from, next)
	return true
}

func (d *Device) healthChanged(from, to audio.Health) {
	slog.Info("device health changed", "device", d.cfg.Name, "from", from, "to", to)
	if err := d.opts.Events.LogHealth(d.cfg.Name, from, to, int(from), int(to)); err != nil {
		slog.Warn("failed to write event log", "error", err)
	}
	if d.opts.OnHealthChange != nil {
		d.opts.OnHealthChange(d.cfg.Name, from, to)
	}
}

func (d *Device) logSession(t eventlog.EventType, msg string, details *eventlog.SessionDetails) {
	if err := d.opts.Events.LogSession(t, d.cfg.Name, msg, details); err != nil {
		slog.Warn("failed to write event log", "error", err)
	}
}

func (d *Device) setState(s DeviceState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
}

// State returns the lifecycle state.
func (d *Device) State() DeviceState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Device) setLastError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastError = err.Error()
}

func (d *Device) currentSessionID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sessionID
}

// Levels returns the most recent block levels. It never blocks on the
// capture goroutine and falls back to the last known value.
func (d *Device) Levels() audio.Levels {
	if !d.mu.TryRLock() {
		if l := d.lastKnownLevels.Load(); l != nil {
			return *l
		}
		return audio.Levels{}
	}
	defer d.mu.RUnlock()
	if d.state != StateStreaming {
		return audio.Levels{}
	}
	return d.levels
}

// Status returns a snapshot of the device.
func (d *Device) Status() DeviceStatus {
	d.mu.RLock()
	s := DeviceStatus{
		Name:       d.cfg.Name,
		Hardware:   d.cfg.Hardware,
		Channels:   d.cfg.Channels,
		SampleRate: d.cfg.SampleRate,
		State:      d.state,
		SessionID:  d.sessionID,
		LastError:  d.lastError,
		LastSignal: d.lastSignal,
	}
	if d.sessionID != "" {
		s.Strategy = d.strategy.String()
	}
	if d.state == StateStreaming {
		s.Uptime = util.FormatDuration(time.Since(d.openedAt).Milliseconds())
	}
	d.mu.RUnlock()

	h := d.health.Load()
	s.Health = h
	s.HealthCode = uint8(h)
	s.Blocks = d.blocks.Load()
	s.Reopens = d.reopens.Load()
	s.XRuns = d.xruns.Load()
	s.Resumes = d.resumes.Load()
	if d.relay != nil {
		rs := d.relay.Stats()
		s.Relay = &rs
	}
	s.Recording = d.writer.Stats()
	return s
}

// sleepCtx sleeps for d and reports false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
