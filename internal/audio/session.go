package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// OutcomeKind classifies the result of Session.ReadBlock.
type OutcomeKind int

const (
	// OutcomeBlock carries a complete SampleBlock.
	OutcomeBlock OutcomeKind = iota
	// OutcomeRetry means no complete block yet; call ReadBlock again.
	OutcomeRetry
	// OutcomeFatal means the session is unusable and must be reopened.
	OutcomeFatal
)

// ReadOutcome is the result of one read attempt.
type ReadOutcome struct {
	Kind  OutcomeKind
	Block SampleBlock
	// Recovered is set on OutcomeRetry when the stream was prepared or resumed.
	Recovered bool
	Err       error
}

// FaultError is a fatal hardware condition.
type FaultError struct {
	Device string
	State  PCMState
	Err    error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("device %s: fatal fault in state %s: %v", e.Device, e.State, e.Err)
}

func (e *FaultError) Unwrap() error {
	return e.Err
}

// Session owns one open capture interface and assembles fixed-size blocks from it.
// It is not safe for concurrent use; one goroutine drives it.
type Session struct {
	cfg      DeviceConfig
	pcm      PCM
	direct   DirectPCM
	strategy ReadStrategy

	pending []int32
	filled  int

	xruns   uint64
	resumes uint64
	closed  bool
	now     func() time.Time
}

// Open negotiates a capture stream for cfg and starts it. The direct strategy is
// tried first; devices that refuse it are reopened with a copying read.
func Open(driver Driver, cfg DeviceConfig) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	strategy := StrategyDirect
	pcm, err := driver.Open(cfg, strategy)
	if errors.Is(err, ErrDirectUnsupported) {
		slog.Info("direct buffer access unavailable, using copying read", "device", cfg.Name)
		strategy = StrategyCopy
		pcm, err = driver.Open(cfg, strategy)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s (%s): %w", cfg.Name, cfg.Hardware, err)
	}

	s := &Session{
		cfg:      cfg,
		pcm:      pcm,
		strategy: strategy,
		now:      time.Now,
	}
	if strategy == StrategyDirect {
		if d, ok := pcm.(DirectPCM); ok {
			s.direct = d
		} else {
			s.strategy = StrategyCopy
		}
	}

	if err := pcm.Prepare(); err != nil {
		_ = pcm.Close()
		return nil, fmt.Errorf("prepare %s: %w", cfg.Name, err)
	}
	if err := pcm.Start(); err != nil {
		_ = pcm.Close()
		return nil, fmt.Errorf("start %s: %w", cfg.Name, err)
	}

	slog.Info("capture session opened",
		"device", cfg.Name, "hardware", cfg.Hardware,
		"channels", cfg.Channels, "rate", cfg.SampleRate, "strategy", s.strategy)
	return s, nil
}

// Config returns the negotiated device config.
func (s *Session) Config() DeviceConfig {
	return s.cfg
}

// Strategy returns the read strategy in use.
func (s *Session) Strategy() ReadStrategy {
	return s.strategy
}

// XRuns returns how many overruns the session recovered from.
func (s *Session) XRuns() uint64 {
	return s.xruns
}

// Resumes returns how many suspensions the session recovered from.
func (s *Session) Resumes() uint64 {
	return s.resumes
}

// ReadBlock performs one read attempt. Transient conditions and self-healing
// faults are handled here and reported as OutcomeRetry; anything else is fatal.
func (s *Session) ReadBlock() ReadOutcome {
	if s.closed {
		return s.fatal(StateDisconnected, errors.New("session closed"))
	}

	if out, ok := s.checkState(); !ok {
		return out
	}

	if s.pending == nil {
		s.pending = make([]int32, s.cfg.BlockSamples())
		s.filled = 0
	}

	var (
		n   int
		err error
	)
	if s.direct != nil {
		var view []int32
		view, err = s.direct.ReadDirect((len(s.pending) - s.filled) / s.cfg.Channels)
		n = copy(s.pending[s.filled:], view)
	} else {
		var frames int
		frames, err = s.pcm.Read(s.pending[s.filled:])
		n = frames * s.cfg.Channels
	}
	s.filled += n

	if s.filled == len(s.pending) {
		block := SampleBlock{Samples: s.pending, Timestamp: s.now()}
		s.pending = nil
		s.filled = 0
		if err != nil && !errors.Is(err, ErrNoData) {
			// Completed block goes out first; the condition is still visible
			// through State() on the next call.
			slog.Debug("read condition deferred after full block", "device", s.cfg.Name, "error", err)
		}
		return ReadOutcome{Kind: OutcomeBlock, Block: block}
	}

	if err != nil {
		return s.classify(err)
	}
	return ReadOutcome{Kind: OutcomeRetry}
}

// checkState inspects the stream state before reading and applies recovery.
func (s *Session) checkState() (ReadOutcome, bool) {
	switch st := s.pcm.State(); st {
	case StateRunning:
		return ReadOutcome{}, true
	case StatePrepared:
		slog.Info("starting capture stream", "device", s.cfg.Name)
		if err := s.pcm.Start(); err != nil {
			return s.fatal(st, err), false
		}
		return ReadOutcome{}, true
	case StateXRun:
		return s.classify(ErrXRun), false
	case StateSuspended:
		return s.classify(ErrSuspended), false
	default:
		return s.fatal(st, ErrUnexpectedState), false
	}
}

// classify maps a read error onto ignore, self-heal or escalate.
func (s *Session) classify(err error) ReadOutcome {
	switch {
	case errors.Is(err, ErrNoData):
		return ReadOutcome{Kind: OutcomeRetry}

	case errors.Is(err, ErrXRun):
		s.xruns++
		slog.Warn("overrun in capture stream, preparing", "device", s.cfg.Name, "xruns", s.xruns)
		if perr := s.pcm.Prepare(); perr != nil {
			return s.fatal(StateXRun, fmt.Errorf("prepare after overrun: %w", perr))
		}
		if serr := s.pcm.Start(); serr != nil {
			return s.fatal(StateXRun, fmt.Errorf("start after overrun: %w", serr))
		}
		return ReadOutcome{Kind: OutcomeRetry, Recovered: true}

	case errors.Is(err, ErrSuspended):
		s.resumes++
		slog.Warn("capture stream suspended, resuming", "device", s.cfg.Name)
		if rerr := s.pcm.Resume(); rerr != nil {
			slog.Warn("resume failed, restarting stream", "device", s.cfg.Name, "error", rerr)
			if perr := s.pcm.Prepare(); perr != nil {
				return s.fatal(StateSuspended, fmt.Errorf("prepare after failed resume: %w", perr))
			}
			if serr := s.pcm.Start(); serr != nil {
				return s.fatal(StateSuspended, fmt.Errorf("start after failed resume: %w", serr))
			}
		}
		return ReadOutcome{Kind: OutcomeRetry, Recovered: true}

	default:
		return s.fatal(s.pcm.State(), err)
	}
}

func (s *Session) fatal(state PCMState, err error) ReadOutcome {
	s.pending = nil
	s.filled = 0
	return ReadOutcome{
		Kind: OutcomeFatal,
		Err:  &FaultError{Device: s.cfg.Name, State: state, Err: err},
	}
}

// Close releases the stream. It is safe to call more than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.pending = nil
	if err := s.pcm.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.cfg.Name, err)
	}
	return nil
}
