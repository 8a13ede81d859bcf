package audio

import "errors"

// Sentinel errors reported by PCM backends.
var (
	// ErrNoData means no complete frame was available; the caller should retry.
	ErrNoData = errors.New("no data available")

	// ErrXRun means the capture buffer overran and the stream needs a prepare.
	ErrXRun = errors.New("capture buffer overrun")

	// ErrSuspended means the stream was suspended and needs a resume.
	ErrSuspended = errors.New("stream suspended")

	// ErrDirectUnsupported is returned by Driver.Open when the device cannot be read with StrategyDirect.
	ErrDirectUnsupported = errors.New("direct buffer access not supported")

	// ErrUnexpectedState is wrapped into faults raised for states the session cannot recover from.
	ErrUnexpectedState = errors.New("unexpected pcm state")
)

// PCMState mirrors the ALSA PCM state machine.
type PCMState int

// PCM states.
const (
	StateOpen PCMState = iota
	StateSetup
	StatePrepared
	StateRunning
	StateXRun
	StateDraining
	StatePaused
	StateSuspended
	StateDisconnected
)

var pcmStateNames = [...]string{
	StateOpen:         "open",
	StateSetup:        "setup",
	StatePrepared:     "prepared",
	StateRunning:      "running",
	StateXRun:         "xrun",
	StateDraining:     "draining",
	StatePaused:       "paused",
	StateSuspended:    "suspended",
	StateDisconnected: "disconnected",
}

func (s PCMState) String() string {
	if s >= 0 && int(s) < len(pcmStateNames) {
		return pcmStateNames[s]
	}
	return "unknown"
}

// ReadStrategy selects how samples are taken from the device.
type ReadStrategy int

const (
	// StrategyDirect reads from the device's own buffer without an intermediate decode copy.
	StrategyDirect ReadStrategy = iota
	// StrategyCopy performs a copying interleaved read.
	StrategyCopy
)

func (s ReadStrategy) String() string {
	if s == StrategyDirect {
		return "direct"
	}
	return "copy"
}

// PCM is an open capture stream.
type PCM interface {
	// Read fills dst with whole interleaved frames and returns the frame count.
	// It returns ErrNoData, ErrXRun or ErrSuspended for recoverable conditions.
	Read(dst []int32) (frames int, err error)
	State() PCMState
	Start() error
	Prepare() error
	Resume() error
	Close() error
}

// DirectPCM is a PCM that exposes its buffer directly.
type DirectPCM interface {
	PCM
	// ReadDirect returns up to maxFrames whole frames. The slice aliases the
	// backend buffer and is only valid until the next call.
	ReadDirect(maxFrames int) ([]int32, error)
}

// Driver opens PCM streams for a device.
type Driver interface {
	Open(cfg DeviceConfig, strategy ReadStrategy) (PCM, error)
}
