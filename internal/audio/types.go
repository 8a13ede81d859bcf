package audio

import (
	"errors"
	"fmt"
	"time"
)

// BitDepth is the only sample width the capture pipeline handles.
const BitDepth = 32

// ErrInvalidConfig is returned when a DeviceConfig cannot be negotiated.
var ErrInvalidConfig = errors.New("invalid device config")

// DeviceConfig describes one capture interface. It is fixed for the lifetime of a session.
type DeviceConfig struct {
	// Name identifies the device in logs, file paths and telemetry (e.g. "i2s").
	Name string
	// Hardware is the ALSA PCM identifier (e.g. "hw:CARD=U192k,DEV=0").
	Hardware string
	// Channels is the number of interleaved channels per frame.
	Channels int
	// SampleRate is the capture rate in Hz.
	SampleRate int
	// BlockFrames is the number of frames delivered per SampleBlock.
	BlockFrames int
}

// BlockSamples returns the number of interleaved samples in one block.
func (c DeviceConfig) BlockSamples() int {
	return c.BlockFrames * c.Channels
}

// Validate reports whether the config can be used to open a session.
func (c DeviceConfig) Validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	case c.Hardware == "":
		return fmt.Errorf("%w: %s: hardware identifier is required", ErrInvalidConfig, c.Name)
	case c.Channels <= 0:
		return fmt.Errorf("%w: %s: channels must be positive", ErrInvalidConfig, c.Name)
	case c.SampleRate <= 0:
		return fmt.Errorf("%w: %s: sample rate must be positive", ErrInvalidConfig, c.Name)
	case c.BlockFrames <= 0:
		return fmt.Errorf("%w: %s: block frames must be positive", ErrInvalidConfig, c.Name)
	}
	return nil
}

// SampleBlock is one fixed-size batch of interleaved frames and the instant it was completed.
// A block is owned by exactly one pipeline stage at a time and is never modified after capture.
type SampleBlock struct {
	Samples   []int32
	Timestamp time.Time
}

// Frames returns the number of frames in the block for the given channel count.
func (b SampleBlock) Frames(channels int) int {
	if channels <= 0 {
		return 0
	}
	return len(b.Samples) / channels
}

// Device represents an available audio capture device.
type Device struct {
	// ID is the ALSA hardware identifier.
	ID string `json:"id"`
	// Name is the card's display name.
	Name string `json:"name"`
}

// ChannelLevel is the level of one channel in dBFS.
type ChannelLevel struct {
	RMS  float64 `json:"rms"`
	Peak float64 `json:"peak"`
	Clip int     `json:"clip,omitzero"`
}

// Levels holds per-channel level measurements for one device.
type Levels struct {
	Channels []ChannelLevel `json:"channels"`
}
