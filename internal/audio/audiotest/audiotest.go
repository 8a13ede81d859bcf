// Package audiotest provides scripted PCM streams for exercising capture code without hardware.
package audiotest

import (
	"errors"
	"sync"

	"github.com/oszuidwest/andros/internal/audio"
)

// ErrInjected is a generic fatal error for scripts.
var ErrInjected = errors.New("injected fault")

// Step is the scripted result of one read call.
type Step struct {
	// Samples are interleaved whole frames returned by the read.
	Samples []int32
	Err     error
	// Enter, when non-zero, is the state the stream moves to after the read.
	Enter audio.PCMState
}

// Script returns the step for the given zero-based read call.
type Script func(call int) Step

// PCM is a scripted audio.PCM. It is safe for concurrent inspection.
type PCM struct {
	mu       sync.Mutex
	channels int
	script   Script
	state    audio.PCMState

	calls    int
	prepares int
	starts   int
	resumes  int
	closed   bool

	// PrepareErr, StartErr and ResumeErr are returned by the matching calls when set.
	PrepareErr error
	StartErr   error
	ResumeErr  error
}

// NewPCM creates a scripted stream in the setup state.
func NewPCM(cfg audio.DeviceConfig, script Script) *PCM {
	return &PCM{channels: cfg.Channels, script: script, state: audio.StateSetup}
}

func (p *PCM) next() Step {
	p.mu.Lock()
	defer p.mu.Unlock()
	call := p.calls
	p.calls++
	if p.closed {
		return Step{Err: errors.New("read on closed stream")}
	}
	step := p.script(call)
	if step.Enter != 0 {
		defer func() { p.state = step.Enter }()
	}
	return step
}

// Read implements audio.PCM.
func (p *PCM) Read(dst []int32) (int, error) {
	step := p.next()
	n := copy(dst, step.Samples)
	return n / p.channels, step.Err
}

// State implements audio.PCM.
func (p *PCM) State() audio.PCMState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetState forces the stream state.
func (p *PCM) SetState(s audio.PCMState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

// Prepare implements audio.PCM.
func (p *PCM) Prepare() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prepares++
	if p.PrepareErr != nil {
		return p.PrepareErr
	}
	p.state = audio.StatePrepared
	return nil
}

// Start implements audio.PCM.
func (p *PCM) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	if p.StartErr != nil {
		return p.StartErr
	}
	p.state = audio.StateRunning
	return nil
}

// Resume implements audio.PCM.
func (p *PCM) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumes++
	if p.ResumeErr != nil {
		return p.ResumeErr
	}
	p.state = audio.StateRunning
	return nil
}

// Close implements audio.PCM.
func (p *PCM) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.state = audio.StateDisconnected
	return nil
}

// Calls returns the number of read calls made.
func (p *PCM) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Prepares returns the number of Prepare calls.
func (p *PCM) Prepares() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prepares
}

// Resumes returns the number of Resume calls.
func (p *PCM) Resumes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resumes
}

// Closed reports whether Close was called.
func (p *PCM) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// DirectPCM is a scripted audio.DirectPCM.
type DirectPCM struct {
	*PCM
}

// ReadDirect implements audio.DirectPCM.
func (p DirectPCM) ReadDirect(maxFrames int) ([]int32, error) {
	step := p.next()
	samples := step.Samples
	if limit := maxFrames * p.channels; len(samples) > limit {
		samples = samples[:limit]
	}
	return samples, step.Err
}

// Driver is a scripted audio.Driver.
type Driver struct {
	mu sync.Mutex
	// NewPCM builds the stream for the attempt-th open (zero-based) of a device.
	NewPCM func(cfg audio.DeviceConfig, strategy audio.ReadStrategy, attempt int) (audio.PCM, error)
	opens  map[string]int
}

// Open implements audio.Driver.
func (d *Driver) Open(cfg audio.DeviceConfig, strategy audio.ReadStrategy) (audio.PCM, error) {
	d.mu.Lock()
	if d.opens == nil {
		d.opens = make(map[string]int)
	}
	attempt := d.opens[cfg.Name]
	d.opens[cfg.Name]++
	d.mu.Unlock()
	return d.NewPCM(cfg, strategy, attempt)
}

// Opens returns how many times the named device was opened.
func (d *Driver) Opens(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens[name]
}

// Block returns one full block of interleaved samples all set to v.
func Block(cfg audio.DeviceConfig, v int32) []int32 {
	samples := make([]int32, cfg.BlockSamples())
	for i := range samples {
		samples[i] = v
	}
	return samples
}

// Constant is a script that returns full blocks of v forever.
func Constant(cfg audio.DeviceConfig, v int32) Script {
	samples := Block(cfg, v)
	return func(int) Step {
		return Step{Samples: samples}
	}
}

// Silent is a script that returns full all-zero blocks forever.
func Silent(cfg audio.DeviceConfig) Script {
	return Constant(cfg, 0)
}
