// Package relay carries sample blocks from a capture loop to its writer
// without ever blocking the capture side.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/oszuidwest/andros/internal/audio"
)

// DefaultCapacity is the number of blocks a relay buffers by default.
const DefaultCapacity = 64

// dropLogInterval is how often repeated drops are logged.
const dropLogInterval = 100

// ErrUnknownPolicy is returned by ParsePolicy.
var ErrUnknownPolicy = errors.New("unknown drop policy")

// DropPolicy defines what happens when the writer cannot keep up.
type DropPolicy int

const (
	// DropNew discards the block being sent.
	DropNew DropPolicy = iota
	// DropOldest evicts the oldest pending block to make room for the new one.
	DropOldest
)

func (p DropPolicy) String() string {
	if p == DropOldest {
		return "drop_oldest"
	}
	return "drop_new"
}

// ParsePolicy converts a config value into a DropPolicy. Empty means DropNew.
func ParsePolicy(s string) (DropPolicy, error) {
	switch strings.ToLower(s) {
	case "", "drop_new":
		return DropNew, nil
	case "drop_oldest":
		return DropOldest, nil
	default:
		return DropNew, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// Stats tracks block delivery.
type Stats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
	Pending int    `json:"pending"`
}

// Relay is a bounded single-producer, single-consumer queue of sample blocks.
type Relay struct {
	device string
	policy DropPolicy
	ch     chan audio.SampleBlock

	sent    atomic.Uint64
	dropped atomic.Uint64
	closed  atomic.Bool

	// OnDrop, when set, is called by the producer after each dropped block.
	OnDrop func(dropped uint64)
}

// New creates a relay for device. A capacity below one uses DefaultCapacity.
func New(device string, capacity int, policy DropPolicy) *Relay {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Relay{
		device: device,
		policy: policy,
		ch:     make(chan audio.SampleBlock, capacity),
	}
}

// Send enqueues block without blocking. It reports whether block was
// enqueued; under DropOldest a full queue evicts instead, so Send only fails
// once the relay is closed. Send must only be called by the producer.
func (r *Relay) Send(block audio.SampleBlock) bool {
	if r.closed.Load() {
		return false
	}

	select {
	case r.ch <- block:
		r.sent.Add(1)
		return true
	default:
	}

	if r.policy == DropNew {
		r.drop()
		return false
	}

	select {
	case <-r.ch:
		r.drop()
	default:
	}
	select {
	case r.ch <- block:
		r.sent.Add(1)
		return true
	default:
		r.drop()
		return false
	}
}

func (r *Relay) drop() {
	n := r.dropped.Add(1)
	if n == 1 || n%dropLogInterval == 0 {
		slog.Warn("relay full, dropping block",
			"device", r.device, "policy", r.policy, "dropped", n, "capacity", cap(r.ch))
	}
	if r.OnDrop != nil {
		r.OnDrop(n)
	}
}

// Receive blocks until a block is available. It returns false once the relay
// is closed and drained.
func (r *Relay) Receive() (audio.SampleBlock, bool) {
	block, ok := <-r.ch
	return block, ok
}

// Close signals the consumer that no more blocks will arrive. Pending blocks
// remain receivable. Close must be called by the producer and is idempotent.
func (r *Relay) Close() {
	if r.closed.CompareAndSwap(false, true) {
		close(r.ch)
	}
}

// Stats returns delivery counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Sent:    r.sent.Load(),
		Dropped: r.dropped.Load(),
		Pending: len(r.ch),
	}
}
