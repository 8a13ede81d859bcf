package audio

import (
	"fmt"
	"sync/atomic"
)

// Health is the externally visible condition code of one device.
type Health uint8

// Health codes. The numeric values are part of the telemetry contract.
const (
	HealthOK           Health = 0
	HealthNoData       Health = 1
	HealthDisconnected Health = 2
	HealthOtherError   Health = 3
)

func (h Health) String() string {
	switch h {
	case HealthOK:
		return "ok"
	case HealthNoData:
		return "no_data"
	case HealthDisconnected:
		return "disconnected"
	case HealthOtherError:
		return "other_error"
	default:
		return fmt.Sprintf("health(%d)", uint8(h))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (h Health) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Health) UnmarshalText(text []byte) error {
	for _, c := range []Health{HealthOK, HealthNoData, HealthDisconnected, HealthOtherError} {
		if c.String() == string(text) {
			*h = c
			return nil
		}
	}
	return fmt.Errorf("unknown health %q", text)
}

// HealthCell is a lock-free holder for a device's Health. The zero value is HealthOK.
type HealthCell struct {
	v atomic.Uint32
}

// Load returns the current health.
func (c *HealthCell) Load() Health {
	return Health(c.v.Load())
}

// Store sets the health and returns the previous value.
func (c *HealthCell) Store(h Health) Health {
	return Health(c.v.Swap(uint32(h)))
}

// CompareAndSwap sets the health to next only if it currently equals prev.
func (c *HealthCell) CompareAndSwap(prev, next Health) bool {
	return c.v.CompareAndSwap(uint32(prev), uint32(next))
}
