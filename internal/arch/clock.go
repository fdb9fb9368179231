// Package arch holds the interfaces kcore consumes from the architecture
// layer (time source, interrupt controller, address-space switch, tick
// device) together with in-process simulations of each.
package arch

import (
	"sync/atomic"
	"time"
)

// Clock is a monotonic time source reporting nanoseconds.
type Clock interface {
	Now() uint64
}

// ManualClock is a Clock that only moves when told to. Tests use it to make
// scheduling and timer behaviour deterministic.
type ManualClock struct {
	ns atomic.Uint64
}

// NewManualClock returns a clock starting at start nanoseconds.
func NewManualClock(start uint64) *ManualClock {
	c := &ManualClock{}
	c.ns.Store(start)
	return c
}

// Now implements Clock.
func (c *ManualClock) Now() uint64 { return c.ns.Load() }

// Advance moves the clock forward by d and returns the new reading.
func (c *ManualClock) Advance(d time.Duration) uint64 {
	if d < 0 {
		return c.ns.Load()
	}
	return c.ns.Add(uint64(d))
}

// Set moves the clock to ns if ns is later than the current reading.
func (c *ManualClock) Set(ns uint64) {
	for {
		cur := c.ns.Load()
		if ns <= cur || c.ns.CompareAndSwap(cur, ns) {
			return
		}
	}
}

// MonotonicClock reads the host's monotonic clock, rebased so that the
// first reading after construction is close to zero.
type MonotonicClock struct {
	base uint64
}

// NewMonotonicClock returns a clock rebased at the current host time.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{base: hostMonotonic()}
}

// Now implements Clock.
func (c *MonotonicClock) Now() uint64 {
	now := hostMonotonic()
	if now < c.base {
		return 0
	}
	return now - c.base
}
