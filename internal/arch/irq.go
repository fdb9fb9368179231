package arch

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Interrupt vectors used by the core.
const (
	VectorTimer        uint8 = 0x20
	VectorReschedule   uint8 = 0xF0
	VectorCallFunction uint8 = 0xF1
)

// IRQFlags is the saved interrupt state returned by IRQState.Save.
type IRQFlags int32

// Enabled reports whether interrupts were enabled when the flags were saved.
func (f IRQFlags) Enabled() bool { return f == 0 }

// IRQState tracks whether interrupts are disabled on one CPU. Disables nest;
// interrupts are enabled again once every Save has been matched by Restore.
type IRQState struct {
	depth atomic.Int32
}

// Save disables local interrupts and returns the previous state.
func (s *IRQState) Save() IRQFlags {
	return IRQFlags(s.depth.Add(1) - 1)
}

// Restore undoes the matching Save.
func (s *IRQState) Restore(f IRQFlags) {
	if d := s.depth.Add(-1); d < 0 {
		panic(fmt.Sprintf("arch: unbalanced irq restore (depth %d, saved %d)", d, f))
	}
}

// Disabled reports whether interrupts are currently disabled.
func (s *IRQState) Disabled() bool { return s.depth.Load() > 0 }

// Controller is the interrupt controller the scheduler drives.
type Controller interface {
	SendIPI(cpu int, vector uint8)
	SendEOI(vector uint8)
}

// IPIHandler runs on the target CPU when an IPI arrives.
type IPIHandler func(cpu int)

// IPIBus is a Controller that delivers IPIs synchronously to registered
// handlers. It stands in for the local APIC.
type IPIBus struct {
	mu       sync.RWMutex
	handlers map[uint8]IPIHandler
	sent     []atomic.Uint64
	eois     atomic.Uint64
}

// NewIPIBus returns a bus for nrCPUs CPUs.
func NewIPIBus(nrCPUs int) *IPIBus {
	return &IPIBus{
		handlers: make(map[uint8]IPIHandler),
		sent:     make([]atomic.Uint64, nrCPUs),
	}
}

// Register installs the handler for vector, replacing any previous one.
func (b *IPIBus) Register(vector uint8, h IPIHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[vector] = h
}

// SendIPI implements Controller.
func (b *IPIBus) SendIPI(cpu int, vector uint8) {
	if cpu < 0 || cpu >= len(b.sent) {
		return
	}
	b.sent[cpu].Add(1)
	b.mu.RLock()
	h := b.handlers[vector]
	b.mu.RUnlock()
	if h != nil {
		h(cpu)
	}
	b.SendEOI(vector)
}

// SendEOI implements Controller.
func (b *IPIBus) SendEOI(vector uint8) { b.eois.Add(1) }

// Sent returns the number of IPIs delivered to cpu.
func (b *IPIBus) Sent(cpu int) uint64 {
	if cpu < 0 || cpu >= len(b.sent) {
		return 0
	}
	return b.sent[cpu].Load()
}

// EOIs returns the number of end-of-interrupt acknowledgements.
func (b *IPIBus) EOIs() uint64 { return b.eois.Load() }

// ClockEvent is the per-CPU tick device; the timer wheel arms it for the
// earliest pending expiry.
type ClockEvent interface {
	SetNextEvent(cpu int, expires uint64)
}

// OneShot records the programmed expiry of every CPU.
type OneShot struct {
	next     []atomic.Uint64
	programs atomic.Uint64
}

// NewOneShot returns a device for nrCPUs CPUs.
func NewOneShot(nrCPUs int) *OneShot {
	return &OneShot{next: make([]atomic.Uint64, nrCPUs)}
}

// SetNextEvent implements ClockEvent.
func (o *OneShot) SetNextEvent(cpu int, expires uint64) {
	if cpu < 0 || cpu >= len(o.next) {
		return
	}
	o.next[cpu].Store(expires)
	o.programs.Add(1)
}

// Next returns the last expiry programmed for cpu.
func (o *OneShot) Next(cpu int) uint64 { return o.next[cpu].Load() }

// Programs returns how many times the device was reprogrammed.
func (o *OneShot) Programs() uint64 { return o.programs.Load() }
