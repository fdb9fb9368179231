package arch

import "sync/atomic"

// MMContext is an opaque address-space handle. Zero is the kernel's own
// address space, which kernel threads borrow.
type MMContext uint64

// MMU switches the active address space of a CPU.
type MMU interface {
	SwitchMM(cpu int, prev, next MMContext)
}

// CountingMMU is an MMU that records switches and the active context.
type CountingMMU struct {
	active   []atomic.Uint64
	switches atomic.Uint64
}

// NewCountingMMU returns an MMU for nrCPUs CPUs.
func NewCountingMMU(nrCPUs int) *CountingMMU {
	return &CountingMMU{active: make([]atomic.Uint64, nrCPUs)}
}

// SwitchMM implements MMU.
func (m *CountingMMU) SwitchMM(cpu int, prev, next MMContext) {
	if prev == next {
		return
	}
	m.active[cpu].Store(uint64(next))
	m.switches.Add(1)
}

// Active returns the context loaded on cpu.
func (m *CountingMMU) Active(cpu int) MMContext { return MMContext(m.active[cpu].Load()) }

// Switches returns the number of address-space switches.
func (m *CountingMMU) Switches() uint64 { return m.switches.Load() }
