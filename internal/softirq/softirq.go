// Package softirq runs deferred interrupt work. Each CPU has a pending
// bitmask of vectors; pending work runs on interrupt exit, and work that
// keeps being raised is handed to a per-CPU ksoftirqd thread.
package softirq

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/me/kcore/internal/sched"
)

// Vector identifies a softirq. Lower vectors run first.
type Vector uint8

const (
	HI Vector = iota
	Timer
	NetTX
	NetRX
	Block
	IRQPoll
	Tasklet
	Sched
	HRTimer
	RCU
	NrVectors
)

var vectorNames = [NrVectors]string{"HI", "TIMER", "NET_TX", "NET_RX", "BLOCK", "IRQ_POLL", "TASKLET", "SCHED", "HRTIMER", "RCU"}

func (v Vector) String() string {
	if v < NrVectors {
		return vectorNames[v]
	}
	return fmt.Sprintf("vector(%d)", uint8(v))
}

// DefaultMaxRestart bounds how many times pending work is re-scanned on
// interrupt exit before the rest goes to ksoftirqd.
const DefaultMaxRestart = 10

// Handler runs a vector's work on cpu.
type Handler func(cpu int)

type cpuState struct {
	pending atomic.Uint32
	hardirq atomic.Int32
	running atomic.Bool
	thread  atomic.Pointer[sched.Task]

	handled  [NrVectors]atomic.Uint64
	raised   [NrVectors]atomic.Uint64
	handoffs atomic.Uint64
}

// Engine owns the softirq state of every CPU.
type Engine struct {
	s          *sched.Scheduler
	logger     *slog.Logger
	maxRestart int

	mu       sync.RWMutex
	handlers [NrVectors]Handler

	cpus []*cpuState
}

// New creates the engine for every CPU of s. maxRestart <= 0 selects
// DefaultMaxRestart.
func New(s *sched.Scheduler, maxRestart int, logger *slog.Logger) *Engine {
	if maxRestart <= 0 {
		maxRestart = DefaultMaxRestart
	}
	e := &Engine{
		s:          s,
		logger:     logger.With("component", "softirq"),
		maxRestart: maxRestart,
		cpus:       make([]*cpuState, s.NrCPUs()),
	}
	for i := range e.cpus {
		e.cpus[i] = &cpuState{}
	}
	return e
}

// Open installs the handler for v.
func (e *Engine) Open(v Vector, h Handler) {
	if v >= NrVectors {
		panic(fmt.Sprintf("softirq: open of %s", v))
	}
	e.mu.Lock()
	e.handlers[v] = h
	e.mu.Unlock()
}

// Start creates the ksoftirqd threads, one bound to each CPU.
func (e *Engine) Start() {
	for cpu, c := range e.cpus {
		t := e.s.KthreadCreate(fmt.Sprintf("ksoftirqd/%d", cpu), func(p *sched.Task) { e.threadLoop(p, cpu) })
		e.s.KthreadBind(t, cpu)
		c.thread.Store(t)
		e.s.WakeUp(t)
	}
}

// Stop stops the ksoftirqd threads.
func (e *Engine) Stop() {
	for _, c := range e.cpus {
		if t := c.thread.Swap(nil); t != nil {
			e.s.KthreadStop(nil, t)
		}
	}
}

// Raise marks v pending on cpu. Outside interrupt context the work cannot
// wait for an interrupt exit, so ksoftirqd is woken to run it.
func (e *Engine) Raise(cpu int, v Vector) {
	c := e.cpus[cpu]
	c.pending.Or(1 << v)
	c.raised[v].Add(1)
	if !e.InInterrupt(cpu) {
		e.wakeThread(c)
	}
}

// Pending returns the pending bitmask of cpu.
func (e *Engine) Pending(cpu int) uint32 { return e.cpus[cpu].pending.Load() }

// IRQEnter marks the start of a hardware interrupt on cpu.
func (e *Engine) IRQEnter(cpu int) { e.cpus[cpu].hardirq.Add(1) }

// IRQExit ends a hardware interrupt on cpu and runs pending softirqs once
// the outermost interrupt is left.
func (e *Engine) IRQExit(cpu int) {
	c := e.cpus[cpu]
	n := c.hardirq.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("softirq: unbalanced irq exit on cpu%d", cpu))
	}
	if n == 0 && c.pending.Load() != 0 {
		e.Invoke(cpu)
	}
}

// InInterrupt reports whether cpu is in a hardware interrupt or running
// softirqs.
func (e *Engine) InInterrupt(cpu int) bool {
	c := e.cpus[cpu]
	return c.hardirq.Load() > 0 || c.running.Load()
}

// Invoke runs pending softirqs on cpu. New work raised meanwhile is picked
// up by rescanning, at most maxRestart times; anything left after that is
// handed to ksoftirqd.
func (e *Engine) Invoke(cpu int) {
	c := e.cpus[cpu]
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	defer c.running.Store(false)

	e.mu.RLock()
	handlers := e.handlers
	e.mu.RUnlock()

	for restart := 0; restart < e.maxRestart; restart++ {
		pending := c.pending.Swap(0)
		if pending == 0 {
			return
		}
		for v := Vector(0); v < NrVectors; v++ {
			if pending&(1<<v) == 0 {
				continue
			}
			if h := handlers[v]; h != nil {
				h(cpu)
			}
			c.handled[v].Add(1)
		}
	}
	if c.pending.Load() != 0 {
		c.handoffs.Add(1)
		e.logger.Debug("softirq work handed to ksoftirqd", "cpu", cpu, "pending", c.pending.Load())
		e.wakeThread(c)
	}
}

func (e *Engine) wakeThread(c *cpuState) {
	if t := c.thread.Load(); t != nil {
		e.s.WakeUp(t)
	}
}

func (e *Engine) threadLoop(p *sched.Task, cpu int) {
	c := e.cpus[cpu]
	for !p.ShouldStop() {
		if c.pending.Load() == 0 {
			p.SetState(sched.TaskInterruptible)
			if c.pending.Load() == 0 && !p.ShouldStop() {
				e.s.Schedule(p)
			}
			p.SetState(sched.TaskRunning)
			continue
		}
		e.Invoke(cpu)
		e.s.CondResched(p)
	}
}

// Stats is a per-CPU snapshot of softirq counters.
type Stats struct {
	CPU      int               `json:"cpu"`
	Pending  uint32            `json:"pending"`
	Raised   map[string]uint64 `json:"raised"`
	Handled  map[string]uint64 `json:"handled"`
	Handoffs uint64            `json:"handoffs"`
}

// Stats returns the counters of every CPU.
func (e *Engine) Stats() []Stats {
	out := make([]Stats, len(e.cpus))
	for i, c := range e.cpus {
		st := Stats{
			CPU:      i,
			Pending:  c.pending.Load(),
			Raised:   make(map[string]uint64),
			Handled:  make(map[string]uint64),
			Handoffs: c.handoffs.Load(),
		}
		for v := Vector(0); v < NrVectors; v++ {
			if n := c.raised[v].Load(); n > 0 {
				st.Raised[v.String()] = n
			}
			if n := c.handled[v].Load(); n > 0 {
				st.Handled[v.String()] = n
			}
		}
		out[i] = st
	}
	return out
}
