// Package timer implements per-CPU timer lists and the periodic tick.
//
// Each CPU keeps its pending timers sorted by expiry. Only a change of the
// earliest timer reprograms the CPU's clock-event device. Handle is the
// timer interrupt: it fires every expired timer and then runs the
// scheduler tick.
package timer

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync/atomic"
	"time"

	"github.com/me/kcore/internal/arch"
	"github.com/me/kcore/internal/sched"
	"github.com/me/kcore/internal/spin"
)

// Func is a timer callback. It runs in interrupt context with the timer
// list unlocked, so it may re-arm its own timer.
type Func func(data any)

// Timer is a one-shot callback at an absolute time.
type Timer struct {
	expires uint64
	fn      Func
	data    any
	cpu     int
	pending bool
}

// Expires returns the expiry last set with Add or Mod.
func (t *Timer) Expires() uint64 { return t.expires }

// IRQContext marks interrupt entry and exit. softirq.Engine implements it.
type IRQContext interface {
	IRQEnter(cpu int)
	IRQExit(cpu int)
}

type base struct {
	lock    spin.Lock
	irq     *arch.IRQState
	timers  []*Timer
	running *Timer
	fired   atomic.Uint64
}

// Wheel holds the timer lists of every CPU.
type Wheel struct {
	s      *sched.Scheduler
	clock  arch.Clock
	event  arch.ClockEvent
	irq    IRQContext
	logger *slog.Logger
	bases  []*base
	ticks  atomic.Uint64
}

// New creates a wheel for every CPU of s. event and irq may be nil.
func New(s *sched.Scheduler, event arch.ClockEvent, irq IRQContext, logger *slog.Logger) *Wheel {
	w := &Wheel{
		s:      s,
		clock:  s.Clock(),
		event:  event,
		irq:    irq,
		logger: logger.With("component", "timer"),
		bases:  make([]*base, s.NrCPUs()),
	}
	for i := range w.bases {
		w.bases[i] = &base{irq: s.CPU(i).IRQ()}
	}
	return w
}

// Now returns the current time of the wheel's clock.
func (w *Wheel) Now() uint64 { return w.clock.Now() }

// Setup prepares t to call fn(data) on cpu. t must not be pending.
func (w *Wheel) Setup(t *Timer, cpu int, fn Func, data any) {
	if cpu < 0 || cpu >= len(w.bases) {
		panic(fmt.Sprintf("timer: setup on cpu%d of %d", cpu, len(w.bases)))
	}
	*t = Timer{fn: fn, data: data, cpu: cpu}
}

// Add arms t to fire at expires. Adding a pending timer panics; use Mod to
// change an armed timer. Add, Mod, Del and DelSync may be called from any
// context and mask no CPU's interrupts.
func (w *Wheel) Add(t *Timer, expires uint64) {
	w.add(t, expires, nil)
}

// add arms t on behalf of code running with local interrupt state local,
// which is nil outside any CPU.
func (w *Wheel) add(t *Timer, expires uint64, local *arch.IRQState) {
	if t.fn == nil {
		panic("timer: add of a timer that was not set up")
	}
	b := w.bases[t.cpu]
	f := b.lock.LockIRQSave(local)
	defer b.lock.UnlockIRQRestore(local, f)
	if t.pending {
		panic("timer: add of a pending timer")
	}
	w.enqueueLocked(b, t, expires)
}

// Mod re-arms t at expires whether or not it is pending, and reports
// whether it was.
func (w *Wheel) Mod(t *Timer, expires uint64) bool {
	b := w.bases[t.cpu]
	f := b.lock.LockIRQSave(nil)
	defer b.lock.UnlockIRQRestore(nil, f)
	was := t.pending
	if was {
		w.dequeueLocked(b, t)
	}
	w.enqueueLocked(b, t, expires)
	return was
}

// Del disarms t and reports whether it was pending. A callback already
// running is not waited for; see DelSync.
func (w *Wheel) Del(t *Timer) bool {
	b := w.bases[t.cpu]
	f := b.lock.LockIRQSave(nil)
	defer b.lock.UnlockIRQRestore(nil, f)
	if !t.pending {
		return false
	}
	w.dequeueLocked(b, t)
	return true
}

// DelSync disarms t and waits for a running callback of t to return. It
// must not be called from t's own callback.
func (w *Wheel) DelSync(t *Timer) bool {
	return w.delSync(t, nil)
}

func (w *Wheel) delSync(t *Timer, local *arch.IRQState) bool {
	b := w.bases[t.cpu]
	for {
		f := b.lock.LockIRQSave(local)
		was := t.pending
		if was {
			w.dequeueLocked(b, t)
		}
		busy := b.running == t
		b.lock.UnlockIRQRestore(local, f)
		if !busy {
			return was
		}
		runtime.Gosched()
	}
}

// Pending reports whether t is armed.
func (w *Wheel) Pending(t *Timer) bool {
	b := w.bases[t.cpu]
	b.lock.Lock()
	defer b.lock.Unlock()
	return t.pending
}

// Len returns the number of armed timers on cpu.
func (w *Wheel) Len(cpu int) int {
	b := w.bases[cpu]
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.timers)
}

// enqueueLocked inserts t after every timer with the same or an earlier
// expiry, so equal expiries fire in insertion order.
func (w *Wheel) enqueueLocked(b *base, t *Timer, expires uint64) {
	t.expires = expires
	i, _ := slices.BinarySearchFunc(b.timers, expires, func(x *Timer, e uint64) int {
		if x.expires <= e {
			return -1
		}
		return 1
	})
	b.timers = slices.Insert(b.timers, i, t)
	t.pending = true
	if i == 0 {
		w.program(t.cpu, expires)
	}
}

func (w *Wheel) dequeueLocked(b *base, t *Timer) {
	i := slices.Index(b.timers, t)
	if i < 0 {
		panic("timer: pending timer missing from its list")
	}
	b.timers = slices.Delete(b.timers, i, i+1)
	t.pending = false
	if i == 0 {
		var next uint64
		if len(b.timers) > 0 {
			next = b.timers[0].expires
		}
		w.program(t.cpu, next)
	}
}

func (w *Wheel) program(cpu int, expires uint64) {
	if w.event != nil {
		w.event.SetNextEvent(cpu, expires)
	}
}

// expire fires every timer on cpu that is due. It runs in cpu's timer
// interrupt, so the list lock masks cpu itself. The lock is dropped around
// each callback.
func (w *Wheel) expire(cpu int) int {
	b := w.bases[cpu]
	now := w.clock.Now()
	n := 0
	f := b.lock.LockIRQSave(b.irq)
	for len(b.timers) > 0 && b.timers[0].expires <= now {
		t := b.timers[0]
		w.dequeueLocked(b, t)
		b.running = t
		fn, data := t.fn, t.data
		b.lock.UnlockIRQRestore(b.irq, f)

		fn(data)
		n++

		f = b.lock.LockIRQSave(b.irq)
		b.running = nil
		b.fired.Add(1)
	}
	b.lock.UnlockIRQRestore(b.irq, f)
	return n
}

// Handle is the timer interrupt of cpu: fire expired timers, then run the
// scheduler tick. A tick that finds interrupts disabled on cpu is deferred:
// it is counted and skipped, and the next tick catches up by clock delta.
func (w *Wheel) Handle(cpu int) {
	if w.s.CPU(cpu).IRQ().Disabled() {
		w.s.NoteDeferredTick(cpu)
		return
	}
	w.ticks.Add(1)
	if w.irq != nil {
		w.irq.IRQEnter(cpu)
	}
	w.expire(cpu)
	w.s.Tick(cpu)
	if w.irq != nil {
		w.irq.IRQExit(cpu)
	}
}

// Fired returns how many timers have fired on cpu.
func (w *Wheel) Fired(cpu int) uint64 { return w.bases[cpu].fired.Load() }

// Ticks returns how many timer interrupts were handled.
func (w *Wheel) Ticks() uint64 { return w.ticks.Load() }

// Run delivers a timer interrupt to every CPU once per period until ctx is
// done. A manual clock is advanced by one period per tick.
func (w *Wheel) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	manual, _ := w.clock.(*arch.ManualClock)
	w.logger.Info("tick source started", "period", period, "cpus", len(w.bases))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("tick source stopped", "ticks", w.ticks.Load())
			return
		case <-ticker.C:
			if manual != nil {
				manual.Advance(period)
			}
			for cpu := range w.bases {
				w.Handle(cpu)
			}
		}
	}
}
