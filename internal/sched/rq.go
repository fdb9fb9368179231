package sched

import (
	"sync/atomic"

	"github.com/me/kcore/internal/arch"
	"github.com/me/kcore/internal/pelt"
	"github.com/me/kcore/internal/spin"
)

// CPU is the per-core context: its run queue, local interrupt state and
// reschedule flag. CPUs are created once at boot and never move.
type CPU struct {
	id          int
	s           *Scheduler
	rq          RunQueue
	irq         arch.IRQState
	needResched atomic.Bool
	kick        chan struct{}
}

// ID returns the CPU number.
func (c *CPU) ID() int { return c.id }

// IRQ returns the CPU's local interrupt state.
func (c *CPU) IRQ() *arch.IRQState { return &c.irq }

// NeedResched reports whether a reschedule is pending on this CPU.
func (c *CPU) NeedResched() bool { return c.needResched.Load() }

// Curr returns the task currently running on the CPU.
func (c *CPU) Curr() *Task {
	c.rq.lock.Lock()
	defer c.rq.lock.Unlock()
	return c.rq.curr
}

// RunQueue holds the runnable tasks of one CPU.
type RunQueue struct {
	lock spin.Lock
	s    *Scheduler
	cpu  *CPU

	curr *Task
	idle *Task

	// nrRunning counts queued tasks, including the running one. It is
	// written under lock and read locklessly by balancing and stats.
	nrRunning atomic.Int32

	clock     uint64
	clockTask uint64
	ticks     uint64

	cfs *cfsRQ
	avg pelt.Avg

	loadAvg atomic.Uint64
	utilAvg atomic.Uint64

	// statSeq makes the tick and switch counters and the load averages a
	// consistent set for Stats. Writers hold the run-queue lock.
	statSeq spin.SeqLock
	stats   rqStats
}

type rqStats struct {
	switches      atomic.Uint64
	ticks         atomic.Uint64
	deferredTicks atomic.Uint64
	wakeups       atomic.Uint64
	migrations    atomic.Uint64
	balances      atomic.Uint64
	ipis          atomic.Uint64
	yields        atomic.Uint64
	throttles     atomic.Uint64
}

// lockIRQ locks rq from its own CPU with that CPU's interrupts disabled.
func (rq *RunQueue) lockIRQ() arch.IRQFlags {
	return rq.lockFrom(rq.cpu)
}

func (rq *RunQueue) unlockIRQ(f arch.IRQFlags) {
	rq.unlockFrom(rq.cpu, f)
}

// lockFrom locks rq on behalf of code running on local, disabling local's
// interrupts for the hold. A nil local is a caller outside any CPU, such as
// an API request or a remote waker, and leaves every interrupt state alone.
func (rq *RunQueue) lockFrom(local *CPU) arch.IRQFlags {
	return rq.lock.LockIRQSave(local.irqState())
}

func (rq *RunQueue) unlockFrom(local *CPU, f arch.IRQFlags) {
	rq.lock.UnlockIRQRestore(local.irqState(), f)
}

func (c *CPU) irqState() *arch.IRQState {
	if c == nil {
		return nil
	}
	return &c.irq
}

func (rq *RunQueue) updateClock() {
	now := rq.s.clock.Now()
	if now > rq.clock {
		rq.clock = now
		rq.clockTask = now
	}
}

// reschedCurr asks the running task to reschedule at its next safe point.
func (rq *RunQueue) reschedCurr() {
	rq.s.reschedCPU(rq.cpu.id)
}

// hasWork reports whether any class other than idle has runnable work.
func (rq *RunQueue) hasWork() bool {
	for _, id := range classOrder {
		if id != ClassIdle && classOf(id).hasWork(rq) {
			return true
		}
	}
	return false
}

func (rq *RunQueue) enqueueTask(p *Task, flags int) {
	classOf(p.class).enqueue(rq, p, flags)
	rq.nrRunning.Add(1)
}

func (rq *RunQueue) dequeueTask(p *Task, flags int) {
	classOf(p.class).dequeue(rq, p, flags)
	rq.nrRunning.Add(-1)
}

// activate queues a task that was not on any run queue.
func (rq *RunQueue) activate(p *Task, flags int) {
	p.cpu.Store(int32(rq.cpu.id))
	rq.enqueueTask(p, flags)
}

// deactivate removes a task that stops being runnable.
func (rq *RunQueue) deactivate(p *Task, flags int) {
	rq.dequeueTask(p, flags)
}

// pickNext consults the classes in priority order. The idle class always
// has a task, so the result is never nil.
func (rq *RunQueue) pickNext() *Task {
	for _, id := range classOrder {
		if p := classOf(id).pickNext(rq); p != nil {
			return p
		}
	}
	panic("sched: no runnable task and no idle task")
}

// checkPreemptCurr decides whether a newly runnable p should preempt the
// running task.
func (rq *RunQueue) checkPreemptCurr(p *Task) {
	curr := rq.curr
	switch {
	case curr == nil:
	case p.class == curr.class:
		classOf(curr.class).checkPreempt(rq, p)
	case p.class < curr.class:
		rq.reschedCurr()
	}
}

func (rq *RunQueue) updateLoadAvg() {
	busy := rq.curr != rq.idle
	pelt.Update(rq.clockTask, &rq.avg, busy, rq.nrRunning.Load() > 0, rq.cfs.load)
	rq.loadAvg.Store(rq.avg.LoadAvg)
	rq.utilAvg.Store(rq.avg.UtilAvg)
}

// lockTaskRQ locks the run queue p is on, retrying if p migrates between
// reading its CPU and taking the lock. Release it with unlockFrom(local).
func (s *Scheduler) lockTaskRQ(p *Task, local *CPU) (*RunQueue, arch.IRQFlags) {
	for {
		rq := &s.cpus[p.CPU()].rq
		f := rq.lockFrom(local)
		if rq.cpu.id == p.CPU() {
			return rq, f
		}
		rq.unlockFrom(local, f)
	}
}

// doubleLock locks two run queues in CPU order with local's interrupts
// disabled.
func doubleLock(local *CPU, a, b *RunQueue) arch.IRQFlags {
	if a == b {
		return a.lockFrom(local)
	}
	if a.cpu.id > b.cpu.id {
		a, b = b, a
	}
	f := a.lockFrom(local)
	b.lock.Lock()
	return f
}

func doubleUnlock(local *CPU, a, b *RunQueue, f arch.IRQFlags) {
	if a == b {
		a.unlockFrom(local, f)
		return
	}
	if a.cpu.id > b.cpu.id {
		a, b = b, a
	}
	b.lock.Unlock()
	a.unlockFrom(local, f)
}
