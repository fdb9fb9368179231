// Package sched is the scheduler: per-CPU run queues, the scheduling
// classes, task lifecycle, wakeups, priority inheritance and the wait
// primitives built directly on them.
//
// Every task runs on its own goroutine, and only the task that is current
// on a CPU may execute. Schedule hands the CPU to the next task by
// signalling that task's goroutine and parking the caller until it is
// picked again. Preemption is cooperative: ticks and wakeups set a
// need-resched flag that running tasks honour at safe points (CondResched,
// PreemptEnable, Yield, or any blocking call).
package sched

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/me/kcore/internal/arch"
	"github.com/me/kcore/internal/spin"
)

// Config holds the scheduler tunables.
type Config struct {
	NrCPUs            int
	Latency           time.Duration
	MinGranularity    time.Duration
	WakeupGranularity time.Duration
	// BalanceInterval is the number of ticks between load-balance passes.
	BalanceInterval uint64
	MaxPIChainDepth int
}

// DefaultConfig returns the standard tunables for one CPU.
func DefaultConfig() Config {
	return Config{
		NrCPUs:            1,
		Latency:           6 * time.Millisecond,
		MinGranularity:    750 * time.Microsecond,
		WakeupGranularity: time.Millisecond,
		BalanceInterval:   100,
		MaxPIChainDepth:   16,
	}
}

// IPIRouter is an interrupt controller that can also route incoming IPIs to
// handlers.
type IPIRouter interface {
	arch.Controller
	Register(vector uint8, h arch.IPIHandler)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source. The default is the host monotonic clock.
func WithClock(c arch.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithController sets the interrupt controller used for cross-CPU wakeups.
func WithController(c IPIRouter) Option {
	return func(s *Scheduler) { s.ctrl = c }
}

// WithMMU sets the address-space switcher.
func WithMMU(m arch.MMU) Option {
	return func(s *Scheduler) { s.mmu = m }
}

// TickHook runs after the scheduler tick on cpu.
type TickHook func(cpu int)

// SwitchHook runs after a context switch on cpu.
type SwitchHook func(cpu int)

// ForkHook runs before a forked task becomes runnable. An error aborts the
// fork.
type ForkHook func(parent, child *Task) error

// ExitHook runs when a task exits, before its parent is notified.
type ExitHook func(t *Task)

// Scheduler owns the CPUs, their run queues and every task.
type Scheduler struct {
	cfg    Config
	clock  arch.Clock
	ctrl   IPIRouter
	mmu    arch.MMU
	logger *slog.Logger

	cpus     []*CPU
	activeMM []arch.MMContext
	root     *Group

	tasksLock spin.MCSLock
	tasks     map[int]*Task
	nextPID   atomic.Int32

	// piLock serializes priority-inheritance chain walks.
	piLock spin.Lock

	hooksMu     sync.RWMutex
	tickHooks   []TickHook
	switchHooks []SwitchHook
	forkHooks   []ForkHook
	exitHooks   []ExitHook

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
}

// New builds a scheduler with cfg.NrCPUs CPUs, each running its idle task.
// Tasks only start running after Start.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	def := DefaultConfig()
	if cfg.NrCPUs <= 0 || cfg.NrCPUs > arch.MaxCPUs {
		return nil, fmt.Errorf("sched: cpu count %d out of range 1..%d", cfg.NrCPUs, arch.MaxCPUs)
	}
	if cfg.Latency <= 0 {
		cfg.Latency = def.Latency
	}
	if cfg.MinGranularity <= 0 {
		cfg.MinGranularity = def.MinGranularity
	}
	if cfg.WakeupGranularity <= 0 {
		cfg.WakeupGranularity = def.WakeupGranularity
	}
	if cfg.MaxPIChainDepth <= 0 {
		cfg.MaxPIChainDepth = def.MaxPIChainDepth
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		cfg:    cfg,
		logger: logger.With("component", "sched"),
		tasks:  make(map[int]*Task),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = arch.NewMonotonicClock()
	}
	if s.ctrl == nil {
		s.ctrl = arch.NewIPIBus(cfg.NrCPUs)
	}
	if s.mmu == nil {
		s.mmu = arch.NewCountingMMU(cfg.NrCPUs)
	}

	s.cpus = make([]*CPU, cfg.NrCPUs)
	s.activeMM = make([]arch.MMContext, cfg.NrCPUs)
	for i := range s.cpus {
		c := &CPU{id: i, s: s, kick: make(chan struct{}, 1)}
		c.rq.s = s
		c.rq.cpu = c
		c.rq.cfs = newCfsRQ(&c.rq, nil)
		idle := s.newTask(fmt.Sprintf("swapper/%d", i), nil, FlagKthread|FlagIdle, ClassIdle)
		idle.cpu.Store(int32(i))
		idle.allowed.Store(uint64(arch.CPUMask(0).Set(i)))
		c.rq.idle = idle
		c.rq.curr = idle
		s.cpus[i] = c
	}
	s.root = s.newRootGroup()
	s.ctrl.Register(arch.VectorReschedule, s.handleReschedIPI)
	return s, nil
}

// Start brings every CPU online by starting its idle loop.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	for _, c := range s.cpus {
		go s.idleLoop(c)
	}
	s.logger.Info("scheduler started", "cpus", len(s.cpus))
}

// Shutdown stops the idle loops. Tasks that are still blocked stay parked.
func (s *Scheduler) Shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Config returns the tunables in effect.
func (s *Scheduler) Config() Config { return s.cfg }

// Clock returns the scheduler's time source.
func (s *Scheduler) Clock() arch.Clock { return s.clock }

// Logger returns the scheduler's logger.
func (s *Scheduler) Logger() *slog.Logger { return s.logger }

// NrCPUs returns the number of CPUs.
func (s *Scheduler) NrCPUs() int { return len(s.cpus) }

// CPU returns the context of cpu.
func (s *Scheduler) CPU(cpu int) *CPU { return s.cpus[cpu] }

// CurrentCPU returns the context of the CPU t is running on.
func (s *Scheduler) CurrentCPU(t *Task) *CPU { return s.cpus[t.CPU()] }

// OnTick registers a hook run after every scheduler tick.
func (s *Scheduler) OnTick(h TickHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.tickHooks = append(s.tickHooks, h)
}

// OnSwitch registers a hook run after every context switch.
func (s *Scheduler) OnSwitch(h SwitchHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.switchHooks = append(s.switchHooks, h)
}

// OnFork registers a hook run for every forked task.
func (s *Scheduler) OnFork(h ForkHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.forkHooks = append(s.forkHooks, h)
}

// OnExit registers a hook run for every exiting task.
func (s *Scheduler) OnExit(h ExitHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.exitHooks = append(s.exitHooks, h)
}

func (s *Scheduler) idleLoop(c *CPU) {
	idle := c.rq.idle
	for {
		if c.needResched.Load() {
			s.Schedule(idle)
			continue
		}
		select {
		case <-c.kick:
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) handleReschedIPI(cpu int) {
	c := s.cpus[cpu]
	c.needResched.Store(true)
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// reschedCPU sets need-resched on cpu and interrupts it.
func (s *Scheduler) reschedCPU(cpu int) {
	c := s.cpus[cpu]
	if c.needResched.Swap(true) {
		return
	}
	c.rq.stats.ipis.Add(1)
	s.ctrl.SendIPI(cpu, arch.VectorReschedule)
}

// Schedule picks the next task for cur's CPU and switches to it. cur must
// be the task running on that CPU. If cur is no longer runnable it is taken
// off the run queue and Schedule returns only after a wakeup puts it back
// and it is picked again.
func (s *Scheduler) Schedule(cur *Task) {
	if cur.preempt.Load() > 0 {
		return
	}
	c := s.cpus[cur.CPU()]
	rq := &c.rq
	f := rq.lockIRQ()
	if rq.curr != cur {
		rq.unlockIRQ(f)
		panic(fmt.Sprintf("sched: schedule from %s which is not current on cpu%d", cur, c.id))
	}
	c.needResched.Store(false)
	rq.updateClock()

	prev := cur
	voluntary, migrate := false, false
	if !prev.IsIdle() {
		switch st := prev.State(); {
		case st == TaskRunning:
			if !prev.Allowed().Has(c.id) && prev.se.onRQ {
				rq.deactivate(prev, dequeueMigrating)
				migrate = true
			}
		case st == TaskInterruptible && prev.SignalPending():
			prev.SetState(TaskRunning)
		default:
			rq.deactivate(prev, dequeueSleep)
			voluntary = true
		}
	}

	cls := classOf(prev.class)
	cls.updateCurr(rq)
	cls.putPrev(rq, prev)
	next := rq.pickNext()

	if next == rq.idle && len(s.cpus) > 1 {
		rq.unlockIRQ(f)
		s.idleBalance(c)
		f = rq.lockIRQ()
		rq.updateClock()
		next = rq.pickNext()
	}

	if next == prev {
		rq.unlockIRQ(f)
		return
	}

	rq.curr = next
	rq.statSeq.WriteLock()
	rq.stats.switches.Add(1)
	rq.statSeq.WriteUnlock()
	if voluntary {
		prev.nvcsw.Add(1)
	} else {
		prev.nivcsw.Add(1)
	}
	if next.mm != 0 && next.mm != s.activeMM[c.id] {
		s.mmu.SwitchMM(c.id, s.activeMM[c.id], next.mm)
		s.activeMM[c.id] = next.mm
	}
	rq.unlockIRQ(f)

	s.noteContextSwitch(c.id)
	if migrate {
		s.requeue(prev, c)
	}
	next.run <- struct{}{}
	if prev.Flags()&FlagExiting != 0 {
		return
	}
	<-prev.run
}

func (s *Scheduler) noteContextSwitch(cpu int) {
	s.hooksMu.RLock()
	hooks := s.switchHooks
	s.hooksMu.RUnlock()
	for _, h := range hooks {
		h(cpu)
	}
}

// Tick is the periodic scheduler tick for cpu: it charges the running task,
// decides on tick preemption, updates load averages and periodically
// balances load.
func (s *Scheduler) Tick(cpu int) {
	c := s.cpus[cpu]
	rq := &c.rq
	f := rq.lockIRQ()
	rq.updateClock()
	rq.ticks++
	curr := rq.curr
	classOf(curr.class).taskTick(rq, curr)
	rq.statSeq.WriteLock()
	rq.stats.ticks.Add(1)
	rq.updateLoadAvg()
	rq.statSeq.WriteUnlock()
	balance := s.cfg.BalanceInterval > 0 && rq.ticks%s.cfg.BalanceInterval == 0
	rq.unlockIRQ(f)

	if balance && len(s.cpus) > 1 {
		s.loadBalance(c)
	}

	s.hooksMu.RLock()
	hooks := s.tickHooks
	s.hooksMu.RUnlock()
	for _, h := range hooks {
		h(cpu)
	}
}

// NoteDeferredTick records a tick that arrived while cpu had interrupts
// disabled.
func (s *Scheduler) NoteDeferredTick(cpu int) {
	s.cpus[cpu].rq.stats.deferredTicks.Add(1)
}

// WakeUp moves a sleeping task back to a run queue. It reports whether the
// task was woken; waking a task that is already runnable is a no-op. It may
// be called from any context and masks no CPU's interrupts.
func (s *Scheduler) WakeUp(p *Task) bool {
	return s.tryToWakeUp(p, TaskState.Sleeping, nil)
}

// WakeUpInterruptible wakes p only if it sleeps interruptibly.
func (s *Scheduler) WakeUpInterruptible(p *Task) bool {
	return s.tryToWakeUp(p, func(st TaskState) bool { return st == TaskInterruptible }, nil)
}

// tryToWakeUp wakes p on behalf of code running on local, which may be nil.
func (s *Scheduler) tryToWakeUp(p *Task, match func(TaskState) bool, local *CPU) bool {
	rq, f := s.lockTaskRQ(p, local)
	if !match(p.State()) {
		rq.unlockFrom(local, f)
		return false
	}
	if p.se.onRQ {
		p.SetState(TaskRunning)
		rq.stats.wakeups.Add(1)
		rq.unlockFrom(local, f)
		return true
	}

	flags := enqueueWakeup
	// A task that is still current is finishing its way into Schedule and
	// must be requeued where it is.
	if rq.curr != p {
		if target := s.selectTaskRQ(p, rq.cpu.id); target != rq.cpu.id {
			// The sleeper's vruntime is kept relative to the queue it
			// leaves and rebased on the one it joins.
			vruntime := p.se.vruntime
			if p.class == ClassFair && p.se.cfs != nil {
				vruntime = satSub(vruntime, p.se.cfs.minVruntime)
			}
			p.cpu.Store(int32(target))
			rq.unlockFrom(local, f)
			rq = &s.cpus[target].rq
			f = rq.lockFrom(local)
			if !match(p.State()) || p.se.onRQ || p.CPU() != target {
				rq.unlockFrom(local, f)
				return false
			}
			if p.class == ClassFair {
				p.se.vruntime = vruntime
				flags |= enqueueMigrated
			}
			rq.stats.migrations.Add(1)
		}
	}

	p.SetState(TaskRunning)
	rq.updateClock()
	rq.activate(p, flags)
	rq.stats.wakeups.Add(1)
	rq.checkPreemptCurr(p)
	rq.unlockFrom(local, f)
	return true
}

// selectTaskRQ chooses the CPU a waking task is queued on: its previous CPU
// if idle, otherwise any idle CPU it may run on, otherwise the previous CPU.
func (s *Scheduler) selectTaskRQ(p *Task, prev int) int {
	allowed := p.Allowed()
	if allowed.Has(prev) && s.cpuIdleHint(prev) {
		return prev
	}
	for i := range s.cpus {
		if allowed.Has(i) && s.cpuIdleHint(i) {
			return i
		}
	}
	if allowed.Has(prev) {
		return prev
	}
	for i := range s.cpus {
		if allowed.Has(i) {
			return i
		}
	}
	return prev
}

// cpuIdleHint is a lockless, possibly stale, idleness check.
func (s *Scheduler) cpuIdleHint(cpu int) bool {
	return s.cpus[cpu].rq.nrRunning.Load() == 0
}

// Yield gives up the CPU, moving cur behind the other runnable tasks.
func (s *Scheduler) Yield(cur *Task) {
	local := s.cpus[cur.CPU()]
	rq, f := s.lockTaskRQ(cur, local)
	rq.updateClock()
	rq.stats.yields.Add(1)
	classOf(cur.class).yield(rq)
	rq.unlockFrom(local, f)
	s.Schedule(cur)
}

// CondResched is a preemption point: it reschedules if a reschedule is
// pending and cur is preemptible. It reports whether it did.
func (s *Scheduler) CondResched(cur *Task) bool {
	if cur.preempt.Load() > 0 || !s.cpus[cur.CPU()].needResched.Load() {
		return false
	}
	s.Schedule(cur)
	return true
}

// Preemptible reports whether the task running on cpu may be preempted.
// RCU treats that as a quiescent state.
func (s *Scheduler) Preemptible(cpu int) bool {
	return s.cpus[cpu].Curr().PreemptCount() == 0
}

// CPUIdle reports whether cpu is running its idle task.
func (s *Scheduler) CPUIdle(cpu int) bool {
	return s.cpus[cpu].Curr().IsIdle()
}

// ErrPolicy is returned for scheduling classes that only have a reserved
// dispatch slot.
var ErrPolicy = errors.New("sched: scheduling class not supported")

// SetClass changes the scheduling class of t. Only the fair class can be
// assigned; the real-time and deadline slots are reserved.
func (s *Scheduler) SetClass(t *Task, class ClassID) error {
	if class != ClassFair {
		return fmt.Errorf("set class %s for %s: %w", class, t, ErrPolicy)
	}
	return nil
}
