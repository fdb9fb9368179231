package sched

import (
	"errors"
	"fmt"
	"slices"

	"github.com/me/kcore/internal/arch"
	"github.com/me/kcore/internal/spin"
)

var (
	// ErrNoChild is returned by Wait for a task that is not a child of the
	// caller.
	ErrNoChild = errors.New("sched: no such child")
	// ErrInvalidAffinity is returned for an affinity mask with no usable CPU.
	ErrInvalidAffinity = errors.New("sched: affinity mask has no online cpu")
)

func (s *Scheduler) newTask(name string, fn Func, flags TaskFlags, class ClassID) *Task {
	t := &Task{
		name:  name,
		s:     s,
		fn:    fn,
		class: class,
		done:  make(chan struct{}),
		run:   make(chan struct{}, 1),
	}
	t.flags.Store(uint32(flags))
	if flags&FlagIdle == 0 {
		t.pid = int(s.nextPID.Add(1))
	}
	t.staticPrio.Store(DefaultPrio)
	t.normalPrio.Store(DefaultPrio)
	t.prio.Store(DefaultPrio)
	t.se.task = t
	t.se.weight = nice0Load
	t.allowed.Store(uint64(arch.AllCPUs(len(s.cpus))))
	return t
}

// lockTasks takes the task-table lock, a queue lock granted in arrival
// order. Release it with tasksLock.Unlock on the returned node.
func (s *Scheduler) lockTasks() *spin.MCSNode {
	n := new(spin.MCSNode)
	s.tasksLock.Lock(n)
	return n
}

func (s *Scheduler) register(t *Task) {
	tn := s.lockTasks()
	s.tasks[t.pid] = t
	s.tasksLock.Unlock(tn)
}

// Spawn creates a runnable task with no parent. It is reaped automatically
// when it exits.
func (s *Scheduler) Spawn(name string, fn Func) *Task {
	t := s.newTask(name, fn, 0, ClassFair)
	s.register(t)
	go s.taskMain(t)
	s.wakeUpNew(t)
	return t
}

// Fork creates a child of parent running fn. The child inherits the
// parent's nice value, affinity, address space and resource domain, and
// must be reaped with Wait.
func (s *Scheduler) Fork(parent *Task, name string, fn Func) (*Task, error) {
	t := s.newTask(name, fn, parent.Flags()&FlagKthread, ClassFair)
	prio := int32(parent.StaticPrio())
	t.staticPrio.Store(prio)
	t.normalPrio.Store(prio)
	t.prio.Store(prio)
	t.se.weight = prioWeight(int(prio))
	t.allowed.Store(uint64(parent.Allowed()))
	t.mm = parent.mm
	t.cpu.Store(int32(parent.CPU()))
	if slot := parent.domain.Load(); slot != nil {
		t.domain.Store(&domainSlot{d: slot.d})
	}

	s.hooksMu.RLock()
	hooks := s.forkHooks
	s.hooksMu.RUnlock()
	for _, h := range hooks {
		if err := h(parent, t); err != nil {
			return nil, fmt.Errorf("fork %s from %s: %w", name, parent, err)
		}
	}

	tn := s.lockTasks()
	t.parent = parent
	parent.children = append(parent.children, t)
	s.tasks[t.pid] = t
	s.tasksLock.Unlock(tn)

	go s.taskMain(t)
	s.wakeUpNew(t)
	return t, nil
}

// SetMM gives t its own address space. It must be called before t first
// runs.
func (t *Task) SetMM(mm arch.MMContext) { t.mm = mm }

// wakeUpNew queues a new task on the least loaded CPU it may run on. The
// child starts at the queue's minimum virtual runtime.
func (s *Scheduler) wakeUpNew(p *Task) {
	cpu := s.leastLoadedCPU(p.Allowed(), p.CPU())
	rq := &s.cpus[cpu].rq
	f := rq.lockFrom(nil)
	rq.updateClock()
	p.SetState(TaskRunning)
	p.se.vruntime = 0
	rq.activate(p, enqueueInitial)
	rq.checkPreemptCurr(p)
	rq.unlockFrom(nil, f)
}

func (s *Scheduler) leastLoadedCPU(allowed arch.CPUMask, prefer int) int {
	best, bestNr := -1, int32(0)
	if allowed.Has(prefer) {
		best, bestNr = prefer, s.cpus[prefer].rq.nrRunning.Load()
	}
	for i, c := range s.cpus {
		if !allowed.Has(i) {
			continue
		}
		if nr := c.rq.nrRunning.Load(); best < 0 || nr < bestNr {
			best, bestNr = i, nr
		}
	}
	if best < 0 {
		return prefer
	}
	return best
}

func (s *Scheduler) taskMain(t *Task) {
	<-t.run
	t.fn(t)
	s.exit(t)
}

// exit tears down the calling task and switches away for the last time.
func (s *Scheduler) exit(t *Task) {
	s.hooksMu.RLock()
	hooks := s.exitHooks
	s.hooksMu.RUnlock()
	for _, h := range hooks {
		h(t)
	}

	tn := s.lockTasks()
	for _, c := range t.children {
		c.parent = nil
		if c.State() == TaskZombie {
			c.SetState(TaskDead)
			delete(s.tasks, c.pid)
		}
	}
	t.children = nil
	parent := t.parent
	t.flags.Or(uint32(FlagExiting))
	if parent == nil {
		t.SetState(TaskDead)
		delete(s.tasks, t.pid)
	} else {
		t.SetState(TaskZombie)
	}
	s.tasksLock.Unlock(tn)

	close(t.done)
	t.exited.CompleteAll()
	if parent != nil {
		parent.childExit.WakeUpAll()
	}
	t.preempt.Store(0)
	s.Schedule(t)
}

// Wait blocks cur until child exits, reaps it and returns its exit code.
func (s *Scheduler) Wait(cur, child *Task) (int, error) {
	tn := s.lockTasks()
	ours := child.parent == cur
	s.tasksLock.Unlock(tn)
	if !ours {
		return 0, fmt.Errorf("wait %s from %s: %w", child, cur, ErrNoChild)
	}
	cur.childExit.WaitEvent(cur, func() bool {
		st := child.State()
		return st == TaskZombie || st == TaskDead
	})

	tn = s.lockTasks()
	child.SetState(TaskDead)
	delete(s.tasks, child.pid)
	cur.children = slices.DeleteFunc(cur.children, func(c *Task) bool { return c == child })
	child.parent = nil
	s.tasksLock.Unlock(tn)
	return child.ExitCode(), nil
}

// KthreadCreate creates a kernel thread that stays asleep until it is woken,
// typically with KthreadRun or WakeUp.
func (s *Scheduler) KthreadCreate(name string, fn Func) *Task {
	t := s.newTask(name, fn, FlagKthread, ClassFair)
	t.SetState(TaskUninterruptible)
	s.register(t)
	go s.taskMain(t)
	return t
}

// KthreadBind pins a not yet started kernel thread to cpu.
func (s *Scheduler) KthreadBind(t *Task, cpu int) {
	t.allowed.Store(uint64(arch.CPUMask(0).Set(cpu)))
	t.cpu.Store(int32(cpu))
}

// KthreadRun creates and starts a kernel thread.
func (s *Scheduler) KthreadRun(name string, fn Func) *Task {
	t := s.KthreadCreate(name, fn)
	s.WakeUp(t)
	return t
}

// KthreadStop asks t to stop, wakes it and waits for it to exit. cur is the
// calling task, or nil when the caller is not a task.
func (s *Scheduler) KthreadStop(cur, t *Task) int {
	t.shouldStop.Store(true)
	s.WakeUp(t)
	if cur == nil {
		<-t.done
	} else {
		t.exited.Wait(cur)
	}
	return t.ExitCode()
}

// SendSignal marks a signal pending on p and wakes it if it sleeps
// interruptibly.
func (s *Scheduler) SendSignal(p *Task) {
	p.sigPending.Store(true)
	s.WakeUpInterruptible(p)
}

// SetNice changes the static priority of p. The effective priority stays
// boosted if p holds a PI lock with a higher-priority waiter.
func (s *Scheduler) SetNice(p *Task, nice int) {
	if p.IsIdle() {
		return
	}
	prio := int32(NiceToPrio(clampNice(nice)))
	s.piLock.Lock()
	defer s.piLock.Unlock()
	p.staticPrio.Store(prio)
	p.normalPrio.Store(prio)
	s.setPrio(p, s.effectivePrio(p))
}

// setPrio changes the effective priority and weight of p, requeueing it if
// it is queued. The PI lock is held.
func (s *Scheduler) setPrio(p *Task, prio int) {
	rq, f := s.lockTaskRQ(p, nil)
	defer rq.unlockFrom(nil, f)
	rq.updateClock()
	old := p.Prio()
	queued := p.se.onRQ
	running := rq.taskRunning(p)
	if queued {
		rq.dequeueTask(p, dequeueSave)
	}
	if running {
		classOf(p.class).putPrev(rq, p)
	}
	p.prio.Store(int32(prio))
	p.se.weight = prioWeight(prio)
	if queued {
		rq.enqueueTask(p, enqueueRestore)
	}
	if running {
		rq.setCurrPath(p)
	}
	if queued || running {
		classOf(p.class).prioChanged(rq, p, old)
	}
}

// taskRunning reports whether p is current on rq with its entities set as
// the running ones.
func (rq *RunQueue) taskRunning(p *Task) bool {
	return rq.curr == p && p.class == ClassFair && p.se.cfs != nil && p.se.cfs.curr == &p.se
}

// SetAffinity restricts p to the CPUs in mask. A queued task on a CPU it
// may no longer use is moved immediately; a running one moves at its next
// reschedule.
func (s *Scheduler) SetAffinity(p *Task, mask arch.CPUMask) error {
	mask &= arch.AllCPUs(len(s.cpus))
	if mask.Empty() {
		return fmt.Errorf("set affinity of %s: %w", p, ErrInvalidAffinity)
	}
	if p.IsIdle() {
		return fmt.Errorf("set affinity of idle task %s: %w", p, ErrPolicy)
	}
	for {
		rq, f := s.lockTaskRQ(p, nil)
		p.allowed.Store(uint64(mask))
		switch {
		case mask.Has(rq.cpu.id) || !p.se.onRQ:
			rq.unlockFrom(nil, f)
			return nil
		case rq.curr == p:
			rq.reschedCurr()
			rq.unlockFrom(nil, f)
			return nil
		}
		src := rq
		rq.unlockFrom(nil, f)

		dst := &s.cpus[s.leastLoadedCPU(mask, -1)].rq
		f = doubleLock(nil, src, dst)
		if p.CPU() == src.cpu.id && p.se.onRQ && src.curr != p {
			src.updateClock()
			dst.updateClock()
			moveQueuedTask(p, src, dst)
			doubleUnlock(nil, src, dst, f)
			return nil
		}
		doubleUnlock(nil, src, dst, f)
	}
}

// moveQueuedTask moves a queued, not running, task between run queues. Both
// locks are held.
func moveQueuedTask(p *Task, src, dst *RunQueue) {
	src.deactivate(p, dequeueMigrating)
	dst.activate(p, enqueueMigrated)
	dst.stats.migrations.Add(1)
	dst.checkPreemptCurr(p)
}

// requeue puts a running task that was taken off local, a CPU it may no
// longer use, on an allowed CPU.
func (s *Scheduler) requeue(p *Task, local *CPU) {
	target := s.selectTaskRQ(p, p.CPU())
	rq := &s.cpus[target].rq
	f := rq.lockFrom(local)
	rq.updateClock()
	rq.activate(p, enqueueMigrated)
	rq.stats.migrations.Add(1)
	rq.checkPreemptCurr(p)
	rq.unlockFrom(local, f)
}

// SetTaskDomain charges p to domain d. A queued or running task moves to
// the domain's fair group on its CPU right away.
func (s *Scheduler) SetTaskDomain(p *Task, d Domain) {
	var slot *domainSlot
	if d != nil {
		slot = &domainSlot{d: d}
	}
	if p.class != ClassFair {
		p.domain.Store(slot)
		return
	}

	rq, f := s.lockTaskRQ(p, nil)
	defer rq.unlockFrom(nil, f)
	rq.updateClock()
	queued := p.se.onRQ
	running := rq.taskRunning(p)
	if queued {
		rq.dequeueTask(p, dequeueMigrating)
	} else if p.se.cfs != nil {
		p.se.vruntime = satSub(p.se.vruntime, p.se.cfs.minVruntime)
	}
	if running {
		fair.putPrev(rq, p)
	}
	p.domain.Store(slot)
	if queued {
		rq.enqueueTask(p, enqueueMigrated)
	}
	if running {
		rq.setCurrPath(p)
	}
}

// Lookup returns the live task with the given pid.
func (s *Scheduler) Lookup(pid int) (*Task, bool) {
	tn := s.lockTasks()
	defer s.tasksLock.Unlock(tn)
	t, ok := s.tasks[pid]
	return t, ok
}

// Children returns a snapshot of t's children.
func (t *Task) Children() []*Task {
	tn := t.s.lockTasks()
	defer t.s.tasksLock.Unlock(tn)
	return slices.Clone(t.children)
}
