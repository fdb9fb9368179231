package sched

import (
	"fmt"
	"sync/atomic"

	"github.com/me/kcore/internal/arch"
)

// TaskState is the scheduling state of a task.
type TaskState int32

const (
	TaskRunning TaskState = iota
	TaskInterruptible
	TaskUninterruptible
	TaskStopped
	TaskZombie
	TaskDead
)

var taskStateNames = [...]string{
	TaskRunning:         "running",
	TaskInterruptible:   "interruptible",
	TaskUninterruptible: "uninterruptible",
	TaskStopped:         "stopped",
	TaskZombie:          "zombie",
	TaskDead:            "dead",
}

func (s TaskState) String() string {
	if int(s) < len(taskStateNames) {
		return taskStateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Sleeping reports whether s is one of the blocked states a wakeup clears.
func (s TaskState) Sleeping() bool {
	return s == TaskInterruptible || s == TaskUninterruptible
}

// Priorities: 0..MaxRTPrio-1 are real-time, MaxRTPrio..MaxPrio-1 map onto
// nice -20..19. Lower values run first.
const (
	MaxRTPrio   = 100
	MaxPrio     = 140
	DefaultPrio = MaxRTPrio + 20
	MinNice     = -20
	MaxNice     = 19
)

// NiceToPrio converts a nice value to a static priority.
func NiceToPrio(nice int) int { return DefaultPrio + nice }

// PrioToNice converts a normal priority to a nice value.
func PrioToNice(prio int) int { return prio - DefaultPrio }

func clampNice(nice int) int {
	return max(MinNice, min(MaxNice, nice))
}

// TaskFlags describe what kind of task this is.
type TaskFlags uint32

const (
	FlagKthread TaskFlags = 1 << iota
	FlagIdle
	FlagExiting
)

// Func is the body of a task. It runs on the task's own goroutine and the
// task exits when it returns.
type Func func(t *Task)

type domainSlot struct{ d Domain }

// Task is a schedulable thread of execution. Each task is backed by a
// goroutine that only runs while the task is current on some CPU.
type Task struct {
	pid   int
	name  string
	s     *Scheduler
	fn    Func
	flags atomic.Uint32

	state   atomic.Int32
	cpu     atomic.Int32
	allowed atomic.Uint64
	class   ClassID

	// Priorities. staticPrio and normalPrio are written under the PI lock
	// and the run-queue lock; prio is the effective, possibly boosted, one.
	staticPrio atomic.Int32
	normalPrio atomic.Int32
	prio       atomic.Int32

	se Entity

	preempt atomic.Int32
	mm      arch.MMContext

	domain atomic.Pointer[domainSlot]

	// Process tree, guarded by the scheduler's task lock.
	parent   *Task
	children []*Task
	exitCode atomic.Int32

	childExit WaitQueue
	exited    Completion
	done      chan struct{}
	run       chan struct{}

	// PI state, guarded by the scheduler's PI lock.
	piBlockedOn *PILock
	piHeld      []*PILock

	sigPending atomic.Bool
	shouldStop atomic.Bool

	nvcsw  atomic.Uint64
	nivcsw atomic.Uint64
}

// PID returns the task id.
func (t *Task) PID() int { return t.pid }

// Name returns the task name.
func (t *Task) Name() string { return t.name }

func (t *Task) String() string { return fmt.Sprintf("%s/%d", t.name, t.pid) }

// Scheduler returns the scheduler that owns t.
func (t *Task) Scheduler() *Scheduler { return t.s }

// State returns the current scheduling state.
func (t *Task) State() TaskState { return TaskState(t.state.Load()) }

// SetState sets the task state. A task sets its own state to a sleep state
// before calling Schedule; wakeups move it back to TaskRunning.
func (t *Task) SetState(s TaskState) { t.state.Store(int32(s)) }

// CPU returns the CPU the task last ran or is queued on.
func (t *Task) CPU() int { return int(t.cpu.Load()) }

// Allowed returns the task's CPU affinity mask.
func (t *Task) Allowed() arch.CPUMask { return arch.CPUMask(t.allowed.Load()) }

// Class returns the scheduling class the task belongs to.
func (t *Task) Class() ClassID { return t.class }

// Prio returns the effective priority, including any inherited boost.
func (t *Task) Prio() int { return int(t.prio.Load()) }

// NormalPrio returns the priority without inheritance.
func (t *Task) NormalPrio() int { return int(t.normalPrio.Load()) }

// StaticPrio returns the priority set from the nice value.
func (t *Task) StaticPrio() int { return int(t.staticPrio.Load()) }

// Nice returns the task's nice value.
func (t *Task) Nice() int { return PrioToNice(t.StaticPrio()) }

// Flags returns the task flags.
func (t *Task) Flags() TaskFlags { return TaskFlags(t.flags.Load()) }

// IsKthread reports whether t is a kernel thread.
func (t *Task) IsKthread() bool { return t.Flags()&FlagKthread != 0 }

// IsIdle reports whether t is a CPU's idle task.
func (t *Task) IsIdle() bool { return t.Flags()&FlagIdle != 0 }

// MM returns the task's address-space handle.
func (t *Task) MM() arch.MMContext { return t.mm }

// Done is closed once the task has exited.
func (t *Task) Done() <-chan struct{} { return t.done }

// ExitCode returns the value passed to Exit, or zero.
func (t *Task) ExitCode() int { return int(t.exitCode.Load()) }

// SetExitCode records the code reported to the parent on exit.
func (t *Task) SetExitCode(code int) { t.exitCode.Store(int32(code)) }

// Domain returns the resource domain the task is charged to, or nil.
func (t *Task) Domain() Domain {
	if slot := t.domain.Load(); slot != nil {
		return slot.d
	}
	return nil
}

// PreemptDisable makes the task non-preemptible until the matching
// PreemptEnable.
func (t *Task) PreemptDisable() { t.preempt.Add(1) }

// PreemptEnable re-enables preemption and, once the count drops to zero,
// honours a pending reschedule.
func (t *Task) PreemptEnable() {
	n := t.preempt.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("sched: preempt count underflow in %s", t))
	}
	if n == 0 && t.s.cpus[t.CPU()].needResched.Load() {
		t.s.Schedule(t)
	}
}

// PreemptCount returns the preemption-disable depth.
func (t *Task) PreemptCount() int { return int(t.preempt.Load()) }

// SignalPending reports whether a signal is waiting to be handled.
func (t *Task) SignalPending() bool { return t.sigPending.Load() }

// ClearSignal consumes the pending signal.
func (t *Task) ClearSignal() { t.sigPending.Store(false) }

// ShouldStop reports whether KthreadStop was called on this thread.
func (t *Task) ShouldStop() bool { return t.shouldStop.Load() }

// Parent returns the task that forked t, or nil.
func (t *Task) Parent() *Task {
	tn := t.s.lockTasks()
	defer t.s.tasksLock.Unlock(tn)
	return t.parent
}

// Switches returns voluntary and involuntary context-switch counts.
func (t *Task) Switches() (voluntary, involuntary uint64) {
	return t.nvcsw.Load(), t.nivcsw.Load()
}
