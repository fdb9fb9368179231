package sched

import "fmt"

// ClassID names one of the scheduling classes. The set is closed; classes
// are consulted in declaration order when picking the next task.
type ClassID uint8

const (
	ClassDeadline ClassID = iota
	ClassRealTime
	ClassFair
	ClassIdle
)

func (c ClassID) String() string {
	switch c {
	case ClassDeadline:
		return "deadline"
	case ClassRealTime:
		return "realtime"
	case ClassFair:
		return "fair"
	case ClassIdle:
		return "idle"
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// Enqueue and dequeue flags.
const (
	enqueueWakeup = 1 << iota
	enqueueRestore
	enqueueMigrated
	enqueueInitial
)

const (
	dequeueSleep = 1 << iota
	dequeueSave
	dequeueMigrating
)

// schedClass is the behaviour every class provides. All methods run with
// the run-queue lock held.
type schedClass interface {
	enqueue(rq *RunQueue, p *Task, flags int)
	dequeue(rq *RunQueue, p *Task, flags int)
	yield(rq *RunQueue)
	checkPreempt(rq *RunQueue, p *Task)
	pickNext(rq *RunQueue) *Task
	putPrev(rq *RunQueue, p *Task)
	taskTick(rq *RunQueue, p *Task)
	updateCurr(rq *RunQueue)
	prioChanged(rq *RunQueue, p *Task, oldPrio int)
	hasWork(rq *RunQueue) bool
}

var (
	dlClass   = reservedClass{id: ClassDeadline}
	rtClass   = reservedClass{id: ClassRealTime}
	fair      = fairClass{}
	idleClass = idleSchedClass{}

	classOrder = [...]ClassID{ClassDeadline, ClassRealTime, ClassFair, ClassIdle}
)

func classOf(id ClassID) schedClass {
	switch id {
	case ClassDeadline:
		return dlClass
	case ClassRealTime:
		return rtClass
	case ClassFair:
		return fair
	case ClassIdle:
		return idleClass
	}
	panic(fmt.Sprintf("sched: unknown class %d", id))
}

// reservedClass holds a dispatch slot for a policy that is not implemented.
// It never has runnable work and no task may be assigned to it.
type reservedClass struct {
	id ClassID
}

func (c reservedClass) enqueue(rq *RunQueue, p *Task, _ int) {
	panic(fmt.Sprintf("sched: enqueue of %s on reserved %s class", p, c.id))
}

func (c reservedClass) dequeue(rq *RunQueue, p *Task, _ int) {
	panic(fmt.Sprintf("sched: dequeue of %s from reserved %s class", p, c.id))
}

func (reservedClass) yield(*RunQueue) {}
func (reservedClass) checkPreempt(*RunQueue, *Task) {}
func (reservedClass) pickNext(*RunQueue) *Task { return nil }
func (reservedClass) putPrev(*RunQueue, *Task) {}
func (reservedClass) taskTick(*RunQueue, *Task) {}
func (reservedClass) updateCurr(*RunQueue) {}
func (reservedClass) prioChanged(*RunQueue, *Task, int) {}
func (reservedClass) hasWork(*RunQueue) bool { return false }

// idleSchedClass runs the per-CPU idle task when nothing else is runnable.
// The idle task is never enqueued.
type idleSchedClass struct{}

func (idleSchedClass) enqueue(rq *RunQueue, p *Task, _ int) {
	panic(fmt.Sprintf("sched: idle task %s enqueued", p))
}

func (idleSchedClass) dequeue(rq *RunQueue, p *Task, _ int) {
	panic(fmt.Sprintf("sched: idle task %s dequeued", p))
}

func (idleSchedClass) yield(*RunQueue) {}

// Anything that becomes runnable preempts the idle task.
func (idleSchedClass) checkPreempt(rq *RunQueue, _ *Task) { rq.reschedCurr() }

func (idleSchedClass) pickNext(rq *RunQueue) *Task { return rq.idle }

func (idleSchedClass) putPrev(*RunQueue, *Task) {}

func (idleSchedClass) taskTick(rq *RunQueue, _ *Task) {
	if rq.hasWork() {
		rq.reschedCurr()
	}
}

func (idleSchedClass) updateCurr(*RunQueue) {}
func (idleSchedClass) prioChanged(*RunQueue, *Task, int) {}
func (idleSchedClass) hasWork(*RunQueue) bool { return false }
