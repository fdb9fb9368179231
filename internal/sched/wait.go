package sched

import (
	"errors"
	"slices"

	"github.com/me/kcore/internal/spin"
)

// ErrInterrupted is returned by interruptible waits that were ended by a
// pending signal.
var ErrInterrupted = errors.New("sched: wait interrupted by signal")

// WaitEntry links a task into a WaitQueue.
type WaitEntry struct {
	task   *Task
	queued bool
}

// NewWaitEntry returns an entry for t.
func NewWaitEntry(t *Task) *WaitEntry { return &WaitEntry{task: t} }

// Task returns the waiting task.
func (e *WaitEntry) Task() *Task { return e.task }

// WaitQueue is a FIFO of tasks waiting for an event. The zero value is
// ready to use. Woken entries are removed from the queue.
type WaitQueue struct {
	lock    spin.Lock
	entries []*WaitEntry
}

// Add appends e unless it is already queued.
func (q *WaitQueue) Add(e *WaitEntry) {
	q.lock.Lock()
	q.addLocked(e)
	q.lock.Unlock()
}

func (q *WaitQueue) addLocked(e *WaitEntry) {
	if !e.queued {
		q.entries = append(q.entries, e)
		e.queued = true
	}
}

// Remove takes e off the queue if it is still queued.
func (q *WaitQueue) Remove(e *WaitEntry) {
	q.lock.Lock()
	q.removeLocked(e)
	q.lock.Unlock()
}

func (q *WaitQueue) removeLocked(e *WaitEntry) {
	if !e.queued {
		return
	}
	q.entries = slices.DeleteFunc(q.entries, func(x *WaitEntry) bool { return x == e })
	e.queued = false
}

// PrepareToWait queues e and sets its task to state. The caller then checks
// its condition and calls Schedule if it does not hold yet. A wakeup that
// races with the check is not lost: it finds the task already queued and
// sleeping, and makes it runnable again.
func (q *WaitQueue) PrepareToWait(e *WaitEntry, state TaskState) {
	q.lock.Lock()
	q.addLocked(e)
	e.task.SetState(state)
	q.lock.Unlock()
}

// FinishWait marks the task running and dequeues e if no wakeup did.
func (q *WaitQueue) FinishWait(e *WaitEntry) {
	e.task.SetState(TaskRunning)
	q.Remove(e)
}

// WakeUp wakes the first waiter that is asleep.
func (q *WaitQueue) WakeUp() int { return q.WakeUpNr(1) }

// WakeUpAll wakes every sleeping waiter.
func (q *WaitQueue) WakeUpAll() int { return q.WakeUpNr(0) }

// WakeUpNr wakes up to n sleeping waiters in FIFO order, or all of them if
// n is zero, and returns how many it woke. Waiters that are not asleep yet
// stay queued and do not count.
func (q *WaitQueue) WakeUpNr(n int) int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.wakeLocked(n)
}

func (q *WaitQueue) wakeLocked(n int) int {
	woken := 0
	old := q.entries
	kept := old[:0]
	for i, e := range old {
		if n > 0 && woken >= n {
			kept = append(kept, old[i:]...)
			break
		}
		if e.task.s.WakeUp(e.task) {
			e.queued = false
			woken++
			continue
		}
		kept = append(kept, e)
	}
	clear(old[len(kept):])
	q.entries = kept
	return woken
}

// Len returns the number of queued entries.
func (q *WaitQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.entries)
}

// WaitEvent sleeps uninterruptibly on q until cond holds. cur must be the
// calling task and must not have preemption disabled.
func (q *WaitQueue) WaitEvent(cur *Task, cond func() bool) {
	if cond() {
		return
	}
	e := NewWaitEntry(cur)
	for {
		q.PrepareToWait(e, TaskUninterruptible)
		if cond() {
			break
		}
		cur.s.Schedule(cur)
	}
	q.FinishWait(e)
}

// WaitEventInterruptible is WaitEvent that also returns early, with
// ErrInterrupted, when a signal is pending.
func (q *WaitQueue) WaitEventInterruptible(cur *Task, cond func() bool) error {
	if cond() {
		return nil
	}
	e := NewWaitEntry(cur)
	var err error
	for {
		q.PrepareToWait(e, TaskInterruptible)
		if cond() {
			break
		}
		if cur.SignalPending() {
			err = ErrInterrupted
			break
		}
		cur.s.Schedule(cur)
	}
	q.FinishWait(e)
	return err
}
