package timer

import (
	"math"
	"time"

	"github.com/me/kcore/internal/sched"
)

// MaxScheduleTimeout makes ScheduleTimeout sleep without a timer.
const MaxScheduleTimeout = time.Duration(math.MaxInt64)

// ScheduleTimeout sleeps cur for at most d, in whatever sleep state the
// caller set beforehand, and returns the time left when it was woken early,
// or zero if the timeout expired.
func (w *Wheel) ScheduleTimeout(cur *sched.Task, d time.Duration) time.Duration {
	if d == MaxScheduleTimeout {
		w.s.Schedule(cur)
		return d
	}
	if d <= 0 {
		cur.SetState(sched.TaskRunning)
		return 0
	}
	expires := w.clock.Now() + uint64(d)
	cpu := cur.CPU()
	var t Timer
	w.Setup(&t, cpu, func(any) { w.s.WakeUp(cur) }, nil)
	w.add(&t, expires, w.s.CPU(cpu).IRQ())
	w.s.Schedule(cur)
	w.delSync(&t, w.s.CPU(cur.CPU()).IRQ())

	if now := w.clock.Now(); now < expires {
		return time.Duration(expires - now)
	}
	return 0
}

// Msleep sleeps cur uninterruptibly for at least d.
func (w *Wheel) Msleep(cur *sched.Task, d time.Duration) {
	for left := d; left > 0; {
		cur.SetState(sched.TaskUninterruptible)
		left = w.ScheduleTimeout(cur, left)
	}
}

// WaitEventTimeout sleeps cur on q until cond holds or d has passed. It
// returns the time left, at least 1ns, if cond became true, and 0 if the
// wait timed out.
func (w *Wheel) WaitEventTimeout(cur *sched.Task, q *sched.WaitQueue, cond func() bool, d time.Duration) time.Duration {
	if cond() {
		return max(d, 1)
	}
	e := sched.NewWaitEntry(cur)
	left := d
	for {
		q.PrepareToWait(e, sched.TaskUninterruptible)
		if cond() {
			break
		}
		if left <= 0 {
			break
		}
		left = w.ScheduleTimeout(cur, left)
	}
	q.FinishWait(e)
	if cond() {
		return max(left, 1)
	}
	return 0
}
