// Package workqueue runs deferred work in process context. Each Queue owns
// one kernel thread that drains a FIFO of Work items; unlike softirq
// handlers, work functions may sleep.
package workqueue

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/me/kcore/internal/sched"
	"github.com/me/kcore/internal/spin"
	"github.com/me/kcore/internal/timer"
)

// ErrDestroyed is returned for operations on a destroyed queue.
var ErrDestroyed = errors.New("workqueue destroyed")

// Func is the body of a work item. It runs on the queue's worker thread,
// passed as cur, and may re-queue w.
type Func func(cur *sched.Task, w *Work)

// Work is a unit of deferred work. A Work is queued at most once at a time.
type Work struct {
	fn      Func
	pending atomic.Bool
}

// NewWork returns a work item running fn.
func NewWork(fn Func) *Work { return &Work{fn: fn} }

// Init prepares an embedded or stack-allocated work item.
func (w *Work) Init(fn Func) {
	w.fn = fn
	w.pending.Store(false)
}

// Pending reports whether w is queued and has not started running yet.
func (w *Work) Pending() bool { return w.pending.Load() }

// Queue is a single-threaded workqueue.
type Queue struct {
	name   string
	s      *sched.Scheduler
	logger *slog.Logger

	lock      spin.Lock
	list      []*Work
	destroyed bool

	worker   *sched.Task
	executed atomic.Uint64
}

// New creates a queue and starts its worker thread. cpu pins the worker;
// a negative cpu leaves it free to migrate.
func New(s *sched.Scheduler, name string, cpu int, logger *slog.Logger) *Queue {
	q := &Queue{
		name:   name,
		s:      s,
		logger: logger.With("component", "workqueue", "queue", name),
	}
	q.worker = s.KthreadCreate(name, q.workerLoop)
	if cpu >= 0 {
		s.KthreadBind(q.worker, cpu)
	}
	s.WakeUp(q.worker)
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Worker returns the queue's worker thread.
func (q *Queue) Worker() *sched.Task { return q.worker }

// Queue appends w to the queue. It returns false without queuing if w is
// already pending or the queue is destroyed.
func (q *Queue) Queue(w *Work) bool {
	if !w.pending.CompareAndSwap(false, true) {
		return false
	}
	if !q.insert(w, false) {
		w.pending.Store(false)
		q.logger.Warn("work queued on destroyed queue")
		return false
	}
	return true
}

func (q *Queue) insert(w *Work, force bool) bool {
	q.lock.Lock()
	if q.destroyed && !force {
		q.lock.Unlock()
		return false
	}
	q.list = append(q.list, w)
	q.lock.Unlock()
	q.s.WakeUp(q.worker)
	return true
}

func (q *Queue) workerLoop(p *sched.Task) {
	for {
		q.lock.Lock()
		if len(q.list) == 0 {
			if p.ShouldStop() {
				q.lock.Unlock()
				return
			}
			p.SetState(sched.TaskInterruptible)
			q.lock.Unlock()
			q.s.Schedule(p)
			p.SetState(sched.TaskRunning)
			continue
		}
		w := q.list[0]
		q.list[0] = nil
		q.list = q.list[1:]
		w.pending.Store(false)
		q.lock.Unlock()

		w.fn(p, w)
		q.executed.Add(1)
		q.s.CondResched(p)
	}
}

type barrier struct {
	work Work
	done sched.Completion
	ch   chan struct{}
}

func (q *Queue) queueBarrier(force bool) (*barrier, bool) {
	b := &barrier{ch: make(chan struct{})}
	b.work.Init(func(*sched.Task, *Work) {
		b.done.Complete()
		close(b.ch)
	})
	b.work.pending.Store(true)
	return b, q.insert(&b.work, force)
}

func (b *barrier) wait(cur *sched.Task) {
	if cur == nil {
		<-b.ch
		return
	}
	b.done.Wait(cur)
}

// Flush waits until every work item queued before the call has run. cur
// is the calling task, or nil when the caller is not a task. Flushing from
// the queue's own worker would deadlock and panics.
func (q *Queue) Flush(cur *sched.Task) error {
	if cur == q.worker {
		panic("workqueue: flush of " + q.name + " from its own worker")
	}
	b, ok := q.queueBarrier(false)
	if !ok {
		return ErrDestroyed
	}
	b.wait(cur)
	return nil
}

// Destroy drains the queue and stops its worker. Work queued afterwards is
// refused.
func (q *Queue) Destroy(cur *sched.Task) error {
	q.lock.Lock()
	if q.destroyed {
		q.lock.Unlock()
		return ErrDestroyed
	}
	q.destroyed = true
	q.lock.Unlock()

	b, _ := q.queueBarrier(true)
	b.wait(cur)
	q.s.KthreadStop(cur, q.worker)
	q.logger.Debug("workqueue destroyed", "executed", q.executed.Load())
	return nil
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.list)
}

// Stats is a snapshot of a queue's counters.
type Stats struct {
	Name     string `json:"name"`
	Queued   int    `json:"queued"`
	Executed uint64 `json:"executed"`
	Worker   int    `json:"worker_pid"`
}

// Stats returns the queue's counters.
func (q *Queue) Stats() Stats {
	return Stats{Name: q.name, Queued: q.Len(), Executed: q.executed.Load(), Worker: q.worker.PID()}
}

// DelayedWork is a work item queued after a delay.
type DelayedWork struct {
	Work
	timer timer.Timer
	wheel *timer.Wheel
	q     *Queue
}

// NewDelayedWork returns a delayed work item running fn.
func NewDelayedWork(fn Func) *DelayedWork {
	return &DelayedWork{Work: Work{fn: fn}}
}

// QueueDelayed queues dw on q once d has passed on wheel, timed on cpu. It
// returns false if dw is already pending.
func (q *Queue) QueueDelayed(wheel *timer.Wheel, cpu int, dw *DelayedWork, d time.Duration) bool {
	if d <= 0 {
		return q.Queue(&dw.Work)
	}
	if !dw.pending.CompareAndSwap(false, true) {
		return false
	}
	dw.wheel, dw.q = wheel, q
	wheel.Setup(&dw.timer, cpu, dw.fire, nil)
	wheel.Add(&dw.timer, wheel.Now()+uint64(d))
	return true
}

func (dw *DelayedWork) fire(any) {
	if !dw.q.insert(&dw.Work, false) {
		dw.pending.Store(false)
	}
}

// Cancel disarms a delayed item whose timer has not fired yet and reports
// whether it did.
func (dw *DelayedWork) Cancel() bool {
	if dw.wheel == nil || !dw.wheel.DelSync(&dw.timer) {
		return false
	}
	dw.pending.Store(false)
	return true
}
