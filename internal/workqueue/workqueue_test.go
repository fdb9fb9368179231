package workqueue

import (
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/me/kcore/internal/arch"
	"github.com/me/kcore/internal/sched"
	"github.com/me/kcore/internal/timer"
)

func testScheduler(t *testing.T, cpus int) (*sched.Scheduler, *arch.ManualClock, *slog.Logger) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := arch.NewManualClock(0)
	cfg := sched.DefaultConfig()
	cfg.NrCPUs = cpus
	s, err := sched.New(cfg, logger, sched.WithClock(clock))
	if err != nil {
		t.Fatalf("sched.New: %v", err)
	}
	s.Start()
	t.Cleanup(s.Shutdown)
	return s, clock, logger
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

func TestWorkRunsInQueueOrder(t *testing.T) {
	s, _, logger := testScheduler(t, 2)
	q := New(s, "events", -1, logger)

	var (
		mu  sync.Mutex
		got []int
	)
	for i := range 5 {
		q.Queue(NewWork(func(*sched.Task, *Work) {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	if err := q.Flush(nil); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if want := []int{0, 1, 2, 3, 4}; !slices.Equal(got, want) {
		t.Errorf("ran %v, want %v", got, want)
	}
	if st := q.Stats(); st.Executed < 5 || st.Queued != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPendingWorkIsNotQueuedTwice(t *testing.T) {
	s, _, logger := testScheduler(t, 2)
	q := New(s, "events", 0, logger)

	gate := make(chan struct{})
	started := make(chan struct{})
	q.Queue(NewWork(func(*sched.Task, *Work) {
		close(started)
		<-gate
	}))
	waitDone(t, started)

	var runs atomic.Int32
	w := NewWork(func(*sched.Task, *Work) { runs.Add(1) })
	if !q.Queue(w) {
		t.Fatal("first Queue returned false")
	}
	if q.Queue(w) {
		t.Error("Queue of a pending item returned true")
	}
	if !w.Pending() {
		t.Error("queued item not pending")
	}
	close(gate)
	if err := q.Flush(nil); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if runs.Load() != 1 {
		t.Errorf("item ran %d times, want 1", runs.Load())
	}
	if w.Pending() {
		t.Error("item still pending after it ran")
	}
}

func TestWorkCanRequeueItself(t *testing.T) {
	s, _, logger := testScheduler(t, 1)
	q := New(s, "events", -1, logger)

	var runs atomic.Int32
	done := make(chan struct{})
	w := NewWork(func(_ *sched.Task, w *Work) {
		if runs.Add(1) < 3 {
			if !q.Queue(w) {
				t.Error("re-queue from the work function refused")
			}
			return
		}
		close(done)
	})
	q.Queue(w)
	waitDone(t, done)
	if runs.Load() != 3 {
		t.Errorf("ran %d times, want 3", runs.Load())
	}
}

func TestFlushFromTask(t *testing.T) {
	s, _, logger := testScheduler(t, 2)
	q := New(s, "events", -1, logger)

	var ran atomic.Bool
	q.Queue(NewWork(func(cur *sched.Task, _ *Work) {
		s.Yield(cur)
		ran.Store(true)
	}))
	var sawRun atomic.Bool
	p := s.Spawn("flusher", func(p *sched.Task) {
		if err := q.Flush(p); err != nil {
			t.Errorf("Flush: %v", err)
		}
		sawRun.Store(ran.Load())
	})
	waitDone(t, p.Done())
	if !sawRun.Load() {
		t.Error("Flush returned before earlier work ran")
	}
}

func TestDestroy(t *testing.T) {
	s, _, logger := testScheduler(t, 1)
	q := New(s, "events", -1, logger)

	var runs atomic.Int32
	for range 3 {
		q.Queue(NewWork(func(*sched.Task, *Work) { runs.Add(1) }))
	}
	if err := q.Destroy(nil); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if runs.Load() != 3 {
		t.Errorf("Destroy dropped work: ran %d of 3", runs.Load())
	}
	waitDone(t, q.Worker().Done())

	if q.Queue(NewWork(func(*sched.Task, *Work) {})) {
		t.Error("Queue on a destroyed queue returned true")
	}
	if err := q.Flush(nil); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Flush after Destroy = %v, want ErrDestroyed", err)
	}
	if err := q.Destroy(nil); !errors.Is(err, ErrDestroyed) {
		t.Errorf("second Destroy = %v, want ErrDestroyed", err)
	}
}

func TestDelayedWork(t *testing.T) {
	s, clock, logger := testScheduler(t, 1)
	q := New(s, "events", -1, logger)
	wheel := timer.New(s, nil, nil, logger)

	ran := make(chan struct{})
	dw := NewDelayedWork(func(*sched.Task, *Work) { close(ran) })
	if !q.QueueDelayed(wheel, 0, dw, 3*time.Millisecond) {
		t.Fatal("QueueDelayed returned false")
	}
	if q.QueueDelayed(wheel, 0, dw, time.Millisecond) {
		t.Error("QueueDelayed of a pending item returned true")
	}

	clock.Advance(2 * time.Millisecond)
	wheel.Handle(0)
	if err := q.Flush(nil); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ran:
		t.Fatal("delayed work ran early")
	default:
	}

	clock.Advance(time.Millisecond)
	wheel.Handle(0)
	waitDone(t, ran)
}

func TestCancelDelayedWork(t *testing.T) {
	s, clock, logger := testScheduler(t, 1)
	q := New(s, "events", -1, logger)
	wheel := timer.New(s, nil, nil, logger)

	var ran atomic.Bool
	dw := NewDelayedWork(func(*sched.Task, *Work) { ran.Store(true) })
	q.QueueDelayed(wheel, 0, dw, time.Millisecond)
	if !dw.Cancel() {
		t.Fatal("Cancel of an armed item returned false")
	}
	if dw.Pending() {
		t.Error("cancelled item still pending")
	}
	clock.Advance(5 * time.Millisecond)
	wheel.Handle(0)
	if err := q.Flush(nil); err != nil {
		t.Fatal(err)
	}
	if ran.Load() {
		t.Error("cancelled work ran")
	}
}
