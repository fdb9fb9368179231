package rcu

import (
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/me/kcore/internal/arch"
	"github.com/me/kcore/internal/sched"
	"github.com/me/kcore/internal/softirq"
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
	t.Cleanup(s.Shutdown)
	return s, clock, logger
}

// tickUntil ticks every CPU once per millisecond of simulated time until
// done is closed.
func tickUntil(t *testing.T, tick func(cpu int), cpus int, clock *arch.ManualClock, done <-chan struct{}) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		select {
		case <-done:
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out ticking")
		}
		clock.Advance(time.Millisecond)
		for cpu := range cpus {
			tick(cpu)
		}
		time.Sleep(100 * time.Microsecond)
	}
}

func boundKthread(s *sched.Scheduler, name string, cpu int, fn sched.Func) *sched.Task {
	p := s.KthreadCreate(name, fn)
	s.KthreadBind(p, cpu)
	s.WakeUp(p)
	return p
}

func TestTreeShape(t *testing.T) {
	s, _, logger := testScheduler(t, 5)
	r := New(s, nil, 2, logger)

	if got := r.Stats(); got.Nodes != 6 || got.Levels != 3 {
		t.Errorf("nodes=%d levels=%d, want 6 and 3", got.Nodes, got.Levels)
	}
	if r.leaves[0] != r.leaves[1] || r.leaves[1] == r.leaves[2] {
		t.Error("leaves do not group CPUs in pairs")
	}
	if r.leaves[4].parent.parent != r.root || r.root.level != 0 {
		t.Error("cpu4's leaf is not two levels below the root")
	}
	if r.root.qsmaskInit != 0b11 {
		t.Errorf("root qsmaskInit = %b, want 11", r.root.qsmaskInit)
	}
}

func TestGracePeriodNeedsEveryCPU(t *testing.T) {
	s, _, logger := testScheduler(t, 5)
	r := New(s, nil, 2, logger)
	r.idle = func(int) bool { return false }

	gp := r.requestGP()
	for cpu := range 4 {
		r.NoteQS(cpu)
		r.NoteQS(cpu)
	}
	if r.completed.Load() >= gp {
		t.Fatal("grace period completed before cpu4 reported")
	}
	r.NoteQS(4)
	if r.completed.Load() != gp {
		t.Errorf("completed = %d, want %d", r.completed.Load(), gp)
	}
	for _, c := range r.Stats().CPUs {
		if c.QSReports != 1 {
			t.Errorf("cpu%d reported %d times, want 1", c.CPU, c.QSReports)
		}
	}
}

func TestRequestDuringGracePeriodStartsAnother(t *testing.T) {
	s, _, logger := testScheduler(t, 2)
	r := New(s, nil, 0, logger)
	r.idle = func(int) bool { return false }

	first := r.requestGP()
	second := r.requestGP()
	if second != first+1 {
		t.Fatalf("request during gp %d got %d, want %d", first, second, first+1)
	}
	r.NoteQS(0)
	r.NoteQS(1)
	if r.completed.Load() != first || r.cur.Load() != second {
		t.Fatalf("completed=%d cur=%d, want %d and %d", r.completed.Load(), r.cur.Load(), first, second)
	}
	r.NoteQS(0)
	r.NoteQS(1)
	if r.completed.Load() != second {
		t.Errorf("completed = %d, want %d", r.completed.Load(), second)
	}
}

func TestIdleCPUsAreQuiescent(t *testing.T) {
	s, _, logger := testScheduler(t, 4)
	r := New(s, nil, 0, logger)
	gp := r.requestGP()
	if r.completed.Load() != gp {
		t.Errorf("grace period over idle CPUs did not complete at once: completed=%d want %d", r.completed.Load(), gp)
	}
}

func TestSynchronizeWaitsForReader(t *testing.T) {
	s, clock, logger := testScheduler(t, 2)
	r := New(s, nil, 0, logger)
	s.Start()

	entered := make(chan struct{})
	release := make(chan struct{})
	var unlocked atomic.Bool
	boundKthread(s, "reader", 0, func(p *sched.Task) {
		r.ReadLock(p)
		close(entered)
		<-release
		unlocked.Store(true)
		r.ReadUnlock(p)
	})
	<-entered

	synced := make(chan struct{})
	var sawUnlock atomic.Bool
	boundKthread(s, "writer", 1, func(p *sched.Task) {
		r.Synchronize(p)
		sawUnlock.Store(unlocked.Load())
		close(synced)
	})

	for range 20 {
		clock.Advance(time.Millisecond)
		s.Tick(0)
		s.Tick(1)
	}
	select {
	case <-synced:
		t.Fatal("Synchronize returned while a reader was inside")
	default:
	}

	close(release)
	tickUntil(t, s.Tick, 2, clock, synced)
	if !sawUnlock.Load() {
		t.Error("grace period ended before the reader unlocked")
	}
}

func TestCallbacksRunAfterGracePeriodInOrder(t *testing.T) {
	s, _, logger := testScheduler(t, 1)
	sirq := softirq.New(s, 0, logger)
	r := New(s, sirq, 0, logger)
	w := timer.New(s, nil, sirq, logger)

	var got []int
	for i := range 3 {
		r.CallRCU(0, func() {
			if r.completed.Load() == 0 {
				t.Error("callback ran before any grace period completed")
			}
			got = append(got, i)
		})
	}
	for range 3 {
		w.Handle(0)
	}
	if want := []int{0, 1, 2}; !slices.Equal(got, want) {
		t.Errorf("callbacks ran %v, want %v", got, want)
	}
	if st := r.Stats().CPUs[0]; st.Invoked != 3 || st.Queued != 0 {
		t.Errorf("cpu0 stats = %+v", st)
	}
}

func TestBarrier(t *testing.T) {
	s, clock, logger := testScheduler(t, 2)
	sirq := softirq.New(s, 0, logger)
	r := New(s, sirq, 0, logger)
	w := timer.New(s, nil, sirq, logger)
	s.Start()

	var (
		mu  sync.Mutex
		ran []int
	)
	var sawAll atomic.Bool
	p := s.Spawn("barrier", func(p *sched.Task) {
		for cpu := range 2 {
			r.CallRCU(cpu, func() {
				mu.Lock()
				ran = append(ran, cpu)
				mu.Unlock()
			})
		}
		r.Barrier(p)
		mu.Lock()
		sawAll.Store(len(ran) == 2)
		mu.Unlock()
	})
	tickUntil(t, w.Handle, 2, clock, p.Done())
	if !sawAll.Load() {
		t.Error("Barrier returned before earlier callbacks ran")
	}
}

func TestPointerPublish(t *testing.T) {
	var p atomic.Pointer[int]
	v := 7
	Assign(&p, &v)
	if got := Dereference(&p); got == nil || *got != 7 {
		t.Errorf("Dereference = %v", got)
	}
}
