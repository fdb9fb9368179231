package sleeplock

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/me/kcore/internal/arch"
	"github.com/me/kcore/internal/sched"
)

func testScheduler(t *testing.T, cpus int) *sched.Scheduler {
	t.Helper()
	cfg := sched.DefaultConfig()
	cfg.NrCPUs = cpus
	s, err := sched.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)),
		sched.WithClock(arch.NewManualClock(0)))
	if err != nil {
		t.Fatalf("sched.New: %v", err)
	}
	t.Cleanup(s.Shutdown)
	s.Start()
	return s
}

func waitDone(t *testing.T, tasks ...*sched.Task) {
	t.Helper()
	for _, p := range tasks {
		select {
		case <-p.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", p)
		}
	}
}

func TestMutexMutualExclusion(t *testing.T) {
	s := testScheduler(t, 2)
	const workers, iters = 4, 200

	var (
		m       Mutex
		counter int
	)
	var tasks []*sched.Task
	for i := 0; i < workers; i++ {
		tasks = append(tasks, s.Spawn("locker", func(p *sched.Task) {
			for j := 0; j < iters; j++ {
				m.Lock(p)
				v := counter
				s.Yield(p)
				counter = v + 1
				m.Unlock(p)
			}
		}))
	}
	waitDone(t, tasks...)
	if counter != workers*iters {
		t.Errorf("counter = %d, want %d", counter, workers*iters)
	}
	if m.IsLocked() {
		t.Error("mutex still locked")
	}
}

func TestMutexPriorityInheritance(t *testing.T) {
	s := testScheduler(t, 2)
	var m Mutex
	held := make(chan struct{})
	release := make(chan struct{})

	owner := s.KthreadCreate("owner", func(p *sched.Task) {
		m.Lock(p)
		close(held)
		<-release
		m.Unlock(p)
	})
	s.KthreadBind(owner, 0)
	s.SetNice(owner, 10)
	s.WakeUp(owner)
	<-held

	waiter := s.KthreadCreate("waiter", func(p *sched.Task) {
		m.Lock(p)
		m.Unlock(p)
	})
	s.KthreadBind(waiter, 1)
	s.SetNice(waiter, -10)
	s.WakeUp(waiter)

	deadline := time.Now().Add(5 * time.Second)
	for owner.Prio() != waiter.Prio() {
		if time.Now().After(deadline) {
			t.Fatalf("owner prio %d never boosted to %d", owner.Prio(), waiter.Prio())
		}
		time.Sleep(time.Millisecond)
	}
	close(release)
	waitDone(t, owner, waiter)

	if owner.Prio() != sched.NiceToPrio(10) {
		t.Errorf("owner prio %d after unlock, want %d", owner.Prio(), sched.NiceToPrio(10))
	}
}

func TestMutexTryLockAndNonOwnerUnlock(t *testing.T) {
	s := testScheduler(t, 1)
	a := s.KthreadCreate("a", func(*sched.Task) {})
	b := s.KthreadCreate("b", func(*sched.Task) {})

	var m Mutex
	if !m.TryLock(a) {
		t.Fatal("TryLock on a free mutex failed")
	}
	if m.TryLock(b) {
		t.Fatal("TryLock on a held mutex succeeded")
	}
	if m.Owner() != a {
		t.Errorf("owner = %v, want %v", m.Owner(), a)
	}

	defer func() {
		if recover() == nil {
			t.Error("unlock by a non-owner did not panic")
		}
	}()
	m.Unlock(b)
}

func TestRWSemTrylock(t *testing.T) {
	var rw RWSem
	if !rw.DownReadTrylock() || !rw.DownReadTrylock() {
		t.Fatal("readers excluded each other")
	}
	if rw.Readers() != 2 {
		t.Errorf("Readers() = %d, want 2", rw.Readers())
	}
	if rw.DownWriteTrylock() {
		t.Fatal("writer got in alongside readers")
	}
	rw.UpRead()
	rw.UpRead()
	if !rw.DownWriteTrylock() {
		t.Fatal("writer blocked on a free semaphore")
	}
	if rw.DownReadTrylock() {
		t.Fatal("reader got in alongside a writer")
	}
	rw.DowngradeWrite()
	if rw.Readers() != 1 {
		t.Errorf("Readers() after downgrade = %d, want 1", rw.Readers())
	}
	if !rw.DownReadTrylock() {
		t.Error("reader excluded after downgrade")
	}
	if rw.DownWriteTrylock() {
		t.Error("writer got in after downgrade")
	}
}

func TestRWSemReaderWaitsForWriter(t *testing.T) {
	s := testScheduler(t, 1)
	var rw RWSem
	if !rw.DownWriteTrylock() {
		t.Fatal("DownWriteTrylock failed")
	}

	var got atomic.Bool
	reader := s.Spawn("reader", func(p *sched.Task) {
		rw.DownRead(p)
		got.Store(true)
		rw.UpRead()
	})
	time.Sleep(20 * time.Millisecond)
	if got.Load() {
		t.Fatal("reader entered while the writer held the semaphore")
	}
	rw.UpWrite()
	waitDone(t, reader)
	if !got.Load() {
		t.Error("reader never ran")
	}
}

func TestRWSemUnbalancedReleasePanics(t *testing.T) {
	var rw RWSem
	defer func() {
		if recover() == nil {
			t.Error("UpWrite without a writer did not panic")
		}
	}()
	rw.UpWrite()
}
