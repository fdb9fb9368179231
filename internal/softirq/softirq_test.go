package softirq

import (
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/me/kcore/internal/arch"
	"github.com/me/kcore/internal/sched"
)

func testEngine(t *testing.T, maxRestart int) (*Engine, *sched.Scheduler) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := sched.DefaultConfig()
	cfg.NrCPUs = 2
	s, err := sched.New(cfg, logger, sched.WithClock(arch.NewManualClock(0)))
	if err != nil {
		t.Fatalf("sched.New: %v", err)
	}
	t.Cleanup(s.Shutdown)
	return New(s, maxRestart, logger), s
}

func TestRaiseInInterruptRunsOnExit(t *testing.T) {
	e, _ := testEngine(t, 0)
	var ran int
	e.Open(Timer, func(cpu int) { ran++ })

	e.IRQEnter(0)
	if !e.InInterrupt(0) {
		t.Fatal("InInterrupt false inside IRQEnter")
	}
	e.Raise(0, Timer)
	if ran != 0 {
		t.Fatal("softirq ran inside the hard interrupt")
	}
	if e.Pending(0) != 1<<Timer {
		t.Errorf("pending = %#x, want %#x", e.Pending(0), 1<<Timer)
	}
	e.IRQExit(0)
	if ran != 1 {
		t.Errorf("handler ran %d times, want 1", ran)
	}
	if e.Pending(0) != 0 || e.InInterrupt(0) {
		t.Error("state not cleared after IRQExit")
	}
}

func TestVectorsRunInPriorityOrder(t *testing.T) {
	e, _ := testEngine(t, 0)
	var order []Vector
	for _, v := range []Vector{HI, Timer, RCU} {
		e.Open(v, func(int) { order = append(order, v) })
	}
	e.IRQEnter(1)
	e.Raise(1, RCU)
	e.Raise(1, HI)
	e.Raise(1, Timer)
	e.IRQExit(1)

	if want := []Vector{HI, Timer, RCU}; !slices.Equal(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestNestedInterruptsDrainOnOutermostExit(t *testing.T) {
	e, _ := testEngine(t, 0)
	var ran int
	e.Open(Tasklet, func(int) { ran++ })
	e.IRQEnter(0)
	e.IRQEnter(0)
	e.Raise(0, Tasklet)
	e.IRQExit(0)
	if ran != 0 {
		t.Fatal("softirq ran on inner interrupt exit")
	}
	e.IRQExit(0)
	if ran != 1 {
		t.Errorf("ran %d times, want 1", ran)
	}
}

func TestRestartBoundHandsOff(t *testing.T) {
	e, _ := testEngine(t, 3)
	var calls int
	e.Open(NetRX, func(cpu int) {
		calls++
		e.Raise(cpu, NetRX)
	})
	e.IRQEnter(0)
	e.Raise(0, NetRX)
	e.IRQExit(0)

	if calls != 3 {
		t.Errorf("handler ran %d times, want the restart bound 3", calls)
	}
	st := e.Stats()[0]
	if st.Handoffs != 1 {
		t.Errorf("handoffs = %d, want 1", st.Handoffs)
	}
	if e.Pending(0) == 0 {
		t.Error("re-raised work was dropped")
	}
}

func TestKsoftirqdRunsWorkRaisedOutsideInterrupt(t *testing.T) {
	e, s := testEngine(t, 0)
	s.Start()

	var (
		mu   sync.Mutex
		cpus []int
	)
	done := make(chan struct{}, 2)
	e.Open(Block, func(cpu int) {
		mu.Lock()
		cpus = append(cpus, cpu)
		mu.Unlock()
		done <- struct{}{}
	})
	e.Start()
	defer e.Stop()

	e.Raise(1, Block)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ksoftirqd never ran the raised softirq")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(cpus) != 1 || cpus[0] != 1 {
		t.Errorf("handler ran on %v, want [1]", cpus)
	}
}

func TestUnbalancedIRQExitPanics(t *testing.T) {
	e, _ := testEngine(t, 0)
	defer func() {
		if recover() == nil {
			t.Error("IRQExit without IRQEnter did not panic")
		}
	}()
	e.IRQExit(0)
}
