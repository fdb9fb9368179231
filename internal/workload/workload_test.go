package workload

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/me/kcore/internal/arch"
	"github.com/me/kcore/internal/config"
	"github.com/me/kcore/internal/kernel"
	"github.com/me/kcore/internal/resdomain"
)

func testKernel(t *testing.T, cpus int) (*kernel.Kernel, *slog.Logger) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.DefaultConfig()
	cfg.CPUs = cpus
	k, err := kernel.Boot(cfg, logger, kernel.WithClock(arch.NewManualClock(0)), kernel.WithManualTicks())
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if err := k.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(k.Shutdown)
	return k, logger
}

// ticking drives k's tick from a goroutine until the test ends.
func ticking(t *testing.T, k *kernel.Kernel) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			k.Tick()
			time.Sleep(200 * time.Microsecond)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func stopAndWait(t *testing.T, s *Set) {
	t.Helper()
	s.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestSpawnRejectsBadArguments(t *testing.T) {
	k, logger := testKernel(t, 1)
	s := NewSet(k, logger)
	if _, err := s.Spawn("fork-bomb", "x", 0, ""); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("unknown kind = %v", err)
	}
	if _, err := s.Spawn(KindYield, "x", 25, ""); err == nil {
		t.Error("nice 25 accepted")
	}
	if _, err := s.Spawn(KindYield, "x", 0, "/nowhere"); !errors.Is(err, resdomain.ErrNotFound) {
		t.Errorf("missing domain = %v", err)
	}
	if len(s.Tasks()) != 0 {
		t.Errorf("rejected spawns left %d tasks", len(s.Tasks()))
	}
}

func TestMixedWorkloadMakesProgress(t *testing.T) {
	k, logger := testKernel(t, 2)
	ticking(t, k)
	s, err := Start(k, config.WorkloadConfig{Kind: KindMixed, Tasks: 8, NiceSpread: 3}, logger)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "iterations, deferred work and RCU frees", func() bool {
		st := s.Stats()
		return st.Iterations > 100 && st.Deferred > 0 && st.RCUFreed > 0
	})
	stopAndWait(t, s)

	st := s.Stats()
	if st.Tasks != 8 {
		t.Errorf("tasks = %d", st.Tasks)
	}
	if st.RCUTorn != 0 {
		t.Errorf("readers saw %d torn tables", st.RCUTorn)
	}
	if st.MutexLocked {
		t.Error("mutex still held after every task exited")
	}
	if st.RCUFreed > st.RCUVersion {
		t.Errorf("freed %d versions but only published %d", st.RCUFreed, st.RCUVersion)
	}

	var nices []int
	for _, p := range s.Tasks() {
		nices = append(nices, p.Nice())
	}
	if nices[0] != -3 || nices[3] != 0 || nices[6] != 3 {
		t.Errorf("nice spread = %v", nices)
	}
}

func TestDomainsWorkload(t *testing.T) {
	k, logger := testKernel(t, 2)
	ticking(t, k)
	s, err := Start(k, config.WorkloadConfig{Kind: KindDomains, Tasks: 4}, logger)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i, p := range s.Tasks() {
		want := "/workload/light"
		if i%2 == 1 {
			want = "/workload/heavy"
		}
		if got := k.Hierarchy().DomainOf(p).Path(); got != want {
			t.Errorf("task %d in %s, want %s", i, got, want)
		}
	}
	heavy, err := k.Domain("/workload/heavy")
	if err != nil {
		t.Fatal(err)
	}
	if heavy.CPUWeight != 400 || heavy.CPUMax != "50000 100000" || heavy.PidsMax != 64 {
		t.Errorf("heavy = %+v", heavy)
	}
	waitFor(t, "iterations", func() bool { return s.Stats().Iterations > 50 })
	stopAndWait(t, s)

	if ds := k.Domains(); len(ds) != 1 {
		t.Errorf("domains left after Wait: %+v", ds)
	}
}

func TestNoneWorkload(t *testing.T) {
	k, logger := testKernel(t, 1)
	s, err := Start(k, config.WorkloadConfig{Kind: KindNone, Tasks: 5}, logger)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Tasks()) != 0 {
		t.Errorf("none spawned %d tasks", len(s.Tasks()))
	}
}
