package sched

import (
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/me/kcore/internal/arch"
)

func testScheduler(t *testing.T, cpus int) (*Scheduler, *arch.ManualClock) {
	t.Helper()
	clock := arch.NewManualClock(0)
	cfg := DefaultConfig()
	cfg.NrCPUs = cpus
	s, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), WithClock(clock))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Shutdown)
	return s, clock
}

type testDomain struct{ g *Group }

func (d testDomain) Path() string  { return "/test" }
func (d testDomain) Group() *Group { return d.g }

func TestPickNextIsMinimumVruntime(t *testing.T) {
	s, _ := testScheduler(t, 1)
	rq := &s.cpus[0].rq
	rng := rand.New(rand.NewPCG(1, 2))

	f := rq.lockIRQ()
	defer rq.unlockIRQ(f)

	var queued []*Task
	lastMin := rq.cfs.minVruntime
	for i := 0; i < 500; i++ {
		if len(queued) > 0 && rng.IntN(3) == 0 {
			j := rng.IntN(len(queued))
			rq.dequeueTask(queued[j], 0)
			queued = slices.Delete(queued, j, j+1)
		} else {
			p := s.newTask("t", nil, 0, ClassFair)
			p.se.vruntime = rq.cfs.minVruntime + rng.Uint64N(1_000_000)
			rq.activate(p, 0)
			queued = append(queued, p)
		}

		if rq.cfs.minVruntime < lastMin {
			t.Fatalf("step %d: min_vruntime went back from %d to %d", i, lastMin, rq.cfs.minVruntime)
		}
		lastMin = rq.cfs.minVruntime
		if len(queued) == 0 {
			continue
		}

		want := slices.MinFunc(queued, func(a, b *Task) int {
			switch {
			case entityLess(&a.se, &b.se):
				return -1
			case entityLess(&b.se, &a.se):
				return 1
			}
			return 0
		})
		got := fair.pickNext(rq)
		if got != want {
			t.Fatalf("step %d: picked vruntime %d, want %d", i, got.se.vruntime, want.se.vruntime)
		}
		fair.putPrev(rq, got)
		if int(rq.nrRunning.Load()) != len(queued) || rq.cfs.nrRunning != len(queued) {
			t.Fatalf("step %d: nr_running %d/%d, want %d", i, rq.nrRunning.Load(), rq.cfs.nrRunning, len(queued))
		}
	}
}

func TestPlacementOnWakeup(t *testing.T) {
	s, _ := testScheduler(t, 1)
	rq := &s.cpus[0].rq
	f := rq.lockIRQ()
	defer rq.unlockIRQ(f)

	rq.cfs.minVruntime = 5_000_000
	p := s.newTask("sleeper", nil, 0, ClassFair)
	p.se.vruntime = 1000
	rq.activate(p, enqueueWakeup)
	if p.se.vruntime != 5_000_000 {
		t.Errorf("woken vruntime = %d, want min_vruntime 5000000", p.se.vruntime)
	}

	q := s.newTask("ahead", nil, 0, ClassFair)
	q.se.vruntime = 9_000_000
	rq.activate(q, enqueueWakeup)
	if q.se.vruntime != 9_000_000 {
		t.Errorf("vruntime ahead of min moved to %d", q.se.vruntime)
	}
}

func TestSliceScalesWithWeight(t *testing.T) {
	s, _ := testScheduler(t, 1)
	rq := &s.cpus[0].rq
	f := rq.lockIRQ()
	defer rq.unlockIRQ(f)

	heavy := s.newTask("heavy", nil, 0, ClassFair)
	heavy.se.weight = prioWeight(NiceToPrio(-5))
	light := s.newTask("light", nil, 0, ClassFair)
	light.se.weight = prioWeight(NiceToPrio(5))
	rq.activate(heavy, enqueueInitial)
	rq.activate(light, enqueueInitial)

	hs, ls := s.slice(&heavy.se), s.slice(&light.se)
	if hs <= ls {
		t.Fatalf("heavy slice %v not above light slice %v", time.Duration(hs), time.Duration(ls))
	}
	if total := hs + ls; total > uint64(s.cfg.Latency) {
		t.Errorf("slices sum to %v, beyond latency %v", time.Duration(total), s.cfg.Latency)
	}
}

func TestPeriodStretchesWithManyTasks(t *testing.T) {
	s, _ := testScheduler(t, 1)
	if got := s.period(2); got != uint64(s.cfg.Latency) {
		t.Errorf("period(2) = %v, want latency", time.Duration(got))
	}
	if got, want := s.period(20), 20*uint64(s.cfg.MinGranularity); got != want {
		t.Errorf("period(20) = %v, want %v", time.Duration(got), time.Duration(want))
	}
}

func TestTickPreemptsAfterSlice(t *testing.T) {
	s, clock := testScheduler(t, 1)
	rq := &s.cpus[0].rq

	f := rq.lockIRQ()
	a := s.newTask("a", nil, 0, ClassFair)
	b := s.newTask("b", nil, 0, ClassFair)
	rq.activate(a, enqueueInitial)
	rq.activate(b, enqueueInitial)
	rq.curr = fair.pickNext(rq)
	rq.unlockIRQ(f)

	for i := 0; i < 10 && !s.cpus[0].NeedResched(); i++ {
		clock.Advance(time.Millisecond)
		s.Tick(0)
	}
	if !s.cpus[0].NeedResched() {
		t.Fatal("running task was never asked to reschedule")
	}
	if got := rq.stats.ticks.Load(); got > 4 {
		t.Errorf("reschedule after %d ticks, want within one 3ms slice", got)
	}
}

func TestGroupThrottleAndRefill(t *testing.T) {
	s, clock := testScheduler(t, 1)
	rq := &s.cpus[0].rq
	g := s.NewGroup(nil, 0)
	s.SetGroupBandwidth(g, time.Millisecond, 10*time.Millisecond)

	p := s.newTask("limited", nil, 0, ClassFair)
	p.domain.Store(&domainSlot{d: testDomain{g: g}})

	f := rq.lockIRQ()
	rq.updateClock()
	rq.activate(p, enqueueInitial)
	if rq.cfs.nrRunning != 1 || g.cfs[0].nrRunning != 1 {
		t.Fatalf("queued counts root=%d group=%d, want 1/1", rq.cfs.nrRunning, g.cfs[0].nrRunning)
	}
	rq.curr = fair.pickNext(rq)
	if rq.curr != p {
		t.Fatalf("picked %v, want %v", rq.curr, p)
	}
	rq.unlockIRQ(f)

	clock.Advance(2 * time.Millisecond)
	s.Tick(0)

	if now, total := g.Throttled(); now != 1 || total != 1 {
		t.Fatalf("Throttled() = %d, %d; want 1, 1", now, total)
	}

	f = rq.lockIRQ()
	fair.putPrev(rq, p)
	rq.curr = rq.pickNext()
	if rq.curr != rq.idle {
		t.Errorf("picked %v from a throttled group, want idle", rq.curr)
	}
	rq.unlockIRQ(f)

	s.RefillBandwidth(g)
	if now, _ := g.Throttled(); now != 0 {
		t.Errorf("still throttled on %d cpus after refill", now)
	}
	f = rq.lockIRQ()
	defer rq.unlockIRQ(f)
	if rq.cfs.nrRunning != 1 {
		t.Errorf("root queue has %d entities after refill, want 1", rq.cfs.nrRunning)
	}
	if got := fair.pickNext(rq); got != p {
		t.Errorf("picked %v after refill, want %v", got, p)
	}
}

func TestSetGroupShares(t *testing.T) {
	s, _ := testScheduler(t, 2)
	g := s.NewGroup(nil, 0)
	s.SetGroupShares(g, 2048)
	for i := range s.cpus {
		if w := g.se[i].Weight(); w != 2048 {
			t.Errorf("cpu%d group weight = %d, want 2048", i, w)
		}
	}
	s.SetGroupShares(s.RootGroup(), 10)
	if got := s.RootGroup().Shares(); got != DefaultShares {
		t.Errorf("root shares changed to %d", got)
	}
}
