package sched

import (
	"testing"
	"time"
)

func TestPIBoostsOwnerAndRestores(t *testing.T) {
	s, _ := testScheduler(t, 1)
	owner := s.newTask("owner", nil, 0, ClassFair)
	waiter := s.newTask("waiter", nil, 0, ClassFair)
	s.SetNice(owner, 10)
	s.SetNice(waiter, -10)

	var l PILock
	s.PIAcquire(owner, &l)
	s.PIBlock(waiter, &l)
	if owner.Prio() != waiter.Prio() {
		t.Fatalf("owner prio %d, want boosted to %d", owner.Prio(), waiter.Prio())
	}
	if owner.NormalPrio() != NiceToPrio(10) {
		t.Errorf("normal prio changed to %d", owner.NormalPrio())
	}
	if owner.se.Weight() != prioWeight(waiter.Prio()) {
		t.Errorf("owner weight %d not boosted", owner.se.Weight())
	}

	if top := s.PIRelease(owner, &l); top != waiter {
		t.Errorf("PIRelease returned %v, want %v", top, waiter)
	}
	if owner.Prio() != NiceToPrio(10) {
		t.Errorf("owner prio %d after release, want %d", owner.Prio(), NiceToPrio(10))
	}
	s.PIUnblock(waiter, &l)
	s.PIAcquire(waiter, &l)
	if l.Owner() != waiter || s.PIWaiters(&l) != 0 {
		t.Errorf("owner=%v waiters=%d after hand-off", l.Owner(), s.PIWaiters(&l))
	}
}

func TestPIWaitersOrderedByPriority(t *testing.T) {
	s, _ := testScheduler(t, 1)
	var l PILock
	owner := s.newTask("owner", nil, 0, ClassFair)
	s.PIAcquire(owner, &l)

	first := s.newTask("first", nil, 0, ClassFair)
	second := s.newTask("second", nil, 0, ClassFair)
	urgent := s.newTask("urgent", nil, 0, ClassFair)
	s.SetNice(urgent, -5)

	s.PIBlock(first, &l)
	s.PIBlock(second, &l)
	if top := s.PITopWaiter(&l); top != first {
		t.Errorf("equal priorities not FIFO: top is %v", top)
	}
	s.PIBlock(urgent, &l)
	if top := s.PITopWaiter(&l); top != urgent {
		t.Errorf("top waiter %v, want %v", top, urgent)
	}
}

func TestPIPropagatesAlongChain(t *testing.T) {
	s, _ := testScheduler(t, 1)
	a := s.newTask("a", nil, 0, ClassFair)
	b := s.newTask("b", nil, 0, ClassFair)
	c := s.newTask("c", nil, 0, ClassFair)
	s.SetNice(c, -15)

	var l1, l2 PILock
	s.PIAcquire(a, &l1)
	s.PIAcquire(b, &l2)
	s.PIBlock(b, &l1)
	s.PIBlock(c, &l2)

	if b.Prio() != c.Prio() {
		t.Errorf("b prio %d, want %d", b.Prio(), c.Prio())
	}
	if a.Prio() != c.Prio() {
		t.Errorf("a prio %d, want %d through the chain", a.Prio(), c.Prio())
	}
}

func TestPIChainDepthBounded(t *testing.T) {
	s, _ := testScheduler(t, 1)
	s.cfg.MaxPIChainDepth = 1
	a := s.newTask("a", nil, 0, ClassFair)
	b := s.newTask("b", nil, 0, ClassFair)
	c := s.newTask("c", nil, 0, ClassFair)
	s.SetNice(c, -15)

	var l1, l2 PILock
	s.PIAcquire(a, &l1)
	s.PIAcquire(b, &l2)
	s.PIBlock(b, &l1)
	s.PIBlock(c, &l2)

	if b.Prio() != c.Prio() {
		t.Errorf("direct owner not boosted: %d", b.Prio())
	}
	if a.Prio() != DefaultPrio {
		t.Errorf("boost went past the depth bound: a prio %d", a.Prio())
	}
}

func TestSetNiceKeepsBoost(t *testing.T) {
	s, _ := testScheduler(t, 1)
	owner := s.newTask("owner", nil, 0, ClassFair)
	waiter := s.newTask("waiter", nil, 0, ClassFair)
	s.SetNice(waiter, -10)
	var l PILock
	s.PIAcquire(owner, &l)
	s.PIBlock(waiter, &l)

	s.SetNice(owner, 15)
	if owner.Prio() != waiter.Prio() {
		t.Errorf("SetNice dropped the inherited priority: %d", owner.Prio())
	}
	if owner.Nice() != 15 {
		t.Errorf("nice = %d, want 15", owner.Nice())
	}
}

func TestCompletion(t *testing.T) {
	s, _ := testScheduler(t, 2)
	s.Start()

	var c Completion
	var tasks []*Task
	for i := 0; i < 3; i++ {
		tasks = append(tasks, s.Spawn("waiter", func(p *Task) { c.Wait(p) }))
	}
	for range tasks {
		c.Complete()
	}
	for _, p := range tasks {
		waitClosed(t, p.Done(), "completion waiter")
	}
	if c.Done() {
		t.Error("completions left over after every waiter consumed one")
	}

	c.CompleteAll()
	late := s.Spawn("late", func(p *Task) {
		if got := c.WaitTimeout(p, time.Second); got <= 0 {
			t.Errorf("WaitTimeout = %v, want positive", got)
		}
		c.Wait(p)
	})
	waitClosed(t, late.Done(), "late waiter")
	if !c.Done() || !c.TryWait() {
		t.Error("CompleteAll was consumed")
	}
	c.Reinit()
	if c.Done() {
		t.Error("Reinit left the completion done")
	}
}

func TestWakeUpNrCountsSleepers(t *testing.T) {
	s, _ := testScheduler(t, 1)
	var q WaitQueue
	var sleepers []*Task
	for i := 0; i < 3; i++ {
		p := s.newTask("sleeper", nil, 0, ClassFair)
		q.PrepareToWait(NewWaitEntry(p), TaskUninterruptible)
		sleepers = append(sleepers, p)
	}
	awake := s.newTask("awake", nil, 0, ClassFair)
	e := NewWaitEntry(awake)
	q.Add(e)

	if n := q.WakeUpNr(2); n != 2 {
		t.Fatalf("WakeUpNr(2) = %d, want 2", n)
	}
	if sleepers[0].State() != TaskRunning || sleepers[1].State() != TaskRunning {
		t.Error("wakeups not FIFO")
	}
	if sleepers[2].State() != TaskUninterruptible {
		t.Error("third sleeper woken early")
	}
	if n := q.WakeUpAll(); n != 1 {
		t.Errorf("WakeUpAll = %d, want 1", n)
	}
	if q.Len() != 1 {
		t.Errorf("queue length %d, want the running waiter left", q.Len())
	}
	q.FinishWait(e)
	if q.Len() != 0 {
		t.Error("FinishWait left the entry queued")
	}
}
