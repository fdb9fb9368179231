package rcu

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/me/kcore/internal/sched"
)

func TestSRCUSynchronizeWithoutReaders(t *testing.T) {
	s, _, logger := testScheduler(t, 2)
	sp := NewSRCU(s, logger)
	s.Start()

	p := s.Spawn("writer", func(p *sched.Task) {
		sp.Synchronize(p)
		sp.Synchronize(p)
	})
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Synchronize with no readers did not return")
	}
	if sp.Completed() != 2 {
		t.Errorf("completed = %d, want 2", sp.Completed())
	}
	if sp.Index() != 0 {
		t.Errorf("index after two flips = %d, want 0", sp.Index())
	}
}

func TestSRCUReaderUnlocksBeforeSynchronizeReturns(t *testing.T) {
	s, _, logger := testScheduler(t, 2)
	sp := NewSRCU(s, logger)
	s.Start()

	entered := make(chan struct{})
	release := make(chan struct{})
	var unlocked atomic.Bool
	reader := boundKthread(s, "reader", 0, func(p *sched.Task) {
		idx := sp.ReadLock(p)
		close(entered)
		<-release
		unlocked.Store(true)
		sp.ReadUnlock(p, idx)
	})
	<-entered

	var sawUnlock atomic.Bool
	writer := boundKthread(s, "writer", 1, func(p *sched.Task) {
		sp.Synchronize(p)
		sawUnlock.Store(unlocked.Load())
	})

	select {
	case <-writer.Done():
		t.Fatal("Synchronize returned while a reader held the old index")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	waitTask(t, reader)
	waitTask(t, writer)
	if !sawUnlock.Load() {
		t.Error("Synchronize returned before the reader unlocked")
	}
}

func TestSRCUReadersOfNewIndexDoNotBlock(t *testing.T) {
	s, _, logger := testScheduler(t, 2)
	sp := NewSRCU(s, logger)
	s.Start()

	release := make(chan struct{})
	first := make(chan struct{})
	// Holds the index that the first Synchronize flips away from.
	old := s.Spawn("old-reader", func(p *sched.Task) {
		idx := sp.ReadLock(p)
		close(first)
		<-release
		sp.ReadUnlock(p, idx)
	})
	<-first

	writer := s.Spawn("writer", func(p *sched.Task) { sp.Synchronize(p) })
	close(release)
	waitTask(t, old)
	waitTask(t, writer)

	// A reader inside the new index does not hold up readers of the old one.
	var idx int
	entered := make(chan struct{})
	hold := make(chan struct{})
	newer := s.Spawn("new-reader", func(p *sched.Task) {
		idx = sp.ReadLock(p)
		close(entered)
		<-hold
		sp.ReadUnlock(p, idx)
	})
	<-entered
	if idx != sp.Index() {
		t.Errorf("reader got index %d, current is %d", idx, sp.Index())
	}
	if sp.readersActive(idx ^ 1) {
		t.Error("old index still has readers")
	}
	close(hold)
	waitTask(t, newer)
}

func waitTask(t *testing.T, p *sched.Task) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", p)
	}
}
