package sched

import (
	"slices"
	"sync/atomic"
)

// PILock is the priority-inheritance state of a sleeping lock: its owner
// and the tasks blocked on it, highest priority first and FIFO among equal
// priorities. The owner runs at no lower priority than its top waiter.
type PILock struct {
	owner   atomic.Pointer[Task]
	waiters []*Task
}

// Owner returns the task holding the lock, or nil.
func (l *PILock) Owner() *Task { return l.owner.Load() }

// PITopWaiter returns the highest-priority waiter of l, or nil.
func (s *Scheduler) PITopWaiter(l *PILock) *Task {
	s.piLock.Lock()
	defer s.piLock.Unlock()
	return l.top()
}

// PIWaiters returns the number of tasks blocked on l.
func (s *Scheduler) PIWaiters(l *PILock) int {
	s.piLock.Lock()
	defer s.piLock.Unlock()
	return len(l.waiters)
}

func (l *PILock) top() *Task {
	if len(l.waiters) == 0 {
		return nil
	}
	return l.waiters[0]
}

func (l *PILock) insertWaiter(w *Task) {
	prio := w.Prio()
	i := slices.IndexFunc(l.waiters, func(x *Task) bool { return x.Prio() > prio })
	if i < 0 {
		i = len(l.waiters)
	}
	l.waiters = slices.Insert(l.waiters, i, w)
}

func (l *PILock) removeWaiter(w *Task) {
	l.waiters = slices.DeleteFunc(l.waiters, func(x *Task) bool { return x == w })
}

// PIBlock records that w is about to sleep on l and boosts the owner chain.
func (s *Scheduler) PIBlock(w *Task, l *PILock) {
	s.piLock.Lock()
	defer s.piLock.Unlock()
	l.insertWaiter(w)
	w.piBlockedOn = l
	s.adjustChain(l.owner.Load())
}

// PIUnblock removes w from l's waiters, after it acquired l or gave up, and
// lets the owner drop any boost it only had because of w.
func (s *Scheduler) PIUnblock(w *Task, l *PILock) {
	s.piLock.Lock()
	defer s.piLock.Unlock()
	l.removeWaiter(w)
	if w.piBlockedOn == l {
		w.piBlockedOn = nil
	}
	s.adjustChain(l.owner.Load())
}

// PIAcquire makes t the owner of l. t inherits the priority of any tasks
// still waiting.
func (s *Scheduler) PIAcquire(t *Task, l *PILock) {
	s.piLock.Lock()
	defer s.piLock.Unlock()
	l.owner.Store(t)
	t.piHeld = append(t.piHeld, l)
	s.adjustChain(t)
}

// PIRelease clears owner's ownership of l, drops the boost l gave it, and
// returns the waiter that should be woken.
func (s *Scheduler) PIRelease(owner *Task, l *PILock) *Task {
	s.piLock.Lock()
	defer s.piLock.Unlock()
	l.owner.Store(nil)
	owner.piHeld = slices.DeleteFunc(owner.piHeld, func(x *PILock) bool { return x == l })
	s.adjustChain(owner)
	return l.top()
}

// effectivePrio is the normal priority of t raised to that of the top
// waiter of every lock it holds. The PI lock is held.
func (s *Scheduler) effectivePrio(t *Task) int {
	prio := t.NormalPrio()
	for _, l := range t.piHeld {
		if w := l.top(); w != nil && w.Prio() < prio {
			prio = w.Prio()
		}
	}
	return prio
}

// adjustChain recomputes the effective priority of t and propagates the
// change along the chain of owners t is blocked behind. The walk is bounded
// by MaxPIChainDepth. The PI lock is held.
func (s *Scheduler) adjustChain(t *Task) {
	for depth := 0; t != nil; depth++ {
		if depth >= s.cfg.MaxPIChainDepth {
			s.logger.Warn("priority inheritance chain too deep", "task", t.String(), "depth", depth)
			return
		}
		prio := s.effectivePrio(t)
		if prio == t.Prio() {
			return
		}
		s.setPrio(t, prio)
		l := t.piBlockedOn
		if l == nil {
			return
		}
		// t's position among l's waiters follows its new priority.
		l.removeWaiter(t)
		l.insertWaiter(t)
		t = l.owner.Load()
	}
}
