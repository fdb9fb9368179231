// Package sleeplock provides locks whose waiters sleep instead of spinning:
// a priority-inheritance mutex and a reader-writer semaphore.
package sleeplock

import (
	"fmt"

	"github.com/me/kcore/internal/sched"
	"github.com/me/kcore/internal/spin"
)

// Mutex is a sleeping mutual-exclusion lock with priority inheritance: while
// a task waits, the owner runs at no lower priority than the waiter. The
// zero value is unlocked.
type Mutex struct {
	lock spin.Lock
	pi   sched.PILock
}

// Owner returns the task holding m, or nil.
func (m *Mutex) Owner() *sched.Task { return m.pi.Owner() }

// IsLocked reports whether m is held.
func (m *Mutex) IsLocked() bool { return m.pi.Owner() != nil }

// Lock acquires m for cur, sleeping until it is available.
func (m *Mutex) Lock(cur *sched.Task) {
	s := cur.Scheduler()
	blocked := false
	for {
		m.lock.Lock()
		owner := m.pi.Owner()
		if owner == nil {
			if blocked {
				s.PIUnblock(cur, &m.pi)
			}
			s.PIAcquire(cur, &m.pi)
			m.lock.Unlock()
			return
		}
		if owner == cur {
			m.lock.Unlock()
			panic(fmt.Sprintf("sleeplock: %s locked a mutex it already holds", cur))
		}
		if !blocked {
			s.PIBlock(cur, &m.pi)
			blocked = true
		}
		cur.SetState(sched.TaskUninterruptible)
		m.lock.Unlock()
		s.Schedule(cur)
	}
}

// TryLock acquires m if it is free and reports whether it did.
func (m *Mutex) TryLock(cur *sched.Task) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.pi.Owner() != nil {
		return false
	}
	cur.Scheduler().PIAcquire(cur, &m.pi)
	return true
}

// Unlock releases m, drops any priority cur inherited through it and wakes
// the highest-priority waiter. Unlock by a task that does not hold m panics.
func (m *Mutex) Unlock(cur *sched.Task) {
	s := cur.Scheduler()
	m.lock.Lock()
	if owner := m.pi.Owner(); owner != cur {
		m.lock.Unlock()
		panic(fmt.Sprintf("sleeplock: %s unlocked a mutex owned by %v", cur, owner))
	}
	next := s.PIRelease(cur, &m.pi)
	m.lock.Unlock()
	if next != nil {
		s.WakeUp(next)
	}
}
