package sleeplock

import (
	"fmt"
	"sync/atomic"

	"github.com/me/kcore/internal/sched"
)

const writerHeld = -1

// RWSem is a reader-writer semaphore. count is the number of readers, or
// -1 while a writer holds it. Uncontended acquisition is a single
// compare-and-swap; contended callers sleep on the wait queue and retry
// when woken. The zero value is unlocked.
type RWSem struct {
	count atomic.Int64
	wait  sched.WaitQueue
}

// Readers returns the current reader count, or -1 if a writer holds s.
func (s *RWSem) Readers() int { return int(s.count.Load()) }

// DownReadTrylock takes a read hold without blocking.
func (s *RWSem) DownReadTrylock() bool {
	for {
		c := s.count.Load()
		if c < 0 {
			return false
		}
		if s.count.CompareAndSwap(c, c+1) {
			return true
		}
	}
}

// DownRead takes a read hold, sleeping while a writer holds s.
func (s *RWSem) DownRead(cur *sched.Task) {
	if !s.DownReadTrylock() {
		s.wait.WaitEvent(cur, s.DownReadTrylock)
	}
}

// UpRead drops a read hold and wakes waiters once the last reader leaves.
func (s *RWSem) UpRead() {
	c := s.count.Add(-1)
	if c < 0 {
		panic(fmt.Sprintf("sleeplock: up_read with count %d", c+1))
	}
	if c == 0 {
		s.wait.WakeUpAll()
	}
}

// DownWriteTrylock takes the write hold without blocking.
func (s *RWSem) DownWriteTrylock() bool {
	return s.count.CompareAndSwap(0, writerHeld)
}

// DownWrite takes the write hold, sleeping while anyone else holds s.
func (s *RWSem) DownWrite(cur *sched.Task) {
	if !s.DownWriteTrylock() {
		s.wait.WaitEvent(cur, s.DownWriteTrylock)
	}
}

// UpWrite drops the write hold and wakes all waiters.
func (s *RWSem) UpWrite() {
	if !s.count.CompareAndSwap(writerHeld, 0) {
		panic(fmt.Sprintf("sleeplock: up_write with count %d", s.count.Load()))
	}
	s.wait.WakeUpAll()
}

// DowngradeWrite turns the caller's write hold into a read hold without
// letting a writer in between, and lets waiting readers join.
func (s *RWSem) DowngradeWrite() {
	if !s.count.CompareAndSwap(writerHeld, 1) {
		panic(fmt.Sprintf("sleeplock: downgrade_write with count %d", s.count.Load()))
	}
	s.wait.WakeUpAll()
}
