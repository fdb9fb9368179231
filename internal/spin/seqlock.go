package spin

import (
	"runtime"
	"sync/atomic"
)

// SeqLock lets readers run without blocking writers. Readers sample the
// sequence with ReadBegin, copy the data, and retry if ReadRetry reports a
// concurrent write. Writers serialize on an embedded spinlock.
type SeqLock struct {
	seq  atomic.Uint64
	lock Lock
}

// WriteLock starts a write section.
func (s *SeqLock) WriteLock() {
	s.lock.Lock()
	s.seq.Add(1)
}

// WriteUnlock ends a write section.
func (s *SeqLock) WriteUnlock() {
	s.seq.Add(1)
	s.lock.Unlock()
}

// ReadBegin waits out any writer in progress and returns the sequence to
// pass to ReadRetry.
func (s *SeqLock) ReadBegin() uint64 {
	for {
		v := s.seq.Load()
		if v&1 == 0 {
			return v
		}
		runtime.Gosched()
	}
}

// ReadRetry reports whether a write happened since start.
func (s *SeqLock) ReadRetry(start uint64) bool {
	return s.seq.Load() != start
}

// Sequence returns the raw sequence count.
func (s *SeqLock) Sequence() uint64 { return s.seq.Load() }
