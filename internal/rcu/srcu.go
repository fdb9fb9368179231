package rcu

import (
	"log/slog"
	"sync/atomic"

	"github.com/me/kcore/internal/sched"
	"github.com/me/kcore/internal/sleeplock"
)

// srcuYieldRetries is how many times Synchronize yields the CPU waiting for
// old readers before it sleeps until a reader unlocks.
const srcuYieldRetries = 10

type srcuCounters struct {
	lock   []atomic.Uint64
	unlock []atomic.Uint64
}

// SRCU is sleepable RCU: read-side sections may block. Readers count
// themselves into one of two per-CPU counter sets selected by an index that
// Synchronize flips.
//
// Synchronize waits out readers of the index that was current before the
// flip. It does not also wait for readers that picked up the new index
// before the flip took effect.
type SRCU struct {
	s      *sched.Scheduler
	logger *slog.Logger

	idx       atomic.Uint32
	counts    [2]srcuCounters
	completed atomic.Uint64

	mu       sleeplock.Mutex
	wait     sched.WaitQueue
	sleepers atomic.Int32
}

// NewSRCU creates an SRCU domain with counters for every CPU of s.
func NewSRCU(s *sched.Scheduler, logger *slog.Logger) *SRCU {
	sp := &SRCU{s: s, logger: logger.With("component", "srcu")}
	for i := range sp.counts {
		sp.counts[i] = srcuCounters{
			lock:   make([]atomic.Uint64, s.NrCPUs()),
			unlock: make([]atomic.Uint64, s.NrCPUs()),
		}
	}
	return sp
}

// ReadLock enters a read-side section and returns the index to pass to
// ReadUnlock.
func (sp *SRCU) ReadLock(cur *sched.Task) int {
	cur.PreemptDisable()
	idx := int(sp.idx.Load() & 1)
	sp.counts[idx].lock[cur.CPU()].Add(1)
	cur.PreemptEnable()
	return idx
}

// ReadUnlock leaves the read-side section entered with idx. It may run on a
// different CPU than the matching ReadLock.
func (sp *SRCU) ReadUnlock(cur *sched.Task, idx int) {
	cur.PreemptDisable()
	sp.counts[idx].unlock[cur.CPU()].Add(1)
	cur.PreemptEnable()
	if sp.sleepers.Load() > 0 {
		sp.wait.WakeUpAll()
	}
}

// readersActive reports whether readers of idx are still inside. Unlocks
// are summed first so a reader that enters and leaves during the scan is
// never counted as gone while it is still inside.
func (sp *SRCU) readersActive(idx int) bool {
	c := &sp.counts[idx]
	var unlocks, locks uint64
	for i := range c.unlock {
		unlocks += c.unlock[i].Load()
	}
	for i := range c.lock {
		locks += c.lock[i].Load()
	}
	return locks != unlocks
}

// Synchronize flips the index and waits until every reader that entered
// under the old index has left.
func (sp *SRCU) Synchronize(cur *sched.Task) {
	sp.mu.Lock(cur)
	defer sp.mu.Unlock(cur)

	old := int(sp.idx.Add(1)-1) & 1

	for retry := 0; retry < srcuYieldRetries; retry++ {
		if !sp.readersActive(old) {
			sp.completed.Add(1)
			return
		}
		sp.s.Yield(cur)
	}

	sp.sleepers.Add(1)
	sp.wait.WaitEvent(cur, func() bool { return !sp.readersActive(old) })
	sp.sleepers.Add(-1)
	sp.completed.Add(1)
	sp.logger.Debug("srcu grace period waited for sleeping readers", "idx", old)
}

// Barrier waits for a grace period. SRCU has no callbacks to flush.
func (sp *SRCU) Barrier(cur *sched.Task) { sp.Synchronize(cur) }

// Completed returns the number of finished grace periods.
func (sp *SRCU) Completed() uint64 { return sp.completed.Load() }

// Index returns the current flip index.
func (sp *SRCU) Index() int { return int(sp.idx.Load() & 1) }
