package sched

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/me/kcore/internal/spin"
)

// Domain is the resource domain a task is charged to. The scheduler only
// needs the domain's fair group.
type Domain interface {
	Path() string
	Group() *Group
}

// DefaultShares is the weight of a group with default cpu.weight.
const DefaultShares = nice0Load

// Group is a hierarchical fair-scheduling group. It owns one queue per CPU
// and is represented in its parent's queue on that CPU by a group entity.
type Group struct {
	s      *Scheduler
	parent *Group
	se     []*Entity
	cfs    []*cfsRQ
	shares atomic.Uint64
	dead   atomic.Bool

	bw bandwidth
}

type bandwidth struct {
	lock      spin.Lock
	quota     uint64
	period    uint64
	remaining int64

	nrThrottled atomic.Int32
	throttled   atomic.Uint64
}

// charge consumes delta of runtime and reports whether the quota is used up.
func (b *bandwidth) charge(delta uint64) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.quota == 0 {
		return false
	}
	b.remaining -= int64(delta)
	return b.remaining <= 0
}

func (s *Scheduler) newRootGroup() *Group {
	g := &Group{
		s:   s,
		se:  make([]*Entity, len(s.cpus)),
		cfs: make([]*cfsRQ, len(s.cpus)),
	}
	g.shares.Store(DefaultShares)
	for i, c := range s.cpus {
		g.cfs[i] = c.rq.cfs
	}
	return g
}

// RootGroup returns the group every task belongs to by default.
func (s *Scheduler) RootGroup() *Group { return s.root }

// NewGroup creates a child group of parent with the given shares.
func (s *Scheduler) NewGroup(parent *Group, shares uint64) *Group {
	if parent == nil {
		parent = s.root
	}
	if shares == 0 {
		shares = DefaultShares
	}
	g := &Group{
		s:      s,
		parent: parent,
		se:     make([]*Entity, len(s.cpus)),
		cfs:    make([]*cfsRQ, len(s.cpus)),
	}
	g.shares.Store(shares)
	for i, c := range s.cpus {
		q := newCfsRQ(&c.rq, g)
		g.cfs[i] = q
		g.se[i] = &Entity{
			myQ:    q,
			cfs:    parent.cfs[i],
			parent: parent.se[i],
			weight: shares,
		}
	}
	return g
}

// Parent returns the parent group, or nil for the root.
func (g *Group) Parent() *Group { return g.parent }

// Shares returns the group's weight.
func (g *Group) Shares() uint64 { return g.shares.Load() }

// Throttled returns how many CPUs currently throttle the group, and how
// many throttle events happened in total.
func (g *Group) Throttled() (now int, total uint64) {
	return int(g.bw.nrThrottled.Load()), g.bw.throttled.Load()
}

// Bandwidth returns the quota, period and remaining runtime. A zero quota
// means unlimited.
func (g *Group) Bandwidth() (quota, period time.Duration, remaining time.Duration) {
	g.bw.lock.Lock()
	defer g.bw.lock.Unlock()
	return time.Duration(g.bw.quota), time.Duration(g.bw.period), time.Duration(g.bw.remaining)
}

// DestroyGroup retires a group that no longer has queued tasks.
func (s *Scheduler) DestroyGroup(g *Group) {
	if g == s.root {
		panic("sched: destroy of root group")
	}
	for i, c := range s.cpus {
		f := c.rq.lockFrom(nil)
		busy := g.cfs[i].nrRunning > 0 || g.se[i].onRQ
		c.rq.unlockFrom(nil, f)
		if busy {
			panic(fmt.Sprintf("sched: destroying group with queued entities on cpu%d", i))
		}
	}
	g.dead.Store(true)
}

// SetGroupShares changes the weight of g on every CPU.
func (s *Scheduler) SetGroupShares(g *Group, shares uint64) {
	if g == s.root || shares == 0 {
		return
	}
	g.shares.Store(shares)
	for i, c := range s.cpus {
		rq := &c.rq
		f := rq.lockFrom(nil)
		rq.updateClock()
		fair.updateCurr(rq)
		se := g.se[i]
		q := se.cfs
		inTree := se.onRQ && q.curr != se
		if inTree {
			q.remove(se)
		}
		if se.onRQ {
			q.load -= se.weight
			q.load += shares
		}
		se.weight = shares
		if inTree {
			q.insert(se)
		}
		rq.unlockFrom(nil, f)
	}
}

// SetGroupBandwidth limits g to quota of CPU time per period across all
// CPUs. A zero quota removes the limit. The caller drives refills with
// RefillBandwidth once per period.
func (s *Scheduler) SetGroupBandwidth(g *Group, quota, period time.Duration) {
	if g == s.root {
		return
	}
	g.bw.lock.Lock()
	g.bw.quota = uint64(max(quota, 0))
	g.bw.period = uint64(max(period, 0))
	g.bw.lock.Unlock()
	s.RefillBandwidth(g)
}

// RefillBandwidth restores a full quota and unthrottles g everywhere.
func (s *Scheduler) RefillBandwidth(g *Group) {
	g.bw.lock.Lock()
	g.bw.remaining = int64(g.bw.quota)
	g.bw.lock.Unlock()
	for i, c := range s.cpus {
		rq := &c.rq
		f := rq.lockFrom(nil)
		if q := g.cfs[i]; q.throttled {
			rq.unthrottle(q)
		}
		rq.unlockFrom(nil, f)
	}
}

func (rq *RunQueue) chargeBandwidth(q *cfsRQ, delta uint64) {
	if q.throttled || !q.group.bw.charge(delta) {
		return
	}
	rq.throttle(q)
}

// throttle takes q's group entity, and any ancestor left empty, off the
// parent queues. Tasks stay queued on q until the group is refilled.
func (rq *RunQueue) throttle(q *cfsRQ) {
	q.throttled = true
	for e := q.groupEntity(); e != nil; e = e.parent {
		if !e.onRQ {
			break
		}
		pq := e.cfs
		pq.dequeueEntity(e)
		if pq.nrRunning > 0 || pq.throttled {
			break
		}
	}
	q.group.bw.nrThrottled.Add(1)
	q.group.bw.throttled.Add(1)
	rq.stats.throttles.Add(1)
	rq.reschedCurr()
	rq.s.logger.Debug("group throttled", "cpu", rq.cpu.id)
}

func (rq *RunQueue) unthrottle(q *cfsRQ) {
	q.throttled = false
	q.group.bw.nrThrottled.Add(-1)
	if q.nrRunning == 0 {
		return
	}
	for e := q.groupEntity(); e != nil; e = e.parent {
		if e.onRQ {
			break
		}
		e.cfs.enqueueEntity(e, enqueueWakeup)
		if e.cfs.throttled {
			break
		}
	}
	if rq.curr == rq.idle {
		rq.reschedCurr()
	}
}
