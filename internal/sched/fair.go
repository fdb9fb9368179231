package sched

import (
	"fmt"

	"github.com/google/btree"

	"github.com/me/kcore/internal/pelt"
)

// nice0Load is the weight of a nice-0 task; vruntime advances at wall-clock
// rate for an entity of this weight.
const nice0Load = 1024

// prioToWeight maps nice -20..19 to load weights. Each step is ~1.25x, so a
// one-level nice difference is a ~10% CPU share difference.
var prioToWeight = [40]uint64{
	/* -20 */ 88761, 71755, 56483, 46273, 36291,
	/* -15 */ 29154, 23254, 18705, 14949, 11916,
	/* -10 */ 9548, 7620, 6100, 4904, 3906,
	/*  -5 */ 3121, 2501, 1991, 1586, 1277,
	/*   0 */ 1024, 820, 655, 526, 423,
	/*   5 */ 335, 272, 215, 172, 137,
	/*  10 */ 110, 87, 70, 56, 45,
	/*  15 */ 36, 29, 23, 18, 15,
}

// prioWeight returns the load weight for an effective priority. Boosts into
// the real-time range get the heaviest fair weight.
func prioWeight(prio int) uint64 {
	idx := max(0, min(len(prioToWeight)-1, prio-MaxRTPrio))
	return prioToWeight[idx]
}

// calcDelta scales a wall-clock delta to virtual time for weight.
func calcDelta(delta, weight uint64) uint64 {
	if weight == nice0Load || weight == 0 {
		return delta
	}
	return delta * nice0Load / weight
}

func satSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

// Entity is the unit the fair class schedules: either a task or the
// per-CPU representative of a group.
type Entity struct {
	task   *Task
	myQ    *cfsRQ // queue owned by a group entity
	parent *Entity
	cfs    *cfsRQ // queue this entity is (or will be) enqueued on

	vruntime uint64
	seq      uint64
	weight   uint64
	onRQ     bool

	execStart   uint64
	sumExec     uint64
	prevSumExec uint64

	avg pelt.Avg
}

func (e *Entity) depth() int {
	d := 0
	for p := e.parent; p != nil; p = p.parent {
		d++
	}
	return d
}

// Vruntime returns the entity's virtual runtime. Callers must hold the run
// queue lock or accept a torn read.
func (e *Entity) Vruntime() uint64 { return e.vruntime }

// Weight returns the load weight.
func (e *Entity) Weight() uint64 { return e.weight }

// SumExec returns the total execution time charged to the entity.
func (e *Entity) SumExec() uint64 { return e.sumExec }

func entityLess(a, b *Entity) bool {
	if a.vruntime != b.vruntime {
		return a.vruntime < b.vruntime
	}
	return a.seq < b.seq
}

// cfsRQ is one fair run queue: the root queue of a CPU, or a group's queue
// on that CPU. The running entity is kept out of the timeline.
type cfsRQ struct {
	rq    *RunQueue
	group *Group

	timeline    *btree.BTreeG[*Entity]
	curr        *Entity
	minVruntime uint64
	nrRunning   int
	load        uint64
	seq         uint64
	throttled   bool

	avg pelt.Avg
}

func newCfsRQ(rq *RunQueue, g *Group) *cfsRQ {
	return &cfsRQ{
		rq:       rq,
		group:    g,
		timeline: btree.NewG[*Entity](8, entityLess),
	}
}

// groupEntity returns the entity representing q in its parent queue, or nil
// for a CPU's root queue.
func (q *cfsRQ) groupEntity() *Entity {
	if q.group == nil {
		return nil
	}
	return q.group.se[q.rq.cpu.id]
}

func (q *cfsRQ) insert(e *Entity) {
	q.seq++
	e.seq = q.seq
	if _, dup := q.timeline.ReplaceOrInsert(e); dup {
		panic(fmt.Sprintf("sched: entity inserted twice (vruntime %d)", e.vruntime))
	}
}

func (q *cfsRQ) remove(e *Entity) {
	if _, ok := q.timeline.Delete(e); !ok {
		panic(fmt.Sprintf("sched: entity missing from timeline (vruntime %d)", e.vruntime))
	}
}

func (q *cfsRQ) leftmost() *Entity {
	e, ok := q.timeline.Min()
	if !ok {
		return nil
	}
	return e
}

// updateMinVruntime advances the watermark to the smaller of the running
// and leftmost vruntimes. It never moves backwards.
func (q *cfsRQ) updateMinVruntime() {
	var (
		v   uint64
		has bool
	)
	if q.curr != nil && q.curr.onRQ {
		v, has = q.curr.vruntime, true
	}
	if left := q.leftmost(); left != nil && (!has || left.vruntime < v) {
		v, has = left.vruntime, true
	}
	if has && v > q.minVruntime {
		q.minVruntime = v
	}
}

// placeEntity keeps an entity that slept or is new from starting behind the
// queue and claiming a burst of CPU.
func (q *cfsRQ) placeEntity(e *Entity) {
	e.vruntime = max(e.vruntime, q.minVruntime)
}

func (q *cfsRQ) enqueueEntity(e *Entity, flags int) {
	if flags&(enqueueWakeup|enqueueInitial) != 0 {
		q.placeEntity(e)
	}
	if e != q.curr {
		q.insert(e)
	}
	e.onRQ = true
	q.nrRunning++
	q.load += e.weight
}

func (q *cfsRQ) dequeueEntity(e *Entity) {
	if e != q.curr {
		q.remove(e)
	}
	e.onRQ = false
	q.nrRunning--
	q.load -= e.weight
	q.updateMinVruntime()
}

// setNext makes e the running entity of q.
func (q *cfsRQ) setNext(e *Entity) {
	if e.onRQ {
		q.remove(e)
	}
	q.curr = e
	e.execStart = q.rq.clockTask
	e.prevSumExec = e.sumExec
}

func (s *Scheduler) period(nr int) uint64 {
	latency := uint64(s.cfg.Latency)
	gran := uint64(s.cfg.MinGranularity)
	if gran > 0 && uint64(nr) > latency/gran {
		return uint64(nr) * gran
	}
	return latency
}

// slice is the wall-clock time e should run in one period, scaled by its
// share of the load at every level of the hierarchy.
func (s *Scheduler) slice(e *Entity) uint64 {
	nr := e.cfs.nrRunning
	if !e.onRQ {
		nr++
	}
	slice := s.period(nr)
	for ; e != nil; e = e.parent {
		load := e.cfs.load
		if !e.onRQ {
			load += e.weight
		}
		if load > 0 {
			slice = slice * e.weight / load
		}
	}
	return slice
}

// matchingEntities walks a and b up to the first level where they share a
// queue.
func matchingEntities(a, b *Entity) (*Entity, *Entity) {
	da, db := a.depth(), b.depth()
	for ; da > db; da-- {
		a = a.parent
	}
	for ; db > da; db-- {
		b = b.parent
	}
	for a.cfs != b.cfs {
		a, b = a.parent, b.parent
	}
	return a, b
}

// fairClass is the weighted fair class ordered by virtual runtime.
type fairClass struct{}

func (fairClass) updateCurr(rq *RunQueue) {
	curr := rq.curr
	if curr == nil || curr.class != ClassFair {
		return
	}
	now := rq.clockTask
	for e := &curr.se; e != nil; e = e.parent {
		if now <= e.execStart {
			continue
		}
		delta := now - e.execStart
		e.execStart = now
		e.sumExec += delta
		e.vruntime += calcDelta(delta, e.weight)
		e.cfs.updateMinVruntime()
		if e.cfs.group != nil {
			rq.chargeBandwidth(e.cfs, delta)
		}
	}
}

func (fairClass) enqueue(rq *RunQueue, p *Task, flags int) {
	fair.updateCurr(rq)
	se := &p.se
	q := rq.cfsFor(p)
	se.cfs = q
	se.parent = q.groupEntity()
	if flags&enqueueMigrated != 0 {
		se.vruntime += q.minVruntime
	}
	for e := se; e != nil; e = e.parent {
		if e.onRQ {
			break
		}
		e.cfs.enqueueEntity(e, flags)
		rq.updateEntityLoad(e)
		if e.cfs.throttled {
			break
		}
		flags = enqueueWakeup
	}
}

func (fairClass) dequeue(rq *RunQueue, p *Task, flags int) {
	fair.updateCurr(rq)
	se := &p.se
	for e := se; e != nil; e = e.parent {
		if !e.onRQ {
			break
		}
		q := e.cfs
		q.dequeueEntity(e)
		rq.updateEntityLoad(e)
		if q.nrRunning > 0 || q.throttled {
			break
		}
	}
	if flags&dequeueMigrating != 0 {
		se.vruntime = satSub(se.vruntime, se.cfs.minVruntime)
	}
}

// yield pushes the running entity one slice into the future.
func (fairClass) yield(rq *RunQueue) {
	curr := rq.curr
	fair.updateCurr(rq)
	se := &curr.se
	se.vruntime += rq.s.slice(se)
}

func (fairClass) checkPreempt(rq *RunQueue, p *Task) {
	curr := rq.curr
	if curr == p {
		return
	}
	fair.updateCurr(rq)
	se, pse := matchingEntities(&curr.se, &p.se)
	gran := calcDelta(uint64(rq.s.cfg.WakeupGranularity), pse.weight)
	if se.vruntime > pse.vruntime && se.vruntime-pse.vruntime > gran {
		rq.reschedCurr()
	}
}

func (fairClass) pickNext(rq *RunQueue) *Task {
	q := rq.cfs
	if q.nrRunning == 0 {
		return nil
	}
	for {
		e := q.leftmost()
		if e == nil {
			panic(fmt.Sprintf("sched: cpu%d fair queue has %d entities but an empty timeline",
				rq.cpu.id, q.nrRunning))
		}
		q.setNext(e)
		if e.myQ == nil {
			return e.task
		}
		q = e.myQ
	}
}

func (fairClass) putPrev(rq *RunQueue, p *Task) {
	for e := &p.se; e != nil; e = e.parent {
		q := e.cfs
		if q.curr != e {
			break
		}
		if e.onRQ {
			q.insert(e)
		}
		q.curr = nil
		q.updateMinVruntime()
	}
}

func (fairClass) taskTick(rq *RunQueue, curr *Task) {
	fair.updateCurr(rq)
	for e := &curr.se; e != nil; e = e.parent {
		rq.updateEntityLoad(e)
	}
	for e := &curr.se; e != nil; e = e.parent {
		if rq.checkPreemptTick(e) {
			rq.reschedCurr()
			return
		}
	}
}

func (fairClass) prioChanged(rq *RunQueue, p *Task, oldPrio int) {
	if rq.curr == p {
		if p.Prio() > oldPrio {
			rq.reschedCurr()
		}
		return
	}
	if p.se.onRQ {
		rq.checkPreemptCurr(p)
	}
}

func (fairClass) hasWork(rq *RunQueue) bool {
	return rq.cfs.nrRunning > 0
}

// checkPreemptTick reports whether the running entity e has used up its
// slice or run too far ahead of the leftmost waiter.
func (rq *RunQueue) checkPreemptTick(e *Entity) bool {
	q := e.cfs
	if q.nrRunning <= 1 {
		return false
	}
	ideal := rq.s.slice(e)
	ran := e.sumExec - e.prevSumExec
	if ran > ideal {
		return true
	}
	if ran < uint64(rq.s.cfg.MinGranularity) {
		return false
	}
	left := q.leftmost()
	return left != nil && e.vruntime > left.vruntime && e.vruntime-left.vruntime > ideal
}

// setCurrPath marks p and its group entities as running on rq.
func (rq *RunQueue) setCurrPath(p *Task) {
	var path []*Entity
	for e := &p.se; e != nil; e = e.parent {
		path = append(path, e)
	}
	for i := len(path) - 1; i >= 0; i-- {
		path[i].cfs.setNext(path[i])
	}
}

func (rq *RunQueue) updateEntityLoad(e *Entity) {
	pelt.Update(rq.clockTask, &e.avg, e.cfs.curr == e, e.onRQ, e.weight)
	q := e.cfs
	pelt.Update(rq.clockTask, &q.avg, q.curr != nil, q.nrRunning > 0, q.load)
}

func (rq *RunQueue) cfsFor(p *Task) *cfsRQ {
	if d := p.Domain(); d != nil {
		if g := d.Group(); g != nil {
			return g.cfs[rq.cpu.id]
		}
	}
	return rq.cfs
}
