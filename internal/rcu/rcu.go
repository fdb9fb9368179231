// Package rcu implements read-copy-update grace-period detection.
//
// Read-side critical sections disable preemption, so a CPU that passes a
// context switch, runs its idle task, or takes a tick while preemptible has
// left every read section it was in. Those quiescent states are reported
// into a tree of nodes: each leaf covers up to fanout CPUs and each inner
// node up to fanout children. A grace period ends when the root has heard
// from every child.
//
// Callbacks queued with CallRCU are batched per CPU and run from the RCU
// softirq once a grace period that started after they were queued has
// completed.
package rcu

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/me/kcore/internal/sched"
	"github.com/me/kcore/internal/softirq"
	"github.com/me/kcore/internal/spin"
)

// DefaultFanout is the number of children per tree node.
const DefaultFanout = 16

// Callback is a function deferred until after a grace period.
type Callback func()

type node struct {
	lock       spin.Lock
	parent     *node
	grpmask    uint64
	qsmaskInit uint64
	qsmask     uint64
	gpNum      uint64
	level      int
	lo, hi     int
}

type cpuData struct {
	gpNum     atomic.Uint64
	qsPending atomic.Bool

	mu     spin.Lock
	next   []Callback
	wait   []Callback
	waitGP uint64

	queued  atomic.Int64
	invoked atomic.Uint64
	qs      atomic.Uint64

	// Serialize direct callback processing when there is no softirq.
	running atomic.Bool
	again   atomic.Bool
}

// RCU is the grace-period state of one scheduler.
type RCU struct {
	s      *sched.Scheduler
	sirq   *softirq.Engine
	logger *slog.Logger

	fanout int
	levels int
	nodes  []*node
	leaves []*node
	root   *node

	lock      spin.Lock
	cur       atomic.Uint64
	completed atomic.Uint64
	requested uint64
	gpWait    sched.WaitQueue

	cpus []*cpuData

	idle func(cpu int) bool
}

// New builds the node tree for s and registers the tick and context-switch
// hooks. Callbacks run from the RCU softirq of sirq; with a nil sirq they run
// directly from the tick.
func New(s *sched.Scheduler, sirq *softirq.Engine, fanout int, logger *slog.Logger) *RCU {
	if fanout < 2 {
		fanout = DefaultFanout
	}
	r := &RCU{
		s:      s,
		sirq:   sirq,
		logger: logger.With("component", "rcu"),
		fanout: fanout,
		cpus:   make([]*cpuData, s.NrCPUs()),
		idle:   s.CPUIdle,
	}
	for i := range r.cpus {
		r.cpus[i] = &cpuData{}
	}
	r.buildTree(s.NrCPUs())

	if sirq != nil {
		sirq.Open(softirq.RCU, r.processCallbacks)
	}
	s.OnSwitch(r.NoteQS)
	s.OnTick(r.tick)
	r.logger.Debug("rcu tree built", "cpus", len(r.cpus), "fanout", fanout, "levels", r.levels, "nodes", len(r.nodes))
	return r
}

func (r *RCU) buildTree(nrCPUs int) {
	r.leaves = make([]*node, nrCPUs)
	var level []*node
	for lo := 0; lo < nrCPUs; lo += r.fanout {
		n := &node{lo: lo, hi: min(lo+r.fanout, nrCPUs)}
		for cpu := n.lo; cpu < n.hi; cpu++ {
			n.qsmaskInit |= 1 << uint(cpu-n.lo)
			r.leaves[cpu] = n
		}
		level = append(level, n)
	}
	r.nodes = append(r.nodes, level...)

	depth := 0
	for len(level) > 1 {
		depth++
		var up []*node
		for i := 0; i < len(level); i += r.fanout {
			p := &node{level: depth, lo: level[i].lo}
			for j, child := range level[i:min(i+r.fanout, len(level))] {
				child.parent = p
				child.grpmask = 1 << uint(j)
				p.qsmaskInit |= child.grpmask
				p.hi = child.hi
			}
			up = append(up, p)
		}
		r.nodes = append(r.nodes, up...)
		level = up
	}
	r.root = level[0]
	r.levels = depth + 1
	// Leaves are level 0 while building; flip so the root is level 0.
	for _, n := range r.nodes {
		n.level = depth - n.level
	}
}

// ReadLock enters a read-side critical section on cur. Sections nest.
func (r *RCU) ReadLock(cur *sched.Task) { cur.PreemptDisable() }

// ReadUnlock leaves a read-side critical section.
func (r *RCU) ReadUnlock(cur *sched.Task) { cur.PreemptEnable() }

// requestGP returns the number of a grace period that starts no earlier
// than now, starting one if none is in progress.
func (r *RCU) requestGP() uint64 {
	gp, idle := r.requestGPNoReport()
	r.reportIdle(idle)
	return gp
}

// requestGPNoReport is requestGP without reporting the idle CPUs, which
// the caller must pass to reportIdle once it holds no per-CPU lock.
func (r *RCU) requestGPNoReport() (uint64, []int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	cur := r.cur.Load()
	want := cur + 1
	if cur == r.completed.Load() {
		return want, r.startGPLocked(want)
	}
	if r.requested < want {
		r.requested = want
	}
	return want, nil
}

// startGPLocked arms every node and CPU for grace period gp and returns the
// CPUs that were idle at its start.
func (r *RCU) startGPLocked(gp uint64) []int {
	for _, n := range r.nodes {
		n.lock.Lock()
		n.gpNum = gp
		n.qsmask = n.qsmaskInit
		n.lock.Unlock()
	}
	r.cur.Store(gp)
	var idle []int
	for cpu, d := range r.cpus {
		d.gpNum.Store(gp)
		d.qsPending.Store(true)
		if r.idle(cpu) {
			idle = append(idle, cpu)
		}
	}
	return idle
}

func (r *RCU) reportIdle(cpus []int) {
	for _, cpu := range cpus {
		r.NoteQS(cpu)
	}
}

// NoteQS reports a quiescent state for cpu in the current grace period.
func (r *RCU) NoteQS(cpu int) {
	d := r.cpus[cpu]
	if !d.qsPending.CompareAndSwap(true, false) {
		return
	}
	d.qs.Add(1)
	leaf := r.leaves[cpu]
	r.reportQS(leaf, 1<<uint(cpu-leaf.lo), d.gpNum.Load())
}

func (r *RCU) reportQS(n *node, mask, gp uint64) {
	for {
		n.lock.Lock()
		if n.gpNum != gp || n.qsmask&mask == 0 {
			n.lock.Unlock()
			return
		}
		n.qsmask &^= mask
		if n.qsmask != 0 {
			n.lock.Unlock()
			return
		}
		mask, parent := n.grpmask, n.parent
		n.lock.Unlock()
		if parent == nil {
			r.completeGP(gp)
			return
		}
		n = parent
	}
}

func (r *RCU) completeGP(gp uint64) {
	r.lock.Lock()
	r.completed.Store(gp)
	var idle []int
	if r.requested > gp {
		idle = r.startGPLocked(gp + 1)
	}
	r.lock.Unlock()
	r.logger.Debug("grace period completed", "gp", gp)

	r.gpWait.WakeUpAll()
	for cpu, d := range r.cpus {
		if d.queued.Load() > 0 {
			r.kick(cpu)
		}
	}
	r.reportIdle(idle)
}

func (r *RCU) kick(cpu int) {
	if r.sirq != nil {
		r.sirq.Raise(cpu, softirq.RCU)
		return
	}
	d := r.cpus[cpu]
	d.again.Store(true)
	for d.again.Load() && d.running.CompareAndSwap(false, true) {
		d.again.Store(false)
		r.processCallbacks(cpu)
		d.running.Store(false)
	}
}

func (r *RCU) tick(cpu int) {
	if r.s.Preemptible(cpu) {
		r.NoteQS(cpu)
	}
	if r.cpus[cpu].queued.Load() > 0 {
		r.kick(cpu)
	}
}

// processCallbacks runs the callbacks of cpu whose grace period has
// completed and starts a grace period for newly queued ones.
func (r *RCU) processCallbacks(cpu int) {
	d := r.cpus[cpu]
	var (
		ready []Callback
		idle  []int
	)
	d.mu.Lock()
	if len(d.wait) > 0 && r.completed.Load() >= d.waitGP {
		ready, d.wait = d.wait, nil
	}
	if len(d.wait) == 0 && len(d.next) > 0 {
		d.wait, d.next = d.next, nil
		d.waitGP, idle = r.requestGPNoReport()
	}
	d.mu.Unlock()

	for _, cb := range ready {
		cb()
	}
	if n := len(ready); n > 0 {
		d.queued.Add(-int64(n))
		d.invoked.Add(uint64(n))
	}
	r.reportIdle(idle)
}

// CallRCU queues cb on cpu to run after a grace period. Callbacks of one
// CPU run in the order they were queued.
func (r *RCU) CallRCU(cpu int, cb Callback) {
	if cb == nil {
		panic("rcu: nil callback")
	}
	d := r.cpus[cpu]
	d.mu.Lock()
	d.next = append(d.next, cb)
	d.mu.Unlock()
	d.queued.Add(1)
}

// Synchronize blocks cur until a full grace period has elapsed, so every
// read-side section that was running when it was called has ended.
func (r *RCU) Synchronize(cur *sched.Task) {
	if cur.PreemptCount() > 0 {
		panic(fmt.Sprintf("rcu: synchronize from %s inside a read-side section", cur))
	}
	gp := r.requestGP()
	r.NoteQS(cur.CPU())
	r.gpWait.WaitEvent(cur, func() bool { return r.completed.Load() >= gp })
}

// Barrier waits until every callback queued before the call has run.
func (r *RCU) Barrier(cur *sched.Task) {
	var done sched.Completion
	for cpu := range r.cpus {
		r.CallRCU(cpu, done.Complete)
	}
	for range r.cpus {
		done.Wait(cur)
	}
}

// Assign publishes v through p for readers.
func Assign[T any](p *atomic.Pointer[T], v *T) { p.Store(v) }

// Dereference loads the value published through p. It is only stable
// inside a read-side section.
func Dereference[T any](p *atomic.Pointer[T]) *T { return p.Load() }

// Stats is a snapshot of the grace-period state.
type Stats struct {
	CurrentGP   uint64     `json:"current_gp"`
	CompletedGP uint64     `json:"completed_gp"`
	Nodes       int        `json:"nodes"`
	Levels      int        `json:"levels"`
	CPUs        []CPUStats `json:"cpus"`
}

// CPUStats holds the RCU counters of one CPU.
type CPUStats struct {
	CPU       int    `json:"cpu"`
	Queued    int64  `json:"queued"`
	Invoked   uint64 `json:"invoked"`
	QSReports uint64 `json:"qs_reports"`
}

// Stats returns the grace-period counters.
func (r *RCU) Stats() Stats {
	st := Stats{
		CurrentGP:   r.cur.Load(),
		CompletedGP: r.completed.Load(),
		Nodes:       len(r.nodes),
		Levels:      r.levels,
	}
	for cpu, d := range r.cpus {
		st.CPUs = append(st.CPUs, CPUStats{CPU: cpu, Queued: d.queued.Load(), Invoked: d.invoked.Load(), QSReports: d.qs.Load()})
	}
	return st
}
