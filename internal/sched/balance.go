package sched

// findBusiest returns the CPU with the most queued tasks, if it has at
// least two more than this one. Ties go to the higher load average.
func (s *Scheduler) findBusiest(this *CPU) *CPU {
	mine := this.rq.nrRunning.Load()
	var (
		busiest *CPU
		nr      int32
		load    uint64
	)
	for _, c := range s.cpus {
		if c == this {
			continue
		}
		n, l := c.rq.nrRunning.Load(), c.rq.loadAvg.Load()
		if busiest == nil || n > nr || (n == nr && l > load) {
			busiest, nr, load = c, n, l
		}
	}
	if busiest == nil || nr-mine < 2 {
		return nil
	}
	return busiest
}

// loadBalance pulls queued tasks from the busiest CPU to this one until the
// two are within one task of each other. It returns how many it moved.
func (s *Scheduler) loadBalance(this *CPU) int {
	busiest := s.findBusiest(this)
	if busiest == nil {
		return 0
	}
	src, dst := &busiest.rq, &this.rq
	f := doubleLock(this, src, dst)
	defer doubleUnlock(this, src, dst, f)

	imbalance := int(src.nrRunning.Load()-dst.nrRunning.Load()) / 2
	if imbalance <= 0 {
		return 0
	}
	src.updateClock()
	dst.updateClock()
	moved := 0
	for _, p := range src.migratable(this.id) {
		if moved >= imbalance {
			break
		}
		moveQueuedTask(p, src, dst)
		moved++
	}
	if moved > 0 {
		dst.stats.balances.Add(1)
		s.logger.Debug("load balanced", "from", busiest.id, "to", this.id, "tasks", moved)
	}
	return moved
}

// idleBalance is a balance pass run by a CPU about to go idle.
func (s *Scheduler) idleBalance(this *CPU) bool {
	return s.loadBalance(this) > 0
}

// migratable lists queued tasks on rq that may move to cpu, latest
// vruntime first. Tasks in throttled groups stay put.
func (rq *RunQueue) migratable(cpu int) []*Task {
	var out []*Task
	var walk func(q *cfsRQ)
	visit := func(e *Entity) {
		if e.myQ != nil {
			if !e.myQ.throttled {
				walk(e.myQ)
			}
			return
		}
		if p := e.task; p != nil && p != rq.curr && p.Allowed().Has(cpu) {
			out = append(out, p)
		}
	}
	walk = func(q *cfsRQ) {
		if q.curr != nil && q.curr.onRQ && q.curr.myQ != nil {
			visit(q.curr)
		}
		q.timeline.Descend(func(e *Entity) bool {
			visit(e)
			return true
		})
	}
	walk(rq.cfs)
	return out
}
