package sched

import (
	"slices"
	"time"
)

// CPUStats is a snapshot of one CPU's counters. Ticks, Switches, LoadAvg
// and UtilAvg are read as one consistent set; the other counters are read
// without the run-queue lock and may lag them.
type CPUStats struct {
	CPU           int    `json:"cpu"`
	Curr          string `json:"curr"`
	NrRunning     int    `json:"nr_running"`
	NeedResched   bool   `json:"need_resched"`
	Switches      uint64 `json:"switches"`
	Ticks         uint64 `json:"ticks"`
	DeferredTicks uint64 `json:"deferred_ticks"`
	Wakeups       uint64 `json:"wakeups"`
	Migrations    uint64 `json:"migrations"`
	Balances      uint64 `json:"balances"`
	IPIs          uint64 `json:"ipis"`
	Yields        uint64 `json:"yields"`
	Throttles     uint64 `json:"throttles"`
	LoadAvg       uint64 `json:"load_avg"`
	UtilAvg       uint64 `json:"util_avg"`
}

// Stats returns per-CPU counters.
func (s *Scheduler) Stats() []CPUStats {
	out := make([]CPUStats, len(s.cpus))
	for i, c := range s.cpus {
		rq := &c.rq
		st := &rq.stats
		out[i] = CPUStats{
			CPU:           i,
			Curr:          c.Curr().String(),
			NrRunning:     int(rq.nrRunning.Load()),
			NeedResched:   c.needResched.Load(),
			DeferredTicks: st.deferredTicks.Load(),
			Wakeups:       st.wakeups.Load(),
			Migrations:    st.migrations.Load(),
			Balances:      st.balances.Load(),
			IPIs:          st.ipis.Load(),
			Yields:        st.yields.Load(),
			Throttles:     st.throttles.Load(),
		}
		o := &out[i]
		for {
			seq := rq.statSeq.ReadBegin()
			o.Ticks = st.ticks.Load()
			o.Switches = st.switches.Load()
			o.LoadAvg = rq.loadAvg.Load()
			o.UtilAvg = rq.utilAvg.Load()
			if !rq.statSeq.ReadRetry(seq) {
				break
			}
		}
	}
	return out
}

// TaskInfo describes one task.
type TaskInfo struct {
	PID         int           `json:"pid"`
	Name        string        `json:"name"`
	State       string        `json:"state"`
	CPU         int           `json:"cpu"`
	Prio        int           `json:"prio"`
	Nice        int           `json:"nice"`
	Kthread     bool          `json:"kthread"`
	Domain      string        `json:"domain,omitempty"`
	Runtime     time.Duration `json:"runtime"`
	Vruntime    uint64        `json:"vruntime"`
	Voluntary   uint64        `json:"voluntary_switches"`
	Involuntary uint64        `json:"involuntary_switches"`
}

// Info returns a snapshot of t.
func (t *Task) Info() TaskInfo {
	rq, f := t.s.lockTaskRQ(t, nil)
	runtime, vruntime := t.se.sumExec, t.se.vruntime
	rq.unlockFrom(nil, f)

	nv, niv := t.Switches()
	info := TaskInfo{
		PID:         t.pid,
		Name:        t.name,
		State:       t.State().String(),
		CPU:         t.CPU(),
		Prio:        t.Prio(),
		Nice:        t.Nice(),
		Kthread:     t.IsKthread(),
		Runtime:     time.Duration(runtime),
		Vruntime:    vruntime,
		Voluntary:   nv,
		Involuntary: niv,
	}
	if d := t.Domain(); d != nil {
		info.Domain = d.Path()
	}
	return info
}

// Tasks returns every live task ordered by pid.
func (s *Scheduler) Tasks() []*Task {
	tn := s.lockTasks()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	s.tasksLock.Unlock(tn)
	slices.SortFunc(out, func(a, b *Task) int { return a.pid - b.pid })
	return out
}

// TaskInfos returns a snapshot of every live task.
func (s *Scheduler) TaskInfos() []TaskInfo {
	tasks := s.Tasks()
	out := make([]TaskInfo, len(tasks))
	for i, t := range tasks {
		out[i] = t.Info()
	}
	return out
}
