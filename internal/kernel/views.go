package kernel

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/me/kcore/internal/resdomain"
	"github.com/me/kcore/internal/sched"
	"github.com/me/kcore/internal/workqueue"
	"github.com/me/kcore/pkg/model"
)

// Info identifies the instance.
func (k *Kernel) Info() model.KernelInfo {
	return model.KernelInfo{
		BootID:   k.bootID,
		BootedAt: k.bootedAt,
		Uptime:   k.Uptime(),
		CPUs:     k.cfg.CPUs,
		TickHz:   k.cfg.TickHz,
		Tasks:    len(k.liveTasks()),
		Domains:  len(k.domains.Walk()),
	}
}

// Snapshot reads every counter without stopping the CPUs. Each counter is
// read atomically; the snapshot as a whole may be torn.
func (k *Kernel) Snapshot() *model.Snapshot {
	cpus := k.sched.Stats()
	sirq := k.softirq.Stats()
	rcuStats := k.rcu.Stats()

	snap := &model.Snapshot{
		ID:               uuid.New().String(),
		BootID:           k.bootID,
		TakenAt:          time.Now().UTC(),
		Uptime:           k.Uptime(),
		Tasks:            len(k.liveTasks()),
		Domains:          len(k.domains.Walk()),
		DomainsDestroyed: k.domains.Destroyed(),
		RCU: model.RCUStat{
			CurrentGP:     rcuStats.CurrentGP,
			CompletedGP:   rcuStats.CompletedGP,
			SRCUCompleted: k.srcu.Completed(),
		},
		CPUs: make([]model.CPUStat, len(cpus)),
	}
	for i, c := range cpus {
		cs := model.CPUStat{
			CPU:           c.CPU,
			Curr:          c.Curr,
			NrRunning:     c.NrRunning,
			NeedResched:   c.NeedResched,
			Switches:      c.Switches,
			Ticks:         c.Ticks,
			DeferredTicks: c.DeferredTicks,
			Wakeups:       c.Wakeups,
			Migrations:    c.Migrations,
			Balances:      c.Balances,
			IPIs:          c.IPIs,
			Yields:        c.Yields,
			Throttles:     c.Throttles,
			LoadAvg:       c.LoadAvg,
			UtilAvg:       c.UtilAvg,
		}
		if i < len(sirq) {
			cs.SoftirqPending = sirq[i].Pending
			cs.SoftirqHandoffs = sirq[i].Handoffs
		}
		if i < len(rcuStats.CPUs) {
			cs.RCUQueued = rcuStats.CPUs[i].Queued
			cs.RCUInvoked = rcuStats.CPUs[i].Invoked
		}
		snap.CPUs[i] = cs
	}

	k.mu.Lock()
	queues := append([]*workqueue.Queue(nil), k.queues...)
	k.mu.Unlock()
	for _, q := range queues {
		st := q.Stats()
		snap.Workqueues = append(snap.Workqueues, model.WorkqueueStat{
			Name: st.Name, Queued: st.Queued, Executed: st.Executed, Worker: st.Worker,
		})
	}
	return snap
}

func (k *Kernel) liveTasks() []*sched.Task {
	var out []*sched.Task
	for _, t := range k.sched.Tasks() {
		if !t.IsIdle() && t.State() != sched.TaskDead {
			out = append(out, t)
		}
	}
	return out
}

// Tasks lists live tasks, idle tasks excluded, optionally only those in
// state.
func (k *Kernel) Tasks(state string) []model.Task {
	var out []model.Task
	for _, t := range k.liveTasks() {
		info := t.Info()
		if state != "" && info.State != state {
			continue
		}
		out = append(out, taskView(info))
	}
	return out
}

// Task returns one task by pid.
func (k *Kernel) Task(pid int) (model.Task, bool) {
	t, ok := k.sched.Lookup(pid)
	if !ok || t.IsIdle() {
		return model.Task{}, false
	}
	return taskView(t.Info()), true
}

func taskView(info sched.TaskInfo) model.Task {
	domain := info.Domain
	if domain == "" {
		domain = "/"
	}
	return model.Task{
		PID:         info.PID,
		Name:        info.Name,
		State:       info.State,
		CPU:         info.CPU,
		Prio:        info.Prio,
		Nice:        info.Nice,
		Kthread:     info.Kthread,
		Domain:      domain,
		Runtime:     info.Runtime,
		Voluntary:   info.Voluntary,
		Involuntary: info.Involuntary,
	}
}

// Domains lists every live resource domain, root first.
func (k *Kernel) Domains() []model.Domain {
	infos := k.domains.Infos()
	out := make([]model.Domain, len(infos))
	for i, in := range infos {
		out[i] = domainView(in)
	}
	return out
}

func domainView(in resdomain.Info) model.Domain {
	return model.Domain{
		Path:          in.Path,
		Refs:          in.Refs,
		Tasks:         in.Tasks,
		Children:      in.Children,
		CPUWeight:     in.CPUWeight,
		CPUMax:        in.CPUMax,
		Throttled:     in.Throttled,
		MemoryCurrent: in.MemoryCurrent,
		MemoryMax:     in.MemoryMax,
		PidsCurrent:   in.PidsCurrent,
		PidsMax:       in.PidsMax,
		IOWeight:      in.IOWeight,
	}
}

// Domain returns the domain at path.
func (k *Kernel) Domain(path string) (model.Domain, error) {
	d, err := k.domains.Lookup(path)
	if err != nil {
		return model.Domain{}, err
	}
	return domainView(d.Info()), nil
}

// CreateDomain creates name under the domain at parent. The hierarchy keeps
// the creation reference until RemoveDomain.
func (k *Kernel) CreateDomain(parent, name string) (model.Domain, error) {
	p, err := k.domains.Lookup(parent)
	if err != nil {
		return model.Domain{}, err
	}
	d, err := k.domains.Create(p, name)
	if err != nil {
		return model.Domain{}, err
	}
	return domainView(d.Info()), nil
}

// RemoveDomain removes the empty domain at path.
func (k *Kernel) RemoveDomain(path string) error {
	d, err := k.domains.Lookup(path)
	if err != nil {
		return err
	}
	return k.domains.Remove(d)
}

// ReadFile reads a control file of the domain at path.
func (k *Kernel) ReadFile(path, name string) (model.ControlFile, error) {
	d, err := k.domains.Lookup(path)
	if err != nil {
		return model.ControlFile{}, err
	}
	v, err := k.domains.ReadFile(d, name)
	if err != nil {
		return model.ControlFile{}, err
	}
	return model.ControlFile{Domain: d.Path(), Name: name, Value: v}, nil
}

// ReadFiles reads every control file of the domain at path.
func (k *Kernel) ReadFiles(path string) ([]model.ControlFile, error) {
	out := make([]model.ControlFile, 0, len(resdomain.Files))
	for _, name := range resdomain.Files {
		f, err := k.ReadFile(path, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// WriteFile writes a control file of the domain at path.
func (k *Kernel) WriteFile(path, name, value string) error {
	d, err := k.domains.Lookup(path)
	if err != nil {
		return err
	}
	return k.domains.WriteFile(d, name, value)
}

// AttachTask moves the task pid into the domain at path.
func (k *Kernel) AttachTask(path string, pid int) error {
	d, err := k.domains.Lookup(path)
	if err != nil {
		return err
	}
	t, ok := k.sched.Lookup(pid)
	if !ok || t.IsIdle() {
		return fmt.Errorf("pid %d: %w", pid, resdomain.ErrNotFound)
	}
	return k.domains.AttachTask(d, t)
}
