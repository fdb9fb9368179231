package model

import "time"

// KernelInfo identifies a running kernel instance.
type KernelInfo struct {
	BootID   string        `json:"boot_id"`
	BootedAt time.Time     `json:"booted_at"`
	Uptime   time.Duration `json:"uptime"`
	CPUs     int           `json:"cpus"`
	TickHz   int           `json:"tick_hz"`
	Tasks    int           `json:"tasks"`
	Domains  int           `json:"domains"`
}

// CPUStat is one CPU's counters at the time of a snapshot. Fields are read
// one at a time and may be mutually inconsistent.
type CPUStat struct {
	CPU             int    `json:"cpu"`
	Curr            string `json:"curr"`
	NrRunning       int    `json:"nr_running"`
	NeedResched     bool   `json:"need_resched"`
	Switches        uint64 `json:"switches"`
	Ticks           uint64 `json:"ticks"`
	DeferredTicks   uint64 `json:"deferred_ticks"`
	Wakeups         uint64 `json:"wakeups"`
	Migrations      uint64 `json:"migrations"`
	Balances        uint64 `json:"balances"`
	IPIs            uint64 `json:"ipis"`
	Yields          uint64 `json:"yields"`
	Throttles       uint64 `json:"throttles"`
	LoadAvg         uint64 `json:"load_avg"`
	UtilAvg         uint64 `json:"util_avg"`
	SoftirqPending  uint32 `json:"softirq_pending"`
	SoftirqHandoffs uint64 `json:"softirq_handoffs"`
	RCUQueued       int64  `json:"rcu_queued"`
	RCUInvoked      uint64 `json:"rcu_invoked"`
}

// RCUStat summarizes grace-period progress.
type RCUStat struct {
	CurrentGP     uint64 `json:"current_gp"`
	CompletedGP   uint64 `json:"completed_gp"`
	SRCUCompleted uint64 `json:"srcu_completed"`
}

// WorkqueueStat describes one workqueue.
type WorkqueueStat struct {
	Name     string `json:"name"`
	Queued   int    `json:"queued"`
	Executed uint64 `json:"executed"`
	Worker   int    `json:"worker_pid"`
}

// Snapshot is a point-in-time record of the kernel's counters.
type Snapshot struct {
	ID               string          `json:"id"`
	BootID           string          `json:"boot_id"`
	TakenAt          time.Time       `json:"taken_at"`
	Uptime           time.Duration   `json:"uptime"`
	Tasks            int             `json:"tasks"`
	Domains          int             `json:"domains"`
	DomainsDestroyed uint64          `json:"domains_destroyed"`
	RCU              RCUStat         `json:"rcu"`
	Workqueues       []WorkqueueStat `json:"workqueues"`
	CPUs             []CPUStat       `json:"cpus"`
}

// TotalSwitches sums context switches over every CPU.
func (s *Snapshot) TotalSwitches() uint64 {
	var n uint64
	for _, c := range s.CPUs {
		n += c.Switches
	}
	return n
}

// Task describes a live task.
type Task struct {
	PID         int           `json:"pid"`
	Name        string        `json:"name"`
	State       string        `json:"state"`
	CPU         int           `json:"cpu"`
	Prio        int           `json:"prio"`
	Nice        int           `json:"nice"`
	Kthread     bool          `json:"kthread"`
	Domain      string        `json:"domain"`
	Runtime     time.Duration `json:"runtime"`
	Voluntary   uint64        `json:"voluntary_switches"`
	Involuntary uint64        `json:"involuntary_switches"`
}

// Domain describes a resource domain.
type Domain struct {
	Path          string `json:"path"`
	Refs          int64  `json:"refs"`
	Tasks         int    `json:"tasks"`
	Children      int    `json:"children"`
	CPUWeight     uint64 `json:"cpu_weight"`
	CPUMax        string `json:"cpu_max"`
	Throttled     uint64 `json:"nr_throttled"`
	MemoryCurrent int64  `json:"memory_current"`
	MemoryMax     int64  `json:"memory_max"` // -1 when unlimited
	PidsCurrent   int64  `json:"pids_current"`
	PidsMax       int64  `json:"pids_max"` // -1 when unlimited
	IOWeight      uint64 `json:"io_weight"`
}

// ControlFile is the content of one domain control file.
type ControlFile struct {
	Domain string `json:"domain"`
	Name   string `json:"name"`
	Value  string `json:"value"`
}

// CreateDomainRequest asks for a child domain of Parent.
type CreateDomainRequest struct {
	Parent string `json:"parent"`
	Name   string `json:"name"`
}

// WriteFileRequest carries the value written to a control file.
type WriteFileRequest struct {
	Value string `json:"value"`
}

// SpawnRequest starts a synthetic task running Kind, optionally in Domain.
type SpawnRequest struct {
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	Nice   int    `json:"nice"`
	Domain string `json:"domain,omitempty"`
}

// AttachRequest moves the task PID into a domain.
type AttachRequest struct {
	PID int `json:"pid"`
}
