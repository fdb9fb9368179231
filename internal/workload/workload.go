// Package workload runs synthetic tasks on a booted kernel: CPU hogs that
// yield, tasks contending on a sleeping mutex, periodic sleepers, RCU
// readers and updaters, and tasks split across resource domains.
package workload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/me/kcore/internal/config"
	"github.com/me/kcore/internal/kernel"
	"github.com/me/kcore/internal/rcu"
	"github.com/me/kcore/internal/resdomain"
	"github.com/me/kcore/internal/sched"
	"github.com/me/kcore/internal/sleeplock"
	"github.com/me/kcore/internal/workqueue"
)

// Kinds a single task can run.
const (
	KindYield = "yield"
	KindMutex = "mutex"
	KindSleep = "sleep"
	KindRCU   = "rcu"
)

// Mixes started by Start on top of the single kinds.
const (
	KindMixed   = "mixed"
	KindDomains = "domains"
	KindNone    = "none"
)

var ErrUnknownKind = errors.New("workload: unknown kind")

// burnIterations is the busy work done between scheduling points.
const burnIterations = 2000

// Set is a group of synthetic tasks that stop together.
type Set struct {
	k      *kernel.Kernel
	logger *slog.Logger

	stop       atomic.Bool
	iterations atomic.Uint64
	deferred   atomic.Uint64
	freed      atomic.Uint64
	torn       atomic.Uint64

	lock  sleeplock.Mutex
	table atomic.Pointer[table]

	mu      sync.Mutex
	tasks   []*sched.Task
	domains []*resdomain.Domain
}

// table is the RCU-protected structure read by rcu readers.
type table struct {
	version uint64
	weights []int
}

// NewSet returns an empty set bound to k.
func NewSet(k *kernel.Kernel, logger *slog.Logger) *Set {
	s := &Set{k: k, logger: logger.With("component", "workload")}
	rcu.Assign(&s.table, &table{weights: make([]int, 8)})
	return s
}

// Spawn starts one task of kind called name at nice, attached to the
// domain at path if path is not empty.
func (s *Set) Spawn(kind, name string, nice int, path string) (*sched.Task, error) {
	fn, err := s.body(kind)
	if err != nil {
		return nil, err
	}
	var d *resdomain.Domain
	if path != "" {
		if d, err = s.k.Hierarchy().Lookup(path); err != nil {
			return nil, err
		}
	}
	if nice < sched.MinNice || nice > sched.MaxNice {
		return nil, fmt.Errorf("nice %d out of range", nice)
	}

	start := make(chan bool, 1)
	sc := s.k.Scheduler()
	t := sc.Spawn(name, func(p *sched.Task) {
		if <-start {
			fn(p)
		}
	})
	sc.SetNice(t, nice)
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	if d != nil {
		if err := s.k.Hierarchy().AttachTask(d, t); err != nil {
			start <- false
			return nil, err
		}
	}
	start <- true
	s.logger.Debug("task spawned", "task", t.String(), "kind", kind, "nice", nice, "domain", path)
	return t, nil
}

func (s *Set) body(kind string) (sched.Func, error) {
	switch kind {
	case KindYield:
		return s.yielder, nil
	case KindMutex:
		return s.locker, nil
	case KindSleep:
		return s.sleeper, nil
	case KindRCU:
		return s.rcuTask, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

func (s *Set) stopped() bool { return s.stop.Load() }

func burn() uint64 {
	var x uint64 = 1
	for i := range burnIterations {
		x = x*6364136223846793005 + uint64(i)
	}
	return x
}

func (s *Set) yielder(p *sched.Task) {
	sc := s.k.Scheduler()
	for n := 0; !s.stopped(); n++ {
		burn()
		s.iterations.Add(1)
		if n%8 == 7 {
			sc.Yield(p)
		} else {
			sc.CondResched(p)
		}
	}
}

func (s *Set) locker(p *sched.Task) {
	sc := s.k.Scheduler()
	for !s.stopped() {
		s.lock.Lock(p)
		burn()
		s.iterations.Add(1)
		s.lock.Unlock(p)
		sc.CondResched(p)
	}
}

// sleeper naps for a few ticks at a time and hands accounting to the
// system workqueue when it wakes.
func (s *Set) sleeper(p *sched.Task) {
	w := s.k.Timers()
	period := s.k.Config().TickPeriod()
	q := s.k.SystemQueue()
	for n := 1; !s.stopped(); n++ {
		w.Msleep(p, time.Duration(1+n%4)*period)
		s.iterations.Add(1)
		if q != nil {
			q.Queue(workqueue.NewWork(func(*sched.Task, *workqueue.Work) { s.deferred.Add(1) }))
		}
	}
}

// rcuTask alternates between reading the shared table and, every 16th
// pass, publishing a new version and freeing the old one after a grace
// period.
func (s *Set) rcuTask(p *sched.Task) {
	r := s.k.RCU()
	sc := s.k.Scheduler()
	for n := 0; !s.stopped(); n++ {
		r.ReadLock(p)
		t := rcu.Dereference(&s.table)
		var sum uint64
		for _, w := range t.weights {
			sum += uint64(w)
		}
		if sum != t.version*uint64(len(t.weights)) {
			s.torn.Add(1)
		}
		r.ReadUnlock(p)
		s.iterations.Add(1)

		if n%16 == 15 {
			s.publish(p.CPU())
		}
		sc.CondResched(p)
	}
}

func (s *Set) publish(cpu int) {
	for {
		old := rcu.Dereference(&s.table)
		next := &table{version: old.version + 1, weights: make([]int, len(old.weights))}
		for i := range next.weights {
			next.weights[i] = old.weights[i] + 1
		}
		if s.table.CompareAndSwap(old, next) {
			s.k.RCU().CallRCU(cpu, func() { s.freed.Add(1) })
			return
		}
	}
}

// Start spawns the workload described by cfg.
func Start(k *kernel.Kernel, cfg config.WorkloadConfig, logger *slog.Logger) (*Set, error) {
	s := NewSet(k, logger)
	var kinds []string
	var paths []string
	switch cfg.Kind {
	case KindNone:
		return s, nil
	case KindMixed:
		kinds = []string{KindYield, KindMutex, KindSleep, KindRCU}
	case KindDomains:
		var err error
		if paths, err = s.setupDomains(); err != nil {
			return nil, err
		}
		kinds = []string{KindYield}
	default:
		if _, err := s.body(cfg.Kind); err != nil {
			return nil, err
		}
		kinds = []string{cfg.Kind}
	}

	for i := range cfg.Tasks {
		kind := kinds[i%len(kinds)]
		nice := 0
		if cfg.NiceSpread > 0 {
			nice = i%(2*cfg.NiceSpread+1) - cfg.NiceSpread
		}
		path := ""
		if len(paths) > 0 {
			path = paths[i%len(paths)]
		}
		if _, err := s.Spawn(kind, fmt.Sprintf("%s/%d", kind, i), nice, path); err != nil {
			s.Stop()
			return nil, err
		}
	}
	s.logger.Info("workload started", "kind", cfg.Kind, "tasks", cfg.Tasks)
	return s, nil
}

// setupDomains creates two sibling domains with a 1:4 weight split, the
// heavier one capped at half a CPU.
func (s *Set) setupDomains() ([]string, error) {
	h := s.k.Hierarchy()
	parent, err := h.Create(nil, "workload")
	if err != nil {
		return nil, err
	}
	s.domains = append(s.domains, parent)
	for _, c := range []struct {
		name  string
		files map[string]string
	}{
		{"light", map[string]string{"cpu.weight": "100"}},
		{"heavy", map[string]string{"cpu.weight": "400", "cpu.max": "50000 100000", "pids.max": "64"}},
	} {
		d, err := h.Create(parent, c.name)
		if err != nil {
			return nil, err
		}
		s.domains = append(s.domains, d)
		for f, v := range c.files {
			if err := h.WriteFile(d, f, v); err != nil {
				return nil, err
			}
		}
	}
	return []string{"/workload/light", "/workload/heavy"}, nil
}

// Stop asks every task to finish its current iteration and exit.
func (s *Set) Stop() { s.stop.Store(true) }

// Wait waits for every task to exit, then removes the domains the set
// created. Sleepers need ticks to wake, so the kernel must still be
// ticking.
func (s *Set) Wait(ctx context.Context) error {
	for _, t := range s.Tasks() {
		select {
		case <-t.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	domains := s.domains
	s.domains = nil
	s.mu.Unlock()
	h := s.k.Hierarchy()
	for i := len(domains) - 1; i >= 0; i-- {
		if err := h.Remove(domains[i]); err != nil {
			return fmt.Errorf("remove %s: %w", domains[i].Path(), err)
		}
	}
	return nil
}

// Tasks returns the tasks spawned so far.
func (s *Set) Tasks() []*sched.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*sched.Task(nil), s.tasks...)
}

// Stats summarizes the work done.
type Stats struct {
	Tasks       int    `json:"tasks"`
	Iterations  uint64 `json:"iterations"`
	Deferred    uint64 `json:"deferred_work"`
	RCUVersion  uint64 `json:"rcu_version"`
	RCUFreed    uint64 `json:"rcu_freed"`
	RCUTorn     uint64 `json:"rcu_torn_reads"`
	MutexLocked bool   `json:"mutex_locked"`
}

func (s *Set) Stats() Stats {
	return Stats{
		Tasks:       len(s.Tasks()),
		Iterations:  s.iterations.Load(),
		Deferred:    s.deferred.Load(),
		RCUVersion:  rcu.Dereference(&s.table).version,
		RCUFreed:    s.freed.Load(),
		RCUTorn:     s.torn.Load(),
		MutexLocked: s.lock.IsLocked(),
	}
}
