// Package resdomain groups tasks into a hierarchy of resource domains with
// CPU, memory, pid and I/O controllers, in the manner of control groups.
//
// Every domain holds a reference on its parent and every task charged to a
// domain holds a reference on it. A domain is destroyed when its last
// reference is dropped; the root domain is never destroyed.
package resdomain

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/me/kcore/internal/sched"
	"github.com/me/kcore/internal/spin"
	"github.com/me/kcore/internal/timer"
)

var (
	ErrExists   = errors.New("resdomain: domain exists")
	ErrNotFound = errors.New("resdomain: no such domain")
	ErrBusy     = errors.New("resdomain: domain has tasks or children")
	ErrInvalid  = errors.New("resdomain: invalid argument")
	ErrPidLimit = errors.New("resdomain: pid limit reached")
	ErrNoMemory = errors.New("resdomain: memory limit reached")
)

// Hierarchy is a tree of resource domains bound to one scheduler.
type Hierarchy struct {
	s      *sched.Scheduler
	wheel  *timer.Wheel
	logger *slog.Logger

	lock      spin.Lock
	root      *Domain
	destroyed atomic.Uint64
}

// Domain is a node of the hierarchy. It implements sched.Domain.
type Domain struct {
	h        *Hierarchy
	name     string
	path     string
	parent   *Domain
	children map[string]*Domain
	group    *sched.Group

	refs    atomic.Int64
	dead    atomic.Bool
	removed bool

	cpu  cpuState
	mem  memState
	pids pidsState
	io   ioState
}

// New creates a hierarchy with a root domain using the scheduler's root
// group, and installs fork and exit hooks on s. wheel drives bandwidth
// refills and I/O throttling sleeps; it may be nil, in which case refills
// happen only through Refill.
func New(s *sched.Scheduler, wheel *timer.Wheel, logger *slog.Logger) *Hierarchy {
	h := &Hierarchy{
		s:      s,
		wheel:  wheel,
		logger: logger.With("component", "resdomain"),
	}
	h.root = h.newDomain(nil, "", s.RootGroup())
	s.OnFork(h.fork)
	s.OnExit(h.exit)
	return h
}

func (h *Hierarchy) newDomain(parent *Domain, name string, g *sched.Group) *Domain {
	d := &Domain{
		h:        h,
		name:     name,
		parent:   parent,
		children: make(map[string]*Domain),
		group:    g,
	}
	d.path = "/"
	if parent != nil {
		d.path = strings.TrimSuffix(parent.path, "/") + "/" + name
	}
	d.refs.Store(1)
	d.initControllers()
	return d
}

// Root returns the root domain.
func (h *Hierarchy) Root() *Domain { return h.root }

// Destroyed returns how many domains have been destroyed.
func (h *Hierarchy) Destroyed() uint64 { return h.destroyed.Load() }

// Create adds a child domain called name under parent, which may be nil for
// the root. The new domain starts with one reference, owned by the caller.
func (h *Hierarchy) Create(parent *Domain, name string) (*Domain, error) {
	if parent == nil {
		parent = h.root
	}
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/ \t\n") {
		return nil, fmt.Errorf("create %q: %w", name, ErrInvalid)
	}

	h.lock.Lock()
	if parent.removed || parent.dead.Load() {
		h.lock.Unlock()
		return nil, fmt.Errorf("create %q under %s: %w", name, parent.path, ErrNotFound)
	}
	if _, ok := parent.children[name]; ok {
		h.lock.Unlock()
		return nil, fmt.Errorf("create %s: %w", parent.child(name), ErrExists)
	}
	parent.Get()
	d := h.newDomain(parent, name, h.s.NewGroup(parent.group, sched.DefaultShares))
	parent.children[name] = d
	h.lock.Unlock()

	h.logger.Debug("resource domain created", "path", d.path)
	return d, nil
}

func (d *Domain) child(name string) string {
	return strings.TrimSuffix(d.path, "/") + "/" + name
}

// Lookup finds a live domain by its path, such as "/" or "/a/b".
func (h *Hierarchy) Lookup(path string) (*Domain, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("lookup %q: %w", path, ErrInvalid)
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	d := h.root
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		next, ok := d.children[part]
		if !ok {
			return nil, fmt.Errorf("lookup %s: %w", path, ErrNotFound)
		}
		d = next
	}
	return d, nil
}

// Remove unlinks d and drops the reference taken by Create. It fails with
// ErrBusy while d has children or tasks.
func (h *Hierarchy) Remove(d *Domain) error {
	if d == h.root {
		return fmt.Errorf("remove /: %w", ErrInvalid)
	}
	h.lock.Lock()
	if d.removed {
		h.lock.Unlock()
		return fmt.Errorf("remove %s: %w", d.path, ErrNotFound)
	}
	if len(d.children) > 0 {
		h.lock.Unlock()
		return fmt.Errorf("remove %s: %w", d.path, ErrBusy)
	}
	h.lock.Unlock()
	if len(d.Tasks()) > 0 {
		return fmt.Errorf("remove %s: %w", d.path, ErrBusy)
	}

	h.lock.Lock()
	h.unlinkLocked(d)
	h.lock.Unlock()
	d.Put()
	return nil
}

func (h *Hierarchy) unlinkLocked(d *Domain) {
	if d.removed {
		return
	}
	d.removed = true
	if d.parent != nil && d.parent.children[d.name] == d {
		delete(d.parent.children, d.name)
	}
}

// Path returns the domain's absolute path.
func (d *Domain) Path() string { return d.path }

// Name returns the last element of the path.
func (d *Domain) Name() string { return d.name }

// Parent returns the parent domain, or nil for the root.
func (d *Domain) Parent() *Domain { return d.parent }

// Group returns the fair-scheduling group of the domain.
func (d *Domain) Group() *sched.Group { return d.group }

// Refs returns the current reference count.
func (d *Domain) Refs() int64 { return d.refs.Load() }

// Dead reports whether the domain has been destroyed.
func (d *Domain) Dead() bool { return d.dead.Load() }

// Children returns the live children sorted by name.
func (d *Domain) Children() []*Domain {
	d.h.lock.Lock()
	defer d.h.lock.Unlock()
	out := slices.Collect(maps.Values(d.children))
	slices.SortFunc(out, func(a, b *Domain) int { return strings.Compare(a.name, b.name) })
	return out
}

// Get takes a reference on d. Taking a reference on a destroyed domain
// panics. The root is not reference counted.
func (d *Domain) Get() {
	if d.parent == nil {
		return
	}
	if d.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("resdomain: get of destroyed domain %s", d.path))
	}
}

// Put drops a reference on d and destroys it when the count reaches zero.
// Destruction drops the reference d held on its parent. Dropping more
// references than were taken panics. Put on the root does nothing.
func (d *Domain) Put() {
	if d.parent == nil {
		return
	}
	n := d.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("resdomain: put of destroyed domain %s", d.path))
	}
	if n == 0 {
		d.destroy()
	}
}

func (d *Domain) destroy() {
	if !d.dead.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("resdomain: domain %s destroyed twice", d.path))
	}
	h := d.h
	h.lock.Lock()
	h.unlinkLocked(d)
	h.lock.Unlock()

	d.stopRefill()
	h.s.DestroyGroup(d.group)
	h.destroyed.Add(1)
	h.logger.Debug("resource domain destroyed", "path", d.path)
	d.parent.Put()
}

// domainOf returns the domain t is charged to, the root if none.
func (h *Hierarchy) domainOf(t *sched.Task) *Domain {
	if d, ok := t.Domain().(*Domain); ok && d != nil {
		return d
	}
	return h.root
}

// DomainOf returns the domain t is charged to.
func (h *Hierarchy) DomainOf(t *sched.Task) *Domain { return h.domainOf(t) }

// Tasks returns the live tasks charged to d, sorted by pid.
func (d *Domain) Tasks() []*sched.Task {
	var out []*sched.Task
	for _, t := range d.h.s.Tasks() {
		if t.IsIdle() || t.State() == sched.TaskZombie || t.State() == sched.TaskDead {
			continue
		}
		if d.h.domainOf(t) == d {
			out = append(out, t)
		}
	}
	return out
}

// AttachTask moves t into d. t's new domain takes a reference; the one on
// its previous domain is released.
func (h *Hierarchy) AttachTask(d *Domain, t *sched.Task) error {
	if d == nil {
		d = h.root
	}
	h.lock.Lock()
	if d.removed {
		h.lock.Unlock()
		return fmt.Errorf("attach %s to %s: %w", t, d.path, ErrNotFound)
	}
	d.Get()
	h.lock.Unlock()

	old := h.domainOf(t)
	if old == d {
		d.Put()
		return nil
	}
	var target sched.Domain
	if d != h.root {
		target = d
	}
	h.s.SetTaskDomain(t, target)
	old.addPids(-1)
	d.addPids(1)
	old.Put()
	h.logger.Debug("task attached", "task", t.String(), "from", old.path, "to", d.path)
	return nil
}

func (h *Hierarchy) fork(parent, child *sched.Task) error {
	d := h.domainOf(child)
	if err := d.chargePids(1); err != nil {
		return err
	}
	d.Get()
	return nil
}

// exit moves the exiting task back to the root so its domain can be torn
// down while the task is still finishing on a run queue.
func (h *Hierarchy) exit(t *sched.Task) {
	d := h.domainOf(t)
	if d != h.root {
		h.s.SetTaskDomain(t, nil)
	}
	d.addPids(-1)
	d.Put()
}

// Info describes one domain.
type Info struct {
	Path          string `json:"path"`
	Refs          int64  `json:"refs"`
	Tasks         int    `json:"tasks"`
	Children      int    `json:"children"`
	CPUWeight     uint64 `json:"cpu_weight"`
	CPUMax        string `json:"cpu_max"`
	Throttled     uint64 `json:"nr_throttled"`
	MemoryCurrent int64  `json:"memory_current"`
	MemoryMax     int64  `json:"memory_max"`
	PidsCurrent   int64  `json:"pids_current"`
	PidsMax       int64  `json:"pids_max"`
	IOWeight      uint64 `json:"io_weight"`
}

// Info returns a snapshot of d.
func (d *Domain) Info() Info {
	_, throttled := d.group.Throttled()
	return Info{
		Path:          d.path,
		Refs:          d.refs.Load(),
		Tasks:         len(d.Tasks()),
		Children:      len(d.Children()),
		CPUWeight:     d.cpu.weight.Load(),
		CPUMax:        d.cpuMax(),
		Throttled:     throttled,
		MemoryCurrent: d.mem.current.Load(),
		MemoryMax:     d.mem.max.Load(),
		PidsCurrent:   d.PidsCurrent(),
		PidsMax:       d.pids.max.Load(),
		IOWeight:      d.io.weight.Load(),
	}
}

// Walk returns every live domain in depth-first order, root first.
func (h *Hierarchy) Walk() []*Domain {
	var out []*Domain
	var visit func(d *Domain)
	visit = func(d *Domain) {
		out = append(out, d)
		for _, c := range d.Children() {
			visit(c)
		}
	}
	visit(h.root)
	return out
}

// Infos returns a snapshot of every live domain.
func (h *Hierarchy) Infos() []Info {
	ds := h.Walk()
	out := make([]Info, len(ds))
	for i, d := range ds {
		out[i] = d.Info()
	}
	return out
}
