package resdomain

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/me/kcore/internal/sched"
	"github.com/me/kcore/internal/spin"
	"github.com/me/kcore/internal/timer"
)

const (
	// DefaultWeight is the cpu.weight and io.weight of a new domain.
	DefaultWeight = 100
	// MaxWeight bounds cpu.weight and io.weight.
	MaxWeight = 10000
	// DefaultPeriod is the cpu.max period when none is given.
	DefaultPeriod = 100 * time.Millisecond

	unlimited = -1
)

type cpuState struct {
	weight atomic.Uint64

	lock   spin.Lock
	quota  time.Duration
	period time.Duration
	refill timer.Timer
	armed  bool
}

type memState struct {
	max        atomic.Int64
	high       atomic.Int64
	current    atomic.Int64
	maxEvents  atomic.Uint64
	highEvents atomic.Uint64
}

type pidsState struct {
	max     atomic.Int64
	current atomic.Int64
	events  atomic.Uint64
}

type ioState struct {
	weight atomic.Uint64

	lock      spin.Lock
	bps       int64
	limiter   *rate.Limiter
	throttled atomic.Uint64
}

func (d *Domain) initControllers() {
	d.cpu.weight.Store(DefaultWeight)
	d.cpu.period = DefaultPeriod
	d.mem.max.Store(unlimited)
	d.mem.high.Store(unlimited)
	d.pids.max.Store(unlimited)
	d.io.weight.Store(DefaultWeight)
}

// weightToShares maps cpu.weight onto fair-group shares; the default
// weight gives the shares of a nice-0 task.
func weightToShares(w uint64) uint64 {
	return max(w*sched.DefaultShares/DefaultWeight, 2)
}

// SetCPUWeight sets cpu.weight, 1 to MaxWeight.
func (d *Domain) SetCPUWeight(w uint64) error {
	if d.parent == nil {
		return fmt.Errorf("cpu.weight on /: %w", ErrInvalid)
	}
	if w < 1 || w > MaxWeight {
		return fmt.Errorf("cpu.weight %d: %w", w, ErrInvalid)
	}
	d.cpu.weight.Store(w)
	d.h.s.SetGroupShares(d.group, weightToShares(w))
	return nil
}

// SetCPUMax limits the domain to quota of CPU time every period. A zero
// or negative quota removes the limit; a zero period keeps the current one.
func (d *Domain) SetCPUMax(quota, period time.Duration) error {
	if d.parent == nil {
		return fmt.Errorf("cpu.max on /: %w", ErrInvalid)
	}
	d.cpu.lock.Lock()
	if period == 0 {
		period = d.cpu.period
	}
	if period < time.Millisecond || period > time.Second {
		d.cpu.lock.Unlock()
		return fmt.Errorf("cpu.max period %v: %w", period, ErrInvalid)
	}
	if quota > 0 && quota < time.Millisecond {
		d.cpu.lock.Unlock()
		return fmt.Errorf("cpu.max quota %v: %w", quota, ErrInvalid)
	}
	quota = max(quota, 0)
	d.cpu.quota, d.cpu.period = quota, period
	d.cpu.lock.Unlock()

	d.h.s.SetGroupBandwidth(d.group, quota, period)
	if quota == 0 {
		d.stopRefill()
	} else {
		d.startRefill()
	}
	return nil
}

// CPUMax returns the bandwidth limit. A zero quota means unlimited.
func (d *Domain) CPUMax() (quota, period time.Duration) {
	d.cpu.lock.Lock()
	defer d.cpu.lock.Unlock()
	return d.cpu.quota, d.cpu.period
}

func (d *Domain) cpuMax() string {
	quota, period := d.CPUMax()
	if quota == 0 {
		return fmt.Sprintf("max %d", period.Microseconds())
	}
	return fmt.Sprintf("%d %d", quota.Microseconds(), period.Microseconds())
}

// Refill restores the domain's CPU quota and lets throttled tasks run.
func (d *Domain) Refill() { d.h.s.RefillBandwidth(d.group) }

func (d *Domain) startRefill() {
	w := d.h.wheel
	if w == nil {
		return
	}
	d.cpu.lock.Lock()
	defer d.cpu.lock.Unlock()
	if d.cpu.armed {
		w.Mod(&d.cpu.refill, w.Now()+uint64(d.cpu.period))
		return
	}
	w.Setup(&d.cpu.refill, 0, d.refillTimer, nil)
	w.Add(&d.cpu.refill, w.Now()+uint64(d.cpu.period))
	d.cpu.armed = true
}

func (d *Domain) refillTimer(any) {
	if d.dead.Load() {
		return
	}
	d.Refill()
	w := d.h.wheel
	d.cpu.lock.Lock()
	if d.cpu.armed && d.cpu.quota > 0 {
		w.Mod(&d.cpu.refill, d.cpu.refill.Expires()+uint64(d.cpu.period))
	}
	d.cpu.lock.Unlock()
}

func (d *Domain) stopRefill() {
	w := d.h.wheel
	d.cpu.lock.Lock()
	armed := d.cpu.armed
	d.cpu.armed = false
	d.cpu.lock.Unlock()
	if armed {
		w.DelSync(&d.cpu.refill)
	}
}

// SetMemoryMax sets memory.max; a negative value removes the limit.
func (d *Domain) SetMemoryMax(bytes int64) error {
	if d.parent == nil {
		return fmt.Errorf("memory.max on /: %w", ErrInvalid)
	}
	d.mem.max.Store(limit(bytes))
	return nil
}

// SetMemoryHigh sets memory.high; a negative value removes the limit.
func (d *Domain) SetMemoryHigh(bytes int64) error {
	if d.parent == nil {
		return fmt.Errorf("memory.high on /: %w", ErrInvalid)
	}
	d.mem.high.Store(limit(bytes))
	return nil
}

func limit(v int64) int64 {
	if v < 0 {
		return unlimited
	}
	return v
}

// ChargeMemory charges bytes to d and every ancestor. It fails with
// ErrNoMemory, charging nothing, if any of them would exceed memory.max.
// Going over memory.high only counts an event.
func (d *Domain) ChargeMemory(bytes int64) error {
	if bytes < 0 {
		return fmt.Errorf("charge %d bytes: %w", bytes, ErrInvalid)
	}
	for a := d; a != nil; a = a.parent {
		cur := a.mem.current.Add(bytes)
		if m := a.mem.max.Load(); m != unlimited && cur > m {
			a.mem.maxEvents.Add(1)
			for b := d; b != a.parent; b = b.parent {
				b.mem.current.Add(-bytes)
			}
			return fmt.Errorf("charge %d bytes to %s: %w at %s", bytes, d.path, ErrNoMemory, a.path)
		}
		if hi := a.mem.high.Load(); hi != unlimited && cur > hi {
			a.mem.highEvents.Add(1)
		}
	}
	return nil
}

// UnchargeMemory returns bytes charged with ChargeMemory.
func (d *Domain) UnchargeMemory(bytes int64) {
	for a := d; a != nil; a = a.parent {
		if a.mem.current.Add(-bytes) < 0 {
			panic(fmt.Sprintf("resdomain: memory uncharge below zero in %s", a.path))
		}
	}
}

// MemoryCurrent returns the bytes charged to d and its descendants.
func (d *Domain) MemoryCurrent() int64 { return d.mem.current.Load() }

// SetPidsMax sets pids.max; a negative value removes the limit.
func (d *Domain) SetPidsMax(n int64) error {
	if d.parent == nil {
		return fmt.Errorf("pids.max on /: %w", ErrInvalid)
	}
	d.pids.max.Store(limit(n))
	return nil
}

// PidsCurrent returns the number of tasks charged to d and its
// descendants. The root counts every live task.
func (d *Domain) PidsCurrent() int64 {
	if d.parent != nil {
		return d.pids.current.Load()
	}
	var n int64
	for _, t := range d.h.s.Tasks() {
		if !t.IsIdle() && t.State() != sched.TaskDead {
			n++
		}
	}
	return n
}

// chargePids charges n pids from d up to the root, failing if any non-root
// ancestor would go over pids.max.
func (d *Domain) chargePids(n int64) error {
	for a := d; a.parent != nil; a = a.parent {
		cur := a.pids.current.Add(n)
		if m := a.pids.max.Load(); m != unlimited && cur > m {
			a.pids.events.Add(1)
			for b := d; b != a.parent; b = b.parent {
				b.pids.current.Add(-n)
			}
			return fmt.Errorf("fork in %s: %w at %s", d.path, ErrPidLimit, a.path)
		}
	}
	return nil
}

// addPids adjusts the pid count of d and its non-root ancestors without
// checking limits, as migration does.
func (d *Domain) addPids(n int64) {
	for a := d; a.parent != nil; a = a.parent {
		a.pids.current.Add(n)
	}
}

// SetIOWeight sets io.weight, 1 to MaxWeight.
func (d *Domain) SetIOWeight(w uint64) error {
	if d.parent == nil {
		return fmt.Errorf("io.weight on /: %w", ErrInvalid)
	}
	if w < 1 || w > MaxWeight {
		return fmt.Errorf("io.weight %d: %w", w, ErrInvalid)
	}
	d.io.weight.Store(w)
	return nil
}

// SetIOMax limits I/O to bps bytes per second with a one-second burst. Zero
// removes the limit.
func (d *Domain) SetIOMax(bps int64) error {
	if d.parent == nil {
		return fmt.Errorf("io.max on /: %w", ErrInvalid)
	}
	if bps < 0 {
		return fmt.Errorf("io.max %d: %w", bps, ErrInvalid)
	}
	d.io.lock.Lock()
	d.io.bps = bps
	d.io.limiter = nil
	if bps > 0 {
		d.io.limiter = rate.NewLimiter(rate.Limit(bps), int(bps))
	}
	d.io.lock.Unlock()
	return nil
}

// IOMax returns the bytes-per-second limit, zero if unlimited.
func (d *Domain) IOMax() int64 {
	d.io.lock.Lock()
	defer d.io.lock.Unlock()
	return d.io.bps
}

// reserve takes bytes from the token bucket at simulated time now and
// returns how long the caller must wait for the tokens it went into debt
// for. An I/O larger than the burst is reserved in burst-sized pieces.
func (io *ioState) reserve(now uint64, bytes int64) time.Duration {
	io.lock.Lock()
	defer io.lock.Unlock()
	if io.limiter == nil {
		return 0
	}
	at := time.Unix(0, int64(now))
	var wait time.Duration
	for bytes > 0 {
		n := min(bytes, int64(io.limiter.Burst()))
		wait = io.limiter.ReserveN(at, int(n)).DelayFrom(at)
		bytes -= n
	}
	return wait
}

// IOThrottle accounts an I/O of bytes issued by cur in d and sleeps cur
// until every limited ancestor has tokens for it. It returns the time
// slept. Without a timer wheel the delay is returned but not slept.
func (h *Hierarchy) IOThrottle(cur *sched.Task, d *Domain, bytes int64) time.Duration {
	now := h.s.Clock().Now()
	var wait time.Duration
	for a := d; a != nil; a = a.parent {
		wait = max(wait, a.io.reserve(now, bytes))
	}
	if wait == 0 {
		return 0
	}
	d.io.throttled.Add(uint64(wait))
	if h.wheel != nil {
		h.wheel.Msleep(cur, wait)
	}
	return wait
}
