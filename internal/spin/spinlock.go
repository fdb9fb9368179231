// Package spin provides the non-sleeping locks the rest of the core is built
// on: a test-and-set spinlock with interrupt save/restore, a sequence lock and
// an MCS queue lock.
package spin

import (
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/me/kcore/internal/arch"
)

const (
	backoffMin = 1
	backoffMax = 1 << 10

	// DeadlockTimeout is how long an acquisition may spin before a
	// possible-deadlock warning is logged. The spinner keeps retrying.
	DeadlockTimeout = 5 * time.Second
)

var (
	logger     atomic.Pointer[slog.Logger]
	contention atomic.Uint64
	timeouts   atomic.Uint64
)

// SetLogger sets the logger used for deadlock warnings.
func SetLogger(l *slog.Logger) {
	logger.Store(l.With("component", "spin"))
}

// Logger returns the logger set with SetLogger, or slog.Default.
func Logger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

// Stats returns the number of contended acquisitions and deadlock timeouts
// observed since start.
func Stats() (contended, timedOut uint64) {
	return contention.Load(), timeouts.Load()
}

// Lock is a single-word spinlock. The zero value is unlocked.
type Lock struct {
	state atomic.Uint32
}

// Lock acquires l, spinning with exponential backoff while it is held.
func (l *Lock) Lock() {
	if l.state.CompareAndSwap(0, 1) {
		return
	}
	l.lockSlow()
}

func (l *Lock) lockSlow() {
	contention.Add(1)
	backoff := backoffMin
	start := time.Now()
	for {
		for i := 0; i < backoff && l.state.Load() != 0; i++ {
			runtime.Gosched()
		}
		if l.state.CompareAndSwap(0, 1) {
			return
		}
		if backoff < backoffMax {
			backoff <<= 1
			continue
		}
		if waited := time.Since(start); waited > DeadlockTimeout {
			timeouts.Add(1)
			Logger().Warn("spinlock held too long, possible deadlock", "waited", waited)
			start = time.Now()
		}
	}
}

// TryLock acquires l only if it is free.
func (l *Lock) TryLock() bool {
	return l.state.Load() == 0 && l.state.CompareAndSwap(0, 1)
}

// Unlock releases l. Releasing an unlocked lock is a fatal error.
func (l *Lock) Unlock() {
	if l.state.Swap(0) == 0 {
		panic("spin: unlock of unlocked lock")
	}
}

// IsLocked reports whether l is held.
func (l *Lock) IsLocked() bool { return l.state.Load() != 0 }

// LockIRQSave disables interrupts on the CPU owning irq, then acquires l.
// A nil irq means the caller runs outside any CPU context.
func (l *Lock) LockIRQSave(irq *arch.IRQState) arch.IRQFlags {
	var flags arch.IRQFlags
	if irq != nil {
		flags = irq.Save()
	}
	l.Lock()
	return flags
}

// UnlockIRQRestore releases l and restores the interrupt state saved by
// LockIRQSave.
func (l *Lock) UnlockIRQRestore(irq *arch.IRQState, flags arch.IRQFlags) {
	l.Unlock()
	if irq != nil {
		irq.Restore(flags)
	}
}
