package spin

import (
	"runtime"
	"sync/atomic"
)

// MCSNode is a waiter's queue slot. Each acquirer supplies its own node and
// passes the same node to Unlock.
type MCSNode struct {
	next    atomic.Pointer[MCSNode]
	waiting atomic.Bool
}

// MCSLock is a FIFO queue lock where every waiter spins on its own node.
type MCSLock struct {
	tail atomic.Pointer[MCSNode]
}

// Lock acquires the lock using node.
func (l *MCSLock) Lock(node *MCSNode) {
	node.next.Store(nil)
	node.waiting.Store(true)
	pred := l.tail.Swap(node)
	if pred == nil {
		return
	}
	pred.next.Store(node)
	for node.waiting.Load() {
		runtime.Gosched()
	}
}

// TryLock acquires the lock only if nobody holds or waits for it.
func (l *MCSLock) TryLock(node *MCSNode) bool {
	node.next.Store(nil)
	return l.tail.CompareAndSwap(nil, node)
}

// Unlock hands the lock to the next waiter, if any.
func (l *MCSLock) Unlock(node *MCSNode) {
	succ := node.next.Load()
	if succ == nil {
		if l.tail.CompareAndSwap(node, nil) {
			return
		}
		// A successor swapped itself in but has not linked yet.
		for succ = node.next.Load(); succ == nil; succ = node.next.Load() {
			runtime.Gosched()
		}
	}
	succ.waiting.Store(false)
}

// IsLocked reports whether the lock is held.
func (l *MCSLock) IsLocked() bool { return l.tail.Load() != nil }
