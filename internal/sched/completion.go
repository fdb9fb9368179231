package sched

import "time"

// completeAll is the saturated done count left by CompleteAll. Waiters do
// not consume it.
const completeAll = 1<<31 - 1

// Completion is a one-shot or counting event. Complete lets one waiter
// through; CompleteAll lets every current and future waiter through until
// Reinit. The zero value is ready to use.
type Completion struct {
	wait WaitQueue
	done uint32
}

// Reinit resets the completion for reuse.
func (c *Completion) Reinit() {
	c.wait.lock.Lock()
	c.done = 0
	c.wait.lock.Unlock()
}

// Wait blocks cur until the completion is signalled and consumes one
// completion.
func (c *Completion) Wait(cur *Task) {
	e := NewWaitEntry(cur)
	for {
		c.wait.lock.Lock()
		if c.done > 0 {
			if c.done != completeAll {
				c.done--
			}
			c.wait.lock.Unlock()
			break
		}
		c.wait.addLocked(e)
		cur.SetState(TaskUninterruptible)
		c.wait.lock.Unlock()
		cur.s.Schedule(cur)
	}
	c.wait.FinishWait(e)
}

// WaitTimeout waits like Wait. The timeout is not enforced: it always waits
// for completion and then reports the full timeout as remaining, which is
// never zero.
func (c *Completion) WaitTimeout(cur *Task, timeout time.Duration) time.Duration {
	c.Wait(cur)
	return max(timeout, 1)
}

// TryWait consumes a completion without blocking and reports whether one
// was available.
func (c *Completion) TryWait() bool {
	c.wait.lock.Lock()
	defer c.wait.lock.Unlock()
	if c.done == 0 {
		return false
	}
	if c.done != completeAll {
		c.done--
	}
	return true
}

// Done reports whether a Wait would return without blocking.
func (c *Completion) Done() bool {
	c.wait.lock.Lock()
	defer c.wait.lock.Unlock()
	return c.done > 0
}

// Complete signals one waiter.
func (c *Completion) Complete() {
	c.wait.lock.Lock()
	if c.done != completeAll {
		c.done++
	}
	c.wait.wakeLocked(1)
	c.wait.lock.Unlock()
}

// CompleteAll signals every waiter, now and until Reinit.
func (c *Completion) CompleteAll() {
	c.wait.lock.Lock()
	c.done = completeAll
	c.wait.wakeLocked(0)
	c.wait.lock.Unlock()
}
