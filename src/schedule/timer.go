// Package schedule provides a one-shot point-in-time trigger that can be cancelled
// from the goroutine that selects on it.
package schedule

import (
	"sync"
	"time"
)

// Timer delivers a single value on C at its deadline unless cancelled first.
//
// Once Cancel returns, C will never deliver, even if the deadline passed while the
// value was still waiting to be received. Cancel may be called any number of times
// and after the timer has fired.
type Timer struct {
	deadline time.Time
	c        chan time.Time

	mu        sync.Mutex
	t         *time.Timer
	cancelled bool
}

// At arms a timer for the given wall-clock time. A deadline in the past fires
// immediately.
func At(deadline time.Time) *Timer {
	tm := &Timer{
		deadline: deadline,
		c:        make(chan time.Time, 1),
	}
	tm.mu.Lock()
	tm.t = time.AfterFunc(time.Until(deadline), tm.fire)
	tm.mu.Unlock()
	return tm
}

func (tm *Timer) fire() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.cancelled {
		return
	}
	tm.c <- time.Now()
}

// C returns the delivery channel. A nil Timer returns a nil channel, which blocks
// forever in a select.
func (tm *Timer) C() <-chan time.Time {
	if tm == nil {
		return nil
	}
	return tm.c
}

// Deadline is the time the timer was armed for.
func (tm *Timer) Deadline() time.Time {
	if tm == nil {
		return time.Time{}
	}
	return tm.deadline
}

// Cancel stops the timer and discards any undelivered value. Safe on a nil Timer.
func (tm *Timer) Cancel() {
	if tm == nil {
		return
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.cancelled {
		return
	}
	tm.cancelled = true
	tm.t.Stop()
	select {
	case <-tm.c:
	default:
	}
}
