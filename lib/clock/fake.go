// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at initial. Nothing fires until
// Advance moves the clock to or past a waiter's deadline.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{now: initial}
}

// FakeClock is a deterministic Clock for tests. Advance runs due
// AfterFunc callbacks synchronously on the calling goroutine, earliest
// deadline first, with the clock's lock released. A callback may
// therefore schedule follow-up work: a new timer due at or before the
// advance target fires within the same Advance call, a later one stays
// pending.
//
// Calling Advance or Sleep from inside a callback deadlocks.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
}

// fakeTimer is one scheduled wake-up: a channel delivery for After and
// Sleep waiters, a callback for AfterFunc.
type fakeTimer struct {
	due      time.Time
	deliver  chan time.Time // nil for AfterFunc
	run      func()         // nil for After and Sleep
	canceled bool
	done     bool
}

// Now reports the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that delivers once Advance reaches the
// deadline. A non-positive d delivers before After returns.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.pending = append(c.pending, &fakeTimer{due: c.now.Add(d), deliver: ch})
	return ch
}

// AfterFunc schedules f for a later Advance to run. A non-positive d
// runs f synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		f()
		return &Timer{cancel: func() bool { return false }}
	}
	entry := &fakeTimer{due: c.now.Add(d), run: f}
	c.pending = append(c.pending, entry)
	c.mu.Unlock()

	return &Timer{cancel: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if entry.canceled || entry.done {
			return false
		}
		entry.canceled = true
		return true
	}}
}

// Sleep blocks until Advance reaches the deadline. A non-positive d
// returns immediately.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d and fires everything now due,
// earliest deadline first, re-scanning after each fire so work
// scheduled by a callback is picked up. Channel deliveries never
// block: a full buffer drops the tick.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		next := c.takeDue(target)
		if next == nil {
			return
		}
		if next.run != nil {
			next.run()
			continue
		}
		select {
		case next.deliver <- target:
		default:
		}
	}
}

// takeDue removes and returns the earliest live waiter due at or
// before target, or nil when none remain. Canceled waiters found along
// the way are discarded.
func (c *FakeClock) takeDue(target time.Time) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := c.pending[:0]
	var earliest *fakeTimer
	for _, entry := range c.pending {
		if entry.canceled {
			continue
		}
		live = append(live, entry)
		if entry.due.After(target) {
			continue
		}
		if earliest == nil || entry.due.Before(earliest.due) {
			earliest = entry
		}
	}
	c.pending = live

	if earliest == nil {
		return nil
	}
	earliest.done = true
	for i, entry := range c.pending {
		if entry == earliest {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	return earliest
}

// PendingCount reports how many scheduled wake-ups are still live.
// Stopped timers do not count.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, entry := range c.pending {
		if !entry.canceled {
			count++
		}
	}
	return count
}
