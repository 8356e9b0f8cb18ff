// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time source behind everything Tower schedules: restart
// backoff, linger countdowns, socket readiness polls. Production code
// takes a Clock instead of calling the time package so tests can drive
// the schedule deterministically.
type Clock interface {
	// Now reports the current time.
	Now() time.Time

	// After returns a channel that delivers the fire time once d has
	// elapsed. A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc schedules f to run once d has elapsed and returns a
	// Timer that can cancel the pending call. A non-positive d runs f
	// before AfterFunc returns on the fake clock and in a fresh
	// goroutine on the real one; callers holding locks must validate
	// d first.
	AfterFunc(d time.Duration, f func()) *Timer

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Timer is a pending AfterFunc call.
type Timer struct {
	cancel func() bool
}

// Stop cancels the pending call. It reports false when the call has
// already run or was already stopped.
func (t *Timer) Stop() bool { return t.cancel() }
