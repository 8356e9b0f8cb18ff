// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts scheduling so restart backoff, linger, and
// polling logic can be tested without waiting on real time.
//
// Code that would otherwise call time.Now, time.After, time.AfterFunc,
// or time.Sleep takes a Clock instead. Real() is the production
// wiring. Fake() freezes time until the test calls Advance, which
// fires due timers synchronously in deadline order on the calling
// goroutine, making timer-driven behavior fully deterministic.
package clock
