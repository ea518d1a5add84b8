// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Anything in Turnstile that reads the wall clock or waits on a timer
// takes a [Clock] instead of calling the time package directly:
// validity windows are evaluated against Clock.Now, the session's
// reconnect delay is an AfterFunc, storage contention backoff is an
// After, and sensor scans measure their timeout with Now.
//
// Production code uses [Real]. Tests use [Fake], which only moves when
// [FakeClock.Advance] is called:
//
//	fake := clock.Fake(time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC))
//	session := newTestSession(t, fake)
//	fake.WaitForTimers(1)
//	fake.Advance(5 * time.Second)
//
// WaitForTimers blocks until the code under test has registered its
// timers, so tests never race a goroutine's timer registration.
package clock
