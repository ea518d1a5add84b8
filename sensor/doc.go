// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

// Package sensor runs the device's capture loops.
//
// A face capture, fingerprint scan or RFID poll is started with
// [Scan], which returns an [Operation]: a worker goroutine polling a
// [Source] until it yields a reading, fails, reaches its wall-clock
// timeout, or is cancelled. The outcome arrives as a single [Result]
// on a buffered channel, so the caller never runs inside the worker
// and no callback chain is involved. Cancellation is cooperative: a
// flag checked on every iteration.
//
// Hardware drivers that push readings rather than being polled feed
// a [Feed]. Door contacts go through a [Debouncer] so a bouncing
// switch produces one event per real state change.
package sensor
