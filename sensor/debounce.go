// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package sensor

import (
	"sync"
	"time"

	"github.com/turnstile-access/turnstile/lib/clock"
)

// Debouncer delivers state changes with at least a minimum interval
// between callbacks. Repeats of the delivered state are dropped.
// A change arriving inside the interval is held, and the latest held
// state is delivered when the interval ends if it still differs from
// the last delivered one.
type Debouncer[T comparable] struct {
	clock    clock.Clock
	interval time.Duration
	deliver  func(T)

	mu          sync.Mutex
	delivered   bool
	state       T
	deliveredAt time.Time
	latest      T
	timer       *clock.Timer
	stopped     bool
}

// NewDebouncer calls deliver (from Signal or from a clock timer) for
// each accepted change.
func NewDebouncer[T comparable](clk clock.Clock, interval time.Duration, deliver func(T)) *Debouncer[T] {
	return &Debouncer[T]{clock: clk, interval: interval, deliver: deliver}
}

// Signal reports the sensor's current state.
func (d *Debouncer[T]) Signal(value T) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.latest = value
	if d.timer != nil {
		d.mu.Unlock()
		return
	}
	if d.delivered && value == d.state {
		d.mu.Unlock()
		return
	}
	now := d.clock.Now()
	if elapsed := now.Sub(d.deliveredAt); d.delivered && elapsed < d.interval {
		d.timer = d.clock.AfterFunc(d.interval-elapsed, d.flush)
		d.mu.Unlock()
		return
	}
	d.delivered, d.state, d.deliveredAt = true, value, now
	d.mu.Unlock()
	d.deliver(value)
}

func (d *Debouncer[T]) flush() {
	d.mu.Lock()
	d.timer = nil
	if d.stopped || d.latest == d.state {
		d.mu.Unlock()
		return
	}
	value := d.latest
	d.state, d.deliveredAt = value, d.clock.Now()
	d.mu.Unlock()
	d.deliver(value)
}

// State returns the last delivered state and whether any has been
// delivered.
func (d *Debouncer[T]) State() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, d.delivered
}

// Stop discards any held change. Later signals are ignored.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
