// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package sensor

import "context"

// Feed is a Source backed by a bounded channel, for drivers that push
// readings. When the buffer is full, Push drops the newest reading.
type Feed[T any] struct {
	readings chan T
}

// NewFeed returns a Feed holding up to capacity unread readings.
func NewFeed[T any](capacity int) *Feed[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Feed[T]{readings: make(chan T, capacity)}
}

// Push offers a reading and reports whether it was accepted.
func (f *Feed[T]) Push(value T) bool {
	select {
	case f.readings <- value:
		return true
	default:
		return false
	}
}

// Poll takes the oldest unread reading, if any.
func (f *Feed[T]) Poll(context.Context) (T, bool, error) {
	select {
	case value := <-f.readings:
		return value, true, nil
	default:
		var zero T
		return zero, false, nil
	}
}

// Drain discards unread readings and returns how many there were.
// Call it before starting a scan so a stale reading is not taken as
// a fresh one.
func (f *Feed[T]) Drain() int {
	count := 0
	for {
		select {
		case <-f.readings:
			count++
		default:
			return count
		}
	}
}
