// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package sensor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turnstile-access/turnstile/lib/clock"
)

var (
	// ErrTimeout means the scan reached its timeout without a reading.
	ErrTimeout = errors.New("sensor: scan timed out")

	// ErrCancelled means Cancel was called before a reading arrived.
	ErrCancelled = errors.New("sensor: scan cancelled")
)

const (
	DefaultTimeout  = 10 * time.Second
	DefaultInterval = 100 * time.Millisecond
)

// Source is polled by a scan. Poll returns ok=false when nothing has
// been read yet; an error ends the scan.
type Source[T any] interface {
	Poll(ctx context.Context) (value T, ok bool, err error)
}

// SourceFunc adapts a function to Source.
type SourceFunc[T any] func(ctx context.Context) (T, bool, error)

func (f SourceFunc[T]) Poll(ctx context.Context) (T, bool, error) { return f(ctx) }

// Options tunes a scan. Zero values take the defaults.
type Options struct {
	// Timeout bounds the whole scan, measured on the scan's clock.
	Timeout time.Duration

	// Interval is the pause between polls that return nothing.
	Interval time.Duration
}

// Result is the single outcome of an Operation. Exactly one of Value
// and Err is meaningful.
type Result[T any] struct {
	Value T
	Err   error
}

// Operation is a running scan.
type Operation[T any] struct {
	cancelled  atomic.Bool
	wake       chan struct{}
	cancelOnce sync.Once
	results    chan Result[T]
	started    time.Time
}

// Scan starts polling source on a new goroutine. The scan ends with
// ErrTimeout once options.Timeout has elapsed on clk, with
// ErrCancelled after Cancel, or with ctx's error when ctx ends.
func Scan[T any](ctx context.Context, clk clock.Clock, source Source[T], options Options) *Operation[T] {
	if options.Timeout <= 0 {
		options.Timeout = DefaultTimeout
	}
	if options.Interval <= 0 {
		options.Interval = DefaultInterval
	}
	operation := &Operation[T]{
		wake:    make(chan struct{}),
		results: make(chan Result[T], 1),
		started: clk.Now(),
	}
	go operation.run(ctx, clk, source, options)
	return operation
}

func (op *Operation[T]) run(ctx context.Context, clk clock.Clock, source Source[T], options Options) {
	deadline := op.started.Add(options.Timeout)
	for {
		if op.cancelled.Load() {
			op.finish(Result[T]{Err: ErrCancelled})
			return
		}
		if err := ctx.Err(); err != nil {
			op.finish(Result[T]{Err: err})
			return
		}

		value, ok, err := source.Poll(ctx)
		switch {
		case err != nil:
			op.finish(Result[T]{Err: err})
			return
		case ok:
			op.finish(Result[T]{Value: value})
			return
		}

		if !clk.Now().Before(deadline) {
			op.finish(Result[T]{Err: ErrTimeout})
			return
		}
		select {
		case <-clk.After(options.Interval):
		case <-op.wake:
		case <-ctx.Done():
		}
	}
}

func (op *Operation[T]) finish(result Result[T]) {
	op.results <- result
	close(op.results)
}

// Cancel asks the scan to stop. It returns immediately; the worker
// notices on its next iteration. Cancelling a finished scan has no
// effect.
func (op *Operation[T]) Cancel() {
	op.cancelOnce.Do(func() {
		op.cancelled.Store(true)
		close(op.wake)
	})
}

// Started returns the clock reading when the scan began.
func (op *Operation[T]) Started() time.Time { return op.started }

// Done delivers the Result and is then closed.
func (op *Operation[T]) Done() <-chan Result[T] { return op.results }

// Wait blocks for the result, or for ctx to end.
func (op *Operation[T]) Wait(ctx context.Context) (T, error) {
	select {
	case result, ok := <-op.results:
		if !ok {
			var zero T
			return zero, errors.New("sensor: result already consumed")
		}
		return result.Value, result.Err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
