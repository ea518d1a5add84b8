// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/turnstile-access/turnstile/access"
	"github.com/turnstile-access/turnstile/sensor"
)

type scanKind string

const (
	scanFace   scanKind = "face"
	scanFinger scanKind = "finger"
	scanRFID   scanKind = "rfid"
)

var (
	errUnknownKind  = errors.New("unknown sensor kind")
	errScanActive   = errors.New("a scan of this kind is already running")
	errNoScanActive = errors.New("no scan of this kind is running")
	errFeedFull     = errors.New("previous reading not yet consumed")
)

func parseScanKind(value string) (scanKind, error) {
	switch kind := scanKind(value); kind {
	case scanFace, scanFinger, scanRFID:
		return kind, nil
	}
	return "", fmt.Errorf("%w %q", errUnknownKind, value)
}

// scanOutcome is the last result of a scan, for the status endpoint.
type scanOutcome struct {
	Kind     scanKind  `json:"kind"`
	Finished time.Time `json:"finished"`
	Error    string    `json:"error,omitempty"`
}

// scanner owns the sensor feeds and at most one running scan per
// kind. Readings are accepted only while a scan of their kind runs.
type scanner struct {
	device  *Device
	faces   *sensor.Feed[[]float32]
	fingers *sensor.Feed[int]
	cards   *sensor.Feed[string]

	mu     sync.Mutex
	active map[scanKind]func()
	last   *scanOutcome
}

func newScanner(device *Device) *scanner {
	return &scanner{
		device:  device,
		faces:   sensor.NewFeed[[]float32](1),
		fingers: sensor.NewFeed[int](1),
		cards:   sensor.NewFeed[string](1),
		active:  make(map[scanKind]func()),
	}
}

// start begins a scan of kind. The result is evaluated and acted on
// in the background.
func (s *scanner) start(kind scanKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.active[kind]; running {
		return errScanActive
	}
	switch kind {
	case scanFace:
		s.active[kind] = startScan(s, kind, s.faces, func(ctx context.Context, snapshot *access.Snapshot, probe []float32) (access.Decision, error) {
			return snapshot.EvaluateFace(probe), nil
		})
	case scanFinger:
		s.active[kind] = startScan(s, kind, s.fingers, func(ctx context.Context, snapshot *access.Snapshot, slot int) (access.Decision, error) {
			return snapshot.EvaluateFinger(ctx, slot)
		})
	case scanRFID:
		s.active[kind] = startScan(s, kind, s.cards, func(ctx context.Context, snapshot *access.Snapshot, uid string) (access.Decision, error) {
			return snapshot.EvaluateRFID(ctx, uid)
		})
	default:
		return errUnknownKind
	}
	s.device.logger.Info("scan started", "kind", string(kind), "timeout", s.device.scanTimeout)
	return nil
}

// startScan is called with s.mu held and returns the cancel function.
func startScan[T any](s *scanner, kind scanKind, feed *sensor.Feed[T], evaluate func(context.Context, *access.Snapshot, T) (access.Decision, error)) func() {
	device := s.device
	operation := sensor.Scan[T](context.Background(), device.clock, feed, sensor.Options{Timeout: device.scanTimeout})
	go func() {
		result := <-operation.Done()
		feed.Drain()
		s.finish(kind, result.Err)
		if result.Err != nil {
			device.logger.Info("scan ended without a reading", "kind", string(kind), "error", result.Err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		snapshot, err := device.evaluator.Snapshot(ctx, device.id, device.clock.Now())
		if err != nil {
			device.logger.Error("loading credentials for evaluation", "kind", string(kind), "error", err)
			return
		}
		decision, err := evaluate(ctx, snapshot, result.Value)
		if err != nil {
			device.logger.Error("evaluation failed", "kind", string(kind), "error", err)
			return
		}
		device.decide(ctx, decision)
	}()
	return operation.Cancel
}

func (s *scanner) finish(kind scanKind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, kind)
	outcome := &scanOutcome{Kind: kind, Finished: s.device.clock.Now()}
	if err != nil {
		outcome.Error = err.Error()
	}
	s.last = outcome
}

// cancel stops the running scan of kind.
func (s *scanner) cancel(kind scanKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, running := s.active[kind]
	if !running {
		return errNoScanActive
	}
	cancel()
	return nil
}

func (s *scanner) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.active {
		cancel()
	}
}

// running reports the kinds with a scan in progress.
func (s *scanner) running() []scanKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kinds []scanKind
	for _, kind := range []scanKind{scanFace, scanFinger, scanRFID} {
		if _, ok := s.active[kind]; ok {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

func (s *scanner) lastOutcome() *scanOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	outcome := *s.last
	return &outcome
}

// feedFace, feedFinger and feedCard hand a driver reading to the
// running scan.
func (s *scanner) feedFace(vector []float32) error { return feedReading(s, scanFace, s.faces, vector) }
func (s *scanner) feedFinger(slot int) error       { return feedReading(s, scanFinger, s.fingers, slot) }
func (s *scanner) feedCard(uid string) error       { return feedReading(s, scanRFID, s.cards, uid) }

func feedReading[T any](s *scanner, kind scanKind, feed *sensor.Feed[T], value T) error {
	s.mu.Lock()
	_, running := s.active[kind]
	s.mu.Unlock()
	if !running {
		return errNoScanActive
	}
	if !feed.Push(value) {
		return errFeedFull
	}
	return nil
}
