// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"time"
)

// Relay drives the door lock.
type Relay interface {
	Unlock(ctx context.Context, duration time.Duration) error
}

// loggingRelay stands in for the GPIO driver: it records each pulse.
type loggingRelay struct {
	logger *slog.Logger
}

func (r loggingRelay) Unlock(_ context.Context, duration time.Duration) error {
	r.logger.Info("door relay pulsed", "duration", duration)
	return nil
}
