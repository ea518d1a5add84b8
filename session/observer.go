// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package session

// ConnectionObserver is notified on the session's Loop whenever the
// session becomes connected or stops being connected.
type ConnectionObserver interface {
	OnStatusChanged(connected bool)
}

// ObserverFunc adapts a function to ConnectionObserver.
type ObserverFunc func(connected bool)

func (f ObserverFunc) OnStatusChanged(connected bool) { f(connected) }
