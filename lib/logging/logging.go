// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

// Package logging builds the slog loggers the binaries write to
// stderr.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// ParseLevel accepts debug, info, warn or error (any case).
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(name))); err != nil {
		return 0, fmt.Errorf("logging: unknown level %q", name)
	}
	return level, nil
}

// New returns a logger on stderr: text when stderr is a terminal,
// JSON otherwise so log shippers can parse it.
func New(level slog.Level) *slog.Logger {
	return NewFor(os.Stderr, term.IsTerminal(int(os.Stderr.Fd())), level)
}

// NewFor returns a text or JSON logger writing to w.
func NewFor(w io.Writer, text bool, level slog.Level) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	if text {
		return slog.New(slog.NewTextHandler(w, options))
	}
	return slog.New(slog.NewJSONHandler(w, options))
}
