// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// safety valve so individual tests do not call time.After directly;
// they are the only place tests wait on the real clock. [Logger]
// routes slog output through t.Log so it appears only for failing
// tests.
//
// All helpers call t.Fatalf on failure.
package testutil
