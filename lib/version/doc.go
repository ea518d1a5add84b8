// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for Turnstile binaries.
//
// Values are injected with -ldflags:
//
//	go build -ldflags "-X github.com/turnstile-access/turnstile/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version
