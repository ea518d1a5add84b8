// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil bounds HTTP response reads from the identity
// service and other small JSON endpoints.
package netutil
