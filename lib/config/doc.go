// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the YAML configuration shared by the device
// daemon and the enrollment CLI.
//
// The file is named by the --config flag ([LoadFile]) or the
// TURNSTILE_CONFIG environment variable ([Load]). There is no search
// path and no per-field environment override: what is in the file is
// what runs. The only expansion is ${VAR} and ${VAR:-default} in path
// fields, so one file can serve several devices that differ only in
// their data directory.
//
// The file may carry development and production sections that
// override base values when Environment matches. Production defaults
// require TLS to the broker.
//
// Durations are written in Go syntax ("5s", "250ms").
package config
