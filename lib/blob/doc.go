// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

// Package blob compresses biometric payloads before they are written to
// the credential store.
//
// Every stored blob is framed as one tag byte, the uncompressed length
// as a uvarint, then the payload:
//
//	+-----+----------------+-------------------+
//	| tag | uvarint length | payload           |
//	+-----+----------------+-------------------+
//
// Face images compress well with zstd; fingerprint templates are short
// sensor-specific binaries where lz4's decode speed matters more than
// ratio, since templates are read back when the sensor is reloaded.
// If the chosen algorithm does not shrink the input the blob is stored
// with [None]. Tag values are persisted and must not change.
package blob
