// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds Turnstile's CBOR configuration.
//
// JSON is the wire format on the broker and the token endpoint, because
// the server side and the enrollment tooling speak it. CBOR is used for
// state that never leaves the device: the properties column of the
// outbox table and the persisted session token file. Encoding uses
// Core Deterministic Encoding so the same value always produces the
// same bytes.
//
//	data, err := codec.Marshal(state)
//	err = codec.Unmarshal(data, &state)
package codec
