// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

// Package credential is the durable record of enrolled biometric
// credentials on an access device.
//
// A [Credential] binds a person to any subset of three payloads (a
// face embedding, a fingerprint template loaded into a numbered sensor
// slot, and an RFID card UID) and to a validity [Window]. The [Store]
// is the only writer: enrollment commands arrive as [Enrollment]
// values and are applied with [Store.Upsert], which replaces every
// field of an existing record rather than merging.
//
// Payload failures are local. A face vector of the wrong length, a
// template that is not valid base64, or a fingerprint that cannot get
// a slot because the sensor is full is skipped and reported in the
// [UpsertResult]; the record and its other payloads are still stored.
//
// Fingerprint slots index finite sensor memory. They are unique per
// device, allocated lowest-first by [Store.NextFreeSlot], and a
// requested slot that another credential already holds is silently
// replaced by the next free one.
//
// Every write goes through [sqlitepool.Pool.Write], so a write that
// collides with a concurrent healthcheck or evaluation read is retried
// a bounded number of times before failing.
package credential
