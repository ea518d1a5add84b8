// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

// Package access decides whether a presented biometric or card opens
// the door.
//
// Every evaluation works from a [Snapshot]: the device, the instant
// being judged, and the face candidates valid at that instant. A
// snapshot is a plain value owned by its caller, so evaluations for
// different devices or moments can run in parallel without sharing
// any cache.
//
// Face matching is done here ([MatchFace], cosine similarity against
// the snapshot's candidates). Fingerprint matching happens inside the
// sensor; the evaluator only resolves the reported slot to a
// credential and re-checks its validity window, so a hardware match
// against an expired credential is still refused. RFID cards resolve
// by UID the same way.
package access
