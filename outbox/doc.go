// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

// Package outbox is a durable FIFO of outbound broker messages.
//
// Messages are appended with [Queue.Enqueue] whenever a publish cannot
// go out directly, and drained oldest-first by the session's flush
// after each connect. A message marked sent is terminal: it is never
// returned by [Queue.Pending] again, and nothing is ever delivered
// ahead of an unsent predecessor because the flusher stops at the
// first failure.
//
// Delivery is at-least-once. A crash between a broker acknowledgement
// and [Queue.MarkSent] redelivers the message on the next flush, so
// every consumer must be idempotent. Credential commands are, because
// they are keyed by bio ID.
package outbox
