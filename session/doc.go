// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

// Package session manages one device's authenticated connection to
// the broker.
//
// A [Session] moves through [Disconnected], [FetchingToken],
// [Connecting] and [Connected]. Broker credentials come from the
// identity service ([Session.FetchToken]) and are never reused after
// an unexpected disconnect: any connection loss, including the broker
// rejecting the token, clears the in-memory credentials and schedules
// exactly one reconnection sequence after the reconnect delay, which
// always starts with a fresh token fetch. Only one sequence runs at a
// time. An explicit [Session.Disconnect] schedules nothing.
//
// Outbound traffic goes through [Session.PublishOrQueue]. While
// connected with an empty outbox the message is published directly;
// otherwise, or if the publish fails, it is appended to the outbox.
// The caller never waits for connectivity. After each connect the
// session drains the outbox in order with [Session.FlushOutbox],
// stopping at the first failure so that later messages never overtake
// earlier ones.
//
// Callbacks into the application (connection status changes and
// inbound messages) are never run on a transport goroutine. They are
// posted to a [Loop], a single-threaded dispatcher owned by the
// application, so application state touched from callbacks needs no
// locking of its own.
//
// The last fetched credentials can be persisted to a state file,
// CBOR-encoded and optionally sealed with an age identity. On Start
// a persisted token is reused only if its JWT expiry has not passed.
package session
