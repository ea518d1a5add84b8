// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport connects a device session to a publish/subscribe
// broker.
//
// [Broker] dials; a [Conn] publishes, subscribes, and closes. A Conn
// never reconnects by itself: when the link drops it calls
// [DialOptions.OnConnectionLost] once and is dead from then on. The
// session decides what happens next, which is always a fresh token
// fetch followed by a fresh Dial.
//
// A broker refusing the supplied credentials surfaces as an error
// wrapping [ErrAuthRejected].
//
// [MQTTBroker] is the production implementation over Eclipse Paho.
// On TLS URLs it accepts any server certificate: deployed brokers use
// self-signed certificates and there is no pinning yet.
//
// [MemoryBroker] is an in-process broker with MQTT topic wildcards,
// a pluggable credential check, and fault injection for tests and
// local development.
package transport
