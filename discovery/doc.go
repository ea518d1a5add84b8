// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

// Package discovery maps rooms to access devices.
//
// Devices broadcast a device_info message naming their room each time
// they connect. A [Watcher] subscribed to that topic records each
// announcement in a [Directory]; enrollment stations then resolve a
// room to the device that should receive a credential.
//
// [MemoryDirectory] serves a single station. [RedisDirectory] lets
// several stations share what any of them has heard. Entries expire
// after a TTL so a device that was moved or retired stops resolving.
package discovery
