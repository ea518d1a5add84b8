// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool is the SQLite connection pool shared by the
// credential store and the outbox.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool and applies the
// same pragmas to every connection:
//
//   - journal_mode=WAL: readers never block the writer. An access
//     evaluation can read candidates while an enrollment write is in
//     progress.
//   - synchronous=NORMAL: committed transactions survive a process
//     crash.
//   - busy_timeout: a writer waits this long for the lock before the
//     driver reports SQLITE_BUSY.
//   - foreign_keys=OFF, temp_store=MEMORY, cache_size=-4096.
//
// # Writes
//
// [Pool.Write] runs a function inside an IMMEDIATE transaction. When
// the transaction fails with SQLITE_BUSY or SQLITE_LOCKED, because a
// healthcheck, an enrollment and an evaluation touched storage at the
// same time, the whole function is retried a bounded number of times
// with a fixed delay measured on the injected clock. After the last
// attempt the contention error is returned to the caller wrapped in
// [ErrContention].
//
// Reads use [Pool.Read], which borrows a connection without opening a
// write transaction.
package sqlitepool
