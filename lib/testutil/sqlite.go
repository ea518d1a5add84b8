// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"path/filepath"
	"testing"

	"github.com/turnstile-access/turnstile/lib/sqlitepool"
)

// OpenPool opens a pool on a fresh database in t's temp directory and
// closes it when the test ends.
func OpenPool(t testing.TB) *sqlitepool.Pool {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "turnstile.db"),
		PoolSize: 2,
	})
	if err != nil {
		t.Fatalf("opening sqlite pool: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("closing sqlite pool: %v", err)
		}
	})
	return pool
}
