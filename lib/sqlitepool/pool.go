// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/turnstile-access/turnstile/lib/clock"
)

// ErrContention is returned by Write when every attempt hit a locked
// database.
var ErrContention = errors.New("sqlitepool: database busy")

const (
	defaultPoolSize        = 4
	defaultBusyTimeout     = time.Second
	defaultWriteAttempts   = 5
	defaultWriteRetryDelay = 50 * time.Millisecond
)

// Config holds the parameters for opening a pool. Path is required.
type Config struct {
	// Path is the database file. Its parent directory must exist.
	Path string

	// PoolSize is the number of connections. Defaults to 4.
	PoolSize int

	// BusyTimeout is the per-statement lock wait applied through the
	// busy_timeout pragma. Defaults to one second.
	BusyTimeout time.Duration

	// WriteAttempts bounds how many times Write runs its function
	// when the database is locked. Defaults to 5.
	WriteAttempts int

	// WriteRetryDelay is the fixed pause between Write attempts.
	// Defaults to 50ms.
	WriteRetryDelay time.Duration

	// Clock measures WriteRetryDelay. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives open/close and retry messages. Nil discards.
	Logger *slog.Logger
}

// Pool is a fixed-size set of SQLite connections. It is safe for
// concurrent use; a borrowed connection is not.
type Pool struct {
	inner         *sqlitex.Pool
	clock         clock.Clock
	logger        *slog.Logger
	path          string
	writeAttempts int
	retryDelay    time.Duration
}

// Open creates the pool. Connections are prepared lazily on first use.
func Open(cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitepool: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolClock := cfg.Clock
	if poolClock == nil {
		poolClock = clock.Real()
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	busyTimeout := cfg.BusyTimeout
	if busyTimeout <= 0 {
		busyTimeout = defaultBusyTimeout
	}
	attempts := cfg.WriteAttempts
	if attempts <= 0 {
		attempts = defaultWriteAttempts
	}
	retryDelay := cfg.WriteRetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultWriteRetryDelay
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn, busyTimeout)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", cfg.Path, err)
	}

	logger.Info("sqlite pool opened", "path", cfg.Path, "pool_size", poolSize)

	return &Pool{
		inner:         inner,
		clock:         poolClock,
		logger:        logger,
		path:          cfg.Path,
		writeAttempts: attempts,
		retryDelay:    retryDelay,
	}, nil
}

// Read borrows a connection for the duration of fn.
func (p *Pool) Read(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlitepool: take: %w", err)
	}
	defer p.inner.Put(conn)
	return fn(conn)
}

// Write runs fn inside an IMMEDIATE transaction, retrying the whole
// transaction while the database is locked. fn must be safe to run
// more than once: anything it computes from the database is
// recomputed on each attempt.
func (p *Pool) Write(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.writeAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.clock.After(p.retryDelay):
			}
		}

		err := p.writeOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !IsBusy(err) {
			return err
		}
		lastErr = err
		p.logger.Warn("sqlite write contended, retrying",
			"path", p.path,
			"attempt", attempt,
			"error", err,
		)
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrContention, p.writeAttempts, lastErr)
}

func (p *Pool) writeOnce(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlitepool: take: %w", err)
	}
	defer p.inner.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return err
	}
	defer endTransaction(&err)
	return fn(conn)
}

// Close closes every connection, waiting for borrowed ones.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("sqlite pool close error", "path", p.path, "error", err)
		return fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlite pool closed", "path", p.path)
	return nil
}

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED.
func IsBusy(err error) bool {
	switch sqlite.ErrCode(err).ToPrimary() {
	case sqlite.ResultBusy, sqlite.ResultLocked:
		return true
	}
	return false
}

func prepareConnection(conn *sqlite.Conn, busyTimeout time.Duration) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds()),
		"PRAGMA foreign_keys=OFF",
		"PRAGMA cache_size=-4096",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
		}
	}
	return nil
}
