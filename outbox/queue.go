// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/turnstile-access/turnstile/lib/clock"
	"github.com/turnstile-access/turnstile/lib/codec"
	"github.com/turnstile-access/turnstile/lib/sqlitepool"
)

// ErrNotFound is returned by MarkSent and MarkFailed for an unknown ID.
var ErrNotFound = errors.New("outbox: message not found")

const schema = `
CREATE TABLE IF NOT EXISTS outbox (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	topic      TEXT NOT NULL,
	payload    BLOB NOT NULL,
	qos        INTEGER NOT NULL DEFAULT 0,
	properties BLOB,
	sent       INTEGER NOT NULL DEFAULT 0,
	attempts   INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	sent_at    INTEGER
);
CREATE INDEX IF NOT EXISTS outbox_pending ON outbox (id) WHERE sent = 0;
`

const messageColumns = "id, topic, payload, qos, properties, sent, attempts, last_error, created_at, sent_at"

// Message is one queued publish.
type Message struct {
	// ID is assigned by Enqueue and orders delivery.
	ID int64

	Topic   string
	Payload []byte

	// QoS is the MQTT delivery level hint (0, 1 or 2).
	QoS byte

	// Properties is optional metadata carried with the message.
	Properties map[string]string

	Sent      bool
	Attempts  int
	LastError string
	CreatedAt time.Time
	SentAt    time.Time
}

// Config holds the parameters for opening a Queue.
type Config struct {
	// Pool is the database. Required. The Queue does not close it.
	Pool *sqlitepool.Pool

	// Clock stamps CreatedAt and SentAt. Defaults to clock.Real().
	Clock clock.Clock

	// Logger is optional.
	Logger *slog.Logger
}

// Queue is the durable outbox. It is safe for concurrent use.
type Queue struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Open creates the schema if needed and returns a Queue.
func Open(cfg Config) (*Queue, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("outbox: Pool is required")
	}
	queue := &Queue{pool: cfg.Pool, clock: cfg.Clock, logger: cfg.Logger}
	if queue.clock == nil {
		queue.clock = clock.Real()
	}
	if queue.logger == nil {
		queue.logger = slog.New(slog.DiscardHandler)
	}
	err := cfg.Pool.Write(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, schema, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("outbox: creating schema: %w", err)
	}
	if err := queue.refreshGauge(context.Background()); err != nil {
		return nil, err
	}
	return queue, nil
}

// Enqueue durably appends message and returns its ID. Only Topic,
// Payload, QoS and Properties are read from message.
func (q *Queue) Enqueue(ctx context.Context, message Message) (int64, error) {
	if message.Topic == "" {
		return 0, fmt.Errorf("outbox: enqueue: topic is required")
	}
	var properties []byte
	if len(message.Properties) > 0 {
		var err error
		properties, err = codec.Marshal(message.Properties)
		if err != nil {
			return 0, fmt.Errorf("outbox: encoding properties: %w", err)
		}
	}
	payload := message.Payload
	if payload == nil {
		payload = []byte{}
	}

	var id int64
	err := q.pool.Write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			"INSERT INTO outbox (topic, payload, qos, properties, created_at) VALUES (?, ?, ?, ?, ?)",
			&sqlitex.ExecOptions{
				Args: []any{
					message.Topic,
					payload,
					int(message.QoS),
					nullableBytes(properties),
					q.clock.Now().UnixNano(),
				},
			})
		if err != nil {
			return err
		}
		id = conn.LastInsertRowID()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("outbox: enqueue %s: %w", message.Topic, err)
	}
	pendingGauge.Inc()
	q.logger.Debug("message queued", "outbox_id", id, "topic", message.Topic)
	return id, nil
}

// Pending returns unsent messages oldest first. limit <= 0 returns all.
func (q *Queue) Pending(ctx context.Context, limit int) ([]Message, error) {
	query := "SELECT " + messageColumns + " FROM outbox WHERE sent = 0 ORDER BY id"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	var messages []Message
	err := q.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				message, err := scanMessage(stmt)
				if err != nil {
					return err
				}
				messages = append(messages, message)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("outbox: pending: %w", err)
	}
	return messages, nil
}

// MarkSent records that id was delivered. Marking an already-sent
// message again is a no-op.
func (q *Queue) MarkSent(ctx context.Context, id int64) error {
	var newlySent bool
	err := q.pool.Write(ctx, func(conn *sqlite.Conn) error {
		newlySent = false
		var exists, sent bool
		err := sqlitex.Execute(conn, "SELECT sent FROM outbox WHERE id = ?", &sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				exists = true
				sent = stmt.ColumnBool(0)
				return nil
			},
		})
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		if sent {
			return nil
		}
		newlySent = true
		return sqlitex.Execute(conn,
			"UPDATE outbox SET sent = 1, sent_at = ?, attempts = attempts + 1 WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{q.clock.Now().UnixNano(), id}})
	})
	if err != nil {
		return fmt.Errorf("outbox: mark sent %d: %w", id, err)
	}
	if newlySent {
		pendingGauge.Dec()
		flushedTotal.Inc()
	}
	return nil
}

// MarkFailed records a failed delivery attempt without changing the
// message's position.
func (q *Queue) MarkFailed(ctx context.Context, id int64, cause error) error {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	err := q.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn,
			"UPDATE outbox SET attempts = attempts + 1, last_error = ? WHERE id = ? AND sent = 0",
			&sqlitex.ExecOptions{Args: []any{detail, id}}); err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("outbox: mark failed %d: %w", id, err)
	}
	return nil
}

// PendingCount returns the number of unsent messages.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := q.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT COUNT(*) FROM outbox WHERE sent = 0", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	if err != nil {
		return 0, fmt.Errorf("outbox: pending count: %w", err)
	}
	return count, nil
}

// PurgeSent deletes sent messages whose SentAt is older than
// olderThan and returns how many were removed. Unsent messages are
// never purged.
func (q *Queue) PurgeSent(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.clock.Now().Add(-olderThan).UnixNano()
	var count int
	err := q.pool.Write(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn,
			"DELETE FROM outbox WHERE sent = 1 AND sent_at < ?",
			&sqlitex.ExecOptions{Args: []any{cutoff}}); err != nil {
			return err
		}
		count = conn.Changes()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("outbox: purge: %w", err)
	}
	if count > 0 {
		q.logger.Info("purged sent messages", "count", count)
	}
	return count, nil
}

func (q *Queue) refreshGauge(ctx context.Context) error {
	count, err := q.PendingCount(ctx)
	if err != nil {
		return err
	}
	pendingGauge.Set(float64(count))
	return nil
}

func scanMessage(stmt *sqlite.Stmt) (Message, error) {
	message := Message{
		ID:        stmt.ColumnInt64(0),
		Topic:     stmt.ColumnText(1),
		Payload:   columnBytes(stmt, 2),
		QoS:       byte(stmt.ColumnInt(3)),
		Sent:      stmt.ColumnBool(5),
		Attempts:  stmt.ColumnInt(6),
		LastError: stmt.ColumnText(7),
		CreatedAt: time.Unix(0, stmt.ColumnInt64(8)).UTC(),
	}
	if stmt.ColumnType(9) != sqlite.TypeNull {
		message.SentAt = time.Unix(0, stmt.ColumnInt64(9)).UTC()
	}
	if properties := columnBytes(stmt, 4); properties != nil {
		if err := codec.Unmarshal(properties, &message.Properties); err != nil {
			return Message{}, fmt.Errorf("decoding properties of message %d: %w", message.ID, err)
		}
	}
	if message.Payload == nil {
		message.Payload = []byte{}
	}
	return message, nil
}

func columnBytes(stmt *sqlite.Stmt, column int) []byte {
	length := stmt.ColumnLen(column)
	if stmt.ColumnType(column) == sqlite.TypeNull || length == 0 {
		return nil
	}
	destination := make([]byte, length)
	stmt.ColumnBytes(column, destination)
	return destination
}

func nullableBytes(value []byte) any {
	if len(value) == 0 {
		return nil
	}
	return value
}
