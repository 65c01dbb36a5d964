// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package msgindex

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/relay-foundation/relay/lib/sqlitepool"
)

// schema is applied to every connection. IF NOT EXISTS keeps it
// idempotent across the pool's connections.
const schema = `
	CREATE TABLE IF NOT EXISTS messages (
		endpoint        TEXT NOT NULL,
		id              TEXT NOT NULL,
		subject         TEXT NOT NULL,
		sender          TEXT NOT NULL,
		mailbox_path    TEXT NOT NULL,
		message_file    TEXT NOT NULL,
		created_at_ms   INTEGER NOT NULL,
		delivered_at_ms INTEGER NOT NULL,
		PRIMARY KEY (endpoint, id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_subject ON messages(subject, id);
	CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender, id);
`

// Record is one indexed delivery: an envelope landing in one
// endpoint's mailbox. The same envelope delivered to N endpoints
// produces N records.
type Record struct {
	// Endpoint is the subject pattern of the receiving endpoint.
	Endpoint string

	// ID is the envelope ULID in its canonical string form, so that
	// SQLite's text ordering is delivery ordering.
	ID string

	Subject string

	// Sender is the "namespace/id" form of the sender identity.
	Sender string

	// MailboxPath is the mailbox root; MessageFile is the file's
	// basename within it. Consumers locate the file in whichever
	// maildir subdirectory it has moved to since.
	MailboxPath string
	MessageFile string

	CreatedAtMS   int64
	DeliveredAtMS int64
}

// Index is the query accelerator over delivered messages. Safe for
// concurrent use.
type Index struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Config holds the parameters for opening an index.
type Config struct {
	// Path is the SQLite database file. Required.
	Path string

	// PoolSize is the connection pool size. Zero means the pool's
	// default.
	PoolSize int

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Open opens (creating if absent) the index database.
func Open(cfg Config) (*Index, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("msgindex: %w", err)
	}
	return &Index{pool: pool, logger: logger}, nil
}

// Close closes the underlying pool.
func (x *Index) Close() error {
	return x.pool.Close()
}

// Insert records one delivery. Re-inserting the same (endpoint, id)
// pair replaces the row, so replaying a delivery is harmless.
func (x *Index) Insert(ctx context.Context, rec Record) error {
	conn, err := x.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("msgindex: insert: %w", err)
	}
	defer x.pool.Put(conn)

	if err := insertRecord(conn, rec); err != nil {
		return err
	}
	return nil
}

func insertRecord(conn *sqlite.Conn, rec Record) error {
	err := sqlitex.Execute(conn, `INSERT OR REPLACE INTO messages
		(endpoint, id, subject, sender, mailbox_path, message_file,
		 created_at_ms, delivered_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			rec.Endpoint,
			rec.ID,
			rec.Subject,
			rec.Sender,
			rec.MailboxPath,
			rec.MessageFile,
			rec.CreatedAtMS,
			rec.DeliveredAtMS,
		},
	})
	if err != nil {
		return fmt.Errorf("msgindex: insert %s for %s: %w", rec.ID, rec.Endpoint, err)
	}
	return nil
}

// QueryByEndpoint returns up to limit records for the endpoint in ID
// order, starting strictly after cursor (empty cursor = from the
// beginning). The returned cursor resumes the scan, or is "" when the
// scan is complete. A limit <= 0 defaults to 100.
func (x *Index) QueryByEndpoint(ctx context.Context, endpoint, cursor string, limit int) ([]Record, string, error) {
	if limit <= 0 {
		limit = 100
	}

	conn, err := x.pool.Take(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("msgindex: query: %w", err)
	}
	defer x.pool.Put(conn)

	// Fetch one extra row to learn whether the scan is complete
	// without a second query.
	var records []Record
	err = sqlitex.Execute(conn, `SELECT endpoint, id, subject, sender,
		mailbox_path, message_file, created_at_ms, delivered_at_ms
		FROM messages WHERE endpoint = ? AND id > ?
		ORDER BY id LIMIT ?`, &sqlitex.ExecOptions{
		Args: []any{endpoint, cursor, limit + 1},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			records = append(records, scanRecord(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, "", fmt.Errorf("msgindex: query %s: %w", endpoint, err)
	}

	next := ""
	if len(records) > limit {
		records = records[:limit]
		next = records[limit-1].ID
	}
	return records, next, nil
}

// CountByEndpoint returns the number of indexed records for the
// endpoint.
func (x *Index) CountByEndpoint(ctx context.Context, endpoint string) (int64, error) {
	conn, err := x.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("msgindex: count: %w", err)
	}
	defer x.pool.Put(conn)

	var count int64
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM messages WHERE endpoint = ?",
		&sqlitex.ExecOptions{
			Args: []any{endpoint},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("msgindex: count %s: %w", endpoint, err)
	}
	return count, nil
}

func scanRecord(stmt *sqlite.Stmt) Record {
	return Record{
		Endpoint:      stmt.ColumnText(0),
		ID:            stmt.ColumnText(1),
		Subject:       stmt.ColumnText(2),
		Sender:        stmt.ColumnText(3),
		MailboxPath:   stmt.ColumnText(4),
		MessageFile:   stmt.ColumnText(5),
		CreatedAtMS:   stmt.ColumnInt64(6),
		DeliveredAtMS: stmt.ColumnInt64(7),
	}
}
