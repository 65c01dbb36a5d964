// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool is Relay's SQLite connection pool.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool with the pragma set
// Relay wants for derived local state: WAL journal mode (readers never
// block the writer), NORMAL synchronous (transactions survive a
// process crash; an OS crash may lose the tail, which is acceptable
// because the message index is rebuildable from the mailbox files),
// a busy timeout instead of immediate SQLITE_BUSY, and memory-mapped
// reads.
//
// Callers Take a connection, do their work, and Put it back.
// Connections are not safe for concurrent use; each goroutine holds
// its own for the duration of its work:
//
//	conn, err := pool.Take(ctx)
//	if err != nil {
//	    return err
//	}
//	defer pool.Put(conn)
//
// Schema setup belongs in Config.OnConnect, which runs once per
// connection after the standard pragmas.
package sqlitepool
