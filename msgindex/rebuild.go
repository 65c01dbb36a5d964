// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package msgindex

import (
	"context"
	"fmt"
	"path/filepath"

	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/relay-foundation/relay/maildir"
)

// RebuildStats reports what a Rebuild found.
type RebuildStats struct {
	// Mailboxes is the number of mailboxes scanned.
	Mailboxes int

	// Indexed is the number of message files re-inserted.
	Indexed int

	// Skipped is the number of files that would not decode. Skipped
	// files are logged and left in place; they never abort the
	// rebuild.
	Skipped int
}

// Rebuild wipes the index and re-derives it from the given mailboxes
// (endpoint pattern -> mailbox root). Every message file in new/,
// cur/, and failed/ is decoded and re-inserted; the primary key
// de-duplicates, so rebuilding twice yields the same rows.
//
// The original delivery timestamp is not recoverable from the
// maildir, so rebuilt rows carry the envelope's creation time as
// their delivery time.
//
// The wipe and the re-inserts run in one transaction: a failed
// rebuild rolls back and leaves the previous index intact. The error
// return is named so the deferred transaction close observes it.
func (x *Index) Rebuild(ctx context.Context, mailboxes map[string]string) (stats RebuildStats, err error) {
	conn, err := x.pool.Take(ctx)
	if err != nil {
		return RebuildStats{}, fmt.Errorf("msgindex: rebuild: %w", err)
	}
	defer x.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return RebuildStats{}, fmt.Errorf("msgindex: rebuild: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	if err = sqlitex.Execute(conn, "DELETE FROM messages", nil); err != nil {
		return RebuildStats{}, fmt.Errorf("msgindex: rebuild: wipe: %w", err)
	}

	for endpoint, root := range mailboxes {
		stats.Mailboxes++

		store, initErr := maildir.Init(root, 0)
		if initErr != nil {
			return stats, fmt.Errorf("msgindex: rebuild %s: %w", endpoint, initErr)
		}

		for _, dir := range []string{maildir.DirNew, maildir.DirCur, maildir.DirFailed} {
			paths, listErr := store.List(dir)
			if listErr != nil {
				return stats, fmt.Errorf("msgindex: rebuild %s: %w", endpoint, listErr)
			}
			for _, path := range paths {
				env, readErr := store.Read(path)
				if readErr != nil {
					stats.Skipped++
					x.logger.Warn("rebuild: skipping undecodable message file",
						"path", path,
						"error", readErr,
					)
					continue
				}
				rec := Record{
					Endpoint:      endpoint,
					ID:            env.ID.String(),
					Subject:       env.Subject,
					Sender:        env.Sender.String(),
					MailboxPath:   root,
					MessageFile:   filepath.Base(path),
					CreatedAtMS:   env.CreatedAtMS,
					DeliveredAtMS: env.CreatedAtMS,
				}
				if err = insertRecord(conn, rec); err != nil {
					return stats, err
				}
				stats.Indexed++
			}
		}
	}

	x.logger.Info("index rebuilt",
		"mailboxes", stats.Mailboxes,
		"indexed", stats.Indexed,
		"skipped", stats.Skipped,
	)
	return stats, nil
}
