// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package msgindex maintains the derived SQLite index over delivered
// messages.
//
// The index exists for range and cursor queries ("messages for this
// endpoint after that ID"); the maildirs remain the source of truth.
// Nothing in the delivery path depends on the index being intact:
// inserts are best-effort from the pipeline's point of view, and a
// lost or corrupted database is recovered with Rebuild, which
// re-derives every row from the mailbox directories. Rebuilding
// never invents or loses a message, because it only restates what
// the maildirs already hold.
package msgindex
