// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package maildir implements Relay's durable mailbox: a directory
// holding message files in the maildir convention, with four
// subdirectories forming a state machine.
//
//	tmp/     write in progress, never visible to readers
//	new/     delivered, waiting for a consumer
//	cur/     claimed by a consumer
//	failed/  handler gave up on it
//
// Every transition is a single atomic rename on one filesystem, so a
// reader can never observe a partially written message and two
// concurrent readers can never both claim one. Losing a race for a
// rename surfaces as ErrNotFound, which callers treat as "someone
// else got there first", not as a fault.
//
// Files are named after their envelope's ULID, so the lexicographic
// directory order that List returns is creation order. Deliver applies
// the full durability discipline: exclusive create under tmp/, fsync
// the file, rename into new/, fsync the directory.
package maildir
