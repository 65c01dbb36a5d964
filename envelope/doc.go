// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package envelope defines the message envelope: the unit carried by
// mailboxes, indexed by the message index, and recorded by the
// dead-letter queue.
//
// Envelopes are identified by ULIDs, so identifier order is creation
// order (millisecond precision, monotonic within a millisecond) and
// the mailbox files named after them sort chronologically. The payload
// is opaque CBOR; the bus never inspects what agents say to each
// other.
//
// The Budget attached to each envelope bounds message propagation:
// hop count, absolute expiry deadline, the ancestor chain used for
// cycle detection, and a per-sender hourly call allowance. ReplyBudget
// derives the budget for a follow-up message, consuming one hop and
// extending the chain.
package envelope
