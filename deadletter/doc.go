// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package deadletter retains messages that could not be delivered.
//
// The queue is append-only: entries are written once, never mutated,
// never removed by Relay itself. Each entry records the envelope, the
// endpoint it was bound for, the failure reason, and when it failed.
// Payloads above a size threshold are stored zstd-compressed and
// transparently decompressed on read.
//
// A dead letter is terminal for the bus. Replaying one is an operator
// decision made outside this package, which is why entries keep the
// complete original envelope.
package deadletter
