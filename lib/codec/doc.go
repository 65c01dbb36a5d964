// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is Relay's canonical CBOR encoding.
//
// Message envelopes on disk and dead-letter records are CBOR encoded
// with Core Deterministic Encoding (RFC 8949 §4.2): sorted map keys,
// smallest-form integers, no indefinite-length items. The same logical
// value always produces identical bytes, so a mailbox file can be
// verified by re-encoding what was decoded from it.
//
// All Relay code encodes through this package rather than importing
// fxamacker/cbor directly, so the encoder options stay in one place.
package codec
