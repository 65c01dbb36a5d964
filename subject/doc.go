// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package subject implements Relay's dot-delimited subject grammar and
// pattern matching.
//
// A subject is 1 to 16 tokens of [A-Za-z0-9_-]+ joined by dots:
// "relay.agent.backend". Patterns use the same grammar plus two
// wildcards: "*" matches exactly one token in its position, and ">"
// matches one or more trailing tokens and may only appear in the final
// position. "relay.*.status" matches "relay.backend.status" but not
// "relay.status" or "relay.a.b.status"; "relay.>" matches every
// subject under "relay." but not "relay" itself.
//
// Matching is case-sensitive and exact per token. A pattern with no
// wildcards is a valid literal and matches only itself, which is how
// endpoints register exact subjects.
package subject
