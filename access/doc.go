// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package access evaluates namespace-pair delivery policy.
//
// Rules are directional: a rule for source "untrusted" to target
// "main" says nothing about traffic from "main" to "untrusted". The
// default is allow; a matching deny rule always wins, regardless of
// rule order and of any matching allow rules. Allow rules exist so an
// operator can state intent explicitly next to the denies; they never
// override a deny.
//
// "*" in a rule's source or target matches any namespace.
package access
