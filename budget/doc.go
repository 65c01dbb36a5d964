// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package budget enforces propagation limits on envelopes before
// dispatch.
//
// Each envelope carries its own budget: an absolute deadline, a hop
// ceiling, the chain of ancestor message IDs, and an hourly call
// allowance for its sender. The Enforcer evaluates those fields in a
// fixed order (TTL, hops, cycle, rate) and reports the first failure
// as a *Denial. The rate check is the only stateful one: admissions
// are recorded in a per-sender sliding window driven by the injected
// clock, so tests control time explicitly.
package budget
