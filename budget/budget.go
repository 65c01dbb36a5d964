// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package budget

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relay-foundation/relay/envelope"
	"github.com/relay-foundation/relay/lib/clock"
)

// RateWindow is the span of the per-sender sliding call window.
const RateWindow = time.Hour

// Reason identifies which budget check failed.
type Reason string

const (
	ReasonTTLExpired  Reason = "ttl_expired"
	ReasonHopLimit    Reason = "hop_limit"
	ReasonCycle       Reason = "cycle"
	ReasonRateLimited Reason = "rate_limited"
)

// ErrExceeded is the sentinel for every budget denial. Callers that
// need the reason unwrap to *Denial.
var ErrExceeded = errors.New("budget exceeded")

// Denial reports which check rejected the envelope and why.
type Denial struct {
	Reason Reason
	Detail string
}

func (d *Denial) Error() string {
	return fmt.Sprintf("budget exceeded (%s): %s", d.Reason, d.Detail)
}

// Is makes errors.Is(err, ErrExceeded) succeed for every denial.
func (d *Denial) Is(target error) bool {
	return target == ErrExceeded
}

// Enforcer evaluates envelope budgets. Zero-valued budget fields mean
// "unlimited" for their check; the cycle check always runs.
//
// The rate window records every admitted envelope, whether or not it
// carried a rate limit, so a later envelope that does carry one sees
// the sender's full recent activity.
type Enforcer struct {
	clk clock.Clock

	mu    sync.Mutex
	calls map[string][]time.Time // sender identity -> admissions, oldest first
}

// NewEnforcer builds an enforcer over the given clock.
func NewEnforcer(clk clock.Clock) *Enforcer {
	return &Enforcer{
		clk:   clk,
		calls: make(map[string][]time.Time),
	}
}

// Check evaluates the envelope's budget and either admits it (nil,
// recording the admission in the sender's rate window) or returns a
// *Denial for the first failing check. The order is fixed: TTL, hop
// limit, cycle, rate.
func (e *Enforcer) Check(env *envelope.Envelope) error {
	now := e.clk.Now()

	if env.Budget.Expired(now) {
		return &Denial{
			Reason: ReasonTTLExpired,
			Detail: fmt.Sprintf("deadline %s passed (now %s)",
				env.Budget.Deadline().UTC().Format(time.RFC3339Nano),
				now.UTC().Format(time.RFC3339Nano)),
		}
	}

	if env.Budget.MaxHops > 0 && env.Budget.HopsUsed >= env.Budget.MaxHops {
		return &Denial{
			Reason: ReasonHopLimit,
			Detail: fmt.Sprintf("%d hops used of %d allowed", env.Budget.HopsUsed, env.Budget.MaxHops),
		}
	}

	for _, ancestor := range env.Budget.AncestorChain {
		if ancestor == env.ID {
			return &Denial{
				Reason: ReasonCycle,
				Detail: fmt.Sprintf("message %s is its own ancestor", env.ID),
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sender := env.Sender.String()
	window := pruneWindow(e.calls[sender], now)
	if env.Budget.MaxCallsPerHour > 0 && len(window) >= env.Budget.MaxCallsPerHour {
		e.calls[sender] = window
		return &Denial{
			Reason: ReasonRateLimited,
			Detail: fmt.Sprintf("sender %s made %d calls in the last hour (limit %d)",
				sender, len(window), env.Budget.MaxCallsPerHour),
		}
	}
	e.calls[sender] = append(window, now)
	return nil
}

// Prune drops senders whose windows have emptied. Check prunes the
// active sender's window on its own; this sweeps the idle ones.
func (e *Enforcer) Prune() {
	now := e.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for sender, window := range e.calls {
		window = pruneWindow(window, now)
		if len(window) == 0 {
			delete(e.calls, sender)
			continue
		}
		e.calls[sender] = window
	}
}

// Senders reports how many senders currently have a non-empty rate
// window. Diagnostics only.
func (e *Enforcer) Senders() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// pruneWindow discards admissions that fell out of the sliding
// window. Entries are oldest-first, so the survivors are a suffix.
func pruneWindow(window []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-RateWindow)
	keep := 0
	for keep < len(window) && !window[keep].After(cutoff) {
		keep++
	}
	if keep == 0 {
		return window
	}
	return append(window[:0], window[keep:]...)
}
