// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package access

import (
	"errors"
	"fmt"
)

// Action states what a matching rule does to the delivery.
type Action string

const (
	// ActionAllow permits delivery. Under the default-allow policy an
	// allow rule is documentation of intent; it never overrides a deny.
	ActionAllow Action = "allow"

	// ActionDeny blocks delivery for the matching pair.
	ActionDeny Action = "deny"
)

// Valid reports whether the action is one of the defined values.
func (a Action) Valid() bool {
	return a == ActionAllow || a == ActionDeny
}

// Wildcard matches any namespace when used as a rule's source or
// target.
const Wildcard = "*"

// Rule is one directional policy entry: traffic from a sender in the
// Source namespace to an endpoint owned by the Target namespace.
type Rule struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	Action Action `json:"action" yaml:"action"`
}

func (r Rule) String() string {
	return fmt.Sprintf("%s %s -> %s", r.Action, r.Source, r.Target)
}

// matches reports whether the rule applies to the given pair.
func (r Rule) matches(source, target string) bool {
	if r.Source != Wildcard && r.Source != source {
		return false
	}
	return r.Target == Wildcard || r.Target == target
}

// ErrDenied is the sentinel for every access denial. Callers that
// need the matched rule unwrap to *DeniedError.
var ErrDenied = errors.New("access denied")

// DeniedError reports which rule blocked which pair.
type DeniedError struct {
	Source string
	Target string
	Rule   Rule
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("access denied: %s -> %s (rule %q)", e.Source, e.Target, e.Rule)
}

// Is makes errors.Is(err, ErrDenied) succeed for every denial.
func (e *DeniedError) Is(target error) bool {
	return target == ErrDenied
}

// Controller holds a fixed rule set and answers pair queries. The
// rule set is immutable after construction; replacing policy means
// building a new Controller.
type Controller struct {
	rules []Rule
}

// NewController validates the rule set and builds a controller over
// it. A nil or empty slice is valid and yields allow-everything.
func NewController(rules []Rule) (*Controller, error) {
	for i, r := range rules {
		if r.Source == "" {
			return nil, fmt.Errorf("access rule %d: empty source", i)
		}
		if r.Target == "" {
			return nil, fmt.Errorf("access rule %d: empty target", i)
		}
		if !r.Action.Valid() {
			return nil, fmt.Errorf("access rule %d: unknown action %q", i, r.Action)
		}
	}
	c := &Controller{rules: make([]Rule, len(rules))}
	copy(c.rules, rules)
	return c, nil
}

// Check evaluates delivery from a sender in the source namespace to
// an endpoint owned by the target namespace. It returns nil when the
// delivery is permitted and a *DeniedError otherwise.
//
// Evaluation is order-independent: any matching deny blocks the pair
// even when an allow rule also matches.
func (c *Controller) Check(source, target string) error {
	for _, r := range c.rules {
		if r.Action != ActionDeny {
			continue
		}
		if r.matches(source, target) {
			return &DeniedError{Source: source, Target: target, Rule: r}
		}
	}
	return nil
}

// Rules returns a copy of the rule set for diagnostics.
func (c *Controller) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}
