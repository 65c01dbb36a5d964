// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package binding maps external adapter conversations onto agent
// sessions. A Binding is the persisted rule ("messages from this
// adapter go to this agent"); the Store keeps the rules in a JSON file
// that operators may hand-edit while the daemon runs; the Router
// applies them, creating agent sessions on demand.
//
// The bindings file is shared state: this process writes it and other
// processes (or an editor) may too. Every write embeds a generation
// counter and goes through an atomic rename, so a reader never sees a
// torn file and a reloader can tell its own writes from foreign ones.
package binding

import (
	"fmt"
	"time"
)

// Strategy picks how external conversations map to agent sessions.
type Strategy string

const (
	// StrategyPerChat creates one agent session per external
	// conversation key.
	StrategyPerChat Strategy = "per-chat"

	// StrategyShared funnels every conversation on the adapter into a
	// single session.
	StrategyShared Strategy = "shared"
)

// Binding is one adapter-to-agent routing rule.
type Binding struct {
	// ID is a UUID assigned on first save.
	ID string `json:"id"`

	// AdapterID names the external transport (a Slack workspace, an
	// email poller). Routing looks bindings up by this field.
	AdapterID string `json:"adapter_id"`

	// AgentID names the agent that handles matched conversations.
	AgentID string `json:"agent_id"`

	// ProjectPath scopes the agent session to a working directory.
	ProjectPath string `json:"project_path,omitempty"`

	// SessionStrategy is per-chat or shared.
	SessionStrategy Strategy `json:"session_strategy"`

	// Label is a free-form operator note.
	Label string `json:"label,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the fields a routing decision depends on.
func (b Binding) Validate() error {
	if b.AdapterID == "" {
		return fmt.Errorf("binding %q: adapter_id is required", b.ID)
	}
	if b.AgentID == "" {
		return fmt.Errorf("binding %q: agent_id is required", b.ID)
	}
	switch b.SessionStrategy {
	case StrategyPerChat, StrategyShared:
		return nil
	default:
		return fmt.Errorf("binding %q: session_strategy %q is not per-chat or shared", b.ID, b.SessionStrategy)
	}
}
