// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"strings"

	"github.com/relay-foundation/relay/maildir"
)

// Owner identifies who registered an endpoint. The namespace is the
// target side of access checks for deliveries to this endpoint.
type Owner struct {
	ID        string `json:"id" yaml:"id"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// Endpoint binds a subject pattern to a mailbox. Endpoints are
// created by Registry.Register and are valid for the lifetime of the
// registry that made them.
type Endpoint struct {
	// Pattern is the subject pattern this endpoint receives. It is
	// the endpoint's identity within a registry.
	Pattern string

	// Owner is the registering party.
	Owner Owner

	store *maildir.Store
}

// Mailbox exposes the endpoint's message store.
func (e Endpoint) Mailbox() *maildir.Store { return e.store }

// Wildcard characters are the only pattern characters outside
// [A-Za-z0-9_.-], so encoding just those keeps directory names unique
// and legible.
var mailboxDirEncoder = strings.NewReplacer("*", "%2A", ">", "%3E")

// mailboxDirName renders a validated pattern as a filesystem-safe
// mailbox directory name.
func mailboxDirName(pattern string) string {
	return mailboxDirEncoder.Replace(pattern)
}
