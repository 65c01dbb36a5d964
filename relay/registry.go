// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/relay-foundation/relay/maildir"
	"github.com/relay-foundation/relay/subject"
)

var (
	// ErrDuplicateEndpoint is returned by Register for a pattern that
	// is already registered.
	ErrDuplicateEndpoint = errors.New("endpoint pattern already registered")

	// ErrUnknownEndpoint is returned for operations on a pattern that
	// is not registered.
	ErrUnknownEndpoint = errors.New("endpoint pattern not registered")
)

// Registry maps subject patterns to mailboxes. Lookup is a linear
// scan over the registered patterns, which is fine at the expected
// scale of tens to low hundreds of endpoints.
type Registry struct {
	root       string
	maxPending int
	logger     *slog.Logger

	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

// NewRegistry creates a registry whose mailboxes live under root, one
// directory per endpoint, each capped at maxPending pending messages.
func NewRegistry(root string, maxPending int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		root:       root,
		maxPending: maxPending,
		logger:     logger,
		endpoints:  make(map[string]Endpoint),
	}
}

// Register validates the pattern, creates (or reopens) the endpoint's
// mailbox, and adds it to the registry. Each pattern gets its own
// mailbox directory, never shared.
func (r *Registry) Register(pattern string, owner Owner) (Endpoint, error) {
	if err := subject.ValidatePattern(pattern); err != nil {
		return Endpoint{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.endpoints[pattern]; exists {
		return Endpoint{}, fmt.Errorf("relay: register %s: %w", pattern, ErrDuplicateEndpoint)
	}

	store, err := maildir.Init(filepath.Join(r.root, mailboxDirName(pattern)), r.maxPending)
	if err != nil {
		return Endpoint{}, fmt.Errorf("relay: register %s: %w", pattern, err)
	}

	endpoint := Endpoint{Pattern: pattern, Owner: owner, store: store}
	r.endpoints[pattern] = endpoint
	r.logger.Info("endpoint registered",
		"pattern", pattern,
		"owner", owner.Namespace+"/"+owner.ID,
		"mailbox", store.Root(),
	)
	return endpoint, nil
}

// Unregister removes the pattern from the registry. The mailbox
// directory and any messages in it stay on disk; a later Register of
// the same pattern reopens them.
func (r *Registry) Unregister(pattern string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.endpoints[pattern]; !exists {
		return fmt.Errorf("relay: unregister %s: %w", pattern, ErrUnknownEndpoint)
	}
	delete(r.endpoints, pattern)
	r.logger.Info("endpoint unregistered", "pattern", pattern)
	return nil
}

// Get returns the endpoint registered under pattern.
func (r *Registry) Get(pattern string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	endpoint, ok := r.endpoints[pattern]
	return endpoint, ok
}

// ResolveMatches returns every endpoint whose pattern overlaps the
// subject, ordered by pattern so fan-out order is deterministic. The
// overlap runs both ways: a literal subject reaches pattern endpoints,
// and a wildcard subject reaches the literal endpoints it covers.
func (r *Registry) ResolveMatches(subj string) []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []Endpoint
	for pattern, endpoint := range r.endpoints {
		if subject.Overlaps(subj, pattern) {
			matches = append(matches, endpoint)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Pattern < matches[j].Pattern
	})
	return matches
}

// Endpoints returns all registered endpoints ordered by pattern.
func (r *Registry) Endpoints() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	endpoints := make([]Endpoint, 0, len(r.endpoints))
	for _, endpoint := range r.endpoints {
		endpoints = append(endpoints, endpoint)
	}
	sort.Slice(endpoints, func(i, j int) bool {
		return endpoints[i].Pattern < endpoints[j].Pattern
	})
	return endpoints
}

// Mailboxes returns pattern to mailbox-root for every registered
// endpoint, in the shape the index rebuild wants.
func (r *Registry) Mailboxes() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mailboxes := make(map[string]string, len(r.endpoints))
	for pattern, endpoint := range r.endpoints {
		mailboxes[pattern] = endpoint.store.Root()
	}
	return mailboxes
}
