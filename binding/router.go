// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package binding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrNoBinding reports an adapter with no stored binding.
var ErrNoBinding = errors.New("no binding for adapter")

// Launcher creates an agent session for a binding and returns its
// session ID. Implemented by the session backend; the router never
// cares what a session is, only that launching one is expensive
// enough to deduplicate.
type Launcher interface {
	Launch(ctx context.Context, b Binding, externalKey string) (string, error)
}

// Router resolves inbound adapter messages to agent sessions,
// launching sessions on demand. Concurrent requests for the same
// routing key collapse into a single Launch call; a failed launch is
// reported to every collapsed caller and leaves no state behind, so
// the next request retries cleanly. Only successful launches are
// cached.
type Router struct {
	store    *Store
	launcher Launcher
	logger   *slog.Logger

	group singleflight.Group

	mu       sync.Mutex
	sessions map[string]string
}

// NewRouter builds a router over store. Launches go through launcher.
func NewRouter(store *Store, launcher Launcher, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Router{
		store:    store,
		launcher: launcher,
		logger:   logger,
		sessions: make(map[string]string),
	}
}

// Route returns the agent session for a message arriving on adapterID
// with the given external conversation key, launching one if needed.
// When several bindings exist for the adapter, the most recently
// updated wins.
//
// Callers that collapse into an in-flight launch share the first
// caller's context: cancelling a follower does not abort the launch.
func (r *Router) Route(ctx context.Context, adapterID, externalKey string) (string, error) {
	candidates := r.store.FindByAdapter(adapterID)
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoBinding, adapterID)
	}
	b := candidates[0]
	key := routingKey(b, externalKey)

	r.mu.Lock()
	sessionID, ok := r.sessions[key]
	r.mu.Unlock()
	if ok {
		return sessionID, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		// A completed launch may have landed between the cache miss
		// and this call winning the flight.
		r.mu.Lock()
		sessionID, ok := r.sessions[key]
		r.mu.Unlock()
		if ok {
			return sessionID, nil
		}

		sessionID, launchErr := r.launcher.Launch(ctx, b, externalKey)
		if launchErr != nil {
			return nil, fmt.Errorf("launching session for adapter %s: %w", adapterID, launchErr)
		}

		r.mu.Lock()
		r.sessions[key] = sessionID
		r.mu.Unlock()
		r.logger.Info("session launched",
			"adapter", adapterID,
			"agent", b.AgentID,
			"strategy", b.SessionStrategy,
			"session", sessionID)
		return sessionID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate evicts every routing key resolved to sessionID. The next
// message for those keys launches a fresh session.
func (r *Router) Invalidate(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, key)
		}
	}
}

// Sessions returns the number of cached live sessions.
func (r *Router) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// routingKey derives the session cache key. Shared strategy keys on
// the adapter alone; per-chat separates conversations with a NUL, a
// byte no adapter ID or chat key carries.
func routingKey(b Binding, externalKey string) string {
	if b.SessionStrategy == StrategyShared {
		return b.AdapterID
	}
	return b.AdapterID + "\x00" + externalKey
}
