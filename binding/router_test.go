// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package binding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relay-foundation/relay/lib/testutil"
)

// fakeLauncher counts launches and can fail the first N calls or
// block until released.
type fakeLauncher struct {
	block   chan struct{}
	entered chan struct{}

	mu          sync.Mutex
	calls       int
	failures    int
	lastBinding Binding
	lastKey     string
}

func (l *fakeLauncher) Launch(ctx context.Context, b Binding, externalKey string) (string, error) {
	if l.entered != nil {
		l.entered <- struct{}{}
	}
	if l.block != nil {
		<-l.block
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	l.lastBinding = b
	l.lastKey = externalKey
	if l.failures > 0 {
		l.failures--
		return "", errors.New("backend unavailable")
	}
	return fmt.Sprintf("sess-%d", l.calls), nil
}

func (l *fakeLauncher) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func TestRouteLaunchesOncePerKey(t *testing.T) {
	store, _, _ := testStore(t)
	launcher := &fakeLauncher{}
	router := NewRouter(store, launcher, nil)
	if _, err := store.Put(testBinding("slack")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ctx := context.Background()
	first, err := router.Route(ctx, "slack", "chat-1")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	second, err := router.Route(ctx, "slack", "chat-1")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if first != second {
		t.Errorf("repeat route got %q, want cached %q", second, first)
	}
	if n := launcher.callCount(); n != 1 {
		t.Errorf("launch calls = %d, want 1", n)
	}
	if n := router.Sessions(); n != 1 {
		t.Errorf("Sessions = %d, want 1", n)
	}
}

func TestRoutePerChatSeparatesConversations(t *testing.T) {
	store, _, _ := testStore(t)
	launcher := &fakeLauncher{}
	router := NewRouter(store, launcher, nil)
	if _, err := store.Put(testBinding("slack")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ctx := context.Background()
	first, err := router.Route(ctx, "slack", "chat-1")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	second, err := router.Route(ctx, "slack", "chat-2")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if first == second {
		t.Errorf("distinct conversations share session %q", first)
	}
	if n := launcher.callCount(); n != 2 {
		t.Errorf("launch calls = %d, want 2", n)
	}
}

func TestRouteSharedStrategyOneSession(t *testing.T) {
	store, _, _ := testStore(t)
	launcher := &fakeLauncher{}
	router := NewRouter(store, launcher, nil)
	shared := testBinding("email")
	shared.SessionStrategy = StrategyShared
	if _, err := store.Put(shared); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ctx := context.Background()
	first, err := router.Route(ctx, "email", "thread-1")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	second, err := router.Route(ctx, "email", "thread-2")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if first != second {
		t.Errorf("shared strategy produced %q and %q, want one session", first, second)
	}
	if n := launcher.callCount(); n != 1 {
		t.Errorf("launch calls = %d, want 1", n)
	}
}

func TestRouteNoBinding(t *testing.T) {
	store, _, _ := testStore(t)
	router := NewRouter(store, &fakeLauncher{}, nil)

	_, err := router.Route(context.Background(), "discord", "chat-1")
	if !errors.Is(err, ErrNoBinding) {
		t.Fatalf("Route = %v, want ErrNoBinding", err)
	}
}

func TestRoutePrefersNewestBinding(t *testing.T) {
	store, fake, _ := testStore(t)
	launcher := &fakeLauncher{}
	router := NewRouter(store, launcher, nil)

	old := testBinding("slack")
	old.AgentID = "agent-old"
	if _, err := store.Put(old); err != nil {
		t.Fatalf("Put: %v", err)
	}
	fake.Advance(time.Minute)
	newer := testBinding("slack")
	newer.AgentID = "agent-new"
	if _, err := store.Put(newer); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := router.Route(context.Background(), "slack", "chat-1"); err != nil {
		t.Fatalf("Route: %v", err)
	}
	launcher.mu.Lock()
	agent := launcher.lastBinding.AgentID
	launcher.mu.Unlock()
	if agent != "agent-new" {
		t.Errorf("routed to %q, want the most recently updated binding", agent)
	}
}

func TestRouteCollapsesConcurrentLaunches(t *testing.T) {
	store, _, _ := testStore(t)
	launcher := &fakeLauncher{
		block:   make(chan struct{}),
		entered: make(chan struct{}, 16),
	}
	router := NewRouter(store, launcher, nil)
	if _, err := store.Put(testBinding("slack")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	const callers = 10
	results := make(chan string, callers)
	for i := 0; i < callers; i++ {
		go func() {
			s, err := router.Route(context.Background(), "slack", "chat-1")
			if err != nil {
				t.Errorf("Route: %v", err)
				results <- ""
				return
			}
			results <- s
		}()
	}

	// Hold the launch open until at least one caller reaches it, so
	// the rest pile into the same flight (or hit the cache after).
	testutil.RequireReceive(t, launcher.entered, 5*time.Second, "first launch entry")
	close(launcher.block)

	first := testutil.RequireReceive(t, results, 5*time.Second, "route result")
	for i := 1; i < callers; i++ {
		got := testutil.RequireReceive(t, results, 5*time.Second, "route result %d", i)
		if got != first {
			t.Errorf("caller %d got %q, want %q", i, got, first)
		}
	}
	if n := launcher.callCount(); n != 1 {
		t.Errorf("launch calls = %d, want 1", n)
	}
}

func TestRouteFailedLaunchRetriesCleanly(t *testing.T) {
	store, _, _ := testStore(t)
	launcher := &fakeLauncher{failures: 1}
	router := NewRouter(store, launcher, nil)
	if _, err := store.Put(testBinding("slack")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ctx := context.Background()
	_, err := router.Route(ctx, "slack", "chat-1")
	if err == nil {
		t.Fatal("Route succeeded, want launch failure")
	}
	if !strings.Contains(err.Error(), "launching session") {
		t.Errorf("error = %v, want launch context", err)
	}
	if n := router.Sessions(); n != 0 {
		t.Errorf("failed launch left %d cached sessions", n)
	}

	session, err := router.Route(ctx, "slack", "chat-1")
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if session == "" {
		t.Error("retry returned empty session")
	}
	if n := launcher.callCount(); n != 2 {
		t.Errorf("launch calls = %d, want 2 (fail then retry)", n)
	}
}

func TestInvalidateEvictsSession(t *testing.T) {
	store, _, _ := testStore(t)
	launcher := &fakeLauncher{}
	router := NewRouter(store, launcher, nil)
	if _, err := store.Put(testBinding("slack")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ctx := context.Background()
	first, err := router.Route(ctx, "slack", "chat-1")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}

	router.Invalidate("sess-unknown")
	if n := router.Sessions(); n != 1 {
		t.Errorf("Invalidate of unknown session evicted %d entries", 1-n)
	}

	router.Invalidate(first)
	if n := router.Sessions(); n != 0 {
		t.Errorf("Sessions after Invalidate = %d, want 0", n)
	}

	second, err := router.Route(ctx, "slack", "chat-1")
	if err != nil {
		t.Fatalf("Route after Invalidate: %v", err)
	}
	if second == first {
		t.Errorf("route after Invalidate reused dead session %q", first)
	}
	if n := launcher.callCount(); n != 2 {
		t.Errorf("launch calls = %d, want 2", n)
	}
}
