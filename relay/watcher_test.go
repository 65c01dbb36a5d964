// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/relay-foundation/relay/envelope"
	"github.com/relay-foundation/relay/lib/clock"
	"github.com/relay-foundation/relay/lib/testutil"
	"github.com/relay-foundation/relay/maildir"
)

// deliverForeign writes an envelope into the endpoint's mailbox
// through a separate store handle, the way another process would:
// no pipeline, no dedup marker.
func deliverForeign(t *testing.T, endpoint Endpoint, fake *clock.Fake) (*envelope.Envelope, string) {
	t.Helper()
	store, err := maildir.Init(endpoint.Mailbox().Root(), 100)
	if err != nil {
		t.Fatalf("maildir.Init: %v", err)
	}
	env, err := envelope.New(fake, "relay.task.created", []byte(`{}`),
		envelope.Identity{ID: "outsider", Namespace: "main"}, envelope.Budget{})
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	path, err := store.Deliver(env)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	fake.Advance(time.Millisecond)
	return env, path
}

func TestWatcherDispatchesForeignFile(t *testing.T) {
	fake := clock.NewFake(epoch)
	core := newTestCore(t, CoreConfig{Clock: fake})

	endpoint, err := core.RegisterEndpoint("relay.task.>", Owner{ID: "svc", Namespace: "main"})
	if err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}

	deliveries := make(chan Delivery, 1)
	if _, err := core.Subscribe("relay.>", func(d Delivery) error {
		deliveries <- d
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := core.StartWatcher(context.Background()); err != nil {
		t.Fatalf("StartWatcher: %v", err)
	}

	env, _ := deliverForeign(t, endpoint, fake)

	got := testutil.RequireReceive(t, deliveries, 5*time.Second, "foreign file dispatch")
	if got.Envelope.ID != env.ID {
		t.Errorf("dispatched ID = %s, want %s", got.Envelope.ID, env.ID)
	}
	if got.Endpoint != "relay.task.>" {
		t.Errorf("dispatched endpoint = %q, want %q", got.Endpoint, "relay.task.>")
	}

	// The watcher claimed the file before dispatching it.
	if filepath.Dir(got.Path) != endpoint.Mailbox().Dir(maildir.DirCur) {
		t.Errorf("dispatched path %s is not under cur/", got.Path)
	}
	if got.Envelope.Status != envelope.StatusCur {
		t.Errorf("dispatched status = %q, want %q", got.Envelope.Status, envelope.StatusCur)
	}
}

func TestWatcherSkipsPipelineDeliveries(t *testing.T) {
	ctx := context.Background()
	core := newTestCore(t, CoreConfig{})

	endpoint, err := core.RegisterEndpoint("relay.task.>", Owner{ID: "svc", Namespace: "main"})
	if err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}

	calls := 0
	if _, err := core.Subscribe("relay.>", func(Delivery) error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if _, err := core.Publish(ctx, publishRequest("relay.task.created")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if calls != 1 {
		t.Fatalf("publish dispatched %d times, want 1", calls)
	}

	paths, err := endpoint.Mailbox().List(maildir.DirNew)
	if err != nil || len(paths) != 1 {
		t.Fatalf("List = %v, %v; want the delivered file", paths, err)
	}

	// The watcher observing the same file consumes the marker and
	// leaves it alone.
	watcher, err := newWatcher(core.dedup, core.subs, core.logger)
	if err != nil {
		t.Fatalf("newWatcher: %v", err)
	}
	defer watcher.Close()

	if dispatched := watcher.handleFile(endpoint, paths[0]); dispatched {
		t.Error("watcher dispatched a pipeline-delivered file")
	}
	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
	if pending, _ := endpoint.Mailbox().Pending(); pending != 1 {
		t.Errorf("file left new/ after skip: pending = %d, want 1", pending)
	}
	// The marker is single-use: it was consumed by the skip.
	if core.dedup.Consume(paths[0]) {
		t.Error("dedup marker survived the watcher's consume")
	}
}

func TestWatcherFailsMessageOnHandlerError(t *testing.T) {
	fake := clock.NewFake(epoch)
	core := newTestCore(t, CoreConfig{Clock: fake})

	endpoint, err := core.RegisterEndpoint("relay.task.>", Owner{ID: "svc", Namespace: "main"})
	if err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}
	if _, err := core.Subscribe("relay.>", func(Delivery) error {
		return errors.New("cannot process this")
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	_, path := deliverForeign(t, endpoint, fake)

	watcher, err := newWatcher(core.dedup, core.subs, core.logger)
	if err != nil {
		t.Fatalf("newWatcher: %v", err)
	}
	defer watcher.Close()

	if dispatched := watcher.handleFile(endpoint, path); !dispatched {
		t.Fatal("handleFile = false, want a dispatch")
	}

	failed, err := endpoint.Mailbox().List(maildir.DirFailed)
	if err != nil || len(failed) != 1 {
		t.Fatalf("failed/ = %v, %v; want the message", failed, err)
	}
	if reason := endpoint.Mailbox().FailureReason(failed[0]); !strings.Contains(reason, "cannot process this") {
		t.Errorf("failure reason = %q, want the handler error", reason)
	}
	if pending, _ := endpoint.Mailbox().Pending(); pending != 0 {
		t.Errorf("pending = %d, want 0", pending)
	}
}

func TestWatcherFailsUndecodableFile(t *testing.T) {
	core := newTestCore(t, CoreConfig{})

	endpoint, err := core.RegisterEndpoint("relay.task.>", Owner{ID: "svc", Namespace: "main"})
	if err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}

	garbage := filepath.Join(endpoint.Mailbox().Dir(maildir.DirNew), "01ARZ3NDEKTSV4RRFFQ69G5FAV.cbor")
	if err := os.WriteFile(garbage, []byte("not a message"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	watcher, err := newWatcher(core.dedup, core.subs, core.logger)
	if err != nil {
		t.Fatalf("newWatcher: %v", err)
	}
	defer watcher.Close()

	if dispatched := watcher.handleFile(endpoint, garbage); dispatched {
		t.Error("handleFile dispatched an undecodable file")
	}

	failed, err := endpoint.Mailbox().List(maildir.DirFailed)
	if err != nil || len(failed) != 1 {
		t.Fatalf("failed/ = %v, %v; want the quarantined file", failed, err)
	}
	if reason := endpoint.Mailbox().FailureReason(failed[0]); !strings.Contains(reason, "undecodable") {
		t.Errorf("failure reason = %q, want undecodable", reason)
	}
}

func TestScanDispatchesBacklog(t *testing.T) {
	fake := clock.NewFake(epoch)
	core := newTestCore(t, CoreConfig{Clock: fake})

	endpoint, err := core.RegisterEndpoint("relay.task.>", Owner{ID: "svc", Namespace: "main"})
	if err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}

	var got []Delivery
	if _, err := core.Subscribe("relay.>", func(d Delivery) error {
		got = append(got, d)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Two foreign messages and one pipeline-marked one, all sitting in
	// new/ before any watcher exists.
	envA, _ := deliverForeign(t, endpoint, fake)
	envB, _ := deliverForeign(t, endpoint, fake)
	receipt, err := core.Publish(context.Background(), publishRequest("relay.task.created"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got = nil // drop the synchronous publish dispatch

	watcher, err := newWatcher(core.dedup, core.subs, core.logger)
	if err != nil {
		t.Fatalf("newWatcher: %v", err)
	}
	defer watcher.Close()
	if err := watcher.Watch(endpoint); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if dispatched := watcher.Scan(); dispatched != 2 {
		t.Errorf("Scan dispatched %d, want 2 (the marked file is skipped)", dispatched)
	}
	if len(got) != 2 {
		t.Fatalf("handler saw %d deliveries, want 2", len(got))
	}
	if got[0].Envelope.ID != envA.ID || got[1].Envelope.ID != envB.ID {
		t.Errorf("scan order = [%s, %s], want [%s, %s]",
			got[0].Envelope.ID, got[1].Envelope.ID, envA.ID, envB.ID)
	}

	// The pipeline's message is still pending for its consumer.
	paths, err := endpoint.Mailbox().List(maildir.DirNew)
	if err != nil || len(paths) != 1 {
		t.Fatalf("new/ = %v, %v; want only the marked file", paths, err)
	}
	if filepath.Base(paths[0]) != receipt.ID.String()+envelope.FileSuffix {
		t.Errorf("remaining file = %s, want the published message", filepath.Base(paths[0]))
	}
}
