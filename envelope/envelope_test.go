// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/relay-foundation/relay/lib/clock"
	"github.com/relay-foundation/relay/lib/codec"
	"github.com/relay-foundation/relay/subject"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testSender() Identity {
	return Identity{ID: "agent/frontend", Namespace: "main"}
}

func mustNew(t *testing.T, clk clock.Clock, subj string) *Envelope {
	t.Helper()
	env, err := New(clk, subj, nil, testSender(), Budget{})
	if err != nil {
		t.Fatalf("New(%q): %v", subj, err)
	}
	return env
}

func TestNewValidatesSubject(t *testing.T) {
	fake := clock.NewFake(epoch)
	_, err := New(fake, "relay..broken", nil, testSender(), Budget{})
	if err == nil {
		t.Fatal("New with malformed subject succeeded, want error")
	}
	if !errors.Is(err, subject.ErrInvalid) {
		t.Errorf("error = %v, want match for subject.ErrInvalid", err)
	}
}

func TestNewAcceptsWildcardSubject(t *testing.T) {
	fake := clock.NewFake(epoch)
	for _, subj := range []string{"relay.agent.*", "relay.task.>"} {
		if _, err := New(fake, subj, nil, testSender(), Budget{}); err != nil {
			t.Errorf("New(%q) = %v, want nil", subj, err)
		}
	}
}

func TestNewStampsClockTime(t *testing.T) {
	fake := clock.NewFake(epoch)
	env := mustNew(t, fake, "relay.task.created")

	if got := env.CreatedAt(); !got.Equal(epoch) {
		t.Errorf("CreatedAt() = %v, want %v", got, epoch)
	}
	if got := ulid.Time(env.ID.Time()); !got.Equal(epoch.Truncate(time.Millisecond)) {
		t.Errorf("ID timestamp = %v, want %v", got, epoch)
	}
	if env.Status != StatusNew {
		t.Errorf("Status = %q, want %q", env.Status, StatusNew)
	}
}

func TestIDsAreMonotonic(t *testing.T) {
	fake := clock.NewFake(epoch)

	// Same millisecond: entropy monotonicity keeps IDs increasing.
	previous := mustNew(t, fake, "relay.task.created")
	for range 10 {
		next := mustNew(t, fake, "relay.task.created")
		if next.ID.Compare(previous.ID) <= 0 {
			t.Fatalf("ID %s does not sort after %s within one millisecond", next.ID, previous.ID)
		}
		previous = next
	}

	// Later clock: timestamp component dominates.
	fake.Advance(5 * time.Millisecond)
	later := mustNew(t, fake, "relay.task.created")
	if later.ID.Compare(previous.ID) <= 0 {
		t.Fatalf("ID %s does not sort after %s across milliseconds", later.ID, previous.ID)
	}
	if later.Filename() <= previous.Filename() {
		t.Fatalf("Filename %q does not sort after %q", later.Filename(), previous.Filename())
	}
}

func TestNewResolvesTTLToDeadline(t *testing.T) {
	fake := clock.NewFake(epoch)
	env, err := New(fake, "relay.task.created", nil, testSender(), Budget{TTLMS: 30_000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	wantDeadline := epoch.Add(30 * time.Second)
	if got := env.Budget.Deadline(); !got.Equal(wantDeadline) {
		t.Errorf("Deadline() = %v, want %v", got, wantDeadline)
	}
	if env.Budget.Expired(epoch.Add(29 * time.Second)) {
		t.Error("Expired before the deadline")
	}
	if !env.Budget.Expired(epoch.Add(31 * time.Second)) {
		t.Error("not Expired after the deadline")
	}
}

func TestZeroDeadlineNeverExpires(t *testing.T) {
	b := Budget{}
	if b.Expired(epoch.AddDate(100, 0, 0)) {
		t.Error("zero-deadline budget reported expired")
	}
	if !b.Deadline().IsZero() {
		t.Errorf("Deadline() = %v, want zero time", b.Deadline())
	}
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	fake := clock.NewFake(epoch)

	payload, err := codec.Marshal(map[string]any{"task": "deploy", "attempt": 2})
	if err != nil {
		t.Fatalf("Marshal payload: %v", err)
	}

	parent := mustNew(t, fake, "relay.task.created")
	original, err := New(fake, "relay.agent.backend", payload, testSender(), parent.ReplyBudget())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	original.Budget.MaxHops = 8
	original.Budget.MaxCallsPerHour = 100

	data, err := original.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if decoded.ID != original.ID {
		t.Errorf("ID = %s, want %s", decoded.ID, original.ID)
	}
	if decoded.Subject != original.Subject {
		t.Errorf("Subject = %q, want %q", decoded.Subject, original.Subject)
	}
	if decoded.Sender != original.Sender {
		t.Errorf("Sender = %+v, want %+v", decoded.Sender, original.Sender)
	}
	if !bytes.Equal(decoded.Payload, original.Payload) {
		t.Error("payload bytes changed in roundtrip")
	}
	if decoded.CreatedAtMS != original.CreatedAtMS {
		t.Errorf("CreatedAtMS = %d, want %d", decoded.CreatedAtMS, original.CreatedAtMS)
	}
	if decoded.Budget.MaxHops != 8 || decoded.Budget.HopsUsed != 1 || decoded.Budget.MaxCallsPerHour != 100 {
		t.Errorf("Budget = %+v, want MaxHops 8 HopsUsed 1 MaxCallsPerHour 100", decoded.Budget)
	}
	if len(decoded.Budget.AncestorChain) != 1 || decoded.Budget.AncestorChain[0] != parent.ID {
		t.Errorf("AncestorChain = %v, want [%s]", decoded.Budget.AncestorChain, parent.ID)
	}

	// Deterministic encoding: re-encoding the decoded envelope
	// reproduces the original bytes.
	again, err := decoded.Encode()
	if err != nil {
		t.Fatalf("re-Encode: %v", err)
	}
	if !bytes.Equal(again, data) {
		t.Error("re-encoded bytes differ from the original encoding")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not cbor at all")); err == nil {
		t.Error("Decode of garbage succeeded, want error")
	}
}

func TestDecodeRejectsMissingIdentity(t *testing.T) {
	data, err := codec.Marshal(map[string]any{"subject": "relay.task.created"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := Decode(data); err == nil {
		t.Error("Decode without id succeeded, want error")
	}

	data, err = codec.Marshal(map[string]any{"id": make([]byte, 16)})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := Decode(data); err == nil {
		t.Error("Decode without subject succeeded, want error")
	}
}

func TestReplyBudgetDoesNotAliasParentChain(t *testing.T) {
	fake := clock.NewFake(epoch)
	parent := mustNew(t, fake, "relay.task.created")

	first := parent.ReplyBudget()
	second := parent.ReplyBudget()

	if len(parent.Budget.AncestorChain) != 0 {
		t.Errorf("parent chain mutated: %v", parent.Budget.AncestorChain)
	}
	if first.HopsUsed != 1 || second.HopsUsed != 1 {
		t.Errorf("HopsUsed = %d/%d, want 1/1", first.HopsUsed, second.HopsUsed)
	}
	if len(first.AncestorChain) != 1 || first.AncestorChain[0] != parent.ID {
		t.Errorf("chain = %v, want [%s]", first.AncestorChain, parent.ID)
	}

	// Extending one derived chain must not leak into the other.
	grandchild, err := New(fake, "relay.task.review", nil, testSender(), first)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = grandchild.ReplyBudget()
	if len(second.AncestorChain) != 1 {
		t.Errorf("sibling chain length = %d, want 1", len(second.AncestorChain))
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusNew, StatusCur, StatusFailed, StatusDeadLetter} {
		if !s.Valid() {
			t.Errorf("Status(%q).Valid() = false, want true", s)
		}
	}
	for _, s := range []Status{"", "tmp", "pending"} {
		if s.Valid() {
			t.Errorf("Status(%q).Valid() = true, want false", s)
		}
	}
}

func TestIdentityString(t *testing.T) {
	id := Identity{ID: "agent/backend", Namespace: "main"}
	if got, want := id.String(), "main/agent/backend"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
