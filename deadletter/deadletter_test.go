// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package deadletter

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/relay-foundation/relay/envelope"
	"github.com/relay-foundation/relay/lib/clock"
	"github.com/relay-foundation/relay/lib/codec"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testQueue(t *testing.T, clk clock.Clock) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "deadletter"), clk)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return q
}

func testEnvelope(t *testing.T, clk clock.Clock, payload []byte) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(clk, "relay.task.created", codec.RawMessage(payload),
		envelope.Identity{ID: "agent-a", Namespace: "main"}, envelope.Budget{})
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	return env
}

// smallPayload is a valid CBOR text string well under the compression
// threshold.
func smallPayload(t *testing.T) []byte {
	t.Helper()
	data, err := codec.Marshal("task went sideways")
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return data
}

// largePayload is a valid CBOR byte string over the compression
// threshold, repetitive enough that zstd shrinks it.
func largePayload(t *testing.T) []byte {
	t.Helper()
	data, err := codec.Marshal(bytes.Repeat([]byte("relay"), 2*CompressThreshold))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return data
}

func TestRecordAndList(t *testing.T) {
	fake := clock.NewFake(epoch)
	q := testQueue(t, fake)

	env := testEnvelope(t, fake, smallPayload(t))
	failedAt := fake.Now().Add(2 * time.Second)
	if err := q.Record(env, "relay.agent.*", "mailbox write failed twice", failedAt); err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries, err := q.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("List returned %d entries, want 1", len(entries))
	}

	entry := entries[0]
	if entry.Envelope.ID != env.ID {
		t.Errorf("entry envelope ID = %s, want %s", entry.Envelope.ID, env.ID)
	}
	if entry.Endpoint != "relay.agent.*" {
		t.Errorf("entry Endpoint = %q, want %q", entry.Endpoint, "relay.agent.*")
	}
	if entry.Reason != "mailbox write failed twice" {
		t.Errorf("entry Reason = %q", entry.Reason)
	}
	if !entry.FailedAt().Equal(failedAt) {
		t.Errorf("entry FailedAt = %v, want %v", entry.FailedAt(), failedAt)
	}
	if entry.Compression != CompressionNone {
		t.Errorf("entry Compression = %q, want %q", entry.Compression, CompressionNone)
	}
	if entry.Envelope.Status != envelope.StatusDeadLetter {
		t.Errorf("entry envelope Status = %q, want %q", entry.Envelope.Status, envelope.StatusDeadLetter)
	}
	if !bytes.Equal(entry.Envelope.Payload, smallPayload(t)) {
		t.Errorf("entry payload does not round-trip")
	}
}

func TestLargePayloadCompresses(t *testing.T) {
	fake := clock.NewFake(epoch)
	q := testQueue(t, fake)

	payload := largePayload(t)
	env := testEnvelope(t, fake, payload)
	if err := q.Record(env, "relay.agent.backend", "disk error", fake.Now()); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// On disk: tagged zstd, payload stored compressed, smaller than
	// the original.
	names, err := q.entryNames()
	if err != nil || len(names) != 1 {
		t.Fatalf("entryNames = %v, %v", names, err)
	}
	raw, err := os.ReadFile(filepath.Join(q.Dir(), names[0]))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var onDisk Entry
	if err := codec.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("Unmarshal raw entry: %v", err)
	}
	if onDisk.Compression != CompressionZstd {
		t.Fatalf("on-disk Compression = %q, want %q", onDisk.Compression, CompressionZstd)
	}
	if len(onDisk.Envelope.Payload) != 0 {
		t.Errorf("on-disk envelope still carries %d payload bytes", len(onDisk.Envelope.Payload))
	}
	if len(onDisk.CompressedPayload) >= len(payload) {
		t.Errorf("compressed payload %d bytes is not smaller than original %d",
			len(onDisk.CompressedPayload), len(payload))
	}
	if onDisk.PayloadSize != len(payload) {
		t.Errorf("PayloadSize = %d, want %d", onDisk.PayloadSize, len(payload))
	}

	// Through List: transparently restored.
	entries, err := q.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !bytes.Equal(entries[0].Envelope.Payload, payload) {
		t.Error("payload does not survive the compression round trip")
	}
	if entries[0].CompressedPayload != nil {
		t.Error("List left the compressed form attached")
	}
}

func TestListOrderAndLimit(t *testing.T) {
	fake := clock.NewFake(epoch)
	q := testQueue(t, fake)

	var envIDs []string
	for i := range 5 {
		env := testEnvelope(t, fake, smallPayload(t))
		if err := q.Record(env, "relay.agent.*", "failure", fake.Now()); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
		envIDs = append(envIDs, env.ID.String())
		fake.Advance(time.Millisecond)
	}

	count, err := q.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 5 {
		t.Fatalf("Count = %d, want 5", count)
	}

	entries, err := q.List(3)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("List(3) returned %d entries, want 3", len(entries))
	}
	for i, entry := range entries {
		if entry.Envelope.ID.String() != envIDs[i] {
			t.Errorf("List[%d] envelope = %s, want %s (oldest first)",
				i, entry.Envelope.ID, envIDs[i])
		}
	}
}

func TestSameEnvelopeTwoEndpoints(t *testing.T) {
	fake := clock.NewFake(epoch)
	q := testQueue(t, fake)

	// One envelope failing delivery to two endpoints produces two
	// entries; entry IDs keep them distinct.
	env := testEnvelope(t, fake, smallPayload(t))
	if err := q.Record(env, "relay.agent.backend", "disk error", fake.Now()); err != nil {
		t.Fatalf("first Record: %v", err)
	}
	if err := q.Record(env, "relay.agent.frontend", "disk error", fake.Now()); err != nil {
		t.Fatalf("second Record: %v", err)
	}

	entries, err := q.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List returned %d entries, want 2", len(entries))
	}
	if entries[0].ID == entries[1].ID {
		t.Error("entry IDs collide")
	}
	endpoints := []string{entries[0].Endpoint, entries[1].Endpoint}
	if !strings.Contains(strings.Join(endpoints, " "), "backend") ||
		!strings.Contains(strings.Join(endpoints, " "), "frontend") {
		t.Errorf("endpoints = %v, want both backend and frontend", endpoints)
	}
}

func TestListIgnoresTempResidue(t *testing.T) {
	fake := clock.NewFake(epoch)
	q := testQueue(t, fake)

	if err := q.Record(testEnvelope(t, fake, smallPayload(t)), "relay.x", "boom", fake.Now()); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// A crashed writer's temp file must not surface as an entry.
	residue := filepath.Join(q.Dir(), "01ARZ3NDEKTSV4RRFFQ69G5FAV.cbor.tmp")
	if err := os.WriteFile(residue, []byte("partial"), 0o600); err != nil {
		t.Fatalf("seeding temp residue: %v", err)
	}

	count, err := q.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("Count = %d, want 1 (temp residue counted)", count)
	}
}
