// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"testing"
	"time"

	"github.com/relay-foundation/relay/lib/clock"
)

func TestDedupMarkThenConsume(t *testing.T) {
	fake := clock.NewFake(epoch)
	set := newDedupSet(fake, 5*time.Second)

	set.Mark("/mail/box/new/a.cbor")
	if !set.Consume("/mail/box/new/a.cbor") {
		t.Fatal("Consume of a fresh marker = false, want true")
	}
	// The marker is gone after one consume.
	if set.Consume("/mail/box/new/a.cbor") {
		t.Fatal("second Consume = true, want false")
	}
}

func TestDedupConsumeUnknownPath(t *testing.T) {
	set := newDedupSet(clock.NewFake(epoch), 5*time.Second)
	if set.Consume("/mail/box/new/never-marked.cbor") {
		t.Fatal("Consume of an unmarked path = true, want false")
	}
}

func TestDedupMarkerExpires(t *testing.T) {
	fake := clock.NewFake(epoch)
	set := newDedupSet(fake, 5*time.Second)

	set.Mark("/mail/box/new/a.cbor")

	// At exactly the TTL the marker is still live.
	fake.Advance(5 * time.Second)
	if !set.Consume("/mail/box/new/a.cbor") {
		t.Fatal("Consume at TTL boundary = false, want true")
	}

	set.Mark("/mail/box/new/b.cbor")
	fake.Advance(5*time.Second + time.Millisecond)
	if set.Consume("/mail/box/new/b.cbor") {
		t.Fatal("Consume past TTL = true, want false")
	}
	// The expired entry was removed by the failed consume.
	if set.Len() != 0 {
		t.Errorf("Len after expired consume = %d, want 0", set.Len())
	}
}

func TestDedupMarkPurgesExpired(t *testing.T) {
	fake := clock.NewFake(epoch)
	set := newDedupSet(fake, 5*time.Second)

	set.Mark("/mail/box/new/a.cbor")
	set.Mark("/mail/box/new/b.cbor")
	fake.Advance(6 * time.Second)

	// Marking a new path sweeps the dead entries out.
	set.Mark("/mail/box/new/c.cbor")
	if set.Len() != 1 {
		t.Errorf("Len after purge = %d, want 1", set.Len())
	}
	if set.Consume("/mail/box/new/a.cbor") {
		t.Error("expired marker a survived the purge")
	}
	if !set.Consume("/mail/box/new/c.cbor") {
		t.Error("fresh marker c missing after purge")
	}
}
