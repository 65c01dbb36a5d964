// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"sync"
	"time"

	"github.com/relay-foundation/relay/lib/clock"
)

// dedupSet remembers message files the pipeline already dispatched so
// the watcher does not dispatch them a second time. Entries carry a
// TTL: a marker the watcher never observes (watcher not running, or
// its event lost) must not pin memory forever.
type dedupSet struct {
	clk clock.Clock
	ttl time.Duration

	mu      sync.Mutex
	expires map[string]time.Time
}

func newDedupSet(clk clock.Clock, ttl time.Duration) *dedupSet {
	return &dedupSet{
		clk:     clk,
		ttl:     ttl,
		expires: make(map[string]time.Time),
	}
}

// Mark records that path was just dispatched in-process. Expired
// entries are purged on the way, so the set never grows past the
// files marked within one TTL window.
func (d *dedupSet) Mark(path string) {
	now := d.clk.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	for p, expiry := range d.expires {
		if now.After(expiry) {
			delete(d.expires, p)
		}
	}
	d.expires[path] = now.Add(d.ttl)
}

// Consume reports whether path carries a live marker. The marker is
// removed either way: a consumed marker has done its job, an expired
// one is garbage.
func (d *dedupSet) Consume(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	expiry, ok := d.expires[path]
	if !ok {
		return false
	}
	delete(d.expires, path)
	return !d.clk.Now().After(expiry)
}

// Len reports the entry count, expired entries included.
func (d *dedupSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.expires)
}
