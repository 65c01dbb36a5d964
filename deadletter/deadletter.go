// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package deadletter

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/relay-foundation/relay/envelope"
	"github.com/relay-foundation/relay/lib/clock"
	"github.com/relay-foundation/relay/lib/codec"
)

// CompressThreshold is the payload size, in bytes, above which Record
// stores the payload zstd-compressed.
const CompressThreshold = 4096

// entrySuffix is the extension of entry files in the queue directory.
const entrySuffix = ".cbor"

// Entry is one retained failure. Entries carry their own ULID,
// distinct from the envelope's: the same envelope can dead-letter
// once per endpoint it failed to reach.
type Entry struct {
	ID       ulid.ULID         `cbor:"id"`
	Envelope envelope.Envelope `cbor:"envelope"`

	// Endpoint is the subject pattern of the mailbox the delivery was
	// bound for.
	Endpoint string `cbor:"endpoint"`

	// Reason describes the failure.
	Reason string `cbor:"reason"`

	// FailedAtMS is when the delivery was given up on, as Unix
	// milliseconds.
	FailedAtMS int64 `cbor:"failed_at_ms"`

	// Compression tags how the payload is stored. With
	// CompressionZstd, the envelope's payload field is empty and
	// CompressedPayload holds the compressed bytes; List reverses
	// this before returning the entry.
	Compression       Compression `cbor:"compression"`
	CompressedPayload []byte      `cbor:"compressed_payload,omitempty"`
	PayloadSize       int         `cbor:"payload_size"`
}

// FailedAt returns the failure time.
func (e *Entry) FailedAt() time.Time { return time.UnixMilli(e.FailedAtMS) }

// Queue is an append-only dead-letter store backed by one directory
// of CBOR entry files. Safe for concurrent use: every write is an
// exclusive create plus rename, and reads never mutate.
type Queue struct {
	dir string
	clk clock.Clock
}

// Open creates the queue directory if needed and returns the queue.
func Open(dir string, clk clock.Clock) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("deadletter: creating %s: %w", dir, err)
	}
	return &Queue{dir: dir, clk: clk}, nil
}

// Dir returns the queue directory.
func (q *Queue) Dir() string { return q.dir }

// Record retains a failed delivery. The entry is written atomically
// (temp file, fsync, rename) so a crash never leaves a partial entry
// visible. Payloads above CompressThreshold are compressed.
func (q *Queue) Record(env *envelope.Envelope, endpoint, reason string, failedAt time.Time) error {
	id, err := ulid.New(ulid.Timestamp(q.clk.Now()), ulid.DefaultEntropy())
	if err != nil {
		return fmt.Errorf("deadletter: minting entry ID: %w", err)
	}

	entry := Entry{
		ID:          id,
		Envelope:    *env,
		Endpoint:    endpoint,
		Reason:      reason,
		FailedAtMS:  failedAt.UnixMilli(),
		Compression: CompressionNone,
		PayloadSize: len(env.Payload),
	}

	if len(env.Payload) > CompressThreshold {
		entry.CompressedPayload = compress(env.Payload)
		entry.Envelope.Payload = nil
		entry.Compression = CompressionZstd
	}

	data, err := codec.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("deadletter: encoding entry %s: %w", id, err)
	}

	name := id.String() + entrySuffix
	tmpPath := filepath.Join(q.dir, name+".tmp")
	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("deadletter: creating %s: %w", tmpPath, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("deadletter: writing %s: %w", tmpPath, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("deadletter: syncing %s: %w", tmpPath, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("deadletter: closing %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, filepath.Join(q.dir, name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("deadletter: publishing entry %s: %w", id, err)
	}
	return nil
}

// List returns up to limit entries in entry-ULID (= failure) order,
// oldest first. A limit <= 0 returns everything. Payloads are
// decompressed before return, so callers always see the original
// envelope.
func (q *Queue) List(limit int) ([]Entry, error) {
	names, err := q.entryNames()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(q.dir, name))
		if err != nil {
			return nil, fmt.Errorf("deadletter: reading %s: %w", name, err)
		}
		var entry Entry
		if err := codec.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("deadletter: decoding %s: %w", name, err)
		}
		if entry.Compression == CompressionZstd {
			payload, err := decompress(entry.CompressedPayload, entry.PayloadSize)
			if err != nil {
				return nil, fmt.Errorf("deadletter: %s: %w", name, err)
			}
			entry.Envelope.Payload = payload
			entry.CompressedPayload = nil
		}
		entry.Envelope.Status = envelope.StatusDeadLetter
		entries = append(entries, entry)
	}
	return entries, nil
}

// Count returns the number of retained entries.
func (q *Queue) Count() (int, error) {
	names, err := q.entryNames()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// entryNames returns the entry file basenames in lexicographic order,
// skipping temp files and anything foreign.
func (q *Queue) entryNames() ([]string, error) {
	dirEntries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("deadletter: listing %s: %w", q.dir, err)
	}
	var names []string
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), entrySuffix) {
			continue
		}
		names = append(names, de.Name())
	}
	sort.Strings(names)
	return names, nil
}
