// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"fmt"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/relay-foundation/relay/lib/clock"
	"github.com/relay-foundation/relay/lib/codec"
	"github.com/relay-foundation/relay/subject"
)

// FileSuffix is the extension of envelope files in mailbox
// directories. Filenames are "<ULID>.cbor" so lexicographic directory
// order is creation order.
const FileSuffix = ".cbor"

// Status is an envelope's position in the mailbox lifecycle. On disk
// the status is the directory the file lives in, never a field of the
// file, so a rename is the whole state transition.
type Status string

const (
	// StatusNew is a delivered, unclaimed message (mailbox new/).
	StatusNew Status = "new"

	// StatusCur is a claimed message (mailbox cur/).
	StatusCur Status = "cur"

	// StatusFailed is a message whose handler failed (mailbox failed/).
	StatusFailed Status = "failed"

	// StatusDeadLetter is a message that could not be delivered at
	// all; it lives in the dead-letter queue, not in any mailbox.
	StatusDeadLetter Status = "dead_letter"
)

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusCur, StatusFailed, StatusDeadLetter:
		return true
	}
	return false
}

// Identity names a participant: an agent, an adapter, or a Relay
// component. Namespace scopes access control; ID is unique within the
// namespace.
type Identity struct {
	ID        string `cbor:"id" json:"id" yaml:"id"`
	Namespace string `cbor:"namespace" json:"namespace" yaml:"namespace"`
}

// String renders the identity as "namespace/id". Used in logs and as
// the rate-window key.
func (i Identity) String() string { return i.Namespace + "/" + i.ID }

// Budget bounds how far a message can propagate. Zero fields mean
// "no limit" except where noted; publish paths fill defaults before
// admission.
type Budget struct {
	// MaxHops is the hop ceiling for the conversation this message
	// belongs to. Zero means no hop limit.
	MaxHops int `cbor:"max_hops,omitempty"`

	// HopsUsed counts hops consumed so far. Admission rejects when
	// HopsUsed >= MaxHops (with MaxHops > 0).
	HopsUsed int `cbor:"hops_used,omitempty"`

	// TTLMS is the requested lifetime in milliseconds at creation.
	// Kept for diagnostics; enforcement uses DeadlineMS.
	TTLMS int64 `cbor:"ttl_ms,omitempty"`

	// DeadlineMS is the absolute expiry as Unix milliseconds. Zero
	// means the message never expires.
	DeadlineMS int64 `cbor:"deadline_ms,omitempty"`

	// AncestorChain lists the IDs of the envelopes this one descends
	// from, oldest first. Admission rejects an envelope whose own ID
	// appears in its chain.
	AncestorChain []ulid.ULID `cbor:"ancestor_chain,omitempty"`

	// MaxCallsPerHour caps how many messages the sender may publish
	// in a sliding hour. Zero means no rate limit.
	MaxCallsPerHour int `cbor:"max_calls_per_hour,omitempty"`
}

// IsZero reports whether every budget field is unset, the "no
// limits" budget.
func (b Budget) IsZero() bool {
	return b.MaxHops == 0 && b.HopsUsed == 0 && b.TTLMS == 0 &&
		b.DeadlineMS == 0 && len(b.AncestorChain) == 0 && b.MaxCallsPerHour == 0
}

// Deadline returns the absolute expiry, or the zero time when the
// message never expires.
func (b Budget) Deadline() time.Time {
	if b.DeadlineMS == 0 {
		return time.Time{}
	}
	return time.UnixMilli(b.DeadlineMS)
}

// Expired reports whether the deadline has passed at now.
func (b Budget) Expired(now time.Time) bool {
	return b.DeadlineMS != 0 && now.UnixMilli() > b.DeadlineMS
}

// Envelope is one message. The struct is the on-disk format (CBOR via
// lib/codec) except Status, which is carried by the directory the
// file lives in.
type Envelope struct {
	ID          ulid.ULID        `cbor:"id"`
	Subject     string           `cbor:"subject"`
	Sender      Identity         `cbor:"sender"`
	Payload     codec.RawMessage `cbor:"payload,omitempty"`
	CreatedAtMS int64            `cbor:"created_at_ms"`
	Budget      Budget           `cbor:"budget"`

	Status Status `cbor:"-"`
}

// New mints an envelope: validates the subject, stamps creation time
// from clk, assigns a ULID, and resolves the budget's TTL into an
// absolute deadline. Wildcard subjects are legal; a message published
// on a pattern is a broadcast to every endpoint the pattern covers,
// and consumers see the pattern as the subject.
func New(clk clock.Clock, subj string, payload codec.RawMessage, sender Identity, budget Budget) (*Envelope, error) {
	if err := subject.ValidatePattern(subj); err != nil {
		return nil, err
	}

	now := clk.Now()
	id, err := ulid.New(ulid.Timestamp(now), ulid.DefaultEntropy())
	if err != nil {
		return nil, fmt.Errorf("envelope: minting ULID: %w", err)
	}

	if budget.TTLMS > 0 && budget.DeadlineMS == 0 {
		budget.DeadlineMS = now.UnixMilli() + budget.TTLMS
	}

	return &Envelope{
		ID:          id,
		Subject:     subj,
		Sender:      sender,
		Payload:     payload,
		CreatedAtMS: now.UnixMilli(),
		Budget:      budget,
		Status:      StatusNew,
	}, nil
}

// CreatedAt returns the creation time.
func (e *Envelope) CreatedAt() time.Time { return time.UnixMilli(e.CreatedAtMS) }

// Filename is the basename of this envelope in a mailbox directory.
func (e *Envelope) Filename() string { return e.ID.String() + FileSuffix }

// ReplyBudget derives the budget for a message sent in response to e:
// one more hop consumed, e's ID appended to the ancestor chain, all
// other limits carried over. The parent's chain is not aliased.
func (e *Envelope) ReplyBudget() Budget {
	b := e.Budget
	b.HopsUsed++
	b.AncestorChain = append(slices.Clone(e.Budget.AncestorChain), e.ID)
	return b
}

// Encode serializes the envelope with Relay's deterministic CBOR.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := codec.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("envelope: encoding %s: %w", e.ID, err)
	}
	return data, nil
}

// Decode parses an envelope file. It rejects structurally valid CBOR
// that lacks the identity fields, which is what a partially formed or
// foreign file looks like.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := codec.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope: decoding: %w", err)
	}
	if e.ID == (ulid.ULID{}) {
		return nil, fmt.Errorf("envelope: decoding: missing id")
	}
	if e.Subject == "" {
		return nil, fmt.Errorf("envelope: decoding: missing subject")
	}
	return &e, nil
}
