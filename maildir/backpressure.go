// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package maildir

import (
	"errors"
	"fmt"
)

// ErrMailboxFull is the sentinel for capacity rejections. Callers that
// need the pressure ratio unwrap to *CapacityError.
var ErrMailboxFull = errors.New("mailbox full")

// CapacityError reports a delivery rejected by backpressure.
type CapacityError struct {
	Mailbox string
	Pending int
	Max     int
	Ratio   float64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("mailbox full: %s has %d pending of %d allowed (pressure %.2f)",
		e.Mailbox, e.Pending, e.Max, e.Ratio)
}

// Is makes errors.Is(err, ErrMailboxFull) succeed for every capacity
// rejection.
func (e *CapacityError) Is(target error) bool {
	return target == ErrMailboxFull
}

// Pressure is the result of a backpressure check.
type Pressure struct {
	// Rejected reports whether a delivery must be refused.
	Rejected bool

	// Ratio is pending/max clamped to [0, 1]. With max <= 0 the ratio
	// is 0 for an empty mailbox and 1 otherwise.
	Ratio float64
}

// CheckBackpressure decides whether a mailbox with the given pending
// count accepts another delivery.
//
// Note the meaning of max <= 0: the mailbox accepts nothing, every
// delivery is rejected. Setting max_pending to zero is the documented
// way to quarantine an endpoint. The ratio of an empty zero-capacity
// mailbox is 0, not a division by zero.
func CheckBackpressure(pending, max int) Pressure {
	if max <= 0 {
		ratio := 0.0
		if pending > 0 {
			ratio = 1.0
		}
		return Pressure{Rejected: true, Ratio: ratio}
	}

	ratio := float64(pending) / float64(max)
	if ratio > 1 {
		ratio = 1
	}
	return Pressure{Rejected: pending >= max, Ratio: ratio}
}
