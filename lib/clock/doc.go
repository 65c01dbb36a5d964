// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Relay components that read the current time, sleep, or run periodic
// work accept a Clock instead of calling the time package directly.
// Production wiring passes System(); tests pass a Fake whose time moves
// only when the test calls Advance, which makes rate windows, dedup
// expiry, and ticker-driven loops deterministic.
//
// A goroutine that sleeps or ticks on a Fake registers a waiter. Tests
// use WaitForTimers to block until the expected number of waiters is
// registered before advancing, which removes the race between the
// goroutine reaching its sleep and the test moving the clock.
package clock
