// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relay-foundation/relay/envelope"
	"github.com/relay-foundation/relay/subject"
)

// Delivery is what a subscriber receives for each dispatched message.
type Delivery struct {
	Envelope *envelope.Envelope

	// Endpoint is the pattern of the mailbox the message landed in.
	// Empty for signals, which never touch a mailbox.
	Endpoint string

	// Path is the message file's current location. Empty for signals.
	Path string
}

// Handler consumes one delivery. An error from a handler on the
// watcher path moves the message file to failed/; on the publish path
// and for signals it is logged and the delivery stands.
type Handler func(Delivery) error

type subscription struct {
	pattern string
	handler Handler
}

// subscriberSet is the in-process fan-out registry shared by the
// publish pipeline, the watcher, and signals.
type subscriberSet struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs []*subscription
}

func newSubscriberSet(logger *slog.Logger) *subscriberSet {
	return &subscriberSet{logger: logger}
}

// Subscribe registers a handler for subjects matching pattern. The
// returned function cancels the subscription; calling it more than
// once is harmless.
func (s *subscriberSet) Subscribe(pattern string, handler Handler) (func(), error) {
	if err := subject.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("relay: subscribe: nil handler")
	}

	sub := &subscription{pattern: pattern, handler: handler}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, existing := range s.subs {
			if existing == sub {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
	}
	return cancel, nil
}

// Len reports the number of live subscriptions.
func (s *subscriberSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dispatch fans one delivery out to every subscription whose pattern
// overlaps its subject, in subscription order, on the caller's
// goroutine. It returns how many handlers ran and the first error any
// of them produced. Every matched handler runs regardless of earlier
// failures.
func (s *subscriberSet) Dispatch(d Delivery) (int, error) {
	s.mu.RLock()
	matched := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if subject.Overlaps(d.Envelope.Subject, sub.pattern) {
			matched = append(matched, sub)
		}
	}
	s.mu.RUnlock()

	var firstErr error
	for _, sub := range matched {
		err := s.invoke(sub, d)
		if err == nil {
			continue
		}
		s.logger.Warn("subscriber handler failed",
			"pattern", sub.pattern,
			"subject", d.Envelope.Subject,
			"message_id", d.Envelope.ID,
			"error", err,
		)
		if firstErr == nil {
			firstErr = err
		}
	}
	return len(matched), firstErr
}

// invoke runs one handler, converting a panic into an error so a
// misbehaving subscriber cannot take down a dispatch path.
func (s *subscriberSet) invoke(sub *subscription, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(d)
}
