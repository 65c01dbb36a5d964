// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/oklog/ulid/v2"

	"github.com/relay-foundation/relay/access"
	"github.com/relay-foundation/relay/budget"
	"github.com/relay-foundation/relay/deadletter"
	"github.com/relay-foundation/relay/envelope"
	"github.com/relay-foundation/relay/lib/clock"
	"github.com/relay-foundation/relay/lib/codec"
	"github.com/relay-foundation/relay/maildir"
	"github.com/relay-foundation/relay/msgindex"
)

// PublishRequest carries one message into the pipeline.
type PublishRequest struct {
	// Subject routes the message. A literal subject reaches every
	// endpoint whose pattern matches it; a subject carrying wildcards
	// is a broadcast to every endpoint the pattern covers.
	Subject string

	// Payload is opaque to the bus.
	Payload codec.RawMessage

	// Sender is the publishing identity. Its namespace is the source
	// side of access checks; its string form keys the rate window.
	Sender envelope.Identity

	// Budget bounds propagation. The zero budget means no limits.
	Budget envelope.Budget
}

// Warning reports a per-endpoint problem that did not abort the
// publish. Partial delivery is a normal outcome; the warnings tell
// the caller which endpoints missed the message and why.
type Warning struct {
	// Endpoint is the affected endpoint's pattern, or empty when the
	// warning concerns the publish as a whole.
	Endpoint string `json:"endpoint,omitempty"`
	Reason   string `json:"reason"`
}

// Receipt is the outcome of an admitted publish.
type Receipt struct {
	// ID is the minted envelope's ULID.
	ID ulid.ULID

	// DeliveredTo counts mailboxes that durably accepted the message.
	DeliveredTo int

	// Warnings lists matched endpoints that did not receive the
	// message, plus the unrouted case.
	Warnings []Warning
}

// Pipeline is the synchronous publish path: admission, durable
// fan-out to matching mailboxes, best-effort indexing, and in-process
// subscriber dispatch.
type Pipeline struct {
	clk      clock.Clock
	logger   *slog.Logger
	registry *Registry
	access   *access.Controller
	enforcer *budget.Enforcer
	index    *msgindex.Index
	dead     *deadletter.Queue
	dedup    *dedupSet
	subs     *subscriberSet
}

// Publish mints an envelope for the request and delivers it. The
// error return covers admission only: an invalid subject, a budget
// denial. Past admission the publish succeeds, and everything that
// went wrong per endpoint is in the receipt's warnings; matching zero
// endpoints is a warning, not an error.
func (p *Pipeline) Publish(ctx context.Context, req PublishRequest) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	env, err := envelope.New(p.clk, req.Subject, req.Payload, req.Sender, req.Budget)
	if err != nil {
		return Receipt{}, err
	}
	if err := p.enforcer.Check(env); err != nil {
		return Receipt{}, err
	}

	receipt := Receipt{ID: env.ID}
	matches := p.registry.ResolveMatches(env.Subject)
	if len(matches) == 0 {
		receipt.Warnings = append(receipt.Warnings, Warning{
			Reason: "unrouted: no endpoint matches " + env.Subject,
		})
		p.logger.Debug("publish matched no endpoints",
			"subject", env.Subject, "message_id", env.ID)
		return receipt, nil
	}

	type landed struct {
		endpoint Endpoint
		path     string
	}
	var deliveries []landed

	for _, endpoint := range matches {
		if err := p.access.Check(req.Sender.Namespace, endpoint.Owner.Namespace); err != nil {
			receipt.Warnings = append(receipt.Warnings, Warning{
				Endpoint: endpoint.Pattern,
				Reason:   err.Error(),
			})
			p.logger.Info("delivery denied",
				"endpoint", endpoint.Pattern,
				"sender", req.Sender,
				"message_id", env.ID,
			)
			continue
		}

		path, err := p.deliver(endpoint, env)
		if err != nil {
			receipt.Warnings = append(receipt.Warnings, Warning{
				Endpoint: endpoint.Pattern,
				Reason:   err.Error(),
			})
			p.deadLetter(env, endpoint.Pattern, err)
			continue
		}

		p.indexDelivery(ctx, endpoint, env, path)

		// The marker must be in place before any subscriber (or the
		// watcher, racing on the create event) can observe the file.
		p.dedup.Mark(path)
		deliveries = append(deliveries, landed{endpoint, path})
	}
	receipt.DeliveredTo = len(deliveries)

	// Fan out after the whole fan-in: subscribers observe a settled
	// receipt's worth of files, and a slow handler on one endpoint
	// does not delay delivery to the others.
	for _, delivery := range deliveries {
		p.subs.Dispatch(Delivery{
			Envelope: env,
			Endpoint: delivery.endpoint.Pattern,
			Path:     delivery.path,
		})
	}

	return receipt, nil
}

// deliver writes the envelope into one mailbox, retrying once on I/O
// error. Capacity rejections are not retried: the mailbox will not
// have gotten roomier since the last look.
func (p *Pipeline) deliver(endpoint Endpoint, env *envelope.Envelope) (string, error) {
	path, err := endpoint.store.Deliver(env)
	if err == nil || errors.Is(err, maildir.ErrMailboxFull) {
		return path, err
	}

	p.logger.Warn("delivery failed, retrying",
		"endpoint", endpoint.Pattern,
		"message_id", env.ID,
		"error", err,
	)
	path, err = endpoint.store.Deliver(env)
	if err != nil {
		return "", fmt.Errorf("after retry: %w", err)
	}
	return path, nil
}

// deadLetter records a permanently failed delivery. The record is the
// only remaining copy of the message for this endpoint, so a failure
// to write it is logged loudly.
func (p *Pipeline) deadLetter(env *envelope.Envelope, endpoint string, cause error) {
	if err := p.dead.Record(env, endpoint, cause.Error(), p.clk.Now()); err != nil {
		p.logger.Error("dead-letter record failed",
			"endpoint", endpoint,
			"message_id", env.ID,
			"cause", cause,
			"error", err,
		)
		return
	}
	p.logger.Warn("message dead-lettered",
		"endpoint", endpoint,
		"message_id", env.ID,
		"reason", cause,
	)
}

// indexDelivery inserts the index record for one landed delivery.
// Indexing is best-effort: the maildir is the source of truth and a
// lost record is recoverable by rebuild.
func (p *Pipeline) indexDelivery(ctx context.Context, endpoint Endpoint, env *envelope.Envelope, path string) {
	if p.index == nil {
		return
	}
	record := msgindex.Record{
		Endpoint:      endpoint.Pattern,
		ID:            env.ID.String(),
		Subject:       env.Subject,
		Sender:        env.Sender.String(),
		MailboxPath:   endpoint.store.Root(),
		MessageFile:   filepath.Base(path),
		CreatedAtMS:   env.CreatedAtMS,
		DeliveredAtMS: p.clk.Now().UnixMilli(),
	}
	if err := p.index.Insert(ctx, record); err != nil {
		p.logger.Warn("index insert failed",
			"endpoint", endpoint.Pattern,
			"message_id", env.ID,
			"error", err,
		)
	}
}
