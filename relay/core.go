// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relay-foundation/relay/access"
	"github.com/relay-foundation/relay/budget"
	"github.com/relay-foundation/relay/deadletter"
	"github.com/relay-foundation/relay/envelope"
	"github.com/relay-foundation/relay/lib/clock"
	"github.com/relay-foundation/relay/lib/codec"
	"github.com/relay-foundation/relay/maildir"
	"github.com/relay-foundation/relay/msgindex"
)

// DefaultDedupTTL bounds how long a dispatched-file marker lives when
// CoreConfig does not say otherwise. Seconds, not minutes: the marker
// only has to outlive the watcher's view of one create event.
const DefaultDedupTTL = 5 * time.Second

// CoreConfig configures New. Root is required; everything else has a
// usable zero value except MaxPending, which almost always wants to
// be positive (zero rejects every delivery).
type CoreConfig struct {
	// Root is the data directory. Mailboxes are created under
	// Root/mail, dead letters under Root/dead.
	Root string

	// Clock drives timestamps, dedup expiry, and rate windows. Nil
	// means the system clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger

	// Index is the optional query index. Nil disables indexing;
	// delivery does not depend on it either way.
	Index *msgindex.Index

	// MaxPending caps each mailbox's new/ directory. Zero keeps the
	// always-reject meaning documented on maildir.CheckBackpressure.
	MaxPending int

	// DedupTTL overrides DefaultDedupTTL when positive.
	DedupTTL time.Duration

	// AccessRules is the namespace policy. Empty means allow all.
	AccessRules []access.Rule

	// DefaultBudget applies to publishes that carry a zero budget.
	// The zero default leaves such publishes unlimited.
	DefaultBudget envelope.Budget
}

// Core is the bus façade: publish, subscribe, signal, endpoint
// registration, and the filesystem watcher, composed over one data
// directory. Safe for concurrent use.
type Core struct {
	clk    clock.Clock
	logger *slog.Logger

	registry *Registry
	pipeline *Pipeline
	subs     *subscriberSet
	dedup    *dedupSet
	dead     *deadletter.Queue
	index    *msgindex.Index

	defaultBudget envelope.Budget

	published atomic.Int64
	delivered atomic.Int64
	signals   atomic.Int64

	mu            sync.Mutex
	watcher       *Watcher
	watcherCancel context.CancelFunc
	watcherDone   chan struct{}
	closed        bool
}

// New builds a core over cfg.Root, creating the directory layout as
// needed. The caller owns cfg.Index and closes it separately.
func New(cfg CoreConfig) (*Core, error) {
	if cfg.Root == "" {
		return nil, errors.New("relay: CoreConfig.Root is required")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.System()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ttl := cfg.DedupTTL
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}

	controller, err := access.NewController(cfg.AccessRules)
	if err != nil {
		return nil, err
	}
	dead, err := deadletter.Open(filepath.Join(cfg.Root, "dead"), clk)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry(filepath.Join(cfg.Root, "mail"), cfg.MaxPending, logger)
	subs := newSubscriberSet(logger)
	dedup := newDedupSet(clk, ttl)

	core := &Core{
		clk:           clk,
		logger:        logger,
		registry:      registry,
		subs:          subs,
		dedup:         dedup,
		dead:          dead,
		index:         cfg.Index,
		defaultBudget: cfg.DefaultBudget,
	}
	core.pipeline = &Pipeline{
		clk:      clk,
		logger:   logger,
		registry: registry,
		access:   controller,
		enforcer: budget.NewEnforcer(clk),
		index:    cfg.Index,
		dead:     dead,
		dedup:    dedup,
		subs:     subs,
	}
	return core, nil
}

// Publish admits and delivers one message, filling in the configured
// default budget when the request carries none.
func (c *Core) Publish(ctx context.Context, req PublishRequest) (Receipt, error) {
	if req.Budget.IsZero() {
		req.Budget = c.defaultBudget
	}

	receipt, err := c.pipeline.Publish(ctx, req)
	if err != nil {
		return receipt, err
	}
	c.published.Add(1)
	c.delivered.Add(int64(receipt.DeliveredTo))
	return receipt, nil
}

// Subscribe registers a handler for every delivery and signal whose
// subject matches pattern. The returned function cancels the
// subscription.
func (c *Core) Subscribe(pattern string, handler Handler) (func(), error) {
	return c.subs.Subscribe(pattern, handler)
}

// Signal broadcasts an ephemeral message to live matching subscribers
// and reports how many handlers saw it. Nothing touches disk: no
// mailbox, no index, no dead letters, and no budget admission, since
// an unpersisted message cannot propagate. Subject validation still
// applies.
func (c *Core) Signal(subj string, payload codec.RawMessage, sender envelope.Identity) (int, error) {
	env, err := envelope.New(c.clk, subj, payload, sender, envelope.Budget{})
	if err != nil {
		return 0, err
	}
	handlers, _ := c.subs.Dispatch(Delivery{Envelope: env})
	c.signals.Add(1)
	return handlers, nil
}

// RegisterEndpoint binds a pattern to a new mailbox. If the watcher
// is running, the new mailbox joins the watch set immediately.
func (c *Core) RegisterEndpoint(pattern string, owner Owner) (Endpoint, error) {
	endpoint, err := c.registry.Register(pattern, owner)
	if err != nil {
		return Endpoint{}, err
	}

	c.mu.Lock()
	watcher := c.watcher
	c.mu.Unlock()
	if watcher != nil {
		if err := watcher.Watch(endpoint); err != nil {
			c.logger.Warn("watching new endpoint", "pattern", pattern, "error", err)
		}
	}
	return endpoint, nil
}

// UnregisterEndpoint removes a pattern from routing. Messages already
// in its mailbox stay on disk.
func (c *Core) UnregisterEndpoint(pattern string) error {
	endpoint, registered := c.registry.Get(pattern)

	c.mu.Lock()
	watcher := c.watcher
	c.mu.Unlock()
	if watcher != nil && registered {
		watcher.Unwatch(endpoint)
	}
	return c.registry.Unregister(pattern)
}

// StartWatcher begins the filesystem dispatch path: it watches every
// registered endpoint's new/ directory, dispatches the backlog
// already present, then follows events until ctx ends or the core is
// closed. The watches go live before the backlog scan, so a file
// landing mid-scan is seen by at least one of the two; a file seen by
// both costs one lost claim race, not a double dispatch.
func (c *Core) StartWatcher(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("relay: core is closed")
	}
	if c.watcher != nil {
		return errors.New("relay: watcher already running")
	}

	watcher, err := newWatcher(c.dedup, c.subs, c.logger)
	if err != nil {
		return err
	}
	for _, endpoint := range c.registry.Endpoints() {
		if err := watcher.Watch(endpoint); err != nil {
			watcher.Close()
			return err
		}
	}

	if backlog := watcher.Scan(); backlog > 0 {
		c.logger.Info("watcher dispatched startup backlog", "messages", backlog)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.watcher = watcher
	c.watcherCancel = cancel
	c.watcherDone = done
	go func() {
		defer close(done)
		watcher.Run(runCtx)
	}()
	return nil
}

// Stats is a point-in-time snapshot of bus activity.
type Stats struct {
	// Published counts admitted publishes; Delivered counts mailbox
	// deliveries across them.
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`

	// DeadLettered is the dead-letter queue's current size.
	DeadLettered int `json:"dead_lettered"`

	// Signals counts ephemeral broadcasts.
	Signals int64 `json:"signals"`

	// Subscribers is the number of live subscriptions.
	Subscribers int `json:"subscribers"`

	// Mailboxes reports per-endpoint pressure, ordered by pattern.
	Mailboxes []MailboxStats `json:"mailboxes,omitempty"`
}

// MailboxStats is one endpoint's pending count and pressure ratio.
type MailboxStats struct {
	Pattern  string  `json:"pattern"`
	Pending  int     `json:"pending"`
	Pressure float64 `json:"pressure"`
}

// Stats assembles a snapshot. Mailbox pending counts and the
// dead-letter size are read from disk at call time.
func (c *Core) Stats() Stats {
	stats := Stats{
		Published:   c.published.Load(),
		Delivered:   c.delivered.Load(),
		Signals:     c.signals.Load(),
		Subscribers: c.subs.Len(),
	}

	if count, err := c.dead.Count(); err == nil {
		stats.DeadLettered = count
	} else {
		c.logger.Warn("dead-letter count", "error", err)
	}

	for _, endpoint := range c.registry.Endpoints() {
		pending, err := endpoint.store.Pending()
		if err != nil {
			c.logger.Warn("pending count", "pattern", endpoint.Pattern, "error", err)
			continue
		}
		pressure := maildir.CheckBackpressure(pending, endpoint.store.MaxPending())
		stats.Mailboxes = append(stats.Mailboxes, MailboxStats{
			Pattern:  endpoint.Pattern,
			Pending:  pending,
			Pressure: pressure.Ratio,
		})
	}
	return stats
}

// Mailboxes returns pattern to mailbox-root for every registered
// endpoint, the shape msgindex.Rebuild takes.
func (c *Core) Mailboxes() map[string]string {
	return c.registry.Mailboxes()
}

// Close stops the watcher and waits for its loop to exit. Mailboxes
// and the dead-letter queue are durable state and stay on disk. Close
// is idempotent.
func (c *Core) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if c.watcher == nil {
		return nil
	}
	c.watcherCancel()
	err := c.watcher.Close()
	<-c.watcherDone
	c.watcher = nil
	return err
}
