// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/relay-foundation/relay/binding"
	"github.com/relay-foundation/relay/envelope"
	"github.com/relay-foundation/relay/lib/clock"
	"github.com/relay-foundation/relay/lib/config"
	"github.com/relay-foundation/relay/lib/version"
	"github.com/relay-foundation/relay/msgindex"
	"github.com/relay-foundation/relay/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   string
		logLevel     string
		rebuildIndex bool
	)

	flagSet := pflag.NewFlagSet("relayd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to relay.yaml (default: $RELAY_CONFIG)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, or error")
	flagSet.BoolVar(&rebuildIndex, "rebuild-index", false, "re-scan the configured mailboxes into the message index, then exit")

	// Handle --version before flag parsing to match other Relay binaries.
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("relayd")
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	level, err := parseLogLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	dedupTTL, err := parseOptionalDuration(cfg.Mailbox.DedupTTL)
	if err != nil {
		return fmt.Errorf("mailbox.dedup_ttl: %w", err)
	}
	budgetTTL, err := parseOptionalDuration(cfg.Budget.TTL)
	if err != nil {
		return fmt.Errorf("budget.ttl: %w", err)
	}
	statsEvery, err := parseOptionalDuration(cfg.StatsInterval)
	if err != nil {
		return fmt.Errorf("stats_interval: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.System()

	var index *msgindex.Index
	if cfg.Index.Path != "" {
		index, err = msgindex.Open(msgindex.Config{
			Path:     cfg.Index.Path,
			PoolSize: cfg.Index.PoolSize,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("opening message index: %w", err)
		}
		defer index.Close()
		logger.Info("message index open", "path", cfg.Index.Path)
	}

	core, err := relay.New(relay.CoreConfig{
		Root:        cfg.DataDir,
		Clock:       clk,
		Logger:      logger,
		Index:       index,
		MaxPending:  cfg.Mailbox.MaxPending,
		DedupTTL:    dedupTTL,
		AccessRules: cfg.Access.Rules,
		DefaultBudget: envelope.Budget{
			MaxHops:         cfg.Budget.MaxHops,
			TTLMS:           budgetTTL.Milliseconds(),
			MaxCallsPerHour: cfg.Budget.MaxCallsPerHour,
		},
	})
	if err != nil {
		return err
	}
	defer core.Close()

	if err := bootstrapEndpoints(core, cfg.Endpoints, logger); err != nil {
		return err
	}

	if rebuildIndex {
		if index == nil {
			return fmt.Errorf("--rebuild-index requires index.path in the configuration")
		}
		stats, err := index.Rebuild(ctx, core.Mailboxes())
		if err != nil {
			return fmt.Errorf("rebuilding message index: %w", err)
		}
		logger.Info("message index rebuilt",
			"mailboxes", stats.Mailboxes,
			"indexed", stats.Indexed,
			"skipped", stats.Skipped,
		)
		return nil
	}

	var bindingStore *binding.Store
	if cfg.Bindings.Path != "" {
		bindingStore, err = binding.Open(cfg.Bindings.Path, clk, logger)
		if err != nil {
			return fmt.Errorf("opening binding store: %w", err)
		}
		defer bindingStore.Close()

		router := binding.NewRouter(bindingStore, &busLauncher{core: core, logger: logger}, logger)
		if err := wireSessionControl(ctx, core, router, logger); err != nil {
			return err
		}
		logger.Info("session control ready",
			"bindings", len(bindingStore.List()),
			"path", cfg.Bindings.Path,
		)
	}

	// Every delivery the bus makes, at debug level. Operators turn this
	// on with --log-level=debug when tracing message flow.
	unsubscribe, err := core.Subscribe(">", func(d relay.Delivery) error {
		logger.Debug("delivered",
			"message_id", d.Envelope.ID.String(),
			"subject", d.Envelope.Subject,
			"sender", d.Envelope.Sender.String(),
			"endpoint", d.Endpoint,
		)
		return nil
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	if err := core.StartWatcher(ctx); err != nil {
		return fmt.Errorf("starting mailbox watcher: %w", err)
	}

	if statsEvery > 0 {
		go statsLoop(ctx, core, clk, statsEvery, logger)
	}

	logger.Info("relayd running",
		"version", version.Info(),
		"data_dir", cfg.DataDir,
		"endpoints", len(cfg.Endpoints),
		"index", cfg.Index.Path != "",
		"bindings", cfg.Bindings.Path != "",
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// bootstrapEndpoints registers the endpoints named in the
// configuration. Their mailboxes exist from this point on, so messages
// accumulate even before a consumer process attaches.
func bootstrapEndpoints(core *relay.Core, endpoints []config.EndpointConfig, logger *slog.Logger) error {
	for _, ep := range endpoints {
		owner := relay.Owner{ID: ep.Owner.ID, Namespace: ep.Owner.Namespace}
		if _, err := core.RegisterEndpoint(ep.Pattern, owner); err != nil {
			return fmt.Errorf("registering endpoint %q: %w", ep.Pattern, err)
		}
		logger.Info("endpoint registered",
			"pattern", ep.Pattern,
			"owner", owner.Namespace+"/"+owner.ID,
		)
	}
	return nil
}

// statsLoop logs a counter snapshot every interval until ctx ends.
func statsLoop(ctx context.Context, core *relay.Core, clk clock.Clock, every time.Duration, logger *slog.Logger) {
	ticker := clk.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := core.Stats()
			logger.Info("bus stats",
				"published", stats.Published,
				"delivered", stats.Delivered,
				"dead_lettered", stats.DeadLettered,
				"signals", stats.Signals,
				"subscribers", stats.Subscribers,
				"mailboxes", len(stats.Mailboxes),
			)
		}
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q (want debug, info, warn, or error)", s)
	}
}

// parseOptionalDuration treats the empty string as zero.
func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
