// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relay-foundation/relay/access"
	"github.com/relay-foundation/relay/subject"
)

// Config is the master configuration for relayd.
type Config struct {
	// DataDir is the root for all durable state. Mailboxes live under
	// data_dir/mail, dead letters under data_dir/dead.
	DataDir string `yaml:"data_dir"`

	// Index configures the derived message index.
	Index IndexConfig `yaml:"index"`

	// Mailbox configures per-endpoint delivery limits.
	Mailbox MailboxConfig `yaml:"mailbox"`

	// Budget is the default propagation budget applied to publishes
	// that carry none.
	Budget BudgetConfig `yaml:"budget"`

	// Access is the namespace delivery policy.
	Access AccessConfig `yaml:"access"`

	// Endpoints are registered at startup, before the mailbox watcher
	// starts.
	Endpoints []EndpointConfig `yaml:"endpoints"`

	// Bindings configures adapter-to-agent routing.
	Bindings BindingsConfig `yaml:"bindings"`

	// StatsInterval is how often relayd logs a bus snapshot. Duration
	// string; empty or "0" disables the periodic log.
	StatsInterval string `yaml:"stats_interval"`
}

// IndexConfig configures the SQLite message index. An empty Path
// disables indexing entirely; delivery never depends on the index.
type IndexConfig struct {
	// Path is the database file.
	// Default: ${RELAY_DATA}/index.db
	Path string `yaml:"path"`

	// PoolSize is the connection pool size.
	// Default: 4
	PoolSize int `yaml:"pool_size"`
}

// MailboxConfig configures per-endpoint delivery limits.
type MailboxConfig struct {
	// MaxPending caps each mailbox's undelivered message count. A
	// publish whose target is at the cap is rejected, not queued.
	//
	// Zero is not "unlimited": a zero cap rejects every delivery,
	// quarantining all endpoints. A running bus wants a positive
	// value here.
	// Default: 1000
	MaxPending int `yaml:"max_pending"`

	// DedupTTL is how long the delivery pipeline's dispatched-file
	// markers live; it only has to outlast the mailbox watcher's view
	// of one filesystem event. Duration string; empty uses the
	// built-in default.
	// Default: 5s
	DedupTTL string `yaml:"dedup_ttl"`
}

// BudgetConfig is the default propagation budget for publishes that
// carry none. Zero fields leave the matching check unlimited.
type BudgetConfig struct {
	// MaxHops caps how many agent-to-agent forwards a message chain
	// may make.
	// Default: 8
	MaxHops int `yaml:"max_hops"`

	// TTL is how long a message stays deliverable. Duration string;
	// empty or "0" means no expiry.
	// Default: 24h
	TTL string `yaml:"ttl"`

	// MaxCallsPerHour rate-limits each sender. Zero means unlimited.
	MaxCallsPerHour int `yaml:"max_calls_per_hour"`
}

// AccessConfig is the namespace delivery policy. No rules means every
// delivery is allowed.
type AccessConfig struct {
	Rules []access.Rule `yaml:"rules"`
}

// EndpointConfig is one mailbox to register at startup.
type EndpointConfig struct {
	// Pattern is the subject pattern the endpoint receives.
	Pattern string `yaml:"pattern"`

	// Owner identifies the agent behind the mailbox.
	Owner OwnerConfig `yaml:"owner"`
}

// OwnerConfig identifies an endpoint's owning agent.
type OwnerConfig struct {
	ID        string `yaml:"id"`
	Namespace string `yaml:"namespace"`
}

// BindingsConfig configures adapter-to-agent routing. An empty Path
// disables the binding store and router.
type BindingsConfig struct {
	// Path is the bindings JSON file.
	// Default: ${RELAY_DATA}/bindings.json
	Path string `yaml:"path"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file; they ensure every field
// has a usable value, not that the file is optional.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local", "share", "relay")

	return &Config{
		DataDir: dataDir,
		Index: IndexConfig{
			Path:     filepath.Join(dataDir, "index.db"),
			PoolSize: 4,
		},
		Mailbox: MailboxConfig{
			MaxPending: 1000,
			DedupTTL:   "5s",
		},
		Budget: BudgetConfig{
			MaxHops: 8,
			TTL:     "24h",
		},
		Bindings: BindingsConfig{
			Path: filepath.Join(dataDir, "bindings.json"),
		},
		StatsInterval: "1m",
	}
}

// Load loads configuration from the RELAY_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if RELAY_CONFIG is not set, this
// fails. This ensures deterministic, auditable configuration with no
// hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("RELAY_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("RELAY_CONFIG environment variable not set; " +
			"set it to the path of your relay.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables
// do not override config values. The only expansion performed is
// ${HOME} and ${RELAY_DATA} in path fields, for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in path
// fields. DataDir expands first so dependent paths can reference
// ${RELAY_DATA}.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"RELAY_DATA": c.DataDir,
		"HOME":       os.Getenv("HOME"),
	}

	c.DataDir = expandVars(c.DataDir, vars)
	vars["RELAY_DATA"] = c.DataDir

	c.Index.Path = expandVars(c.Index.Path, vars)
	c.Bindings.Path = expandVars(c.Bindings.Path, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. Everything the daemon
// would otherwise discover at runtime fails here instead: endpoint
// patterns, access rules, and duration strings.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("data_dir is required"))
	}

	if c.Index.Path != "" && c.Index.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("index.pool_size must be positive, got %d", c.Index.PoolSize))
	}

	if c.Mailbox.MaxPending < 0 {
		errs = append(errs, fmt.Errorf("mailbox.max_pending must not be negative, got %d", c.Mailbox.MaxPending))
	}
	if err := validateDuration("mailbox.dedup_ttl", c.Mailbox.DedupTTL, false); err != nil {
		errs = append(errs, err)
	}

	if c.Budget.MaxHops < 0 {
		errs = append(errs, fmt.Errorf("budget.max_hops must not be negative, got %d", c.Budget.MaxHops))
	}
	if c.Budget.MaxCallsPerHour < 0 {
		errs = append(errs, fmt.Errorf("budget.max_calls_per_hour must not be negative, got %d", c.Budget.MaxCallsPerHour))
	}
	if err := validateDuration("budget.ttl", c.Budget.TTL, true); err != nil {
		errs = append(errs, err)
	}

	if _, err := access.NewController(c.Access.Rules); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[string]bool)
	for i, ep := range c.Endpoints {
		if err := subject.ValidatePattern(ep.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("endpoints[%d]: %w", i, err))
		} else if seen[ep.Pattern] {
			errs = append(errs, fmt.Errorf("endpoints[%d]: duplicate pattern %q", i, ep.Pattern))
		}
		seen[ep.Pattern] = true

		if ep.Owner.ID == "" {
			errs = append(errs, fmt.Errorf("endpoints[%d] (%s): owner.id is required", i, ep.Pattern))
		}
		if ep.Owner.Namespace == "" {
			errs = append(errs, fmt.Errorf("endpoints[%d] (%s): owner.namespace is required", i, ep.Pattern))
		}
	}

	if err := validateDuration("stats_interval", c.StatsInterval, true); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// validateDuration checks an optional duration string. Empty is always
// allowed; zero only when zeroOK (meaning "disabled").
func validateDuration(field, value string, zeroOK bool) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must not be negative, got %s", field, value)
	}
	if d == 0 && !zeroOK {
		return fmt.Errorf("%s must be positive, got %s", field, value)
	}
	return nil
}

// EnsurePaths creates the data directory and the parent directories of
// every configured file path.
func (c *Config) EnsurePaths() error {
	paths := []string{c.DataDir}
	if c.Index.Path != "" {
		paths = append(paths, filepath.Dir(c.Index.Path))
	}
	if c.Bindings.Path != "" {
		paths = append(paths, filepath.Dir(c.Bindings.Path))
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
