// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for relayd.
//
// Configuration is loaded from a single file specified by either the
// RELAY_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search. This ensures deterministic, auditable
// configuration with no hidden overrides.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${RELAY_DATA}, and ${VAR:-default} patterns are expanded.
// No other environment variables override config values.
//
// Key exports:
//
//   - [Config] -- master struct: data dir, index, mailbox, budget,
//     access rules, bootstrap endpoints, bindings
//   - [Default] -- returns a Config with single-host defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// [Config.Validate] checks everything the daemon would otherwise
// discover at runtime: endpoint patterns, access rules, and duration
// strings all fail at startup, not on the first message.
package config
