// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// relayd is the Relay message bus daemon. It owns a data directory of
// filesystem mailboxes, fans published messages out to every endpoint
// whose pattern matches, and watches the mailbox tree for messages
// that other processes deliver directly.
//
// Configuration comes from a YAML file named by --config or by the
// RELAY_CONFIG environment variable; see lib/config for the schema and
// defaults. Endpoints listed in the configuration are registered at
// startup, so their mailboxes exist and accumulate messages before any
// consumer attaches.
//
// Optional subsystems follow the configuration:
//
//   - index.path enables the SQLite message index, giving consumers
//     cursor-paged history queries that survive restarts.
//   - bindings.path enables the binding store and the session control
//     plane: adapters publish route requests on relay.route.request,
//     and the daemon maps each conversation onto an agent session,
//     announcing new sessions on relay.session.start.
//   - stats_interval greater than zero logs a bus-wide counter
//     snapshot at that cadence.
//
// With --rebuild-index the daemon registers the configured endpoints,
// re-scans their mailboxes into the index, reports what it did, and
// exits without serving.
package main
