// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay composes the message bus: endpoint registration,
// the publish pipeline, in-process subscriptions, ephemeral signals,
// and the filesystem watcher, all over one data directory.
//
// Two independent paths dispatch messages to subscribers. The
// pipeline delivers a published message to every matching mailbox and
// fans it out synchronously. The watcher follows mailbox new/
// directories and dispatches files that arrived some other way, from
// another process or from a backlog left by a crash. The two paths
// meet at a short-TTL dedup set keyed by message file path: the
// pipeline marks every file it dispatched, the watcher consumes the
// marker and skips. A marker that is never consumed expires.
//
// Durability and dispatch are separate concerns: Publish reports a
// message delivered once the mailbox rename lands, whatever its
// subscribers then do. Subscriber errors on the watcher path move the
// file to failed/; on the publish path the file stays in new/ for a
// later consumer.
package relay
