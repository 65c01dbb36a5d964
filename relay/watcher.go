// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/relay-foundation/relay/envelope"
	"github.com/relay-foundation/relay/maildir"
)

// Watcher dispatches messages that appear in mailbox new/ directories
// without passing through the in-process pipeline: written by another
// process, or left over from before a restart. Files the pipeline
// delivered carry a dedup marker and are skipped.
//
// The watcher claims a file before dispatching it, so of any number
// of concurrent observers exactly one dispatches; the others lose the
// claim rename and move on.
type Watcher struct {
	dedup  *dedupSet
	subs   *subscriberSet
	logger *slog.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	watched map[string]Endpoint // new/ directory -> endpoint
}

func newWatcher(dedup *dedupSet, subs *subscriberSet, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("relay: watcher: %w", err)
	}
	return &Watcher{
		dedup:   dedup,
		subs:    subs,
		logger:  logger,
		fsw:     fsw,
		watched: make(map[string]Endpoint),
	}, nil
}

// Watch adds an endpoint's new/ directory to the watch set. Watching
// an endpoint twice is harmless.
func (w *Watcher) Watch(endpoint Endpoint) error {
	dir := endpoint.store.Dir(maildir.DirNew)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watched[dir]; ok {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("relay: watch %s: %w", endpoint.Pattern, err)
	}
	w.watched[dir] = endpoint
	return nil
}

// Unwatch removes an endpoint from the watch set.
func (w *Watcher) Unwatch(endpoint Endpoint) {
	dir := endpoint.store.Dir(maildir.DirNew)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watched[dir]; !ok {
		return
	}
	delete(w.watched, dir)
	if err := w.fsw.Remove(dir); err != nil {
		w.logger.Warn("removing watch", "endpoint", endpoint.Pattern, "error", err)
	}
}

// Scan dispatches every message already sitting in a watched new/
// directory. Called once after the watches are in place, so messages
// that arrived while no watcher was running are not stranded. Returns
// the number of messages dispatched.
func (w *Watcher) Scan() int {
	w.mu.Lock()
	endpoints := make([]Endpoint, 0, len(w.watched))
	for _, endpoint := range w.watched {
		endpoints = append(endpoints, endpoint)
	}
	w.mu.Unlock()

	dispatched := 0
	for _, endpoint := range endpoints {
		paths, err := endpoint.store.List(maildir.DirNew)
		if err != nil {
			w.logger.Warn("scan failed", "endpoint", endpoint.Pattern, "error", err)
			continue
		}
		for _, path := range paths {
			if w.handleFile(endpoint, path) {
				dispatched++
			}
		}
	}
	return dispatched
}

// Run processes filesystem events until ctx is cancelled or the
// watcher is closed. Watch errors are logged and the loop continues.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// Close releases the underlying filesystem watcher, which also ends a
// concurrent Run.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// A delivery is a rename into new/, which surfaces as Create on
	// most platforms and Rename on some. Everything else in a watched
	// directory is a reader's claim rename or noise.
	if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	if !strings.HasSuffix(event.Name, envelope.FileSuffix) {
		return
	}

	dir := filepath.Dir(event.Name)
	w.mu.Lock()
	endpoint, ok := w.watched[dir]
	w.mu.Unlock()
	if !ok {
		return
	}
	w.handleFile(endpoint, event.Name)
}

// handleFile claims and dispatches one new/ file, unless the pipeline
// already dispatched it in-process. A handler error moves the file to
// failed/ with the error as its recorded reason. Reports whether the
// file was dispatched.
func (w *Watcher) handleFile(endpoint Endpoint, path string) bool {
	if w.dedup.Consume(path) {
		return false
	}

	curPath, err := endpoint.store.Claim(path)
	if errors.Is(err, maildir.ErrNotFound) {
		// Another reader got there first.
		return false
	}
	if err != nil {
		w.logger.Warn("claim failed", "endpoint", endpoint.Pattern, "path", path, "error", err)
		return false
	}

	env, err := endpoint.store.Read(curPath)
	if err != nil {
		w.fail(endpoint, curPath, "undecodable message: "+err.Error())
		return false
	}

	handlers, err := w.subs.Dispatch(Delivery{
		Envelope: env,
		Endpoint: endpoint.Pattern,
		Path:     curPath,
	})
	if err != nil {
		w.fail(endpoint, curPath, err.Error())
		return true
	}

	w.logger.Debug("watcher dispatched",
		"endpoint", endpoint.Pattern,
		"message_id", env.ID,
		"handlers", handlers,
	)
	return true
}

func (w *Watcher) fail(endpoint Endpoint, path, reason string) {
	if _, err := endpoint.store.Fail(path, reason); err != nil {
		w.logger.Error("moving message to failed",
			"endpoint", endpoint.Pattern,
			"path", path,
			"reason", reason,
			"error", err,
		)
	}
}
