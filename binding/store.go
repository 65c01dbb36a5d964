// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package binding

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/tidwall/jsonc"

	"github.com/relay-foundation/relay/lib/clock"
)

// ErrNotFound reports a binding ID with no stored record.
var ErrNotFound = errors.New("binding not found")

// storeFile is the on-disk layout. Generation is embedded in the same
// bytes as the bindings, so the atomic rename publishes both together.
type storeFile struct {
	Generation uint64    `json:"generation"`
	Bindings   []Binding `json:"bindings"`
}

// Store is an in-memory binding map backed by one JSON file.
//
// Saves go tmp-then-rename with the bumped generation embedded, then
// advance the in-memory counter. A watcher on the file's directory
// triggers reload; a reload whose embedded generation is not strictly
// higher than the in-memory one is this process's own write echoing
// back and is discarded. The file may be hand-edited: the read path
// tolerates JSONC comments and trailing commas, the write path always
// emits canonical JSON.
type Store struct {
	path     string
	fileName string
	clk      clock.Clock
	logger   *slog.Logger

	mu         sync.RWMutex
	generation uint64
	bindings   map[string]Binding

	fsw    *fsnotify.Watcher
	done   chan struct{}
	closed bool
}

// Open loads path (which need not exist yet) and starts watching it
// for external writes. Close releases the watch.
func Open(path string, clk clock.Clock, logger *slog.Logger) (*Store, error) {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating bindings directory: %w", err)
	}

	s := &Store{
		path:     path,
		fileName: filepath.Base(path),
		clk:      clk,
		logger:   logger,
		bindings: make(map[string]Binding),
		done:     make(chan struct{}),
	}

	file, err := readBindingsFile(path)
	switch {
	case err == nil:
		s.adoptLocked(file)
	case errors.Is(err, os.ErrNotExist):
		// First run. The file appears on the first save.
	default:
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watching bindings file: %w", err)
	}
	// Watch the directory, not the file: renames replace the watched
	// inode, a directory watch survives them.
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}
	s.fsw = fsw
	go s.watchLoop()
	return s, nil
}

// Put validates and persists b, assigning a UUID and timestamps as
// needed. An existing record's CreatedAt survives updates. The
// returned binding is the stored form.
func (s *Store) Put(b Binding) (Binding, error) {
	now := s.clk.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if existing, ok := s.bindings[b.ID]; ok {
		b.CreatedAt = existing.CreatedAt
	} else if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	if err := b.Validate(); err != nil {
		return Binding{}, err
	}

	next := make(map[string]Binding, len(s.bindings)+1)
	for id, existing := range s.bindings {
		next[id] = existing
	}
	next[b.ID] = b
	if err := s.saveLocked(next); err != nil {
		return Binding{}, err
	}
	return b, nil
}

// Remove deletes the binding with the given ID.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bindings[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := make(map[string]Binding, len(s.bindings)-1)
	for existingID, existing := range s.bindings {
		if existingID != id {
			next[existingID] = existing
		}
	}
	return s.saveLocked(next)
}

// Get returns the binding with the given ID.
func (s *Store) Get(id string) (Binding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[id]
	return b, ok
}

// List returns every binding ordered by ID.
func (s *Store) List() []Binding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedByID(s.bindings)
}

// FindByAdapter returns the bindings for one adapter, most recently
// updated first. Routing takes the first entry.
func (s *Store) FindByAdapter(adapterID string) []Binding {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Binding
	for _, b := range s.bindings {
		if b.AdapterID == adapterID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Generation returns the current consistency token. It advances by
// one per save and jumps on adopted external writes.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Close stops the file watcher. The bindings file stays on disk.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.fsw.Close()
	<-s.done
	return err
}

// saveLocked publishes next as generation+1: marshal with the bumped
// generation embedded, write to a temp file, rename over the target,
// and only then advance the in-memory state. A failed rename leaves
// both the file and the memory at the previous generation.
func (s *Store) saveLocked(next map[string]Binding) error {
	file := storeFile{Generation: s.generation + 1, Bindings: sortedByID(next)}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding bindings: %w", err)
	}
	data = append(data, '\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing bindings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publishing bindings: %w", err)
	}

	s.generation = file.Generation
	s.bindings = next
	return nil
}

// reload re-reads the file after a watch event. Only a strictly
// higher embedded generation is adopted; equal or lower means the
// event was this process's own save echoing back.
func (s *Store) reload() {
	file, err := readBindingsFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("reloading bindings", "path", s.path, "error", err)
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if file.Generation <= s.generation {
		return
	}
	s.adoptLocked(file)
	s.logger.Info("bindings reloaded",
		"generation", s.generation,
		"bindings", len(s.bindings))
}

// adoptLocked replaces in-memory state with the file's contents,
// dropping records a routing decision could not use.
func (s *Store) adoptLocked(file storeFile) {
	next := make(map[string]Binding, len(file.Bindings))
	for _, b := range file.Bindings {
		if b.ID == "" {
			s.logger.Warn("skipping binding without id", "adapter", b.AdapterID)
			continue
		}
		if err := b.Validate(); err != nil {
			s.logger.Warn("skipping invalid binding", "error", err)
			continue
		}
		next[b.ID] = b
	}
	s.bindings = next
	s.generation = file.Generation
}

func (s *Store) watchLoop() {
	defer close(s.done)
	for {
		select {
		case event, ok := <-s.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != s.fileName {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			s.reload()
		case err, ok := <-s.fsw.Errors:
			if !ok {
				return
			}
			s.logger.Warn("bindings watch error", "error", err)
		}
	}
}

// readBindingsFile reads and decodes path, passing the bytes through
// a JSONC strip first so hand-edited files may carry comments.
func readBindingsFile(path string) (storeFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return storeFile{}, err
	}

	var file storeFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
		return storeFile{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return file, nil
}

func sortedByID(m map[string]Binding) []Binding {
	out := make([]Binding, 0, len(m))
	for _, b := range m {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
