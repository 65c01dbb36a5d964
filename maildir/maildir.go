// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package maildir

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/relay-foundation/relay/envelope"
)

// Subdirectory names of a mailbox. Each corresponds to an envelope
// status except DirTmp, which holds writes in progress and is never
// read.
const (
	DirTmp    = "tmp"
	DirNew    = "new"
	DirCur    = "cur"
	DirFailed = "failed"
)

// ReasonSuffix is the extension of the sidecar file Fail writes next
// to a failed message, holding the failure reason.
const ReasonSuffix = ".reason"

// ErrNotFound reports that the message file was not where the
// operation expected it. With concurrent readers this is a normal
// race outcome: the other reader's rename won.
var ErrNotFound = errors.New("message not found")

// Store is one endpoint's mailbox. The zero value is not usable; call
// Init. Store methods are safe for concurrent use because every
// mutation is a single rename.
type Store struct {
	root       string
	maxPending int
}

// Init creates the mailbox directory tree rooted at root and returns
// the store. Existing directories are reused, so Init after a crash
// picks up whatever mail survived. maxPending bounds new/ for
// backpressure; zero means deliveries are always rejected (see
// CheckBackpressure).
func Init(root string, maxPending int) (*Store, error) {
	for _, dir := range []string{DirTmp, DirNew, DirCur, DirFailed} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o700); err != nil {
			return nil, fmt.Errorf("maildir: creating %s: %w", dir, err)
		}
	}
	return &Store{root: root, maxPending: maxPending}, nil
}

// Root returns the mailbox directory.
func (s *Store) Root() string { return s.root }

// Dir returns the absolute path of one of the mailbox subdirectories.
func (s *Store) Dir(dir string) string { return filepath.Join(s.root, dir) }

// MaxPending returns the configured new/ capacity.
func (s *Store) MaxPending() int { return s.maxPending }

// Deliver writes the envelope durably into new/ and returns the
// message file path. The write lands in tmp/ first and becomes
// visible only through the final rename, so a reader of new/ only
// ever sees complete files.
//
// Deliver rejects with a *CapacityError (matching ErrMailboxFull)
// when new/ is at or over maxPending. The capacity check and the
// write are not atomic; concurrent deliveries can overshoot the bound
// by the number of in-flight writers, which is acceptable for a
// backpressure signal.
func (s *Store) Deliver(env *envelope.Envelope) (string, error) {
	pending, err := s.Pending()
	if err != nil {
		return "", err
	}
	if pressure := CheckBackpressure(pending, s.maxPending); pressure.Rejected {
		return "", &CapacityError{
			Mailbox: s.root,
			Pending: pending,
			Max:     s.maxPending,
			Ratio:   pressure.Ratio,
		}
	}

	data, err := env.Encode()
	if err != nil {
		return "", err
	}

	name := env.Filename()
	tmpPath := filepath.Join(s.root, DirTmp, name)
	newPath := filepath.Join(s.root, DirNew, name)

	// O_EXCL: a ULID collision means a duplicate delivery attempt, and
	// overwriting an in-progress write would corrupt it.
	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("maildir: creating %s: %w", tmpPath, err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("maildir: writing %s: %w", tmpPath, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("maildir: syncing %s: %w", tmpPath, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("maildir: closing %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, newPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("maildir: publishing %s: %w", name, err)
	}
	syncDir(filepath.Join(s.root, DirNew))

	return newPath, nil
}

// Claim moves a message from new/ to cur/, marking it as taken by a
// consumer, and returns its new path. Only the basename of path is
// used; the source is always new/. Returns ErrNotFound when the
// message is no longer in new/, typically because a concurrent
// reader claimed it first.
func (s *Store) Claim(path string) (string, error) {
	name := filepath.Base(path)
	src := filepath.Join(s.root, DirNew, name)
	dst := filepath.Join(s.root, DirCur, name)

	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("maildir: claiming %s: %w", name, err)
	}
	return dst, nil
}

// Fail moves a message from new/ or cur/ into failed/ and records the
// reason in a sidecar file next to it. Returns the failed/ path, or
// ErrNotFound when the message is in neither source directory.
//
// The sidecar write is best-effort: a crash between the rename and
// the sidecar write loses the reason but never the message.
func (s *Store) Fail(path, reason string) (string, error) {
	name := filepath.Base(path)
	dst := filepath.Join(s.root, DirFailed, name)

	renamed := false
	for _, dir := range []string{DirNew, DirCur} {
		err := os.Rename(filepath.Join(s.root, dir, name), dst)
		if err == nil {
			renamed = true
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("maildir: failing %s: %w", name, err)
		}
	}
	if !renamed {
		return "", ErrNotFound
	}

	if reason != "" {
		os.WriteFile(dst+ReasonSuffix, []byte(reason+"\n"), 0o600)
	}
	return dst, nil
}

// Pending returns the number of messages waiting in new/.
func (s *Store) Pending() (int, error) {
	entries, err := s.List(DirNew)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// List returns the message file paths in the given subdirectory in
// lexicographic (= ULID, = creation) order. Sidecar and foreign files
// are skipped.
func (s *Store) List(dir string) ([]string, error) {
	dirPath := filepath.Join(s.root, dir)
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("maildir: listing %s: %w", dirPath, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), envelope.FileSuffix) {
			continue
		}
		paths = append(paths, filepath.Join(dirPath, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// Read loads and decodes the envelope at path. The envelope's Status
// is set from the directory the file lives in. Returns ErrNotFound
// when the file has moved on.
func (s *Store) Read(path string) (*envelope.Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("maildir: reading %s: %w", path, err)
	}

	env, err := envelope.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("maildir: %s: %w", path, err)
	}

	switch filepath.Base(filepath.Dir(path)) {
	case DirNew:
		env.Status = envelope.StatusNew
	case DirCur:
		env.Status = envelope.StatusCur
	case DirFailed:
		env.Status = envelope.StatusFailed
	}
	return env, nil
}

// FailureReason returns the recorded reason for a failed message, or
// "" when no sidecar exists.
func (s *Store) FailureReason(path string) string {
	data, err := os.ReadFile(path + ReasonSuffix)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(string(data), "\n")
}

// syncDir fsyncs a directory so a rename into it survives power loss.
// Best-effort: filesystems that reject directory fsync still provided
// the rename's atomicity.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
