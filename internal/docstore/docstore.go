// Package docstore persists whole JSON documents with an exclusive lock file
// held for read-modify-write and a temp-file-then-rename replace.
package docstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/breeze-rmm/winpatch/internal/logging"
)

var log = logging.L("docstore")

// ErrLocked is returned when the document lock cannot be acquired in time.
var ErrLocked = errors.New("document is locked by another process")

const (
	defaultLockTimeout = 10 * time.Second
	lockPollInterval   = 50 * time.Millisecond
)

// Store owns one JSON document on disk.
type Store struct {
	path        string
	lockTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout bounds how long writers wait for the lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// New returns a Store for the document at path.
func New(path string, opts ...Option) *Store {
	s := &Store{path: path, lockTimeout: defaultLockTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the document path.
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether the document file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Read decodes the document into v. A missing file returns (false, nil).
// A corrupt document returns (false, err) and leaves v untouched.
func (s *Store) Read(v any) (bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	// Documents written by other tools may carry a UTF-8 BOM.
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return true, nil
}

// Write replaces the document with v under the lock.
func (s *Store) Write(v any) error {
	return s.withLock(func() error {
		return s.writeLocked(v)
	})
}

// Remove deletes the document under the lock. A missing file is not an error.
func (s *Store) Remove() error {
	return s.withLock(func() error {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", s.path, err)
		}
		return nil
	})
}

// Update runs a locked read-modify-write cycle. fn receives the decoded
// document (zero value when missing or corrupt) and whether it was found.
// Returning ErrSkipWrite from fn leaves the file untouched.
func Update[T any](s *Store, fn func(doc *T, found bool) error) error {
	return UpdateWith(s, func() T { var zero T; return zero }, fn)
}

// UpdateWith is Update with the document seeded by init before decoding, so
// fields absent from the file keep init's values.
func UpdateWith[T any](s *Store, init func() T, fn func(doc *T, found bool) error) error {
	return s.withLock(func() error {
		doc := init()
		found, err := s.Read(&doc)
		if err != nil {
			log.Warn("treating unreadable document as empty",
				"path", s.path, logging.KeyError, err.Error())
			doc = init()
			found = false
		}
		if err := fn(&doc, found); err != nil {
			if errors.Is(err, ErrSkipWrite) {
				return nil
			}
			return err
		}
		return s.writeLocked(&doc)
	})
}

// ErrSkipWrite tells Update that nothing changed.
var ErrSkipWrite = errors.New("skip write")

func (s *Store) writeLocked(v any) error {
	if strings.TrimSpace(s.path) == "" {
		return fmt.Errorf("document path is empty")
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(s.path), err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create document directory: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) withLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create document directory: %w", err)
	}

	lockPath := s.path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock %s: %w", lockPath, err)
	}
	defer f.Close()

	deadline := time.Now().Add(s.lockTimeout)
	for {
		err := lockFile(f)
		if err == nil {
			break
		}
		if !errors.Is(err, errWouldBlock) {
			return fmt.Errorf("lock %s: %w", lockPath, err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s: %w", s.path, ErrLocked)
		}
		time.Sleep(lockPollInterval)
	}
	defer func() {
		if err := unlockFile(f); err != nil {
			log.Warn("failed to release document lock", "path", lockPath, logging.KeyError, err.Error())
		}
	}()

	return fn()
}
