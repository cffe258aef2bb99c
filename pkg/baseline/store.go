// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package baseline persists the best wave result per case across runs.
//
// Records are JSON values in a Badger database keyed by case name. A run
// compares each finished wave against the stored record and replaces it
// when the new minimum is faster.
package baseline

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const keyPrefix = "baseline/"

var (
	// ErrNotFound is returned by Get for an unknown case.
	ErrNotFound = errors.New("baseline not found")

	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("baseline store closed")

	// ErrInvalidRecord is returned by Put for a record without a case name
	// or without trials.
	ErrInvalidRecord = errors.New("invalid baseline record")
)

// Record is the best observed result of one case.
type Record struct {
	Case        string        `json:"case"`
	RunID       string        `json:"run_id"`
	RecordedAt  time.Time     `json:"recorded_at"`
	Trials      uint64        `json:"trials"`
	Min         time.Duration `json:"min_ns"`
	Bytes       uint64        `json:"bytes"`
	GBPerSecond float64       `json:"gb_per_second"`
	PageFaults  uint64        `json:"page_faults"`
}

// NewRunID returns a fresh identifier for the records of one run.
func NewRunID() string {
	return uuid.NewString()
}

func (r *Record) validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil", ErrInvalidRecord)
	}
	if r.Case == "" {
		return fmt.Errorf("%w: case name is required", ErrInvalidRecord)
	}
	if r.Trials == 0 {
		return fmt.Errorf("%w: %s has no trials", ErrInvalidRecord, r.Case)
	}
	return nil
}

// badgerLogger routes Badger's internal logging through slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Store is a Badger-backed baseline store.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db     *badger.DB
	path   string
	mu     sync.RWMutex
	closed bool
}

// Open opens or creates a persistent store at path.
//
// Inputs:
//   - path: Database directory. Created with 0750 if missing.
//   - logger: Receives Badger's internal messages. Nil disables them.
//
// Outputs:
//   - *Store: Must be closed.
//   - error: Non-nil if the directory or database cannot be opened.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("path is required for persistent baseline store")
	}
	if err := os.MkdirAll(path, 0750); err != nil {
		return nil, fmt.Errorf("create baseline directory %s: %w", path, err)
	}
	return open(badger.DefaultOptions(path).WithSyncWrites(true), path, logger)
}

// OpenInMemory opens a store that lives only as long as the process.
func OpenInMemory() (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true), "", nil)
}

func open(opts badger.Options, path string, logger *slog.Logger) (*Store, error) {
	opts = opts.WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open baseline database: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path is the database directory, empty for an in-memory store.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) view(fn func(txn *badger.Txn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.View(fn)
}

func (s *Store) update(fn func(txn *badger.Txn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.db.Update(fn)
}

func key(name string) []byte {
	return []byte(keyPrefix + name)
}

func getRecord(txn *badger.Txn, name string) (*Record, error) {
	item, err := txn.Get(key(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("decode baseline %s: %w", name, err)
	}
	return &rec, nil
}

func putRecord(txn *badger.Txn, rec *Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode baseline %s: %w", rec.Case, err)
	}
	return txn.Set(key(rec.Case), val)
}

// Get returns the record for a case, or ErrNotFound.
func (s *Store) Get(name string) (*Record, error) {
	var rec *Record
	err := s.view(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Put stores rec unconditionally, replacing any previous record.
func (s *Store) Put(rec *Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		return putRecord(txn, rec)
	})
}

// Update compares rec against the stored record and replaces it when rec
// is faster, in one transaction. A stored record with a different byte
// count is replaced unconditionally and reported as a reset.
//
// Outputs:
//   - Comparison: HasPrevious is false when no record existed.
//   - bool: True if rec was stored.
//   - error: Non-nil on invalid input or storage failure.
func (s *Store) Update(rec *Record) (Comparison, bool, error) {
	if err := rec.validate(); err != nil {
		return Comparison{}, false, err
	}

	var cmp Comparison
	var stored bool
	err := s.update(func(txn *badger.Txn) error {
		prev, err := getRecord(txn, rec.Case)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		cmp = Compare(prev, rec)
		if prev != nil && !cmp.Improved && !cmp.Reset {
			return nil
		}
		stored = true
		return putRecord(txn, rec)
	})
	if err != nil {
		return Comparison{}, false, err
	}
	return cmp, stored, nil
}

// List returns every record sorted by case name.
func (s *Store) List() ([]Record, error) {
	var out []Record
	err := s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var rec Record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode baseline %s: %w", item.Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Case < out[j].Case })
	return out, nil
}

// Delete removes the record for a case. Deleting an unknown case is not an
// error.
func (s *Store) Delete(name string) error {
	return s.update(func(txn *badger.Txn) error {
		return txn.Delete(key(name))
	})
}

// Clear removes every record and returns how many there were.
func (s *Store) Clear() (int, error) {
	records, err := s.List()
	if err != nil {
		return 0, err
	}
	err = s.update(func(txn *badger.Txn) error {
		for _, rec := range records {
			if err := txn.Delete(key(rec.Case)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Close closes the database. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
