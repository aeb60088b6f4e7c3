// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	rec/<request_id>       -> JSON-encoded Record
//	ord/<20-digit seq>     -> request_id
//
// The ord/ keys give All a stable insertion order; badger iterates keys in
// byte order and the zero-padded sequence preserves numeric order.
const (
	recPrefix = "rec/"
	ordPrefix = "ord/"
)

// BadgerConfig holds configuration for the persistent audit store.
type BadgerConfig struct {
	// Path is the directory for database files. Required unless InMemory.
	Path string

	// InMemory opens the database without disk persistence. For tests.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives badger's internal logs. Nil disables them.
	Logger *slog.Logger
}

// BadgerStore is a Store backed by an embedded BadgerDB instance, for
// deployments where the audit trail must survive process exit.
//
// Writes are transactional per record, so Put stays atomic per key even
// with one writer per in-flight inference.
type BadgerStore struct {
	db  *badger.DB
	seq atomic.Uint64
}

// OpenBadgerStore opens (or creates) a persistent audit store.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent audit store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create audit store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}

	store := &BadgerStore{db: db}
	if err := store.restoreSequence(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// restoreSequence re-seeds the in-memory sequence counter from the highest
// ord/ key so that insertion order survives restarts.
func (s *BadgerStore) restoreSequence() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Reverse: true, Prefix: []byte(ordPrefix)})
		defer it.Close()
		// Reverse iteration needs a seek key past the prefix range.
		it.Seek([]byte(ordPrefix + "~"))
		if it.ValidForPrefix([]byte(ordPrefix)) {
			var last uint64
			key := string(it.Item().Key())
			if _, err := fmt.Sscanf(key, ordPrefix+"%020d", &last); err != nil {
				return fmt.Errorf("corrupt order key %q: %w", key, err)
			}
			s.seq.Store(last)
		}
		return nil
	})
}

// Put stores one record transactionally under both the record and order keys.
func (s *BadgerStore) Put(_ context.Context, record Record) error {
	if record.RequestID == "" {
		return fmt.Errorf("audit record has empty request id")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	recKey := []byte(recPrefix + record.RequestID)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(recKey); err == nil {
			return fmt.Errorf("audit record %s already exists; records are immutable", record.RequestID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("check existing record: %w", err)
		}
		seq := s.seq.Add(1)
		ordKey := fmt.Appendf(nil, ordPrefix+"%020d", seq)
		if err := txn.Set(recKey, data); err != nil {
			return fmt.Errorf("store record: %w", err)
		}
		if err := txn.Set(ordKey, []byte(record.RequestID)); err != nil {
			return fmt.Errorf("store order key: %w", err)
		}
		return nil
	})
}

// Get returns the record for a request id, or ErrNotFound.
func (s *BadgerStore) Get(_ context.Context, requestID string) (Record, error) {
	var record Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(recPrefix + requestID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("request %s: %w", requestID, ErrNotFound)
			}
			return fmt.Errorf("read record: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		})
	})
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

// GetByFingerprint scans the trail for matching prompt digests, oldest first.
func (s *BadgerStore) GetByFingerprint(ctx context.Context, promptDigest string) ([]Record, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, r := range all {
		if r.Fingerprint.PromptDigest == promptDigest {
			out = append(out, r)
		}
	}
	return out, nil
}

// All returns every record in insertion order.
func (s *BadgerStore) All(_ context.Context) ([]Record, error) {
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(ordPrefix)})
		defer it.Close()
		for it.Seek([]byte(ordPrefix)); it.ValidForPrefix([]byte(ordPrefix)); it.Next() {
			var requestID string
			if err := it.Item().Value(func(val []byte) error {
				requestID = string(val)
				return nil
			}); err != nil {
				return err
			}
			item, err := txn.Get([]byte(recPrefix + requestID))
			if err != nil {
				return fmt.Errorf("order key points at missing record %s: %w", requestID, err)
			}
			var record Record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			}); err != nil {
				return err
			}
			out = append(out, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Clear drops all record and order keys.
func (s *BadgerStore) Clear(_ context.Context) error {
	if err := s.db.DropPrefix([]byte(recPrefix), []byte(ordPrefix)); err != nil {
		return fmt.Errorf("clear audit store: %w", err)
	}
	s.seq.Store(0)
	return nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

var _ Store = (*BadgerStore)(nil)

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
