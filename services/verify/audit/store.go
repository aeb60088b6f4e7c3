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
	"fmt"
	"sync"
)

// Store is keyed storage for audit records.
//
// Implementations must support one concurrent writer per in-flight inference
// and readers at any time, without losing or corrupting entries. Put is
// atomic per key. Get on an unknown id returns ErrNotFound.
type Store interface {
	// Put appends one record keyed by its RequestID.
	Put(ctx context.Context, record Record) error

	// Get returns the record for the given request id, or ErrNotFound.
	Get(ctx context.Context, requestID string) (Record, error)

	// GetByFingerprint returns all records whose prompt digest matches,
	// oldest first. An empty slice with nil error means no matches.
	GetByFingerprint(ctx context.Context, promptDigest string) ([]Record, error)

	// All returns a snapshot of every record in insertion order.
	All(ctx context.Context) ([]Record, error)

	// Clear removes all records.
	Clear(ctx context.Context) error
}

// MemoryStore is the default in-process Store.
//
// Entries survive for the process lifetime unless exported or explicitly
// cleared; the badger-backed store exists for deployments that need the
// trail to outlive the process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	order   []string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Put stores the record. Re-putting an existing request id is rejected:
// the trail is append-only and records are immutable once stored.
func (s *MemoryStore) Put(_ context.Context, record Record) error {
	if record.RequestID == "" {
		return fmt.Errorf("audit record has empty request id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.RequestID]; exists {
		return fmt.Errorf("audit record %s already exists; records are immutable", record.RequestID)
	}
	s.records[record.RequestID] = record
	s.order = append(s.order, record.RequestID)
	return nil
}

// Get returns the record or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, requestID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[requestID]
	if !ok {
		return Record{}, fmt.Errorf("request %s: %w", requestID, ErrNotFound)
	}
	return record, nil
}

// GetByFingerprint returns all records for a prompt digest, oldest first.
func (s *MemoryStore) GetByFingerprint(_ context.Context, promptDigest string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, id := range s.order {
		if r := s.records[id]; r.Fingerprint.PromptDigest == promptDigest {
			out = append(out, r)
		}
	}
	return out, nil
}

// All returns a copy of every record in insertion order. The snapshot is
// taken under the read lock; concurrent Puts land before or after it, never
// inside it.
func (s *MemoryStore) All(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	return out, nil
}

// Clear removes every record.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]Record)
	s.order = nil
	return nil
}

// Len reports the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

var _ Store = (*MemoryStore)(nil)
