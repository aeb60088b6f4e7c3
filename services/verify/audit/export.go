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
	"fmt"
	"time"
)

// Snapshot is the serialized export form of the audit trail.
//
// Consumers (compliance-review tooling, reporting) must treat each record's
// fingerprint.prompt_digest and fingerprint.config_digest as stable
// identifiers across exports. Export is lossless: parsing an exported
// snapshot yields byte-identical digests and flags for every record.
type Snapshot struct {
	// ExportedAt is the capture timestamp, UTC.
	ExportedAt time.Time `json:"exported_at"`

	// Config is the active engine configuration at capture time, kept as
	// raw JSON so that parsing an export never loses fields the parser
	// doesn't know about.
	Config json.RawMessage `json:"config"`

	// Records is the full trail in insertion order.
	Records []Record `json:"records"`
}

// Export serializes the store's current contents together with the active
// configuration snapshot. Export never mutates the store.
func Export(ctx context.Context, store Store, config any) ([]byte, error) {
	records, err := store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot records: %w", err)
	}
	rawConfig, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshal config snapshot: %w", err)
	}
	snapshot := Snapshot{
		ExportedAt: time.Now().UTC(),
		Config:     rawConfig,
		Records:    records,
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// ParseSnapshot re-parses an exported snapshot.
func ParseSnapshot(data []byte) (Snapshot, error) {
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("parse audit snapshot: %w", err)
	}
	return snapshot, nil
}

// Import loads every record from a parsed snapshot into the store.
// Records whose request id already exists are skipped, not overwritten.
func Import(ctx context.Context, store Store, snapshot Snapshot) (int, error) {
	imported := 0
	for _, record := range snapshot.Records {
		if err := store.Put(ctx, record); err != nil {
			if _, getErr := store.Get(ctx, record.RequestID); getErr == nil {
				continue // already present, trail is append-only
			}
			return imported, fmt.Errorf("import record %s: %w", record.RequestID, err)
		}
		imported++
	}
	return imported, nil
}
