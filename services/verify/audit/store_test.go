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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianVerify/services/verify/fingerprint"
)

func sampleRecord(id string, prompt string) Record {
	fp := fingerprint.Build(prompt, "", fingerprint.Settings{
		NucleusThreshold: 1.0,
		MaxOutputUnits:   256,
		FixedSeed:        7,
		ModelIdentifier:  "gpt-4o-mini",
	})
	score := 0.97
	return Record{
		RequestID:            id,
		Fingerprint:          fp,
		ResultText:           "result for " + prompt,
		ProcessingDurationMs: 120,
		UnitUsage:            UnitUsage{PromptUnits: 10, CompletionUnits: 20, TotalUnits: 30},
		ConsistencyScore:     &score,
		RetryCount:           1,
		ComplianceFlags: ComplianceFlags{
			Reproducible:        true,
			AuditLevel:          LevelDetailed,
			RegulatoryCompliant: true,
			QualityScore:        0.85,
		},
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestMemoryStorePutGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	rec := sampleRecord("req-1", "hello")
	require.NoError(t, store.Put(ctx, rec))

	got, err := store.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, rec.RequestID, got.RequestID)
	assert.True(t, got.Fingerprint.Equal(rec.Fingerprint))
	assert.Equal(t, rec.ComplianceFlags, got.ComplianceFlags)
}

func TestMemoryStoreNotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound), "unknown id must signal ErrNotFound, got %v", err)
}

func TestMemoryStoreImmutable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, sampleRecord("req-1", "a")))
	err := store.Put(ctx, sampleRecord("req-1", "b"))
	require.Error(t, err, "re-putting an existing id must fail, records are immutable")
}

func TestMemoryStoreConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	const writers = 16
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id := fmt.Sprintf("req-%d-%d", w, i)
				if err := store.Put(ctx, sampleRecord(id, id)); err != nil {
					t.Errorf("Put(%s): %v", id, err)
				}
			}
		}(w)
	}
	// Concurrent readers while writes are in flight.
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if _, err := store.All(ctx); err != nil {
					t.Errorf("All during writes: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, writers*perWriter, "no entry may be lost under concurrent writes")
}

func TestGetByFingerprint(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first := sampleRecord("req-1", "same prompt")
	second := sampleRecord("req-2", "same prompt")
	other := sampleRecord("req-3", "different prompt")
	require.NoError(t, store.Put(ctx, first))
	require.NoError(t, store.Put(ctx, second))
	require.NoError(t, store.Put(ctx, other))

	matches, err := store.GetByFingerprint(ctx, first.Fingerprint.PromptDigest)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "req-1", matches[0].RequestID, "oldest first")
	assert.Equal(t, "req-2", matches[1].RequestID)
}

func TestExportRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Put(ctx, sampleRecord(fmt.Sprintf("req-%d", i), fmt.Sprintf("prompt %d", i))))
	}

	config := map[string]any{"temperature": 0.0, "retry_attempts": 3, "audit_level": LevelForensic}
	data, err := Export(ctx, store, config)
	require.NoError(t, err)

	snapshot, err := ParseSnapshot(data)
	require.NoError(t, err)
	require.Len(t, snapshot.Records, 5)
	assert.False(t, snapshot.ExportedAt.IsZero())

	original, err := store.All(ctx)
	require.NoError(t, err)
	for i, rec := range snapshot.Records {
		assert.Equal(t, original[i].Fingerprint.PromptDigest, rec.Fingerprint.PromptDigest,
			"prompt digest must survive the round trip byte-identically")
		assert.Equal(t, original[i].Fingerprint.ConfigDigest, rec.Fingerprint.ConfigDigest)
		assert.Equal(t, original[i].ComplianceFlags, rec.ComplianceFlags)
		require.NotNil(t, rec.ConsistencyScore)
		assert.Equal(t, *original[i].ConsistencyScore, *rec.ConsistencyScore)
	}

	// Export must not mutate the store.
	after, err := store.All(ctx)
	require.NoError(t, err)
	assert.Len(t, after, 5)
}

func TestImportIntoFreshStore(t *testing.T) {
	ctx := context.Background()
	source := NewMemoryStore()
	for i := 0; i < 3; i++ {
		require.NoError(t, source.Put(ctx, sampleRecord(fmt.Sprintf("req-%d", i), "p")))
	}
	data, err := Export(ctx, source, nil)
	require.NoError(t, err)

	snapshot, err := ParseSnapshot(data)
	require.NoError(t, err)

	target := NewMemoryStore()
	n, err := Import(ctx, target, snapshot)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Importing again skips existing records instead of overwriting.
	n, err = Import(ctx, target, snapshot)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBadgerStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := OpenBadgerStore(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	for i := 0; i < 4; i++ {
		require.NoError(t, store.Put(ctx, sampleRecord(fmt.Sprintf("req-%d", i), fmt.Sprintf("p%d", i))))
	}

	got, err := store.Get(ctx, "req-2")
	require.NoError(t, err)
	assert.Equal(t, "req-2", got.RequestID)

	_, err = store.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, rec := range all {
		assert.Equal(t, fmt.Sprintf("req-%d", i), rec.RequestID, "insertion order must be preserved")
	}

	require.NoError(t, store.Clear(ctx))
	all, err = store.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}
