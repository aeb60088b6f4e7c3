// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit implements the audit trail store: keyed, append-only storage
// of inference audit records with lossless export for compliance review.
//
// The store is the only mutable shared resource in the verification core.
// Writes are append-only and atomic per key; readers (export, reporting, the
// determinism-compliance check) may run at any time against concurrent
// writers. Records are immutable once stored, never mutated in place.
package audit

import (
	"errors"
	"time"

	"github.com/AleutianAI/AleutianVerify/services/verify/fingerprint"
)

// ErrNotFound is returned by Get for an unknown request id. Callers must
// treat this as distinct from an empty result; the determinism-compliance
// check specifically keys off it.
var ErrNotFound = errors.New("audit record not found")

// Audit levels, in increasing order of detail.
const (
	LevelBasic    = "basic"
	LevelDetailed = "detailed"
	LevelForensic = "forensic"
)

// UnitUsage reports token consumption for one inference attempt.
type UnitUsage struct {
	PromptUnits     int `json:"prompt_units"`
	CompletionUnits int `json:"completion_units"`
	TotalUnits      int `json:"total_units"`
}

// ComplianceFlags summarizes the compliance posture of one inference attempt.
type ComplianceFlags struct {
	// Reproducible is true when the configuration satisfied the determinism
	// ceiling and, if a consistency check ran, the threshold was met.
	Reproducible bool `json:"reproducible"`

	// AuditLevel is the level the record was captured at.
	AuditLevel string `json:"audit_level"`

	// RegulatoryCompliant is true when the result was non-empty, within the
	// output-length bound, and free of denylisted content patterns. Kept
	// deliberately separate from the consistency score: a high similarity
	// between two generations says nothing about content safety.
	RegulatoryCompliant bool `json:"regulatory_compliant"`

	// QualityScore in [0,1], decreasing in retry count and increasing in
	// consistency.
	QualityScore float64 `json:"quality_score"`
}

// Record is one audit trail entry, created per inference attempt.
type Record struct {
	// RequestID is unique per attempt, derived from the prompt, wall clock,
	// and a random salt. Correlation only; never used for reproducibility.
	RequestID string `json:"request_id"`

	// Fingerprint is the content-addressed identifier for the attempt.
	Fingerprint fingerprint.PromptFingerprint `json:"fingerprint"`

	// ResultText is the accepted generation output.
	ResultText string `json:"result_text"`

	// ProcessingDurationMs is the wall time of the whole orchestrated run.
	ProcessingDurationMs int64 `json:"processing_duration_ms"`

	// UnitUsage is the token accounting for the accepted attempt.
	UnitUsage UnitUsage `json:"unit_usage"`

	// ConsistencyScore is populated only when a consistency comparison ran
	// (more than one attempt was required).
	ConsistencyScore *float64 `json:"consistency_score,omitempty"`

	// RetryCount is the number of attempts beyond the first.
	RetryCount int `json:"retry_count"`

	// ComplianceFlags summarizes the compliance outcome.
	ComplianceFlags ComplianceFlags `json:"compliance_flags"`

	// CreatedAt is when the record was assembled.
	CreatedAt time.Time `json:"created_at"`
}
