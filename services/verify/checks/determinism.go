// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checks

import (
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianVerify/services/verify/audit"
	"github.com/AleutianAI/AleutianVerify/services/verify/engine"
)

// Sub-check weights for the compliance score. Chosen so that any single
// failing sub-check pulls the score below the 0.7 confirmation line.
const (
	weightFingerprint = 0.35
	weightAuditTrail  = 0.35
	weightConfig      = 0.30

	// complianceFloor is the minimum compliance score for the check to pass.
	complianceFloor = 0.7
)

// DeterminismCheck verifies the reproducibility posture of an operation:
// the fingerprint is well-formed, the audit trail holds at least one record
// for it, and the originating settings satisfy the determinism ceiling.
// Each sub-check contributes a fixed weight to the compliance score;
// reproducibility is confirmed only when all three pass.
//
// Only registered when reproducibility gating is requested.
type DeterminismCheck struct {
	// Trail is the audit store to look the fingerprint up in. Required.
	Trail audit.Store
}

func (c *DeterminismCheck) Type() CheckType { return CheckDeterminism }

func (c *DeterminismCheck) Run(ctx context.Context, op Operation, _ RequestContext) Result {
	detail := &DeterministicDetail{}
	var failures []string

	if op.Fingerprint.WellFormed() {
		detail.FingerprintVerified = true
		detail.ComplianceScore += weightFingerprint
	} else {
		failures = append(failures, "fingerprint missing or malformed")
	}

	records, err := c.Trail.GetByFingerprint(ctx, op.Fingerprint.PromptDigest)
	if err == nil && len(records) > 0 {
		detail.AuditTrailComplete = true
		detail.ComplianceScore += weightAuditTrail
	} else {
		failures = append(failures, "no audit record for fingerprint")
	}

	settings := op.Settings
	if settings.Temperature <= engine.TemperatureCeiling && settings.NucleusThreshold >= engine.NucleusFloor {
		detail.ComplianceScore += weightConfig
	} else {
		failures = append(failures, fmt.Sprintf(
			"settings violate determinism ceiling (temperature %g, nucleus %g)",
			settings.Temperature, settings.NucleusThreshold))
	}

	detail.ReproducibilityConfirmed = detail.FingerprintVerified &&
		detail.AuditTrailComplete &&
		detail.ComplianceScore >= weightFingerprint+weightAuditTrail+weightConfig-1e-9

	if detail.ComplianceScore >= complianceFloor && detail.ReproducibilityConfirmed {
		r := pass(CheckDeterminism, fmt.Sprintf("compliance score %.2f, reproducibility confirmed", detail.ComplianceScore))
		r.DeterministicDetail = detail
		return r
	}

	r := fail(CheckDeterminism, SeverityHigh,
		fmt.Sprintf("compliance score %.2f: %s", detail.ComplianceScore, strings.Join(failures, "; ")),
		"re-run the inference under a deterministic configuration and retain the audit record")
	r.DeterministicDetail = detail
	return r
}

var _ Check = (*DeterminismCheck)(nil)
