// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checks implements the security check registry: a fixed set of
// independent validations that the trust pipeline fans out per inbound
// operation. Each check is a function of the operation descriptor and the
// request context only; checks never depend on each other or on execution
// order.
package checks

import (
	"context"
	"time"

	"github.com/AleutianAI/AleutianVerify/services/verify/fingerprint"
)

// CheckType is the closed enum of validation check categories.
type CheckType string

const (
	CheckTransport    CheckType = "transport"
	CheckCryptography CheckType = "cryptography"
	CheckAuthority    CheckType = "authority"
	CheckAntiSpoof    CheckType = "anti_spoof"
	CheckBehavioral   CheckType = "behavioral"
	CheckSegmentation CheckType = "segmentation"
	CheckDeterminism  CheckType = "determinism_compliance"
)

// Severity grades a violation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Violation is one concrete security finding produced by a check.
type Violation struct {
	CheckType      CheckType `json:"check_type"`
	Severity       Severity  `json:"severity"`
	Description    string    `json:"description"`
	MitigationHint string    `json:"mitigation_hint,omitempty"`
}

// DeterministicDetail is the extra outcome of the determinism-compliance
// check: three independent weighted sub-checks folded into a compliance
// score.
type DeterministicDetail struct {
	FingerprintVerified      bool    `json:"fingerprint_verified"`
	AuditTrailComplete       bool    `json:"audit_trail_complete"`
	ReproducibilityConfirmed bool    `json:"reproducibility_confirmed"`
	ComplianceScore          float64 `json:"compliance_score"`
}

// Result is the outcome of running one check.
type Result struct {
	// CheckType identifies which check produced this result.
	CheckType CheckType `json:"check_type"`

	// Passed is false whenever a violation is present.
	Passed bool `json:"passed"`

	// Violation is set when the check failed.
	Violation *Violation `json:"violation,omitempty"`

	// Detail is a short human-readable explanation, populated on pass and
	// fail alike so the assessment shows every check that ran.
	Detail string `json:"detail,omitempty"`

	// DeterministicDetail is set only by the determinism-compliance check.
	DeterministicDetail *DeterministicDetail `json:"deterministic_detail,omitempty"`
}

// Signature is the cryptographic proof attached to a request.
type Signature struct {
	// Algorithm names the scheme, e.g. "hmac-sha256" or "ed25519".
	Algorithm string `json:"algorithm"`

	// KeyID selects the verification key.
	KeyID string `json:"key_id"`

	// Value is the hex-encoded signature bytes.
	Value string `json:"value"`

	// Payload is the exact byte string that was signed.
	Payload string `json:"payload"`
}

// Operation describes what the caller wants to do.
type Operation struct {
	// ID correlates the operation across logs and audit events.
	ID string `json:"id"`

	// Kind names the operation, e.g. "inference.run".
	Kind string `json:"kind"`

	// Prompt and SystemPrompt are the inference inputs, present when the
	// operation is a generation request.
	Prompt       string `json:"prompt,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`

	// AllowedSegments lists the access segments permitted to perform this
	// operation. Empty means unrestricted.
	AllowedSegments []string `json:"allowed_segments,omitempty"`

	// Fingerprint is the content-addressed identifier of the inference this
	// operation concerns. Required by the determinism-compliance check.
	Fingerprint fingerprint.PromptFingerprint `json:"fingerprint,omitempty"`

	// Settings are the generation settings the fingerprint was built with.
	Settings fingerprint.Settings `json:"settings,omitempty"`
}

// RequestContext carries everything the checks need to know about the caller
// and the channel the request arrived on. Assembled by the transport layer;
// the checks treat it as read-only.
type RequestContext struct {
	// ClientID identifies the calling client installation.
	ClientID string `json:"client_id"`

	// Identity is the acting identity, resolved by the outer auth layer.
	Identity string `json:"identity"`

	// Segment is the identity's access segment.
	Segment string `json:"segment"`

	// TLSVersion is the negotiated protocol version, e.g. tls.VersionTLS13.
	TLSVersion uint16 `json:"tls_version"`

	// SecureChannel is true when the request arrived over an authenticated
	// encrypted channel end to end.
	SecureChannel bool `json:"secure_channel"`

	// Signature is the cryptographic proof, zero-valued when absent.
	Signature Signature `json:"signature"`

	// Timestamp is when the client claims to have issued the request.
	Timestamp time.Time `json:"timestamp"`

	// Nonce is a single-use value; reuse indicates replay.
	Nonce string `json:"nonce"`

	// ClientFingerprint is the client's self-reported installation
	// fingerprint, formatted as hex.
	ClientFingerprint string `json:"client_fingerprint"`

	// GeoRegion is the coarse geographic region the request originated from.
	GeoRegion string `json:"geo_region"`

	// LocalHour is the client's local hour of day, 0 to 23. Negative means
	// unknown.
	LocalHour int `json:"local_hour"`

	// Metadata holds transport-layer extras the checks may consult.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Check is one independent validation.
//
// Run must honor ctx cancellation, never panic, and never mutate op or
// reqCtx. A Check instance is shared across requests and must be safe for
// concurrent use.
type Check interface {
	Type() CheckType
	Run(ctx context.Context, op Operation, reqCtx RequestContext) Result
}

// pass builds a passing result.
func pass(ct CheckType, detail string) Result {
	return Result{CheckType: ct, Passed: true, Detail: detail}
}

// fail builds a failing result with one violation.
func fail(ct CheckType, sev Severity, description, hint string) Result {
	return Result{
		CheckType: ct,
		Passed:    false,
		Detail:    description,
		Violation: &Violation{
			CheckType:      ct,
			Severity:       sev,
			Description:    description,
			MitigationHint: hint,
		},
	}
}
