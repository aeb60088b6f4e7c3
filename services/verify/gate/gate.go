// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gate implements the compliance gate: the only component that
// produces a binding accept or deny decision. Everything below it, the
// orchestrator, the checks, the pipeline, produces advisory data.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianVerify/pkg/extensions"
	"github.com/AleutianAI/AleutianVerify/services/verify/audit"
	"github.com/AleutianAI/AleutianVerify/services/verify/checks"
	"github.com/AleutianAI/AleutianVerify/services/verify/engine"
	"github.com/AleutianAI/AleutianVerify/services/verify/fingerprint"
	"github.com/AleutianAI/AleutianVerify/services/verify/observability"
	"github.com/AleutianAI/AleutianVerify/services/verify/pipeline"
)

// Decision is the binding outcome of one authorization request.
type Decision struct {
	// Allow is the final verdict.
	Allow bool `json:"allow"`

	// Assessment is the full trust assessment backing the verdict. A denied
	// decision always carries at least one violation or a non-reproducible
	// flag; a bare deny with no explanation is a defect.
	Assessment pipeline.TrustAssessment `json:"assessment"`

	// AuditRecord is present when reproducibility gating ran an inference
	// or reused an existing audited one.
	AuditRecord *audit.Record `json:"audit_record,omitempty"`
}

// Options configures a Gate.
type Options struct {
	// Orchestrator runs deterministic inferences for reproducibility
	// gating. Required.
	Orchestrator *engine.Orchestrator

	// Pipeline validates operations that do not require reproducibility
	// gating. Its registry must not include the determinism-compliance
	// check. Required.
	Pipeline *pipeline.Pipeline

	// DeterministicPipeline validates operations under reproducibility
	// gating; its registry includes the determinism-compliance check,
	// ideally sharing the other check instances with Pipeline (see
	// checks.Registry.Without). Defaults to Pipeline when nil, which
	// disables reproducibility confirmation.
	DeterministicPipeline *pipeline.Pipeline

	// Trail is the audit store the orchestrator writes to, consulted for
	// pre-existing records before a fresh inference is run.
	Trail audit.Store

	// AuditSink receives one gate event per decision.
	AuditSink extensions.AuditLogger

	// Logger for structured logging. Nil means slog.Default().
	Logger *slog.Logger

	// Metrics records decisions. Nil disables recording.
	Metrics *observability.VerifyMetrics
}

// Gate combines the trust pipeline with, when required, a deterministic
// inference run, and produces the final decision.
type Gate struct {
	orchestrator *engine.Orchestrator
	pipeline     *pipeline.Pipeline
	detPipeline  *pipeline.Pipeline
	trail        audit.Store
	auditSink    extensions.AuditLogger
	logger       *slog.Logger
	metrics      *observability.VerifyMetrics
}

// New creates a Gate from opts.
func New(opts Options) (*Gate, error) {
	if opts.Orchestrator == nil {
		return nil, errors.New("gate: Orchestrator is required")
	}
	if opts.Pipeline == nil {
		return nil, errors.New("gate: Pipeline is required")
	}
	if opts.Trail == nil {
		return nil, errors.New("gate: Trail is required")
	}
	sink := opts.AuditSink
	if sink == nil {
		sink = extensions.NopAuditLogger{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	detPipeline := opts.DeterministicPipeline
	if detPipeline == nil {
		detPipeline = opts.Pipeline
	}
	return &Gate{
		orchestrator: opts.Orchestrator,
		pipeline:     opts.Pipeline,
		detPipeline:  detPipeline,
		trail:        opts.Trail,
		auditSink:    sink,
		logger:       logger,
		metrics:      opts.Metrics,
	}, nil
}

// Authorize produces the binding decision for one operation.
//
// When requireDeterministic is true the gate first obtains an audit record
// for the operation's fingerprint, reusing an existing one when the trail
// already holds it and otherwise running a fresh deterministic inference,
// then validates with the determinism-compliance check seeded from that
// record. A configuration that violates the determinism ceiling fails here
// with ErrInvalidConfiguration before any provider call is made.
//
// Allow is true iff the assessment passed and, when required, the
// reproducibility of the operation was confirmed.
func (g *Gate) Authorize(ctx context.Context, op checks.Operation, reqCtx checks.RequestContext, requireDeterministic bool) (Decision, error) {
	var record *audit.Record

	if requireDeterministic {
		merged := g.orchestrator.Config().Merge(settingsOverride(op.Settings))
		if err := merged.Validate(); err != nil {
			g.metrics.RecordDecision(false, true)
			g.emit(ctx, reqCtx, false, true, "configuration rejected")
			return Decision{}, fmt.Errorf("gate: %w", err)
		}

		rec, err := g.obtainRecord(ctx, op)
		if err != nil {
			g.metrics.RecordDecision(false, true)
			g.emit(ctx, reqCtx, false, true, "inference failed")
			return Decision{AuditRecord: rec}, fmt.Errorf("gate: %w", err)
		}
		record = rec

		// Seed the determinism check with the audited fingerprint and the
		// settings the run actually used.
		op.Fingerprint = record.Fingerprint
		op.Settings = fingerprint.Settings{
			Temperature:      merged.Temperature,
			NucleusThreshold: merged.NucleusThreshold,
			MaxOutputUnits:   merged.MaxOutputUnits,
			FixedSeed:        merged.FixedSeed,
			ModelIdentifier:  merged.ModelIdentifier,
		}
	}

	pipe := g.pipeline
	if requireDeterministic {
		pipe = g.detPipeline
	}
	assessment := pipe.Validate(ctx, op, reqCtx)

	allow := assessment.Passed
	if requireDeterministic {
		allow = allow && assessment.DeterminismPassed()
	}

	g.metrics.RecordDecision(allow, requireDeterministic)
	g.emit(ctx, reqCtx, allow, requireDeterministic, string(assessment.ComplianceTier))
	g.logger.Info("authorization decision",
		"operation", op.Kind,
		"identity", reqCtx.Identity,
		"allow", allow,
		"require_deterministic", requireDeterministic,
		"trust_score", assessment.TrustScore,
		"compliance_tier", assessment.ComplianceTier)

	return Decision{Allow: allow, Assessment: assessment, AuditRecord: record}, nil
}

// obtainRecord reuses the newest audit record for the operation's
// fingerprint, or runs a fresh deterministic inference when none exists.
func (g *Gate) obtainRecord(ctx context.Context, op checks.Operation) (*audit.Record, error) {
	if op.Fingerprint.WellFormed() {
		records, err := g.trail.GetByFingerprint(ctx, op.Fingerprint.PromptDigest)
		if err == nil && len(records) > 0 {
			latest := records[len(records)-1]
			return &latest, nil
		}
	}

	record, err := g.orchestrator.Run(ctx, op.Prompt, op.SystemPrompt, settingsOverride(op.Settings))
	if err != nil {
		if record.RequestID != "" {
			return &record, err
		}
		return nil, err
	}
	return &record, nil
}

func (g *Gate) emit(ctx context.Context, reqCtx checks.RequestContext, allow, deterministic bool, detail string) {
	eventType := "gate.allowed"
	outcome := "success"
	if !allow {
		eventType = "gate.denied"
		outcome = "denied"
	}
	event := extensions.AuditEvent{
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Subject:   reqCtx.Identity,
		Outcome:   outcome,
		Metadata: map[string]any{
			"require_deterministic": deterministic,
			"detail":                detail,
		},
	}
	if err := g.auditSink.Log(ctx, event); err != nil {
		g.logger.Warn("audit sink rejected event", "event_type", eventType, "error", err)
	}
}

// settingsOverride maps non-zero generation settings onto a config override.
// A zero-value Settings yields nil, meaning the engine's base configuration.
func settingsOverride(s fingerprint.Settings) *engine.ConfigOverride {
	if s == (fingerprint.Settings{}) {
		return nil
	}
	override := &engine.ConfigOverride{}
	if s.Temperature != 0 {
		override.Temperature = &s.Temperature
	}
	if s.NucleusThreshold != 0 {
		override.NucleusThreshold = &s.NucleusThreshold
	}
	if s.MaxOutputUnits != 0 {
		override.MaxOutputUnits = &s.MaxOutputUnits
	}
	if s.FixedSeed != 0 {
		override.FixedSeed = &s.FixedSeed
	}
	if s.ModelIdentifier != "" {
		override.ModelIdentifier = &s.ModelIdentifier
	}
	return override
}
