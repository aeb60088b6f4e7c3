// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline aggregates the check registry into a single trust
// assessment per inbound operation: fan the checks out concurrently, join
// them under a bounded budget, and fold the outcomes into a weighted trust
// score, an ordered violation list, and a compliance tier.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianVerify/pkg/extensions"
	"github.com/AleutianAI/AleutianVerify/services/verify/checks"
	"github.com/AleutianAI/AleutianVerify/services/verify/observability"
)

// ComplianceTier classifies how strongly an operation satisfies trust and
// reproducibility requirements, lowest to highest.
type ComplianceTier string

const (
	TierBaseline               ComplianceTier = "baseline"
	TierStandard               ComplianceTier = "standard"
	TierMaximal                ComplianceTier = "maximal"
	TierDeterministicCompliant ComplianceTier = "deterministic_compliant"
)

// Tier score thresholds.
const (
	standardFloor      = 0.7
	maximalFloor       = 0.9
	deterministicFloor = 0.95
)

// Per-severity trust score multipliers. Violations compound multiplicatively.
var severityPenalty = map[checks.Severity]float64{
	checks.SeverityCritical: 0.25,
	checks.SeverityHigh:     0.5,
	checks.SeverityMedium:   0.7,
	checks.SeverityLow:      0.8,
}

// TrustAssessment is the aggregate outcome of one validation run.
type TrustAssessment struct {
	// Passed is true iff no critical-severity violation is present. A low
	// trust score alone does not block; it surfaces via Recommendations.
	Passed bool `json:"passed"`

	// TrustScore in [0,1]: 1.0 multiplied by each violation's severity
	// penalty.
	TrustScore float64 `json:"trust_score"`

	// Violations in fixed check-registration order, so audit output is
	// itself reproducible regardless of check completion order.
	Violations []checks.Violation `json:"violations"`

	// Recommendations derived from the violations and the score.
	Recommendations []string `json:"recommendations,omitempty"`

	// ComplianceTier derived from the score and the determinism outcome.
	ComplianceTier ComplianceTier `json:"compliance_tier"`

	// DeterministicDetail is present when the determinism-compliance check
	// ran.
	DeterministicDetail *checks.DeterministicDetail `json:"deterministic_detail,omitempty"`

	// Results holds every check outcome, pass and fail alike, in
	// registration order. Nothing a check reports is swallowed.
	Results []checks.Result `json:"results"`
}

// DeterminismPassed reports whether the determinism-compliance check ran and
// confirmed reproducibility.
func (a TrustAssessment) DeterminismPassed() bool {
	return a.DeterministicDetail != nil && a.DeterministicDetail.ReproducibilityConfirmed
}

// Options configures a Pipeline.
type Options struct {
	// Registry supplies the ordered check set. Required.
	Registry *checks.Registry

	// CheckTimeout is the slice each individual check gets. Defaults to 2s.
	CheckTimeout time.Duration

	// AggregateTimeout bounds the whole validation run. Defaults to 10s.
	AggregateTimeout time.Duration

	// AuditSink receives one summary event per invocation.
	AuditSink extensions.AuditLogger

	// Logger for structured logging. Nil means slog.Default().
	Logger *slog.Logger

	// Metrics records check and score outcomes. Nil disables recording.
	Metrics *observability.VerifyMetrics
}

// Pipeline validates inbound operations against the check registry.
// Safe for concurrent use.
type Pipeline struct {
	registry         *checks.Registry
	checkTimeout     time.Duration
	aggregateTimeout time.Duration
	auditSink        extensions.AuditLogger
	logger           *slog.Logger
	metrics          *observability.VerifyMetrics
	tracer           trace.Tracer
}

// New creates a Pipeline from opts.
func New(opts Options) (*Pipeline, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("pipeline: Registry is required")
	}
	checkTimeout := opts.CheckTimeout
	if checkTimeout <= 0 {
		checkTimeout = 2 * time.Second
	}
	aggregateTimeout := opts.AggregateTimeout
	if aggregateTimeout <= 0 {
		aggregateTimeout = 10 * time.Second
	}
	sink := opts.AuditSink
	if sink == nil {
		sink = extensions.NopAuditLogger{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		registry:         opts.Registry,
		checkTimeout:     checkTimeout,
		aggregateTimeout: aggregateTimeout,
		auditSink:        sink,
		logger:           logger,
		metrics:          opts.Metrics,
		tracer:           otel.Tracer("aleutian.verify.pipeline"),
	}, nil
}

// Validate runs every registered check against the operation and folds the
// outcomes into a TrustAssessment.
//
// Checks run concurrently; each gets its own time slice and the whole run is
// bounded by the aggregate timeout. A check that does not finish inside its
// slice is treated as failed with a high-severity violation. Fail-closed: a
// trust decision never silently proceeds on partial data.
func (p *Pipeline) Validate(ctx context.Context, op checks.Operation, reqCtx checks.RequestContext) TrustAssessment {
	started := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.Validate")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.aggregateTimeout)
	defer cancel()

	ordered := p.registry.Checks()
	results := make([]checks.Result, len(ordered))

	g, groupCtx := errgroup.WithContext(ctx)
	for i, check := range ordered {
		g.Go(func() error {
			results[i] = p.runBounded(groupCtx, check, op, reqCtx)
			return nil
		})
	}
	// Workers never return errors; failures become violations.
	_ = g.Wait()

	assessment := p.aggregate(results)

	span.SetAttributes(
		attribute.Float64("trust_score", assessment.TrustScore),
		attribute.Bool("passed", assessment.Passed),
		attribute.String("compliance_tier", string(assessment.ComplianceTier)),
		attribute.Int("violations", len(assessment.Violations)),
	)
	p.metrics.RecordTrustScore(assessment.TrustScore)
	p.emit(ctx, op, reqCtx, assessment, time.Since(started))

	return assessment
}

// runBounded executes one check inside its time slice. The check runs in its
// own goroutine; when the slice expires before it reports, the result is a
// synthesized high-severity violation and the straggler's eventual output is
// discarded.
func (p *Pipeline) runBounded(ctx context.Context, check checks.Check, op checks.Operation, reqCtx checks.RequestContext) checks.Result {
	ctx, cancel := context.WithTimeout(ctx, p.checkTimeout)
	defer cancel()

	done := make(chan checks.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- checks.Result{
					CheckType: check.Type(),
					Passed:    false,
					Detail:    fmt.Sprintf("check panicked: %v", r),
					Violation: &checks.Violation{
						CheckType:   check.Type(),
						Severity:    checks.SeverityHigh,
						Description: fmt.Sprintf("%s check failed internally", check.Type()),
					},
				}
			}
		}()
		done <- check.Run(ctx, op, reqCtx)
	}()

	select {
	case result := <-done:
		p.recordCheck(result)
		return result
	case <-ctx.Done():
		result := checks.Result{
			CheckType: check.Type(),
			Passed:    false,
			Detail:    "check did not complete within its time slice",
			Violation: &checks.Violation{
				CheckType:      check.Type(),
				Severity:       checks.SeverityHigh,
				Description:    fmt.Sprintf("%s check timed out", check.Type()),
				MitigationHint: "investigate check latency; the request was denied partial-data credit",
			},
		}
		p.metrics.RecordCheck(string(check.Type()), "timeout")
		return result
	}
}

func (p *Pipeline) recordCheck(result checks.Result) {
	outcome := "pass"
	if !result.Passed {
		outcome = "fail"
	}
	p.metrics.RecordCheck(string(result.CheckType), outcome)
}

// aggregate folds ordered results into the assessment. Results arrive in
// registration order because the slice is indexed by registry position, not
// by completion order.
func (p *Pipeline) aggregate(results []checks.Result) TrustAssessment {
	assessment := TrustAssessment{
		TrustScore: 1.0,
		Results:    results,
	}

	criticalCount := 0
	for _, result := range results {
		if result.DeterministicDetail != nil {
			assessment.DeterministicDetail = result.DeterministicDetail
		}
		if result.Violation == nil {
			continue
		}
		v := *result.Violation
		assessment.Violations = append(assessment.Violations, v)
		if penalty, ok := severityPenalty[v.Severity]; ok {
			assessment.TrustScore *= penalty
		}
		if v.Severity == checks.SeverityCritical {
			criticalCount++
		}
		if v.MitigationHint != "" {
			assessment.Recommendations = append(assessment.Recommendations,
				fmt.Sprintf("[%s] %s", v.CheckType, v.MitigationHint))
		}
		p.metrics.RecordViolation(string(v.CheckType), string(v.Severity))
	}

	assessment.Passed = criticalCount == 0
	if assessment.Passed && assessment.TrustScore < standardFloor {
		assessment.Recommendations = append(assessment.Recommendations,
			fmt.Sprintf("trust score %.2f is low; review the reported violations before granting elevated access", assessment.TrustScore))
	}
	assessment.ComplianceTier = deriveTier(assessment)
	return assessment
}

func deriveTier(a TrustAssessment) ComplianceTier {
	switch {
	case a.TrustScore >= deterministicFloor && a.DeterminismPassed():
		return TierDeterministicCompliant
	case a.TrustScore >= maximalFloor:
		return TierMaximal
	case a.TrustScore >= standardFloor:
		return TierStandard
	default:
		return TierBaseline
	}
}

// emit logs the summary and sends the audit event. Scores and violation
// types only; never signatures, nonces, or prompt content.
func (p *Pipeline) emit(ctx context.Context, op checks.Operation, reqCtx checks.RequestContext, a TrustAssessment, elapsed time.Duration) {
	violationTypes := make([]string, 0, len(a.Violations))
	for _, v := range a.Violations {
		violationTypes = append(violationTypes, string(v.CheckType))
	}

	p.logger.Info("trust assessment complete",
		"operation", op.Kind,
		"identity", reqCtx.Identity,
		"passed", a.Passed,
		"trust_score", a.TrustScore,
		"compliance_tier", a.ComplianceTier,
		"violation_types", violationTypes,
		"duration_ms", elapsed.Milliseconds())

	eventType := "trust.assessed"
	outcome := "success"
	if !a.Passed {
		eventType = "trust.denied"
		outcome = "denied"
	}
	event := extensions.AuditEvent{
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Subject:   reqCtx.Identity,
		Outcome:   outcome,
		Metadata: map[string]any{
			"operation":       op.Kind,
			"trust_score":     a.TrustScore,
			"violation_types": violationTypes,
			"compliance_tier": string(a.ComplianceTier),
			"duration_ms":     elapsed.Milliseconds(),
		},
	}
	if err := p.auditSink.Log(ctx, event); err != nil {
		p.logger.Warn("audit sink rejected event", "event_type", eventType, "error", err)
	}
}
