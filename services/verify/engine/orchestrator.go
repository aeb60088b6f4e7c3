// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianVerify/pkg/extensions"
	"github.com/AleutianAI/AleutianVerify/services/verify/audit"
	"github.com/AleutianAI/AleutianVerify/services/verify/fingerprint"
	"github.com/AleutianAI/AleutianVerify/services/verify/observability"
	"github.com/AleutianAI/AleutianVerify/services/verify/provider"
)

// Metric status labels for orchestrated runs.
const (
	statusSuccess       = "success"
	statusDegraded      = "degraded"
	statusExhausted     = "exhausted"
	statusInvalidConfig = "invalid_config"
)

// Options configures an Orchestrator. Provider and Store are required; every
// other field has a working zero-value substitute.
type Options struct {
	// Provider performs the actual generation calls.
	Provider provider.GenerationProvider

	// Store persists one audit record per orchestrated run.
	Store audit.Store

	// Denylist scans accepted output for non-compliant content. Nil means
	// use the embedded default rules.
	Denylist *Denylist

	// AuditSink receives one event per completed or exhausted run.
	AuditSink extensions.AuditLogger

	// Logger for structured run logging. Nil means slog.Default().
	Logger *slog.Logger

	// Metrics records run outcomes. Nil disables metric recording.
	Metrics *observability.VerifyMetrics

	// Config is the base configuration; per-request overrides merge on top.
	// Zero value means DefaultConfig().
	Config DeterministicConfig
}

// Orchestrator runs the deterministic generation loop: validate the merged
// configuration, derive the seed, fingerprint the request, call the provider
// with retries, optionally confirm consistency, and persist an audit record.
//
// Safe for concurrent use.
type Orchestrator struct {
	provider  provider.GenerationProvider
	store     audit.Store
	denylist  *Denylist
	auditSink extensions.AuditLogger
	logger    *slog.Logger
	metrics   *observability.VerifyMetrics
	base      DeterministicConfig
	tracer    trace.Tracer
}

// New creates an Orchestrator from opts.
func New(opts Options) (*Orchestrator, error) {
	if opts.Provider == nil {
		return nil, errors.New("engine: Provider is required")
	}
	if opts.Store == nil {
		return nil, errors.New("engine: Store is required")
	}
	dl := opts.Denylist
	if dl == nil {
		var err error
		dl, err = NewDenylist()
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}
	sink := opts.AuditSink
	if sink == nil {
		sink = extensions.NopAuditLogger{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := opts.Config
	if base == (DeterministicConfig{}) {
		base = DefaultConfig()
	}
	return &Orchestrator{
		provider:  opts.Provider,
		store:     opts.Store,
		denylist:  dl,
		auditSink: sink,
		logger:    logger,
		metrics:   opts.Metrics,
		base:      base,
		tracer:    otel.Tracer("aleutian.verify.engine"),
	}, nil
}

// Config returns the base configuration merges apply on top of.
func (o *Orchestrator) Config() DeterministicConfig { return o.base }

// Run executes one orchestrated generation.
//
// # Description
//
// The merged configuration is validated before any provider call; a ceiling
// violation returns ErrInvalidConfiguration and nothing is generated or
// stored. Otherwise the provider is called up to RetryAttempts times with an
// identical seed. When consistency checking is enabled, each successful
// attempt is confirmed by a second generation and accepted only when the two
// outputs score at or above the threshold. A run whose attempts produced
// output but never met the threshold is a degraded success: the record is
// stored with Reproducible false and no error is returned.
//
// # Inputs
//
//   - ctx: Cancellation for the whole run. Each provider call additionally
//     gets a per-attempt timeout.
//   - prompt: User prompt. Must be non-empty.
//   - systemPrompt: Optional system prompt, empty means none.
//   - override: Per-request config overrides, nil for the base config.
//
// # Outputs
//
//   - audit.Record: The stored record. On exhaustion a record with empty
//     result text is still stored and returned alongside the error.
//   - error: ErrInvalidConfiguration, ErrGenerationExhausted, or a storage
//     error.
func (o *Orchestrator) Run(ctx context.Context, prompt, systemPrompt string, override *ConfigOverride) (audit.Record, error) {
	started := time.Now()
	ctx, span := o.tracer.Start(ctx, "engine.Run")
	defer span.End()

	cfg := o.base.Merge(override)
	if err := cfg.Validate(); err != nil {
		o.metrics.RecordInference(statusInvalidConfig, time.Since(started).Seconds())
		o.logger.Warn("rejected non-deterministic configuration",
			"temperature", cfg.Temperature,
			"nucleus_threshold", cfg.NucleusThreshold,
			"error", err)
		return audit.Record{}, err
	}
	if strings.TrimSpace(prompt) == "" {
		err := fmt.Errorf("%w: empty prompt", ErrInvalidConfiguration)
		o.metrics.RecordInference(statusInvalidConfig, time.Since(started).Seconds())
		return audit.Record{}, err
	}

	promptDigest := fingerprint.HashText(prompt)
	seed := cfg.FixedSeed
	if seed == 0 {
		seed = fingerprint.DeriveSeed(promptDigest)
	}
	fp := fingerprint.Build(prompt, systemPrompt, fingerprint.Settings{
		Temperature:      cfg.Temperature,
		NucleusThreshold: cfg.NucleusThreshold,
		MaxOutputUnits:   cfg.MaxOutputUnits,
		FixedSeed:        seed,
		ModelIdentifier:  cfg.ModelIdentifier,
	})
	span.SetAttributes(
		attribute.String("fingerprint", fp.Short()),
		attribute.String("model", cfg.ModelIdentifier),
	)

	messages := buildMessages(prompt, systemPrompt)
	params := provider.SamplingParams{
		Temperature: cfg.Temperature,
		TopP:        cfg.NucleusThreshold,
		MaxTokens:   cfg.MaxOutputUnits,
		Seed:        seed,
		Model:       cfg.ModelIdentifier,
	}

	outcome := o.generate(ctx, cfg, messages, params, fp)

	record := o.assembleRecord(cfg, fp, promptDigest, outcome, time.Since(started))
	if err := o.store.Put(ctx, record); err != nil {
		o.metrics.RecordInference(outcome.status(), time.Since(started).Seconds())
		return record, fmt.Errorf("store audit record: %w", err)
	}

	o.emit(ctx, record, outcome)
	o.metrics.RecordInference(outcome.status(), time.Since(started).Seconds())
	o.metrics.RecordUnits(record.UnitUsage.PromptUnits, record.UnitUsage.CompletionUnits, cfg.ModelIdentifier)

	o.logger.Info("orchestrated run complete",
		"request_id", record.RequestID,
		"fingerprint", fp.Short(),
		"status", outcome.status(),
		"retries", record.RetryCount,
		"duration_ms", record.ProcessingDurationMs)

	if outcome.exhausted {
		return record, fmt.Errorf("%w: %d attempts failed, last error: %v",
			ErrGenerationExhausted, cfg.RetryAttempts, outcome.lastErr)
	}
	return record, nil
}

// runOutcome carries the result of the generation loop back to record
// assembly.
type runOutcome struct {
	text           string
	usage          provider.Usage
	retryCount     int
	consistency    *float64
	consistencyMet bool
	exhausted      bool
	degraded       bool
	lastErr        error
}

func (r runOutcome) status() string {
	switch {
	case r.exhausted:
		return statusExhausted
	case r.degraded:
		return statusDegraded
	default:
		return statusSuccess
	}
}

// generate runs the retry loop. Every attempt uses the same seed; variation
// between attempts is provider nondeterminism, which is exactly what the
// consistency check measures.
func (o *Orchestrator) generate(ctx context.Context, cfg DeterministicConfig, messages []provider.Message, params provider.SamplingParams, fp fingerprint.PromptFingerprint) runOutcome {
	out := runOutcome{exhausted: true}

	for attempt := 1; attempt <= cfg.RetryAttempts; attempt++ {
		if ctx.Err() != nil {
			out.lastErr = ctx.Err()
			break
		}
		result, err := o.generateOnce(ctx, cfg, messages, params)
		if err != nil {
			out.lastErr = err
			out.retryCount = attempt - 1
			o.logger.Warn("generation attempt failed",
				"attempt", attempt, "fingerprint", fp.Short(), "error", err)
			continue
		}

		out.exhausted = false
		out.text = result.Text
		out.usage = result.Usage
		out.retryCount = attempt - 1

		if !cfg.ConsistencyEnabled() {
			return out
		}

		confirm, err := o.generateOnce(ctx, cfg, messages, params)
		if err != nil {
			// The primary generation stands; an unconfirmable result is
			// degraded, not failed.
			out.lastErr = err
			out.degraded = true
			o.logger.Warn("consistency confirmation failed",
				"attempt", attempt, "fingerprint", fp.Short(), "error", err)
			return out
		}
		score := ConsistencyScore(result.Text, confirm.Text)
		out.consistency = &score
		if score >= cfg.ConsistencyThreshold {
			out.consistencyMet = true
			out.degraded = false
			return out
		}
		out.degraded = true
		o.logger.Warn("consistency below threshold",
			"attempt", attempt,
			"score", score,
			"threshold", cfg.ConsistencyThreshold,
			"fingerprint", fp.Short())
	}

	if out.exhausted {
		out.retryCount = cfg.RetryAttempts - 1
	}
	return out
}

func (o *Orchestrator) generateOnce(ctx context.Context, cfg DeterministicConfig, messages []provider.Message, params provider.SamplingParams) (provider.Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, cfg.attemptTimeout())
	defer cancel()
	return o.provider.Generate(attemptCtx, messages, params)
}

func (o *Orchestrator) assembleRecord(cfg DeterministicConfig, fp fingerprint.PromptFingerprint, promptDigest string, out runOutcome, elapsed time.Duration) audit.Record {
	findings := o.denylist.Scan(out.text)
	withinBound := out.usage.CompletionUnits <= cfg.MaxOutputUnits
	regulatory := !out.exhausted && out.text != "" && withinBound && len(findings) == 0

	reproducible := cfg.Deterministic() && !out.exhausted
	if out.consistency != nil {
		reproducible = reproducible && out.consistencyMet
	}

	resultText := out.text
	if cfg.AuditLevel == audit.LevelBasic {
		// Basic records keep the trail lightweight; the fingerprint still
		// identifies the content.
		resultText = ""
	}

	return audit.Record{
		RequestID:            newRequestID(promptDigest),
		Fingerprint:          fp,
		ResultText:           resultText,
		ProcessingDurationMs: elapsed.Milliseconds(),
		UnitUsage: audit.UnitUsage{
			PromptUnits:     out.usage.PromptUnits,
			CompletionUnits: out.usage.CompletionUnits,
			TotalUnits:      out.usage.TotalUnits,
		},
		ConsistencyScore: out.consistency,
		RetryCount:       out.retryCount,
		ComplianceFlags: audit.ComplianceFlags{
			Reproducible:        reproducible,
			AuditLevel:          cfg.AuditLevel,
			RegulatoryCompliant: regulatory,
			QualityScore:        qualityScore(out),
		},
		CreatedAt: time.Now().UTC(),
	}
}

func (o *Orchestrator) emit(ctx context.Context, record audit.Record, out runOutcome) {
	eventType := "inference.completed"
	outcome := "success"
	switch {
	case out.exhausted:
		eventType = "inference.exhausted"
		outcome = "error"
	case out.degraded:
		outcome = "degraded"
	}
	event := extensions.AuditEvent{
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Subject:   record.RequestID,
		Outcome:   outcome,
		Metadata: map[string]any{
			"request_id":    record.RequestID,
			"fingerprint":   record.Fingerprint.Short(),
			"retry_count":   record.RetryCount,
			"duration_ms":   record.ProcessingDurationMs,
			"quality_score": record.ComplianceFlags.QualityScore,
		},
	}
	if err := o.auditSink.Log(ctx, event); err != nil {
		o.logger.Warn("audit sink rejected event", "event_type", eventType, "error", err)
	}
}

// ExportAudit serializes the full audit trail with the active base
// configuration for offline compliance review.
func (o *Orchestrator) ExportAudit(ctx context.Context) ([]byte, error) {
	return audit.Export(ctx, o.store, o.base)
}

// qualityScore maps the run outcome into [0,1]. Each retry costs 0.15; when
// a consistency comparison ran, the score blends in at 40 percent weight.
func qualityScore(out runOutcome) float64 {
	if out.exhausted {
		return 0
	}
	score := 1.0 - 0.15*float64(out.retryCount)
	if out.consistency != nil {
		score *= 0.6 + 0.4**out.consistency
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func buildMessages(prompt, systemPrompt string) []provider.Message {
	msgs := make([]provider.Message, 0, 2)
	if systemPrompt != "" {
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: systemPrompt})
	}
	return append(msgs, provider.Message{Role: provider.RoleUser, Content: prompt})
}

// newRequestID builds a correlation id from the prompt digest, the wall
// clock, and a random salt. Unique per attempt even for identical prompts.
func newRequestID(promptDigest string) string {
	material := fmt.Sprintf("%s|%d|%s", promptDigest, time.Now().UnixNano(), uuid.NewString())
	sum := sha256.Sum256([]byte(material))
	return "req-" + hex.EncodeToString(sum[:])[:32]
}
