// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gate

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianVerify/pkg/extensions"
	"github.com/AleutianAI/AleutianVerify/services/verify/audit"
	"github.com/AleutianAI/AleutianVerify/services/verify/checks"
	"github.com/AleutianAI/AleutianVerify/services/verify/engine"
	"github.com/AleutianAI/AleutianVerify/services/verify/fingerprint"
	"github.com/AleutianAI/AleutianVerify/services/verify/pipeline"
	"github.com/AleutianAI/AleutianVerify/services/verify/provider"
)

// passCheck always passes; failCheck always fails with the given severity.
type passCheck struct{ checkType checks.CheckType }

func (c passCheck) Type() checks.CheckType { return c.checkType }
func (c passCheck) Run(context.Context, checks.Operation, checks.RequestContext) checks.Result {
	return checks.Result{CheckType: c.checkType, Passed: true}
}

type failCheck struct {
	checkType checks.CheckType
	severity  checks.Severity
}

func (c failCheck) Type() checks.CheckType { return c.checkType }
func (c failCheck) Run(context.Context, checks.Operation, checks.RequestContext) checks.Result {
	return checks.Result{
		CheckType: c.checkType,
		Passed:    false,
		Violation: &checks.Violation{
			CheckType:   c.checkType,
			Severity:    c.severity,
			Description: string(c.checkType) + " failed",
		},
	}
}

type gateFixture struct {
	gate  *Gate
	stub  *provider.StubProvider
	trail *audit.MemoryStore
	sink  *extensions.BufferedAuditLogger
}

// newGateFixture wires a gate over a stub provider. The determinism check
// reads detTrail, which tests may point at a store the orchestrator does not
// write to.
func newGateFixture(t *testing.T, detTrail audit.Store, extra ...checks.Check) *gateFixture {
	t.Helper()
	stub := &provider.StubProvider{}
	trail := audit.NewMemoryStore()
	if detTrail == nil {
		detTrail = trail
	}
	sink := extensions.NewBufferedAuditLogger()
	logger := slog.New(slog.DiscardHandler)

	orch, err := engine.New(engine.Options{
		Provider: stub,
		Store:    trail,
		Logger:   logger,
	})
	require.NoError(t, err)

	ordered := []checks.Check{
		passCheck{checkType: checks.CheckTransport},
		passCheck{checkType: checks.CheckCryptography},
	}
	ordered = append(ordered, extra...)
	ordered = append(ordered, &checks.DeterminismCheck{Trail: detTrail})
	registry, err := checks.NewCustomRegistry(ordered...)
	require.NoError(t, err)

	basePipe, err := pipeline.New(pipeline.Options{
		Registry: registry.Without(checks.CheckDeterminism),
		Logger:   logger,
	})
	require.NoError(t, err)
	detPipe, err := pipeline.New(pipeline.Options{Registry: registry, Logger: logger})
	require.NoError(t, err)

	g, err := New(Options{
		Orchestrator:          orch,
		Pipeline:              basePipe,
		DeterministicPipeline: detPipe,
		Trail:                 trail,
		AuditSink:             sink,
		Logger:                logger,
	})
	require.NoError(t, err)
	return &gateFixture{gate: g, stub: stub, trail: trail, sink: sink}
}

func TestAuthorizeDeterministicAllow(t *testing.T) {
	f := newGateFixture(t, nil)

	op := checks.Operation{Kind: "inference.run", Prompt: "What is 2+2?"}
	decision, err := f.gate.Authorize(context.Background(), op, checks.RequestContext{Identity: "alice"}, true)
	require.NoError(t, err)

	assert.True(t, decision.Allow)
	require.NotNil(t, decision.AuditRecord)
	assert.True(t, decision.Assessment.DeterminismPassed())
	assert.Equal(t, pipeline.TierDeterministicCompliant, decision.Assessment.ComplianceTier)
	assert.Equal(t, 1, f.trail.Len())

	events := f.sink.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, "gate.allowed", events[len(events)-1].EventType)
}

func TestAuthorizeRejectsNonDeterministicConfigBeforeProvider(t *testing.T) {
	f := newGateFixture(t, nil)

	op := checks.Operation{
		Kind:     "inference.run",
		Prompt:   "prompt",
		Settings: fingerprint.Settings{Temperature: 0.7, NucleusThreshold: 1.0, ModelIdentifier: "gpt-4o-mini"},
	}
	_, err := f.gate.Authorize(context.Background(), op, checks.RequestContext{Identity: "alice"}, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrInvalidConfiguration))
	assert.Equal(t, 0, f.stub.Calls(), "rejected before any provider call")
	assert.Equal(t, 0, f.trail.Len())
}

func TestAuthorizeDeniesOnMissingAuditTrail(t *testing.T) {
	// The determinism check reads a trail the orchestrator never writes to,
	// so the audit sub-check fails while every other check passes.
	emptyTrail := audit.NewMemoryStore()
	f := newGateFixture(t, emptyTrail)

	op := checks.Operation{Kind: "inference.run", Prompt: "unaudited"}
	decision, err := f.gate.Authorize(context.Background(), op, checks.RequestContext{Identity: "alice"}, true)
	require.NoError(t, err)

	assert.False(t, decision.Allow, "deny even though all other checks pass")
	require.NotNil(t, decision.Assessment.DeterministicDetail)
	assert.False(t, decision.Assessment.DeterministicDetail.ReproducibilityConfirmed)
	assert.Less(t, decision.Assessment.DeterministicDetail.ComplianceScore, 0.7)
	// The denial is explained.
	assert.NotEmpty(t, decision.Assessment.Violations)
}

func TestAuthorizeReusesExistingRecord(t *testing.T) {
	f := newGateFixture(t, nil)

	// First authorization runs the inference.
	op := checks.Operation{Kind: "inference.run", Prompt: "cache me"}
	first, err := f.gate.Authorize(context.Background(), op, checks.RequestContext{Identity: "alice"}, true)
	require.NoError(t, err)
	callsAfterFirst := f.stub.Calls()
	require.Positive(t, callsAfterFirst)

	// Second authorization carries the audited fingerprint; no new
	// provider calls are made.
	op.Fingerprint = first.AuditRecord.Fingerprint
	second, err := f.gate.Authorize(context.Background(), op, checks.RequestContext{Identity: "alice"}, true)
	require.NoError(t, err)

	assert.True(t, second.Allow)
	assert.Equal(t, callsAfterFirst, f.stub.Calls())
	assert.Equal(t, first.AuditRecord.RequestID, second.AuditRecord.RequestID)
}

func TestAuthorizeWithoutDeterminismRequirement(t *testing.T) {
	f := newGateFixture(t, nil)

	op := checks.Operation{Kind: "status.read"}
	decision, err := f.gate.Authorize(context.Background(), op, checks.RequestContext{Identity: "alice"}, false)
	require.NoError(t, err)

	assert.True(t, decision.Allow)
	assert.Nil(t, decision.AuditRecord, "no inference without reproducibility gating")
	assert.Nil(t, decision.Assessment.DeterministicDetail,
		"determinism check only runs when gating is requested")
	assert.Empty(t, decision.Assessment.Violations)
	assert.Equal(t, 0, f.stub.Calls())
}

func TestAuthorizeDeniedCarriesViolation(t *testing.T) {
	f := newGateFixture(t, nil, failCheck{checkType: checks.CheckSegmentation, severity: checks.SeverityCritical})

	op := checks.Operation{Kind: "inference.run", Prompt: "blocked"}
	decision, err := f.gate.Authorize(context.Background(), op, checks.RequestContext{Identity: "mallory"}, true)
	require.NoError(t, err)

	assert.False(t, decision.Allow)
	require.NotEmpty(t, decision.Assessment.Violations,
		"a denied decision must always explain itself")

	events := f.sink.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, "gate.denied", events[len(events)-1].EventType)
}

func TestAuthorizeExhaustionSurfacesRecordAndError(t *testing.T) {
	f := newGateFixture(t, nil)
	f.stub.FailAttempts = 100

	op := checks.Operation{Kind: "inference.run", Prompt: "doomed"}
	decision, err := f.gate.Authorize(context.Background(), op, checks.RequestContext{Identity: "alice"}, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrGenerationExhausted))
	require.NotNil(t, decision.AuditRecord, "the exhausted run is still audited")
	assert.Equal(t, 1, f.trail.Len())
}
