// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianVerify/pkg/extensions"
	"github.com/AleutianAI/AleutianVerify/services/verify/checks"
)

// fakeCheck is a configurable test double for exercising the pipeline's
// fan-out and ordering behavior.
type fakeCheck struct {
	checkType checks.CheckType
	severity  checks.Severity // empty means pass
	delay     time.Duration
	block     bool // never finish inside the slice
}

func (f *fakeCheck) Type() checks.CheckType { return f.checkType }

func (f *fakeCheck) Run(ctx context.Context, _ checks.Operation, _ checks.RequestContext) checks.Result {
	if f.block {
		<-ctx.Done()
		// Keep blocking past cancellation so the straggler path is real.
		time.Sleep(50 * time.Millisecond)
	} else if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.severity == "" {
		return checks.Result{CheckType: f.checkType, Passed: true, Detail: "ok"}
	}
	return checks.Result{
		CheckType: f.checkType,
		Passed:    false,
		Violation: &checks.Violation{
			CheckType:      f.checkType,
			Severity:       f.severity,
			Description:    string(f.checkType) + " failed",
			MitigationHint: "fix " + string(f.checkType),
		},
	}
}

func newPipeline(t *testing.T, sink extensions.AuditLogger, ordered ...checks.Check) *Pipeline {
	t.Helper()
	registry, err := checks.NewCustomRegistry(ordered...)
	require.NoError(t, err)
	p, err := New(Options{
		Registry:     registry,
		CheckTimeout: 200 * time.Millisecond,
		AuditSink:    sink,
		Logger:       slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	return p
}

func TestNewRequiresRegistry(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestValidateAllPass(t *testing.T) {
	p := newPipeline(t, nil,
		&fakeCheck{checkType: checks.CheckTransport},
		&fakeCheck{checkType: checks.CheckCryptography},
		&fakeCheck{checkType: checks.CheckAuthority},
	)

	a := p.Validate(context.Background(), checks.Operation{}, checks.RequestContext{})
	assert.True(t, a.Passed)
	assert.Equal(t, 1.0, a.TrustScore)
	assert.Empty(t, a.Violations)
	assert.Len(t, a.Results, 3)
	assert.Equal(t, TierMaximal, a.ComplianceTier,
		"perfect score without a determinism check caps at maximal")
}

func TestValidateStableViolationOrder(t *testing.T) {
	// Randomized completion order across iterations; the violation list must
	// come out in registration order every time.
	wantOrder := []checks.CheckType{
		checks.CheckTransport,
		checks.CheckCryptography,
		checks.CheckBehavioral,
		checks.CheckSegmentation,
	}

	for i := 0; i < 10; i++ {
		ordered := make([]checks.Check, 0, len(wantOrder))
		for _, ct := range wantOrder {
			ordered = append(ordered, &fakeCheck{
				checkType: ct,
				severity:  checks.SeverityLow,
				delay:     time.Duration(rand.Intn(40)) * time.Millisecond,
			})
		}
		p := newPipeline(t, nil, ordered...)

		a := p.Validate(context.Background(), checks.Operation{}, checks.RequestContext{})
		require.Len(t, a.Violations, len(wantOrder))
		for j, v := range a.Violations {
			assert.Equal(t, wantOrder[j], v.CheckType, "iteration %d position %d", i, j)
		}
	}
}

func TestValidateFailClosedOnTimeout(t *testing.T) {
	p := newPipeline(t, nil,
		&fakeCheck{checkType: checks.CheckTransport},
		&fakeCheck{checkType: checks.CheckAuthority, block: true},
	)

	a := p.Validate(context.Background(), checks.Operation{}, checks.RequestContext{})
	require.Len(t, a.Violations, 1)
	assert.Equal(t, checks.CheckAuthority, a.Violations[0].CheckType)
	assert.Equal(t, checks.SeverityHigh, a.Violations[0].Severity)
	assert.Contains(t, a.Violations[0].Description, "timed out")
	// High, not critical: the request is penalized, not automatically denied.
	assert.True(t, a.Passed)
	assert.InDelta(t, 0.5, a.TrustScore, 0.001)
}

func TestValidateCriticalForcesDenial(t *testing.T) {
	p := newPipeline(t, nil,
		&fakeCheck{checkType: checks.CheckTransport},
		&fakeCheck{checkType: checks.CheckCryptography, severity: checks.SeverityCritical},
		&fakeCheck{checkType: checks.CheckAuthority},
	)

	a := p.Validate(context.Background(), checks.Operation{}, checks.RequestContext{})
	assert.False(t, a.Passed)
	assert.InDelta(t, 0.25, a.TrustScore, 0.001)
	assert.Equal(t, TierBaseline, a.ComplianceTier)
}

func TestValidatePenaltiesCompoundMultiplicatively(t *testing.T) {
	p := newPipeline(t, nil,
		&fakeCheck{checkType: checks.CheckTransport, severity: checks.SeverityHigh},
		&fakeCheck{checkType: checks.CheckBehavioral, severity: checks.SeverityMedium},
		&fakeCheck{checkType: checks.CheckAntiSpoof, severity: checks.SeverityLow},
	)

	a := p.Validate(context.Background(), checks.Operation{}, checks.RequestContext{})
	assert.InDelta(t, 0.5*0.7*0.8, a.TrustScore, 0.001)
	assert.True(t, a.Passed, "no critical violation present")
	assert.GreaterOrEqual(t, a.TrustScore, 0.0)
	assert.LessOrEqual(t, a.TrustScore, 1.0)
}

func TestValidateTrustScoreBounds(t *testing.T) {
	// Pile on violations; the score must stay in [0,1].
	ordered := []checks.Check{
		&fakeCheck{checkType: checks.CheckTransport, severity: checks.SeverityCritical},
		&fakeCheck{checkType: checks.CheckCryptography, severity: checks.SeverityCritical},
		&fakeCheck{checkType: checks.CheckAuthority, severity: checks.SeverityHigh},
		&fakeCheck{checkType: checks.CheckAntiSpoof, severity: checks.SeverityHigh},
		&fakeCheck{checkType: checks.CheckBehavioral, severity: checks.SeverityMedium},
	}
	p := newPipeline(t, nil, ordered...)

	a := p.Validate(context.Background(), checks.Operation{}, checks.RequestContext{})
	assert.GreaterOrEqual(t, a.TrustScore, 0.0)
	assert.LessOrEqual(t, a.TrustScore, 1.0)
	assert.False(t, a.Passed)
}

func TestValidateEmitsAuditSummary(t *testing.T) {
	sink := extensions.NewBufferedAuditLogger()
	p := newPipeline(t, sink,
		&fakeCheck{checkType: checks.CheckTransport, severity: checks.SeverityCritical},
	)

	reqCtx := checks.RequestContext{Identity: "alice", Signature: checks.Signature{Value: "secret-sig"}}
	p.Validate(context.Background(), checks.Operation{Kind: "inference.run"}, reqCtx)

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "trust.denied", events[0].EventType)
	assert.Equal(t, "alice", events[0].Subject)
	assert.Equal(t, []string{"transport"}, events[0].Metadata["violation_types"])
	// Raw secrets never reach the sink.
	for _, v := range events[0].Metadata {
		if s, ok := v.(string); ok {
			assert.NotContains(t, s, "secret-sig")
		}
	}
}

func TestValidateRecommendationsFromHints(t *testing.T) {
	p := newPipeline(t, nil,
		&fakeCheck{checkType: checks.CheckSegmentation, severity: checks.SeverityHigh},
	)

	a := p.Validate(context.Background(), checks.Operation{}, checks.RequestContext{})
	require.NotEmpty(t, a.Recommendations)
	assert.Contains(t, a.Recommendations[0], "fix segmentation")
	// Score 0.5 is below the standard floor; a low-score recommendation is
	// appended for the passing-but-weak case.
	assert.Contains(t, a.Recommendations[len(a.Recommendations)-1], "trust score")
}

// Full-stack scenario with the real check set: valid transport, valid
// signature, high authority, clean behavior, matching segment.
func TestScenarioCleanRequest(t *testing.T) {
	key := []byte("clean-request-shared-secret-key00")
	registry, crypto := checks.NewRegistry(checks.RegistryOptions{
		Authority:      extensions.NewStaticAuthorityProvider(map[string]float64{"alice": 0.9}),
		AuthorityFloor: 0.5,
	})
	crypto.RegisterKey("k1", append([]byte(nil), key...))

	p, err := New(Options{Registry: registry, Logger: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)

	payload := "op=inference.run"
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(payload))

	reqCtx := checks.RequestContext{
		ClientID:          "client-1",
		Identity:          "alice",
		Segment:           "engineering",
		TLSVersion:        tls.VersionTLS13,
		SecureChannel:     true,
		Timestamp:         time.Now(),
		Nonce:             "clean-nonce-1",
		ClientFingerprint: hex.EncodeToString(make([]byte, 16)),
		GeoRegion:         "us-west",
		LocalHour:         11,
	}
	reqCtx.Signature = checks.Signature{
		Algorithm: checks.AlgorithmHMACSHA256,
		KeyID:     "k1",
		Value:     hex.EncodeToString(mac.Sum(nil)),
		Payload:   payload,
	}
	op := checks.Operation{Kind: "inference.run", AllowedSegments: []string{"engineering"}}

	a := p.Validate(context.Background(), op, reqCtx)
	assert.True(t, a.Passed)
	assert.GreaterOrEqual(t, a.TrustScore, 0.95)
	assert.Empty(t, a.Violations)
}

// Scenario: the signature uses an algorithm outside the allow-list.
func TestScenarioUnapprovedAlgorithm(t *testing.T) {
	key := []byte("stale-signature-shared-secret-key")
	registry, crypto := checks.NewRegistry(checks.RegistryOptions{
		Authority:         extensions.NewStaticAuthorityProvider(map[string]float64{"alice": 0.9}),
		AuthorityFloor:    0.5,
		AllowedAlgorithms: []string{checks.AlgorithmEd25519},
	})
	crypto.RegisterKey("k1", append([]byte(nil), key...))

	p, err := New(Options{Registry: registry, Logger: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)

	payload := "op=inference.run"
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(payload))

	reqCtx := checks.RequestContext{
		ClientID:          "client-2",
		Identity:          "alice",
		Segment:           "engineering",
		TLSVersion:        tls.VersionTLS13,
		SecureChannel:     true,
		Timestamp:         time.Now(),
		Nonce:             "stale-nonce-1",
		ClientFingerprint: hex.EncodeToString(make([]byte, 16)),
		GeoRegion:         "us-west",
		LocalHour:         11,
	}
	reqCtx.Signature = checks.Signature{
		Algorithm: checks.AlgorithmHMACSHA256,
		KeyID:     "k1",
		Value:     hex.EncodeToString(mac.Sum(nil)),
		Payload:   payload,
	}

	a := p.Validate(context.Background(), checks.Operation{Kind: "inference.run"}, reqCtx)
	require.Len(t, a.Violations, 1)
	assert.Equal(t, checks.CheckCryptography, a.Violations[0].CheckType)
	assert.Equal(t, checks.SeverityHigh, a.Violations[0].Severity)
	assert.InDelta(t, 0.5, a.TrustScore, 0.001)
	assert.True(t, a.Passed, "no critical violation, so the assessment still passes")
}
