// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the verification
// service: inference outcomes, per-check results, trust score distribution,
// and gate decisions. Metrics are exposed via the /metrics endpoint for
// Prometheus + Grafana.
//
// All operations are thread-safe via Prometheus's internal locking. Every
// helper method is nil-receiver safe so library consumers that never call
// InitMetrics pay nothing.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics.
const metricsNamespace = "aleutian"

// Subsystem for verification metrics.
const verifySubsystem = "verify"

// VerifyMetrics holds all Prometheus metrics for the verification core.
type VerifyMetrics struct {
	// InferenceTotal counts orchestrated runs by outcome.
	// Labels: status (success, degraded, exhausted, invalid_config)
	InferenceTotal *prometheus.CounterVec

	// InferenceDurationSeconds measures full orchestrated run duration.
	// Labels: status
	InferenceDurationSeconds *prometheus.HistogramVec

	// UnitsTotal counts tokens processed by direction and model.
	// Labels: direction (input, output), model
	UnitsTotal *prometheus.CounterVec

	// ChecksTotal counts individual check executions.
	// Labels: check_type, outcome (pass, fail, timeout)
	ChecksTotal *prometheus.CounterVec

	// ViolationsTotal counts violations by check type and severity.
	ViolationsTotal *prometheus.CounterVec

	// TrustScore observes the aggregate trust score distribution.
	TrustScore prometheus.Histogram

	// DecisionsTotal counts gate decisions.
	// Labels: allow (true, false), deterministic (true, false)
	DecisionsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance, initialized by InitMetrics.
var DefaultMetrics *VerifyMetrics

// InitMetrics creates and registers all Prometheus metrics. Call once at
// startup; a second call panics on duplicate registration.
func InitMetrics() *VerifyMetrics {
	DefaultMetrics = &VerifyMetrics{
		InferenceTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: verifySubsystem,
				Name:      "inference_total",
				Help:      "Total orchestrated inference runs by outcome",
			},
			[]string{"status"},
		),
		InferenceDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: verifySubsystem,
				Name:      "inference_duration_seconds",
				Help:      "Duration of full orchestrated runs in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),
		UnitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: verifySubsystem,
				Name:      "units_total",
				Help:      "Total token units processed by direction and model",
			},
			[]string{"direction", "model"},
		),
		ChecksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: verifySubsystem,
				Name:      "checks_total",
				Help:      "Total security check executions by type and outcome",
			},
			[]string{"check_type", "outcome"},
		),
		ViolationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: verifySubsystem,
				Name:      "violations_total",
				Help:      "Total security violations by check type and severity",
			},
			[]string{"check_type", "severity"},
		),
		TrustScore: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: verifySubsystem,
				Name:      "trust_score",
				Help:      "Distribution of aggregate trust scores",
				Buckets:   []float64{0.1, 0.25, 0.5, 0.7, 0.8, 0.9, 0.95, 0.99, 1.0},
			},
		),
		DecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: verifySubsystem,
				Name:      "decisions_total",
				Help:      "Total gate decisions by outcome and determinism requirement",
			},
			[]string{"allow", "deterministic"},
		),
	}
	return DefaultMetrics
}

// RecordInference records one orchestrated run.
func (m *VerifyMetrics) RecordInference(status string, seconds float64) {
	if m == nil {
		return
	}
	m.InferenceTotal.WithLabelValues(status).Inc()
	m.InferenceDurationSeconds.WithLabelValues(status).Observe(seconds)
}

// RecordUnits records token usage for a run.
func (m *VerifyMetrics) RecordUnits(promptUnits, completionUnits int, model string) {
	if m == nil {
		return
	}
	m.UnitsTotal.WithLabelValues("input", model).Add(float64(promptUnits))
	m.UnitsTotal.WithLabelValues("output", model).Add(float64(completionUnits))
}

// RecordCheck records one check execution.
func (m *VerifyMetrics) RecordCheck(checkType, outcome string) {
	if m == nil {
		return
	}
	m.ChecksTotal.WithLabelValues(checkType, outcome).Inc()
}

// RecordViolation records one violation.
func (m *VerifyMetrics) RecordViolation(checkType, severity string) {
	if m == nil {
		return
	}
	m.ViolationsTotal.WithLabelValues(checkType, severity).Inc()
}

// RecordTrustScore observes one aggregate trust score.
func (m *VerifyMetrics) RecordTrustScore(score float64) {
	if m == nil {
		return
	}
	m.TrustScore.Observe(score)
}

// RecordDecision records one gate decision.
func (m *VerifyMetrics) RecordDecision(allow, deterministic bool) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(boolLabel(allow), boolLabel(deterministic)).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
