// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"sync"
	"time"
)

// AuditEvent represents a security-relevant event for compliance logging.
//
// The validation pipeline emits one event per trust assessment: the trust
// score, the violation types, and the final tier. Raw request payloads and
// secrets are never placed in an AuditEvent.
//
// # Event Types
//
// Events are categorized by type for filtering and alerting:
//   - Validation: "trust.assessed", "trust.denied"
//   - Inference: "inference.completed", "inference.exhausted"
//   - Gate: "gate.allowed", "gate.denied"
type AuditEvent struct {
	// EventType categorizes the event. Format: "category.action".
	EventType string

	// Timestamp is when the event occurred (always UTC).
	// If zero, implementations should set it to time.Now().UTC().
	Timestamp time.Time

	// Subject identifies who or what the event concerns: a client identity
	// for trust events, a request id for inference events. Use "system" for
	// automated actions.
	Subject string

	// Outcome indicates the result: "success", "denied", "degraded", "error".
	Outcome string

	// Metadata holds event-specific details. Common keys:
	//   - "trust_score": aggregate trust score (float64)
	//   - "violation_types": []string of failed check types
	//   - "compliance_tier": tier name
	//   - "request_id": correlation id
	//   - "duration_ms": operation duration
	Metadata map[string]any
}

// AuditLogger records security-relevant events for compliance and analysis.
//
// Implementations must be safe for concurrent use. Log should be non-blocking
// or cheaply bounded; the pipeline calls it on the request path and a slow
// sink must not stall trust decisions.
//
// # Open Source Behavior
//
// NopAuditLogger discards all events. Local deployments rely on structured
// logs instead; the sink interface exists so enterprise deployments can
// capture assessments for forensic reporting.
type AuditLogger interface {
	// Log records one event. Errors are logged by callers but never block
	// or fail the operation that produced the event.
	Log(ctx context.Context, event AuditEvent) error
}

// NopAuditLogger discards all audit events. The open source default.
type NopAuditLogger struct{}

// Log discards the event.
func (NopAuditLogger) Log(_ context.Context, _ AuditEvent) error { return nil }

var _ AuditLogger = NopAuditLogger{}

// BufferedAuditLogger collects events in memory.
//
// Intended for tests that assert on what the pipeline emitted:
//
//	sink := extensions.NewBufferedAuditLogger()
//	pipe := pipeline.New(pipeline.Options{AuditSink: sink, ...})
//	// ... run validation ...
//	events := sink.Events()
type BufferedAuditLogger struct {
	mu     sync.Mutex
	events []AuditEvent
}

// NewBufferedAuditLogger creates an empty buffered sink.
func NewBufferedAuditLogger() *BufferedAuditLogger {
	return &BufferedAuditLogger{events: make([]AuditEvent, 0, 16)}
}

// Log appends the event to the buffer.
func (l *BufferedAuditLogger) Log(_ context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

// Events returns a copy of all collected events.
func (l *BufferedAuditLogger) Events() []AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEvent, len(l.events))
	copy(out, l.events)
	return out
}

var _ AuditLogger = (*BufferedAuditLogger)(nil)
