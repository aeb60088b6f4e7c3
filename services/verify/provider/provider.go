// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package provider defines the external generation boundary for the
// verification engine.
//
// The engine never assumes the backing model is deterministic. Providers are
// handed an explicit seed and pinned sampling parameters on every call; the
// engine's retry and consistency machinery validates whether the provider
// actually honored them.
package provider

import (
	"context"
	"errors"
)

// ErrProviderTimeout indicates the generation call exceeded its deadline.
// A timeout consumes one retry attempt in the engine.
var ErrProviderTimeout = errors.New("generation provider timeout")

// ErrProvider indicates a non-timeout provider failure (API error, bad
// response shape, empty choice list).
var ErrProvider = errors.New("generation provider error")

// Role constants for chat messages.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Message is a single chat message handed to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SamplingParams pins the generation parameters for one call.
//
// Unlike the chat services' GenerationParams, nothing here is optional: the
// engine always supplies every field so that two calls for the same
// fingerprint are parameter-identical.
type SamplingParams struct {
	// Temperature is the sampling temperature, near zero for deterministic use.
	Temperature float64 `json:"temperature"`

	// TopP is the nucleus sampling threshold.
	TopP float64 `json:"top_p"`

	// MaxTokens bounds the completion length.
	MaxTokens int `json:"max_tokens"`

	// Seed is the fixed generation seed. Providers that support seeding must
	// pass it through; providers that do not simply ignore it, and the
	// consistency check catches the drift.
	Seed uint64 `json:"seed"`

	// Model names the backend model.
	Model string `json:"model"`
}

// Usage reports token consumption for one generation call.
type Usage struct {
	PromptUnits     int `json:"prompt_units"`
	CompletionUnits int `json:"completion_units"`
	TotalUnits      int `json:"total_units"`
}

// Result is the outcome of one generation call.
type Result struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// GenerationProvider is the standard interface for any generation backend.
//
// Implementations must be safe for concurrent use. Generate must honor
// context cancellation and deadlines; the engine wraps every call in a
// per-attempt timeout. Failures are reported as ErrProviderTimeout or
// ErrProvider (possibly wrapped), never as a zero-value Result with nil error.
type GenerationProvider interface {
	Generate(ctx context.Context, messages []Message, params SamplingParams) (Result, error)
}
