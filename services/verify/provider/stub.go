// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
)

// StubProvider is a TEST DOUBLE. It derives output from a hash of its inputs
// so that identical calls produce identical text, which makes it useful for
// exercising the engine's determinism and consistency machinery without a
// real backend. It must never be wired into a production build.
type StubProvider struct {
	// FailAttempts makes the first N calls fail with ErrProvider.
	FailAttempts int

	// TimeoutAttempts makes the first N calls fail with ErrProviderTimeout.
	// Evaluated before FailAttempts.
	TimeoutAttempts int

	// Jitter, when non-nil, post-processes the deterministic output. Tests
	// use it to simulate a provider that ignores the seed.
	Jitter func(call int, text string) string

	// Response, when non-empty, is returned verbatim instead of the derived
	// text.
	Response string

	calls atomic.Int64

	mu       sync.Mutex
	lastSeed uint64
}

// Generate returns deterministic text derived from the messages and params.
func (s *StubProvider) Generate(_ context.Context, messages []Message, params SamplingParams) (Result, error) {
	call := int(s.calls.Add(1))

	s.mu.Lock()
	s.lastSeed = params.Seed
	s.mu.Unlock()

	if call <= s.TimeoutAttempts {
		return Result{}, fmt.Errorf("stub attempt %d: %w", call, ErrProviderTimeout)
	}
	if call <= s.TimeoutAttempts+s.FailAttempts {
		return Result{}, fmt.Errorf("stub attempt %d: %w", call, ErrProvider)
	}

	text := s.Response
	if text == "" {
		h := sha256.New()
		for _, m := range messages {
			h.Write([]byte(m.Role))
			h.Write([]byte{0})
			h.Write([]byte(m.Content))
			h.Write([]byte{0})
		}
		fmt.Fprintf(h, "%d|%s", params.Seed, params.Model)
		text = "stub-output-" + hex.EncodeToString(h.Sum(nil))[:16]
	}
	if s.Jitter != nil {
		text = s.Jitter(call, text)
	}

	promptUnits := 0
	for _, m := range messages {
		promptUnits += (len(m.Content) + 3) / 4
	}
	completionUnits := (len(text) + 3) / 4
	return Result{
		Text: text,
		Usage: Usage{
			PromptUnits:     promptUnits,
			CompletionUnits: completionUnits,
			TotalUnits:      promptUnits + completionUnits,
		},
	}, nil
}

// Calls reports how many times Generate was invoked.
func (s *StubProvider) Calls() int { return int(s.calls.Load()) }

// LastSeed reports the seed of the most recent call.
func (s *StubProvider) LastSeed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeed
}

var _ GenerationProvider = (*StubProvider)(nil)
