// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package checks

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

const (
	defaultFreshnessWindow = 5 * time.Minute

	// minClientFingerprintBytes is the minimum decoded length of a
	// well-formed client fingerprint.
	minClientFingerprintBytes = 16
)

// AntiSpoofCheck detects mechanically replayed or forged requests: the
// claimed timestamp must fall inside a freshness window, the client
// fingerprint must be well-formed hex, and the nonce must not have been seen
// before within the window.
//
// The seen-nonce set is bounded by expiry: entries older than the freshness
// window are pruned on each run, so memory is proportional to the request
// rate inside one window, never to process lifetime.
type AntiSpoofCheck struct {
	// FreshnessWindow bounds acceptable clock skew in both directions.
	// Defaults to 5 minutes when zero.
	FreshnessWindow time.Duration

	// now is swapped by tests.
	now func() time.Time

	mu    sync.Mutex
	seen  map[string]time.Time
	sweep time.Time
}

// NewAntiSpoofCheck creates a check with an empty replay set.
func NewAntiSpoofCheck(window time.Duration) *AntiSpoofCheck {
	if window <= 0 {
		window = defaultFreshnessWindow
	}
	return &AntiSpoofCheck{
		FreshnessWindow: window,
		now:             time.Now,
		seen:            make(map[string]time.Time),
	}
}

func (c *AntiSpoofCheck) Type() CheckType { return CheckAntiSpoof }

func (c *AntiSpoofCheck) Run(_ context.Context, _ Operation, reqCtx RequestContext) Result {
	now := c.now()

	if reqCtx.Timestamp.IsZero() {
		return fail(CheckAntiSpoof, SeverityHigh,
			"request carries no timestamp",
			"include a current timestamp in the signed request")
	}
	age := now.Sub(reqCtx.Timestamp)
	if age > c.FreshnessWindow || age < -c.FreshnessWindow {
		return fail(CheckAntiSpoof, SeverityHigh,
			fmt.Sprintf("timestamp outside freshness window: %s drift", age.Round(time.Second)),
			"synchronize the client clock and retry with a fresh request")
	}

	if !wellFormedClientFingerprint(reqCtx.ClientFingerprint) {
		return fail(CheckAntiSpoof, SeverityMedium,
			"client fingerprint is missing or malformed",
			"regenerate the client installation fingerprint")
	}

	if reqCtx.Nonce == "" {
		return fail(CheckAntiSpoof, SeverityHigh,
			"request carries no nonce",
			"include a single-use nonce in the signed request")
	}
	if replayed := c.recordNonce(reqCtx.Nonce, now); replayed {
		return fail(CheckAntiSpoof, SeverityCritical,
			"nonce was already used inside the freshness window",
			"never reuse nonces; generate one per request")
	}

	return pass(CheckAntiSpoof, "fresh timestamp, well-formed fingerprint, unseen nonce")
}

// recordNonce reports whether the nonce was already seen, and records it.
// Prunes expired entries at most once per window.
func (c *AntiSpoofCheck) recordNonce(nonce string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.sweep) > c.FreshnessWindow {
		cutoff := now.Add(-c.FreshnessWindow)
		for n, at := range c.seen {
			if at.Before(cutoff) {
				delete(c.seen, n)
			}
		}
		c.sweep = now
	}

	if at, ok := c.seen[nonce]; ok && now.Sub(at) <= c.FreshnessWindow {
		return true
	}
	c.seen[nonce] = now
	return false
}

func wellFormedClientFingerprint(fp string) bool {
	raw, err := hex.DecodeString(fp)
	if err != nil {
		return false
	}
	return len(raw) >= minClientFingerprintBytes
}

var _ Check = (*AntiSpoofCheck)(nil)
