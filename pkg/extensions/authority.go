// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the integration points between the open source
// verification core and enterprise deployments.
//
// The core depends only on the interfaces in this package. Open source builds
// use the Nop implementations, which let the CLI and local server function
// without any identity or audit infrastructure. Enterprise builds inject real
// implementations (identity providers, BigQuery-backed audit sinks) without
// modifying core code.
package extensions

import (
	"context"
	"errors"
	"sync"
)

// ErrIdentityUnknown is returned when an authority provider cannot resolve
// the given identity at all, as opposed to resolving it with a low score.
// Enterprise implementations should wrap this error with additional context.
var ErrIdentityUnknown = errors.New("identity unknown")

// AuthorityProvider resolves an acting identity to an authority score.
//
// The score expresses how much trust the deployment places in the identity,
// in [0, 1]. A score of 0 means no standing; 1 means fully trusted. The
// authority check in the validation pipeline compares this score against a
// configured floor.
//
// Implementations must be safe for concurrent use by multiple goroutines.
// Lookups may hit the network (Okta, Auth0, internal directory services) and
// must honor context cancellation.
//
// # Open Source Behavior
//
// NopAuthorityProvider returns a fixed high score for every identity. This is
// appropriate for single-user local deployments where identity infrastructure
// doesn't exist.
type AuthorityProvider interface {
	// AuthorityScore resolves identity to a trust score in [0, 1].
	//
	// Returns ErrIdentityUnknown (possibly wrapped) when the identity cannot
	// be resolved. Other errors indicate provider failures and are treated
	// by callers as a failed check, not as a zero score.
	AuthorityScore(ctx context.Context, identity string) (float64, error)
}

// NopAuthorityProvider grants every identity a fixed local-trust score.
//
// This is the open source default. It never fails and never blocks.
type NopAuthorityProvider struct {
	// Score is the score returned for every identity. A zero value struct
	// returns 1.0 (fully trusted local user).
	Score float64
}

// AuthorityScore returns the configured score, defaulting to 1.0.
func (p *NopAuthorityProvider) AuthorityScore(_ context.Context, _ string) (float64, error) {
	if p.Score == 0 {
		return 1.0, nil
	}
	return p.Score, nil
}

var _ AuthorityProvider = (*NopAuthorityProvider)(nil)

// StaticAuthorityProvider resolves identities from a fixed in-memory table.
//
// Intended for tests and for small static deployments where the operator
// enumerates known identities in configuration. Identities absent from the
// table yield ErrIdentityUnknown.
type StaticAuthorityProvider struct {
	mu     sync.RWMutex
	scores map[string]float64
}

// NewStaticAuthorityProvider creates a provider over a copy of scores.
func NewStaticAuthorityProvider(scores map[string]float64) *StaticAuthorityProvider {
	copied := make(map[string]float64, len(scores))
	for k, v := range scores {
		copied[k] = v
	}
	return &StaticAuthorityProvider{scores: copied}
}

// AuthorityScore looks up the identity in the table.
func (p *StaticAuthorityProvider) AuthorityScore(_ context.Context, identity string) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	score, ok := p.scores[identity]
	if !ok {
		return 0, ErrIdentityUnknown
	}
	return score, nil
}

// SetScore adds or updates an identity's score.
func (p *StaticAuthorityProvider) SetScore(identity string, score float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scores[identity] = score
}

var _ AuthorityProvider = (*StaticAuthorityProvider)(nil)
