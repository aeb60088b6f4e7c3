// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package checks

import (
	"errors"
	"time"

	"github.com/AleutianAI/AleutianVerify/pkg/extensions"
	"github.com/AleutianAI/AleutianVerify/services/verify/audit"
)

// Registry holds the checks in their fixed registration order. The pipeline
// reports violations in this order regardless of which goroutine finishes
// first, so the order is part of the audit contract and never changes at
// runtime.
type Registry struct {
	checks []Check
}

// RegistryOptions configures the standard check set.
type RegistryOptions struct {
	// Authority resolves identities to trust scores. Nil means the Nop
	// provider (local single-user trust).
	Authority extensions.AuthorityProvider

	// AuthorityFloor is the minimum acceptable authority score.
	AuthorityFloor float64

	// AllowedAlgorithms restricts signature algorithms. Empty allows all
	// supported algorithms.
	AllowedAlgorithms []string

	// FreshnessWindow bounds timestamp drift and nonce replay retention.
	FreshnessWindow time.Duration

	// Counters backs the behavioral check. Nil means a fresh in-memory
	// store with a one minute window.
	Counters ClientCounterStore

	// MaxRequestsPerWindow is the behavioral rate bound.
	MaxRequestsPerWindow int64

	// Trail enables the determinism-compliance check when non-nil. The
	// check is only registered when reproducibility gating is in use.
	Trail audit.Store
}

// NewRegistry builds the standard check set in its fixed order: transport,
// cryptography, authority, anti-spoof, behavioral, segmentation, and, when a
// trail is supplied, determinism-compliance last.
func NewRegistry(opts RegistryOptions) (*Registry, *CryptoCheck) {
	counters := opts.Counters
	if counters == nil {
		counters = NewMemoryCounterStore(time.Minute)
	}
	crypto := NewCryptoCheck(opts.AllowedAlgorithms...)

	r := &Registry{}
	r.checks = append(r.checks,
		&TransportCheck{},
		crypto,
		&AuthorityCheck{Provider: opts.Authority, Floor: opts.AuthorityFloor},
		NewAntiSpoofCheck(opts.FreshnessWindow),
		&BehavioralCheck{Counters: counters, MaxRequestsPerWindow: opts.MaxRequestsPerWindow},
		SegmentationCheck{},
	)
	if opts.Trail != nil {
		r.checks = append(r.checks, &DeterminismCheck{Trail: opts.Trail})
	}
	return r, crypto
}

// NewCustomRegistry builds a registry from an explicit ordered check list.
// Intended for tests and for deployments that swap individual checks.
func NewCustomRegistry(ordered ...Check) (*Registry, error) {
	if len(ordered) == 0 {
		return nil, errors.New("checks: registry requires at least one check")
	}
	seen := make(map[CheckType]struct{}, len(ordered))
	for _, c := range ordered {
		if _, dup := seen[c.Type()]; dup {
			return nil, errors.New("checks: duplicate check type " + string(c.Type()))
		}
		seen[c.Type()] = struct{}{}
	}
	return &Registry{checks: ordered}, nil
}

// Without returns a registry holding the same check instances minus the
// given types, preserving order. Sharing instances matters: the anti-spoof
// nonce set and the behavioral counters must see every request regardless of
// which pipeline handled it.
func (r *Registry) Without(excluded ...CheckType) *Registry {
	out := &Registry{}
	for _, c := range r.checks {
		skip := false
		for _, ex := range excluded {
			if c.Type() == ex {
				skip = true
				break
			}
		}
		if !skip {
			out.checks = append(out.checks, c)
		}
	}
	return out
}

// Checks returns the checks in registration order. The returned slice is a
// copy; callers cannot reorder the registry.
func (r *Registry) Checks() []Check {
	out := make([]Check, len(r.checks))
	copy(out, r.checks)
	return out
}

// Len reports the number of registered checks.
func (r *Registry) Len() int { return len(r.checks) }
