// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine implements the deterministic inference orchestrator: the
// retry/consistency loop around an external generation provider, plus the
// configuration ceiling that makes a run count as reproducible.
//
// Nothing in this package ever loosens the determinism ceiling to make a
// request succeed. A configuration that violates the ceiling is rejected
// before any provider call is made.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that accepts human-readable YAML values such
// as "30s" or "5m", as well as plain integer nanoseconds. yaml.v3 does not
// decode duration strings into time.Duration on its own.
type Duration time.Duration

// UnmarshalYAML decodes either a ParseDuration string or an integer
// nanosecond count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var ns int64
	if err := value.Decode(&ns); err == nil {
		*d = Duration(ns)
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string or integer: %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML emits the ParseDuration string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ErrInvalidConfiguration is returned when a merged configuration violates
// the determinism ceiling or fails structural validation. Always fatal to
// the single request; no provider call is made.
var ErrInvalidConfiguration = errors.New("invalid deterministic configuration")

// ErrGenerationExhausted is returned when every retry attempt failed.
var ErrGenerationExhausted = errors.New("generation attempts exhausted")

// Determinism ceiling. Temperature and nucleus threshold must jointly
// satisfy these bounds for a configuration to count as reproducible.
const (
	// TemperatureCeiling is the maximum sampling temperature.
	TemperatureCeiling = 0.01

	// NucleusFloor is the minimum nucleus (top-p) threshold.
	NucleusFloor = 0.99
)

const (
	defaultRetryAttempts        = 3
	defaultConsistencyThreshold = 0.95
	defaultMaxOutputUnits       = 1024
	defaultAttemptTimeout       = 30 * time.Second
)

// validate is shared across config checks; validator instances cache struct
// metadata and are safe for concurrent use.
var validate = validator.New()

// DeterministicConfig is the full configuration for one orchestrated run.
type DeterministicConfig struct {
	// Temperature must be at or below TemperatureCeiling.
	Temperature float64 `yaml:"temperature" json:"temperature" validate:"gte=0"`

	// NucleusThreshold must be at or above NucleusFloor.
	NucleusThreshold float64 `yaml:"nucleus_threshold" json:"nucleus_threshold" validate:"gte=0,lte=1"`

	// MaxOutputUnits bounds the completion length in tokens.
	MaxOutputUnits int `yaml:"max_output_units" json:"max_output_units" validate:"gt=0"`

	// FixedSeed is the generation seed. Zero means: derive it from the
	// prompt digest, so the seed is a function of the input rather than of
	// process state.
	FixedSeed uint64 `yaml:"fixed_seed" json:"fixed_seed"`

	// ModelIdentifier names the backend model.
	ModelIdentifier string `yaml:"model_identifier" json:"model_identifier" validate:"required"`

	// RetryAttempts bounds the generation loop. At least 1.
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts" validate:"gte=1,lte=10"`

	// ConsistencyThreshold enables cross-attempt consistency checking when
	// non-zero. Valid range 0.9 to 1.0; zero disables the check.
	ConsistencyThreshold float64 `yaml:"consistency_threshold" json:"consistency_threshold" validate:"omitempty,gte=0.9,lte=1"`

	// AuditLevel controls how much detail the audit record captures.
	AuditLevel string `yaml:"audit_level" json:"audit_level" validate:"oneof=basic detailed forensic"`

	// AttemptTimeout bounds each individual provider call. A timed-out call
	// consumes one retry attempt.
	AttemptTimeout Duration `yaml:"attempt_timeout" json:"attempt_timeout"`
}

// DefaultConfig returns the engine's baseline configuration: fully
// deterministic sampling, three attempts, consistency checking on.
func DefaultConfig() DeterministicConfig {
	return DeterministicConfig{
		Temperature:          0.0,
		NucleusThreshold:     1.0,
		MaxOutputUnits:       defaultMaxOutputUnits,
		ModelIdentifier:      "gpt-4o-mini",
		RetryAttempts:        defaultRetryAttempts,
		ConsistencyThreshold: defaultConsistencyThreshold,
		AuditLevel:           "detailed",
		AttemptTimeout:       Duration(defaultAttemptTimeout),
	}
}

// ConfigOverride carries per-request overrides. Nil fields keep the base
// value, mirroring how the chat services treat optional generation params.
type ConfigOverride struct {
	Temperature          *float64       `json:"temperature,omitempty"`
	NucleusThreshold     *float64       `json:"nucleus_threshold,omitempty"`
	MaxOutputUnits       *int           `json:"max_output_units,omitempty"`
	FixedSeed            *uint64        `json:"fixed_seed,omitempty"`
	ModelIdentifier      *string        `json:"model_identifier,omitempty"`
	RetryAttempts        *int           `json:"retry_attempts,omitempty"`
	ConsistencyThreshold *float64       `json:"consistency_threshold,omitempty"`
	AuditLevel           *string        `json:"audit_level,omitempty"`
	AttemptTimeout       *time.Duration `json:"attempt_timeout,omitempty"`
}

// Merge applies the override on top of the receiver and returns the result.
// The receiver is not modified. Merge performs no validation; callers must
// Validate the merged config before use.
func (c DeterministicConfig) Merge(override *ConfigOverride) DeterministicConfig {
	if override == nil {
		return c
	}
	merged := c
	if override.Temperature != nil {
		merged.Temperature = *override.Temperature
	}
	if override.NucleusThreshold != nil {
		merged.NucleusThreshold = *override.NucleusThreshold
	}
	if override.MaxOutputUnits != nil {
		merged.MaxOutputUnits = *override.MaxOutputUnits
	}
	if override.FixedSeed != nil {
		merged.FixedSeed = *override.FixedSeed
	}
	if override.ModelIdentifier != nil {
		merged.ModelIdentifier = *override.ModelIdentifier
	}
	if override.RetryAttempts != nil {
		merged.RetryAttempts = *override.RetryAttempts
	}
	if override.ConsistencyThreshold != nil {
		merged.ConsistencyThreshold = *override.ConsistencyThreshold
	}
	if override.AuditLevel != nil {
		merged.AuditLevel = *override.AuditLevel
	}
	if override.AttemptTimeout != nil {
		merged.AttemptTimeout = Duration(*override.AttemptTimeout)
	}
	return merged
}

// Validate checks structural constraints and the determinism ceiling.
//
// Both failure classes wrap ErrInvalidConfiguration so callers can
// errors.Is against a single sentinel.
func (c DeterministicConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if c.Temperature > TemperatureCeiling {
		return fmt.Errorf("%w: temperature %g exceeds determinism ceiling %g",
			ErrInvalidConfiguration, c.Temperature, TemperatureCeiling)
	}
	if c.NucleusThreshold < NucleusFloor {
		return fmt.Errorf("%w: nucleus threshold %g below determinism floor %g",
			ErrInvalidConfiguration, c.NucleusThreshold, NucleusFloor)
	}
	return nil
}

// Deterministic reports whether the sampling parameters satisfy the
// determinism ceiling. Unlike Validate it ignores structural fields, which
// makes it usable on configs reconstructed from audit data.
func (c DeterministicConfig) Deterministic() bool {
	return c.Temperature <= TemperatureCeiling && c.NucleusThreshold >= NucleusFloor
}

// ConsistencyEnabled reports whether cross-attempt consistency checking is on.
func (c DeterministicConfig) ConsistencyEnabled() bool {
	return c.ConsistencyThreshold > 0
}

func (c DeterministicConfig) attemptTimeout() time.Duration {
	if c.AttemptTimeout <= 0 {
		return defaultAttemptTimeout
	}
	return c.AttemptTimeout.Std()
}
