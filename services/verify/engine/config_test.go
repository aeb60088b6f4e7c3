// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Deterministic())
	assert.True(t, cfg.ConsistencyEnabled())
}

func TestValidateRejectsCeilingViolations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*DeterministicConfig)
	}{
		{
			name:   "temperature above ceiling",
			mutate: func(c *DeterministicConfig) { c.Temperature = 0.7 },
		},
		{
			name:   "temperature just above ceiling",
			mutate: func(c *DeterministicConfig) { c.Temperature = 0.011 },
		},
		{
			name:   "nucleus threshold below floor",
			mutate: func(c *DeterministicConfig) { c.NucleusThreshold = 0.95 },
		},
		{
			name:   "missing model identifier",
			mutate: func(c *DeterministicConfig) { c.ModelIdentifier = "" },
		},
		{
			name:   "zero output bound",
			mutate: func(c *DeterministicConfig) { c.MaxOutputUnits = 0 },
		},
		{
			name:   "retry attempts out of range",
			mutate: func(c *DeterministicConfig) { c.RetryAttempts = 0 },
		},
		{
			name:   "consistency threshold below valid range",
			mutate: func(c *DeterministicConfig) { c.ConsistencyThreshold = 0.5 },
		},
		{
			name:   "unknown audit level",
			mutate: func(c *DeterministicConfig) { c.AuditLevel = "verbose" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfiguration),
				"expected ErrInvalidConfiguration, got %v", err)
		})
	}
}

func TestValidateBoundaryValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Temperature = TemperatureCeiling
	cfg.NucleusThreshold = NucleusFloor
	assert.NoError(t, cfg.Validate())
	assert.True(t, cfg.Deterministic())
}

func TestConsistencyDisabledByZeroThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConsistencyThreshold = 0
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.ConsistencyEnabled())
}

func TestMergeAppliesOnlySetFields(t *testing.T) {
	base := DefaultConfig()
	temp := 0.005
	retries := 5
	model := "llama3.1:70b"

	merged := base.Merge(&ConfigOverride{
		Temperature:     &temp,
		RetryAttempts:   &retries,
		ModelIdentifier: &model,
	})

	assert.Equal(t, 0.005, merged.Temperature)
	assert.Equal(t, 5, merged.RetryAttempts)
	assert.Equal(t, "llama3.1:70b", merged.ModelIdentifier)
	// Untouched fields keep base values.
	assert.Equal(t, base.NucleusThreshold, merged.NucleusThreshold)
	assert.Equal(t, base.AuditLevel, merged.AuditLevel)

	// Base config unmodified.
	assert.Equal(t, DefaultConfig(), base)
}

func TestMergeNilOverride(t *testing.T) {
	base := DefaultConfig()
	assert.Equal(t, base, base.Merge(nil))
}

func TestAttemptTimeoutFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AttemptTimeout = 0
	assert.Equal(t, defaultAttemptTimeout, cfg.attemptTimeout())

	cfg.AttemptTimeout = Duration(5 * time.Second)
	assert.Equal(t, 5*time.Second, cfg.attemptTimeout())
}

func TestDurationYAML(t *testing.T) {
	var cfg struct {
		Timeout Duration `yaml:"timeout"`
	}

	require.NoError(t, yaml.Unmarshal([]byte("timeout: 45s\n"), &cfg))
	assert.Equal(t, 45*time.Second, cfg.Timeout.Std())

	require.NoError(t, yaml.Unmarshal([]byte("timeout: 1500000000\n"), &cfg))
	assert.Equal(t, 1500*time.Millisecond, cfg.Timeout.Std())

	assert.Error(t, yaml.Unmarshal([]byte("timeout: soon\n"), &cfg))
}
