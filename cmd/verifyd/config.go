// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianVerify/services/verify/engine"
)

// Config is the verifyd configuration, loaded from config.yaml with
// environment overrides for deployment-specific values.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Engine engine.DeterministicConfig `yaml:"engine"`

	Storage struct {
		// Backend is "memory" or "badger".
		Backend    string `yaml:"backend" validate:"omitempty,oneof=memory badger"`
		Path       string `yaml:"path"`
		SyncWrites bool   `yaml:"sync_writes"`
	} `yaml:"storage"`

	Pipeline struct {
		CheckTimeout         engine.Duration `yaml:"check_timeout"`
		AggregateTimeout     engine.Duration `yaml:"aggregate_timeout"`
		AuthorityFloor       float64         `yaml:"authority_floor" validate:"gte=0,lte=1"`
		FreshnessWindow      engine.Duration `yaml:"freshness_window"`
		MaxRequestsPerWindow int64           `yaml:"max_requests_per_window"`
		AllowedAlgorithms    []string        `yaml:"allowed_algorithms"`
	} `yaml:"pipeline"`

	Denylist struct {
		// Path to an operator rule file. Empty means the embedded defaults.
		Path  string `yaml:"path"`
		Watch bool   `yaml:"watch"`
	} `yaml:"denylist"`

	// Keys maps signing key ids to the environment variables holding their
	// hex-encoded key material. Resolved at startup; the material itself
	// never appears in configuration files.
	Keys map[string]string `yaml:"keys"`

	Logging struct {
		Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
		Dir   string `yaml:"dir"`
		JSON  bool   `yaml:"json"`
	} `yaml:"logging"`
}

var configValidate = validator.New()

// LoadConfig reads and validates the configuration file. A missing file is
// not an error; the defaults carry a working local deployment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultVerifydConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := configValidate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("validate %s: %w", path, err)
	}
	if err := cfg.Engine.Validate(); err != nil {
		return cfg, fmt.Errorf("engine config in %s: %w", path, err)
	}

	// Env overrides for container deployments.
	if port := os.Getenv("VERIFYD_PORT"); port != "" {
		cfg.Server.Port = port
	}
	if backend := os.Getenv("VERIFYD_STORAGE_BACKEND"); backend != "" {
		cfg.Storage.Backend = backend
	}
	return cfg, nil
}

// DefaultVerifydConfig returns the local single-user defaults.
func DefaultVerifydConfig() Config {
	var cfg Config
	cfg.Server.Port = "12300"
	cfg.Engine = engine.DefaultConfig()
	cfg.Storage.Backend = "memory"
	cfg.Storage.Path = "~/.aleutian/verify/audit"
	cfg.Pipeline.CheckTimeout = engine.Duration(2 * time.Second)
	cfg.Pipeline.AggregateTimeout = engine.Duration(10 * time.Second)
	cfg.Pipeline.AuthorityFloor = 0.5
	cfg.Pipeline.FreshnessWindow = engine.Duration(5 * time.Minute)
	cfg.Pipeline.MaxRequestsPerWindow = 60
	cfg.Logging.Level = "info"
	cfg.Logging.JSON = true
	return cfg
}
