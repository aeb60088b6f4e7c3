// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// defaultDenylistYAML is baked into the binary so the compliance rules are
// immutable at runtime and travel with the executable.
//
//go:embed content_denylist.yaml
var defaultDenylistYAML []byte

// PatternConfidence grades how reliable a denylist pattern is.
type PatternConfidence string

const (
	ConfidenceLow    PatternConfidence = "low"
	ConfidenceMedium PatternConfidence = "medium"
	ConfidenceHigh   PatternConfidence = "high"
)

// UnmarshalYAML validates the confidence value on load.
func (c *PatternConfidence) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	incoming := PatternConfidence(s)
	switch incoming {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		*c = incoming
		return nil
	default:
		return fmt.Errorf("invalid value for confidence: %q", incoming)
	}
}

// DenylistPattern is one regex rule inside a rule set.
type DenylistPattern struct {
	ID          string            `yaml:"id"`
	Description string            `yaml:"description"`
	Regex       string            `yaml:"regex"`
	Confidence  PatternConfidence `yaml:"confidence"`

	compiled *regexp.Regexp
}

// RuleSet groups denylist patterns under a named category with a priority.
// Higher priority sets are scanned first.
type RuleSet struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Priority    int               `yaml:"priority"`
	Patterns    []DenylistPattern `yaml:"patterns"`
}

type denylistFile struct {
	RuleSets []RuleSet `yaml:"rulesets"`
}

// ContentFinding records one denylist match in generated output.
type ContentFinding struct {
	RuleSet     string            `json:"ruleset"`
	PatternID   string            `json:"pattern_id"`
	Description string            `json:"description"`
	Confidence  PatternConfidence `json:"confidence"`
}

// Denylist scans generated text for content patterns that make a result
// non-compliant. Safe for concurrent use; Reload swaps the rule table
// atomically under the writer lock.
type Denylist struct {
	mu       sync.RWMutex
	ruleSets []RuleSet
}

// NewDenylist loads the embedded default rules.
func NewDenylist() (*Denylist, error) {
	d := &Denylist{}
	if err := d.load(defaultDenylistYAML); err != nil {
		return nil, fmt.Errorf("load embedded denylist: %w", err)
	}
	return d, nil
}

// NewDenylistFromFile loads rules from an operator-supplied YAML file.
func NewDenylistFromFile(path string) (*Denylist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read denylist file: %w", err)
	}
	d := &Denylist{}
	if err := d.load(data); err != nil {
		return nil, fmt.Errorf("load denylist file %s: %w", path, err)
	}
	return d, nil
}

func (d *Denylist) load(data []byte) error {
	var file denylistFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("unmarshal denylist: %w", err)
	}
	for i := range file.RuleSets {
		for j := range file.RuleSets[i].Patterns {
			pattern := &file.RuleSets[i].Patterns[j]
			re, err := regexp.Compile(pattern.Regex)
			if err != nil {
				return fmt.Errorf("compile pattern %s: %w", pattern.ID, err)
			}
			pattern.compiled = re
		}
	}
	sort.Slice(file.RuleSets, func(i, j int) bool {
		return file.RuleSets[i].Priority > file.RuleSets[j].Priority
	})

	d.mu.Lock()
	d.ruleSets = file.RuleSets
	d.mu.Unlock()
	return nil
}

// Scan checks the content against every pattern and returns all findings,
// highest-priority rule set first.
func (d *Denylist) Scan(content string) []ContentFinding {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var findings []ContentFinding
	for _, rs := range d.ruleSets {
		for _, pattern := range rs.Patterns {
			if pattern.compiled.MatchString(content) {
				findings = append(findings, ContentFinding{
					RuleSet:     rs.Name,
					PatternID:   pattern.ID,
					Description: pattern.Description,
					Confidence:  pattern.Confidence,
				})
			}
		}
	}
	return findings
}

// Watch hot-reloads the denylist whenever the rule file changes on disk.
//
// Runs until the done channel closes. A reload that fails to parse keeps the
// previous rule table; an operator editing rules can never leave the engine
// without a working denylist.
func (d *Denylist) Watch(path string, done <-chan struct{}, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create denylist watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch denylist file %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				data, err := os.ReadFile(path)
				if err != nil {
					logger.Warn("denylist reload read failed", "path", path, "error", err)
					continue
				}
				if err := d.load(data); err != nil {
					logger.Warn("denylist reload rejected, keeping previous rules",
						"path", path, "error", err)
					continue
				}
				logger.Info("denylist reloaded", "path", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("denylist watcher error", "error", err)
			}
		}
	}()
	return nil
}
