// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fingerprint builds content-addressed identifiers for inference
// inputs. A fingerprint binds the prompt, the system prompt, and the sampling
// settings into stable SHA-256 digests so that reproducibility claims can be
// checked after the fact.
//
// Building a fingerprint is a pure computation: no I/O, no network, no model
// call. Two calls with byte-identical inputs always produce identical digests.
// The CreatedAt timestamp is metadata only and is never part of the digest
// material.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// digestHexLen is the hex length of a full SHA-256 digest.
const digestHexLen = 64

// shortDigestLen is the prefix length used for human-readable display.
const shortDigestLen = 12

// Settings captures the generation parameters that participate in the
// configuration digest. This is a value type deliberately decoupled from the
// engine's full DeterministicConfig so that this package stays dependency-free.
type Settings struct {
	// Temperature is the sampling temperature.
	Temperature float64

	// NucleusThreshold is the nucleus (top-p) sampling threshold.
	NucleusThreshold float64

	// MaxOutputUnits bounds the generated output length in tokens.
	MaxOutputUnits int

	// FixedSeed is the seed used for every generation attempt.
	FixedSeed uint64

	// ModelIdentifier names the model the settings apply to.
	ModelIdentifier string
}

// PromptFingerprint is the immutable content-addressed identifier for one
// inference attempt. It is embedded into the audit record and treated as a
// stable identifier across exports.
type PromptFingerprint struct {
	// PromptDigest is the full-width SHA-256 hex digest of the prompt text.
	PromptDigest string `json:"prompt_digest"`

	// ConfigDigest is the SHA-256 hex digest of the canonical settings string.
	ConfigDigest string `json:"config_digest"`

	// SystemPromptDigest is the digest of the system prompt, empty when no
	// system prompt was supplied.
	SystemPromptDigest string `json:"system_prompt_digest,omitempty"`

	// ModelVersion records the model identifier the fingerprint was built for.
	ModelVersion string `json:"model_version"`

	// CreatedAt is when this fingerprint was built. Metadata only; two
	// fingerprints with different CreatedAt but equal digests are equal for
	// reproducibility purposes.
	CreatedAt time.Time `json:"created_at"`

	// InputUnitCount is an approximate token count for the combined input.
	InputUnitCount int `json:"input_unit_count"`
}

// Build computes the fingerprint for a prompt, an optional system prompt, and
// the generation settings.
//
// # Description
//
// Pure function with no failure mode: any string input, including the empty
// prompt, produces a valid fingerprint. The settings are serialized into a
// canonical pipe-delimited form before hashing so that digest equality is
// insensitive to struct field ordering or float formatting drift.
//
// # Inputs
//
//   - prompt: User prompt text. May be empty.
//   - systemPrompt: System prompt text. Empty means none.
//   - settings: Generation parameters to bind into the config digest.
//
// # Outputs
//
//   - PromptFingerprint: Fully populated, immutable value.
func Build(prompt, systemPrompt string, settings Settings) PromptFingerprint {
	fp := PromptFingerprint{
		PromptDigest:   hashString(prompt),
		ConfigDigest:   hashString(canonicalSettings(settings)),
		ModelVersion:   settings.ModelIdentifier,
		CreatedAt:      time.Now().UTC(),
		InputUnitCount: approxUnits(prompt, systemPrompt),
	}
	if systemPrompt != "" {
		fp.SystemPromptDigest = hashString(systemPrompt)
	}
	return fp
}

// DeriveSeed deterministically derives a generation seed from a prompt digest.
//
// The first eight bytes of the digest are interpreted as a big-endian uint64.
// Callers use this when no explicit seed was configured, so that the seed is a
// function of the prompt rather than of wall-clock state. A malformed digest
// derives seed zero.
func DeriveSeed(promptDigest string) uint64 {
	raw, err := hex.DecodeString(promptDigest)
	if err != nil || len(raw) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw[:8])
}

// Short returns a truncated display form: "prompt/config" digest prefixes.
// The stored digests always retain full hash width; this is presentation only.
func (fp PromptFingerprint) Short() string {
	return fmt.Sprintf("%s/%s", prefix(fp.PromptDigest), prefix(fp.ConfigDigest))
}

// WellFormed reports whether both mandatory digests are full-width hex and the
// optional system prompt digest, when present, is too.
func (fp PromptFingerprint) WellFormed() bool {
	if !isHexDigest(fp.PromptDigest) || !isHexDigest(fp.ConfigDigest) {
		return false
	}
	if fp.SystemPromptDigest != "" && !isHexDigest(fp.SystemPromptDigest) {
		return false
	}
	return true
}

// Equal reports digest-level equality. CreatedAt and InputUnitCount are
// excluded: they do not participate in the reproducibility contract.
func (fp PromptFingerprint) Equal(other PromptFingerprint) bool {
	return fp.PromptDigest == other.PromptDigest &&
		fp.ConfigDigest == other.ConfigDigest &&
		fp.SystemPromptDigest == other.SystemPromptDigest &&
		fp.ModelVersion == other.ModelVersion
}

// canonicalSettings produces the canonical serialization hashed into the
// config digest. FormatFloat with 'g' and -1 precision round-trips float64
// exactly, so equal settings always canonicalize identically.
func canonicalSettings(s Settings) string {
	parts := []string{
		"temp=" + strconv.FormatFloat(s.Temperature, 'g', -1, 64),
		"top_p=" + strconv.FormatFloat(s.NucleusThreshold, 'g', -1, 64),
		"max_units=" + strconv.Itoa(s.MaxOutputUnits),
		"seed=" + strconv.FormatUint(s.FixedSeed, 10),
		"model=" + s.ModelIdentifier,
	}
	return strings.Join(parts, "|")
}

// HashText returns the full-width SHA-256 hex digest of s. Exposed so the
// engine can derive a prompt digest (and from it a seed) before building the
// full fingerprint.
func HashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func hashString(s string) string { return HashText(s) }

// approxUnits estimates token usage as characters/4, the same heuristic the
// chat services use for budget estimates. Never returns a negative count.
func approxUnits(prompt, systemPrompt string) int {
	total := len(prompt) + len(systemPrompt)
	return (total + 3) / 4
}

func prefix(digest string) string {
	if len(digest) <= shortDigestLen {
		return digest
	}
	return digest[:shortDigestLen]
}

func isHexDigest(s string) bool {
	if len(s) != digestHexLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
