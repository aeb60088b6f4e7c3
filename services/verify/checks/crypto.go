// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checks

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
)

// Signature algorithms the cryptography check can verify.
const (
	AlgorithmHMACSHA256 = "hmac-sha256"
	AlgorithmEd25519    = "ed25519"
)

// CryptoCheck verifies the request signature: present, using an approved
// algorithm, and valid against a registered key.
//
// Verification keys are held in memguard enclaves so raw key bytes live in
// plaintext memory only for the duration of one verification. Registration
// wipes the caller's key slice.
type CryptoCheck struct {
	// AllowedAlgorithms is the approved algorithm list. Empty means both
	// supported algorithms are allowed.
	AllowedAlgorithms []string

	mu   sync.RWMutex
	keys map[string]*memguard.Enclave
}

// NewCryptoCheck creates a check with no registered keys. Every signed
// request fails verification until keys are registered.
func NewCryptoCheck(allowedAlgorithms ...string) *CryptoCheck {
	return &CryptoCheck{
		AllowedAlgorithms: allowedAlgorithms,
		keys:              make(map[string]*memguard.Enclave),
	}
}

// RegisterKey stores a verification key for keyID inside an enclave and
// wipes the input slice. For hmac-sha256 the key is the shared secret; for
// ed25519 it is the 32-byte public key.
func (c *CryptoCheck) RegisterKey(keyID string, key []byte) {
	enclave := memguard.NewEnclave(key)
	c.mu.Lock()
	c.keys[keyID] = enclave
	c.mu.Unlock()
}

func (c *CryptoCheck) Type() CheckType { return CheckCryptography }

func (c *CryptoCheck) Run(_ context.Context, _ Operation, reqCtx RequestContext) Result {
	sig := reqCtx.Signature
	if sig.Value == "" {
		return fail(CheckCryptography, SeverityCritical,
			"no signature present on request",
			"sign requests with a registered key")
	}
	algorithm := strings.ToLower(sig.Algorithm)
	if !c.algorithmAllowed(algorithm) {
		return fail(CheckCryptography, SeverityHigh,
			fmt.Sprintf("signature algorithm %q is not in the approved list", sig.Algorithm),
			"re-sign with an approved algorithm")
	}

	c.mu.RLock()
	enclave, ok := c.keys[sig.KeyID]
	c.mu.RUnlock()
	if !ok {
		return fail(CheckCryptography, SeverityCritical,
			fmt.Sprintf("unknown signing key %q", sig.KeyID),
			"register the client key before use")
	}

	valid, err := verifySignature(enclave, algorithm, sig)
	if err != nil {
		return fail(CheckCryptography, SeverityHigh,
			fmt.Sprintf("signature verification error: %v", err),
			"check the signature encoding and key material")
	}
	if !valid {
		return fail(CheckCryptography, SeverityCritical,
			"signature does not verify against the registered key",
			"re-sign the exact request payload")
	}
	return pass(CheckCryptography, fmt.Sprintf("valid %s signature, key %s", algorithm, sig.KeyID))
}

func (c *CryptoCheck) algorithmAllowed(algorithm string) bool {
	if algorithm != AlgorithmHMACSHA256 && algorithm != AlgorithmEd25519 {
		return false
	}
	if len(c.AllowedAlgorithms) == 0 {
		return true
	}
	for _, a := range c.AllowedAlgorithms {
		if strings.EqualFold(a, algorithm) {
			return true
		}
	}
	return false
}

func verifySignature(enclave *memguard.Enclave, algorithm string, sig Signature) (bool, error) {
	sigBytes, err := hex.DecodeString(sig.Value)
	if err != nil {
		return false, fmt.Errorf("decode signature hex: %w", err)
	}

	// Key bytes exist in plaintext only inside this scope.
	buf, err := enclave.Open()
	if err != nil {
		return false, fmt.Errorf("open key enclave: %w", err)
	}
	defer buf.Destroy()

	switch algorithm {
	case AlgorithmHMACSHA256:
		mac := hmac.New(sha256.New, buf.Bytes())
		mac.Write([]byte(sig.Payload))
		return hmac.Equal(mac.Sum(nil), sigBytes), nil
	case AlgorithmEd25519:
		if buf.Size() != ed25519.PublicKeySize {
			return false, fmt.Errorf("registered key is %d bytes, want %d", buf.Size(), ed25519.PublicKeySize)
		}
		if len(sigBytes) != ed25519.SignatureSize {
			return false, nil
		}
		pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
		copy(pub, buf.Bytes())
		return ed25519.Verify(pub, []byte(sig.Payload), sigBytes), nil
	default:
		return false, fmt.Errorf("unsupported algorithm %q", algorithm)
	}
}

var _ Check = (*CryptoCheck)(nil)
