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

import "strings"

// ConsistencyScore measures how similar two generations are, in [0, 1].
//
// The measure combines word-set Jaccard similarity with a length ratio.
// Identical strings score exactly 1.0, which is what a provider that honors
// the seed should produce. The combination penalizes both vocabulary drift
// and truncation: two outputs sharing every word but differing wildly in
// length are not consistent generations.
func ConsistencyScore(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}

	setA := wordSet(a)
	setB := wordSet(b)

	intersection := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	jaccard := 0.0
	if union > 0 {
		jaccard = float64(intersection) / float64(union)
	}

	lenA, lenB := float64(len(a)), float64(len(b))
	lengthRatio := lenA / lenB
	if lenB < lenA {
		lengthRatio = lenB / lenA
	}

	return 0.8*jaccard + 0.2*lengthRatio
}

func wordSet(s string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
