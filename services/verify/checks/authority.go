// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package checks

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianVerify/pkg/extensions"
)

// AuthorityCheck resolves the acting identity to a trust score via the
// external authority provider and requires it to clear a configured floor.
// The only check that performs a potentially blocking external call; the
// pipeline bounds it with the per-check context.
type AuthorityCheck struct {
	// Provider resolves identities to authority scores.
	Provider extensions.AuthorityProvider

	// Floor is the minimum acceptable score. Defaults to 0.5 when zero.
	Floor float64
}

func (c *AuthorityCheck) Type() CheckType { return CheckAuthority }

func (c *AuthorityCheck) Run(ctx context.Context, _ Operation, reqCtx RequestContext) Result {
	if reqCtx.Identity == "" {
		return fail(CheckAuthority, SeverityCritical,
			"no acting identity on request",
			"authenticate before requesting authorization")
	}
	floor := c.Floor
	if floor == 0 {
		floor = 0.5
	}
	provider := c.Provider
	if provider == nil {
		provider = &extensions.NopAuthorityProvider{}
	}

	score, err := provider.AuthorityScore(ctx, reqCtx.Identity)
	if err != nil {
		if errors.Is(err, extensions.ErrIdentityUnknown) {
			return fail(CheckAuthority, SeverityCritical,
				fmt.Sprintf("identity %q is unknown to the authority provider", reqCtx.Identity),
				"enroll the identity before use")
		}
		return fail(CheckAuthority, SeverityHigh,
			fmt.Sprintf("authority lookup failed: %v", err),
			"check authority provider connectivity")
	}
	if score < floor {
		return fail(CheckAuthority, SeverityHigh,
			fmt.Sprintf("authority score %.2f below floor %.2f", score, floor),
			"request elevated authority or reduce operation scope")
	}
	return pass(CheckAuthority, fmt.Sprintf("authority score %.2f", score))
}

var _ Check = (*AuthorityCheck)(nil)
