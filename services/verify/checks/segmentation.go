// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package checks

import (
	"context"
	"fmt"
)

// SegmentationCheck enforces access segmentation: the identity's segment
// must appear in the operation's allow-list. An empty allow-list means the
// operation is unrestricted.
type SegmentationCheck struct{}

func (SegmentationCheck) Type() CheckType { return CheckSegmentation }

func (SegmentationCheck) Run(_ context.Context, op Operation, reqCtx RequestContext) Result {
	if len(op.AllowedSegments) == 0 {
		return pass(CheckSegmentation, "operation is unrestricted")
	}
	if reqCtx.Segment == "" {
		return fail(CheckSegmentation, SeverityHigh,
			fmt.Sprintf("operation %q is segment-restricted but the identity has no segment", op.Kind),
			"assign the identity to an access segment")
	}
	for _, allowed := range op.AllowedSegments {
		if allowed == reqCtx.Segment {
			return pass(CheckSegmentation, fmt.Sprintf("segment %q permitted", reqCtx.Segment))
		}
	}
	return fail(CheckSegmentation, SeverityHigh,
		fmt.Sprintf("segment %q is not permitted for operation %q", reqCtx.Segment, op.Kind),
		"request access to the operation's segment or use a permitted identity")
}

var _ Check = SegmentationCheck{}
