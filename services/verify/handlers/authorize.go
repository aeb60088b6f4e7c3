// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the HTTP request handlers for the verification
// service's Decision API.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianVerify/services/verify/checks"
	"github.com/AleutianAI/AleutianVerify/services/verify/engine"
	"github.com/AleutianAI/AleutianVerify/services/verify/gate"
)

var verifyTracer = otel.Tracer("aleutian.verify.handlers")

// AuthorizeRequest is the body of POST /v1/authorize.
type AuthorizeRequest struct {
	Operation            checks.Operation      `json:"operation"`
	Context              checks.RequestContext `json:"context"`
	RequireDeterministic bool                  `json:"require_deterministic"`
}

// HandleAuthorize runs the compliance gate: the sole binding accept/deny
// surface. Allowed decisions return 200, denied ones 403; both carry the
// full assessment so the caller can see why.
func HandleAuthorize(g *gate.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := verifyTracer.Start(c.Request.Context(), "HandleAuthorize")
		defer span.End()

		var req AuthorizeRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Failed to parse the authorize request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if req.Operation.Kind == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "operation.kind is required"})
			return
		}

		decision, err := g.Authorize(ctx, req.Operation, req.Context, req.RequireDeterministic)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			switch {
			case errors.Is(err, engine.ErrInvalidConfiguration):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			case errors.Is(err, engine.ErrGenerationExhausted):
				c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "decision": decision})
			default:
				slog.Error("Authorization failed", "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}

		status := http.StatusOK
		if !decision.Allow {
			status = http.StatusForbidden
		}
		c.JSON(status, decision)
	}
}
