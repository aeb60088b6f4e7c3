// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianVerify/services/verify/engine"
)

// InferenceRequest is the body of POST /v1/inference.
type InferenceRequest struct {
	Prompt       string                 `json:"prompt"`
	SystemPrompt string                 `json:"system_prompt,omitempty"`
	Override     *engine.ConfigOverride `json:"override,omitempty"`
}

// HandleInference runs one orchestrated deterministic generation and returns
// the stored audit record.
func HandleInference(o *engine.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := verifyTracer.Start(c.Request.Context(), "HandleInference")
		defer span.End()

		var req InferenceRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Failed to parse the inference request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		record, err := o.Run(ctx, req.Prompt, req.SystemPrompt, req.Override)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			switch {
			case errors.Is(err, engine.ErrInvalidConfiguration):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			case errors.Is(err, engine.ErrGenerationExhausted):
				// The exhausted run is still audited; surface both.
				c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "record": record})
			default:
				slog.Error("Inference run failed", "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, record)
	}
}
