// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianVerify/services/verify/engine"
)

// HandleAuditExport serializes the full audit trail with the active
// configuration for compliance review tooling.
func HandleAuditExport(o *engine.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := verifyTracer.Start(c.Request.Context(), "HandleAuditExport")
		defer span.End()

		data, err := o.ExportAudit(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Audit export failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/json", data)
	}
}

// HealthCheck reports service liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
