// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the Decision API handlers

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianVerify/services/verify/audit"
	"github.com/AleutianAI/AleutianVerify/services/verify/checks"
	"github.com/AleutianAI/AleutianVerify/services/verify/engine"
	"github.com/AleutianAI/AleutianVerify/services/verify/fingerprint"
	"github.com/AleutianAI/AleutianVerify/services/verify/gate"
	"github.com/AleutianAI/AleutianVerify/services/verify/pipeline"
	"github.com/AleutianAI/AleutianVerify/services/verify/provider"
)

func fingerprintSettings(temperature, nucleus float64) fingerprint.Settings {
	return fingerprint.Settings{
		Temperature:      temperature,
		NucleusThreshold: nucleus,
		MaxOutputUnits:   256,
		ModelIdentifier:  "gpt-4o-mini",
	}
}

func init() {
	gin.SetMode(gin.TestMode)
}

// allowAll passes every check; the handler tests exercise HTTP behavior, not
// check logic.
type allowAll struct{ checkType checks.CheckType }

func (c allowAll) Type() checks.CheckType { return c.checkType }
func (c allowAll) Run(context.Context, checks.Operation, checks.RequestContext) checks.Result {
	return checks.Result{CheckType: c.checkType, Passed: true}
}

type denyAll struct{ checkType checks.CheckType }

func (c denyAll) Type() checks.CheckType { return c.checkType }
func (c denyAll) Run(context.Context, checks.Operation, checks.RequestContext) checks.Result {
	return checks.Result{
		CheckType: c.checkType,
		Passed:    false,
		Violation: &checks.Violation{
			CheckType:   c.checkType,
			Severity:    checks.SeverityCritical,
			Description: "denied by test double",
		},
	}
}

func testStack(t *testing.T, ordered ...checks.Check) (*gate.Gate, *engine.Orchestrator, *provider.StubProvider) {
	t.Helper()
	stub := &provider.StubProvider{}
	trail := audit.NewMemoryStore()
	logger := slog.New(slog.DiscardHandler)

	orch, err := engine.New(engine.Options{Provider: stub, Store: trail, Logger: logger})
	require.NoError(t, err)

	if len(ordered) == 0 {
		ordered = []checks.Check{allowAll{checkType: checks.CheckTransport}}
	}
	ordered = append(ordered, &checks.DeterminismCheck{Trail: trail})
	registry, err := checks.NewCustomRegistry(ordered...)
	require.NoError(t, err)

	basePipe, err := pipeline.New(pipeline.Options{
		Registry: registry.Without(checks.CheckDeterminism),
		Logger:   logger,
	})
	require.NoError(t, err)
	detPipe, err := pipeline.New(pipeline.Options{Registry: registry, Logger: logger})
	require.NoError(t, err)

	g, err := gate.New(gate.Options{
		Orchestrator:          orch,
		Pipeline:              basePipe,
		DeterministicPipeline: detPipe,
		Trail:                 trail,
		Logger:                logger,
	})
	require.NoError(t, err)
	return g, orch, stub
}

func postJSON(router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestHandleAuthorize_Allowed(t *testing.T) {
	g, _, _ := testStack(t)
	router := gin.New()
	router.POST("/v1/authorize", HandleAuthorize(g))

	w := postJSON(router, "/v1/authorize", AuthorizeRequest{
		Operation:            checks.Operation{Kind: "inference.run", Prompt: "hello"},
		Context:              checks.RequestContext{Identity: "alice"},
		RequireDeterministic: true,
	})
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	var decision gate.Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decision))
	assert.True(t, decision.Allow)
	require.NotNil(t, decision.AuditRecord)
	assert.NotEmpty(t, decision.AuditRecord.RequestID)
}

func TestHandleAuthorize_DeniedReturns403WithAssessment(t *testing.T) {
	g, _, _ := testStack(t, denyAll{checkType: checks.CheckTransport})
	router := gin.New()
	router.POST("/v1/authorize", HandleAuthorize(g))

	w := postJSON(router, "/v1/authorize", AuthorizeRequest{
		Operation: checks.Operation{Kind: "inference.run", Prompt: "hello"},
		Context:   checks.RequestContext{Identity: "mallory"},
	})
	require.Equal(t, http.StatusForbidden, w.Code)

	var decision gate.Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decision))
	assert.False(t, decision.Allow)
	assert.NotEmpty(t, decision.Assessment.Violations)
}

func TestHandleAuthorize_BadRequests(t *testing.T) {
	g, _, stub := testStack(t)
	router := gin.New()
	router.POST("/v1/authorize", HandleAuthorize(g))

	t.Run("malformed body", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("POST", "/v1/authorize", bytes.NewReader([]byte("{not json")))
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing operation kind", func(t *testing.T) {
		w := postJSON(router, "/v1/authorize", AuthorizeRequest{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("non-deterministic settings rejected before provider", func(t *testing.T) {
		before := stub.Calls()
		w := postJSON(router, "/v1/authorize", AuthorizeRequest{
			Operation: checks.Operation{
				Kind:   "inference.run",
				Prompt: "hello",
				Settings: fingerprintSettings(0.7, 1.0),
			},
			RequireDeterministic: true,
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, before, stub.Calls())
	})
}

func TestHandleInference_Success(t *testing.T) {
	_, orch, _ := testStack(t)
	router := gin.New()
	router.POST("/v1/inference", HandleInference(orch))

	w := postJSON(router, "/v1/inference", InferenceRequest{Prompt: "What is 2+2?"})
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	var record audit.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &record))
	assert.NotEmpty(t, record.RequestID)
	assert.NotEmpty(t, record.ResultText)
	assert.True(t, record.ComplianceFlags.Reproducible)
}

func TestHandleInference_InvalidOverride(t *testing.T) {
	_, orch, stub := testStack(t)
	router := gin.New()
	router.POST("/v1/inference", HandleInference(orch))

	temp := 0.7
	w := postJSON(router, "/v1/inference", InferenceRequest{
		Prompt:   "hello",
		Override: &engine.ConfigOverride{Temperature: &temp},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, stub.Calls())
}

func TestHandleInference_ExhaustionReturnsRecord(t *testing.T) {
	_, orch, stub := testStack(t)
	stub.FailAttempts = 100
	router := gin.New()
	router.POST("/v1/inference", HandleInference(orch))

	w := postJSON(router, "/v1/inference", InferenceRequest{Prompt: "doomed"})
	require.Equal(t, http.StatusBadGateway, w.Code)

	var body struct {
		Error  string       `json:"error"`
		Record audit.Record `json:"record"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Error)
	assert.NotEmpty(t, body.Record.RequestID)
}

func TestHandleAuditExport(t *testing.T) {
	_, orch, _ := testStack(t)
	router := gin.New()
	router.POST("/v1/inference", HandleInference(orch))
	router.GET("/v1/audit/export", HandleAuditExport(orch))

	postJSON(router, "/v1/inference", InferenceRequest{Prompt: "export me"})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/audit/export", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	snapshot, err := audit.ParseSnapshot(w.Body.Bytes())
	require.NoError(t, err)
	assert.Len(t, snapshot.Records, 1)
}

func TestHealthCheck_ReturnsOK(t *testing.T) {
	router := gin.New()
	router.GET("/health", HealthCheck)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "ok", response["status"])
}
