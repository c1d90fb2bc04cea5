package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/chousei/internal/model"
	"github.com/ashita-ai/chousei/internal/ratelimit"
	"github.com/ashita-ai/chousei/internal/recovery"
	"github.com/ashita-ai/chousei/internal/resource"
	"github.com/ashita-ai/chousei/internal/statesync"
	"github.com/ashita-ai/chousei/internal/workflow"
)

// envelope mirrors the wire shape of both the success and error responses so a
// single decode works for either.
type envelope struct {
	Data  json.RawMessage    `json:"data"`
	Error *model.ErrorDetail `json:"error"`
	Meta  model.ResponseMeta `json:"meta"`
}

func newTestServer(t *testing.T, limiter ratelimit.Limiter, maxBody int64) *Server {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	sy := statesync.New(statesync.Config{QueueSize: 64, HistorySize: 10}, logger)
	res := resource.New(resource.Config{TotalCPUCores: 4, TotalMemoryMB: 4096}, nil, logger)
	rec := recovery.New(recovery.Config{}, recovery.LogNotifier{Logger: logger}, logger)
	wf := workflow.New(workflow.Config{DispatchInterval: 10 * time.Millisecond}, logger)

	require.NoError(t, wf.RegisterExecutor("echo", workflow.ExecutorFunc(
		func(_ context.Context, step *model.WorkflowStep) (map[string]any, error) {
			return map[string]any{"step": step.Name}, nil
		})))
	require.NoError(t, wf.RegisterTemplate(model.WorkflowTemplate{
		Type: "indexing",
		Steps: []model.StepDefinition{
			{Name: "scan", Executor: "echo"},
			{Name: "commit", Executor: "echo", Dependencies: []string{"scan"}},
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	sy.Start(ctx)
	res.Start(ctx)
	rec.Start(ctx)
	wf.Start(ctx)
	t.Cleanup(func() {
		wf.Stop()
		rec.Stop()
		res.Stop()
		sy.Stop()
		cancel()
	})

	return New(ServerConfig{
		Sync:                sy,
		Resource:            res,
		Recovery:            rec,
		Workflow:            wf,
		Logger:              logger,
		Limiter:             limiter,
		Broker:              NewBroker(logger),
		Version:             "test",
		MaxRequestBodyBytes: maxBody,
	})
}

func doRequest(t *testing.T, s *Server, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var rd *bytes.Reader
	if body == nil {
		rd = bytes.NewReader(nil)
	} else {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), "body: %s", w.Body.String())
	}
	return w, env
}

func TestHealthAndRequestID(t *testing.T) {
	s := newTestServer(t, nil, 1<<20)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "req-abc", env.Meta.RequestID)

	var data map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, "test", data["version"])
}

func TestStateLifecycle(t *testing.T) {
	s := newTestServer(t, nil, 1<<20)

	w, _ := doRequest(t, s, http.MethodPost, "/v1/sync/register",
		model.RegisterComponentRequest{ComponentID: "agent-1", InitialState: map[string]any{"phase": "idle"}})
	require.Equal(t, http.StatusCreated, w.Code)

	w, env := doRequest(t, s, http.MethodPost, "/v1/sync/state/agent-1",
		model.UpdateStateRequest{State: map[string]any{"phase": "busy"}})
	require.Equal(t, http.StatusOK, w.Code)
	var snap model.StateSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	firstVersion := snap.Version

	w, env = doRequest(t, s, http.MethodPost, "/v1/sync/state/agent-1",
		model.UpdateStateRequest{State: map[string]any{"phase": "done"}})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, firstVersion+1, snap.Version)

	w, env = doRequest(t, s, http.MethodGet, "/v1/sync/state/agent-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, "done", snap.StateData["phase"])

	w, env = doRequest(t, s, http.MethodGet, "/v1/sync/state/agent-1?history=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history []model.StateSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &history))
	assert.GreaterOrEqual(t, len(history), 2)

	w, env = doRequest(t, s, http.MethodPost, "/v1/sync/rollback/agent-1",
		model.RollbackRequest{TargetVersion: firstVersion})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, "busy", snap.StateData["phase"])

	w, env = doRequest(t, s, http.MethodGet, "/v1/sync/state/nobody", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)
}

func TestRollbackUnknownVersion(t *testing.T) {
	s := newTestServer(t, nil, 1<<20)

	w, _ := doRequest(t, s, http.MethodPost, "/v1/sync/register",
		model.RegisterComponentRequest{ComponentID: "agent-1"})
	require.Equal(t, http.StatusCreated, w.Code)

	w, env := doRequest(t, s, http.MethodPost, "/v1/sync/rollback/agent-1",
		model.RollbackRequest{TargetVersion: 99})
	assert.Equal(t, http.StatusNotFound, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)
}

func TestPublishEvent(t *testing.T) {
	s := newTestServer(t, nil, 1<<20)

	w, env := doRequest(t, s, http.MethodPost, "/v1/sync/events", model.PublishEventRequest{
		Type:     model.EventAlertTriggered,
		Source:   "tester",
		Payload:  map[string]any{"k": "v"},
		Priority: "high",
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	var data map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &data))
	_, err := uuid.Parse(data["event_id"])
	assert.NoError(t, err)

	w, env = doRequest(t, s, http.MethodPost, "/v1/sync/events",
		model.PublishEventRequest{Source: "tester"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)
}

func TestAllocateLifecycle(t *testing.T) {
	s := newTestServer(t, nil, 1<<20)

	w, env := doRequest(t, s, http.MethodPost, "/v1/resource/allocate", model.AllocateRequest{
		RequestID:    "job-1",
		Requirements: model.ResourceRequirements{CPUCores: 1, MemoryMB: 512},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var alloc model.ResourceAllocation
	require.NoError(t, json.Unmarshal(env.Data, &alloc))
	assert.Equal(t, "job-1", alloc.RequestID)

	// More CPU than the pool holds.
	w, env = doRequest(t, s, http.MethodPost, "/v1/resource/allocate", model.AllocateRequest{
		RequestID:    "job-2",
		Requirements: model.ResourceRequirements{CPUCores: 64, MemoryMB: 512},
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeInsufficient, env.Error.Code)

	w, _ = doRequest(t, s, http.MethodDelete, "/v1/resource/allocate/job-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, env = doRequest(t, s, http.MethodDelete, "/v1/resource/allocate/job-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)
}

func TestQuotaEndpoints(t *testing.T) {
	s := newTestServer(t, nil, 1<<20)

	w, env := doRequest(t, s, http.MethodGet, "/v1/resource/quota/openai", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	require.NotNil(t, env.Error)

	w, _ = doRequest(t, s, http.MethodPost, "/v1/resource/quota/openai",
		model.APIQuota{RequestsPerMinute: 2, RequestsPerHour: 100, RequestsPerDay: 1000, TokensPerMinute: 100000})
	require.Equal(t, http.StatusCreated, w.Code)

	w, env = doRequest(t, s, http.MethodGet, "/v1/resource/quota/openai", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var q model.APIQuota
	require.NoError(t, json.Unmarshal(env.Data, &q))
	assert.Equal(t, "openai", q.ServiceName)
	assert.Equal(t, int64(2), q.RequestsPerMinute)

	w, _ = doRequest(t, s, http.MethodPost, "/v1/resource/quota/openai/consume",
		model.ConsumeQuotaRequest{Requests: 2, Tokens: 100})
	require.Equal(t, http.StatusOK, w.Code)

	w, env = doRequest(t, s, http.MethodPost, "/v1/resource/quota/openai/consume",
		model.ConsumeQuotaRequest{Requests: 1})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeQuotaExceeded, env.Error.Code)
}

func TestErrorReporting(t *testing.T) {
	s := newTestServer(t, nil, 1<<20)

	w, env := doRequest(t, s, http.MethodPost, "/v1/errors", model.ReportErrorRequest{
		ErrorType: "timeout",
		Message:   "upstream timed out",
		Component: "fetcher",
		Severity:  "error",
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	var data map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &data))
	errorID := data["error_id"]

	w, env = doRequest(t, s, http.MethodGet, "/v1/errors/"+errorID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rec model.ErrorRecord
	require.NoError(t, json.Unmarshal(env.Data, &rec))
	assert.Equal(t, "fetcher", rec.Component)
	assert.Equal(t, "upstream timed out", rec.Message)

	w, env = doRequest(t, s, http.MethodGet, "/v1/errors?component=fetcher", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var records []model.ErrorRecord
	require.NoError(t, json.Unmarshal(env.Data, &records))
	assert.Len(t, records, 1)

	w, env = doRequest(t, s, http.MethodGet, "/v1/errors?component=other", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &records))
	assert.Empty(t, records)

	w, _ = doRequest(t, s, http.MethodGet, "/v1/errors/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doRequest(t, s, http.MethodPost, "/v1/recovery/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWorkflowEndpoints(t *testing.T) {
	s := newTestServer(t, nil, 1<<20)

	w, env := doRequest(t, s, http.MethodPost, "/v1/workflows",
		model.CreateWorkflowRequest{Type: "indexing", Parameters: map[string]any{"path": "/tmp"}})
	require.Equal(t, http.StatusAccepted, w.Code)
	var data map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &data))
	wfID := data["workflow_id"]

	require.Eventually(t, func() bool {
		w, env := doRequest(t, s, http.MethodGet, "/v1/workflows/"+wfID, nil)
		if w.Code != http.StatusOK {
			return false
		}
		var wf model.Workflow
		if err := json.Unmarshal(env.Data, &wf); err != nil {
			return false
		}
		return wf.Status == model.WorkflowCompleted
	}, 3*time.Second, 20*time.Millisecond)

	// Cancel applies to running workflows only.
	w, env = doRequest(t, s, http.MethodPost, fmt.Sprintf("/v1/workflows/%s/cancel", wfID), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeConflict, env.Error.Code)

	w, env = doRequest(t, s, http.MethodPost, "/v1/workflows",
		model.CreateWorkflowRequest{Type: "no-such-template"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	require.NotNil(t, env.Error)

	w, _ = doRequest(t, s, http.MethodGet, "/v1/workflows/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = doRequest(t, s, http.MethodGet, "/v1/workflows/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env = doRequest(t, s, http.MethodGet, "/v1/workflows/templates", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var templates []model.WorkflowTemplate
	require.NoError(t, json.Unmarshal(env.Data, &templates))
	require.Len(t, templates, 1)
	assert.Equal(t, "indexing", templates[0].Type)
}

func TestDecodeErrors(t *testing.T) {
	s := newTestServer(t, nil, 64)

	w, env := doRequest(t, s, http.MethodPost, "/v1/sync/register", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, env.Error)
	assert.Contains(t, env.Error.Message, "empty request body")

	req := httptest.NewRequest(http.MethodPost, "/v1/sync/register",
		strings.NewReader(`{"component_id": "x", "bogus_field": true}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	big := fmt.Sprintf(`{"component_id": %q}`, strings.Repeat("a", 256))
	req = httptest.NewRequest(http.MethodPost, "/v1/sync/register", strings.NewReader(big))
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRateLimitRejects(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	defer limiter.Close()
	s := newTestServer(t, limiter, 1<<20)

	w, _ := doRequest(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestStreamEndpointDeliversEvents(t *testing.T) {
	s := newTestServer(t, nil, 1<<20)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/sync/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The broker only receives events addressed to registered components, so
	// put one on the bus first.
	w, _ := doRequest(t, s, http.MethodPost, "/v1/sync/register",
		model.RegisterComponentRequest{ComponentID: "agent-1"})
	require.Equal(t, http.StatusCreated, w.Code)

	// Critical events broadcast before queueing, so the frame arrives without
	// waiting on the delivery loop.
	w, _ = doRequest(t, s, http.MethodPost, "/v1/sync/events", model.PublishEventRequest{
		Type:     model.EventAlertTriggered,
		Source:   "tester",
		Payload:  map[string]any{"n": 1},
		Priority: "critical",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	frame := string(buf[:n])
	assert.Contains(t, frame, "event: ")
	assert.Contains(t, frame, "data: ")
	cancel()
}
