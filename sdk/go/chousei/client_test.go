package chousei

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
)

// mockServer creates an httptest server that mimics the Chousei API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	return httptest.NewServer(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL: serverURL,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error for empty BaseURL")
	}
}

func TestUpdateStateUnwrapsEnvelope(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/sync/state/worker-1": func(w http.ResponseWriter, r *http.Request) {
			var body UpdateStateRequest
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			if body.State["phase"] != "indexing" {
				t.Fatalf("unexpected state: %v", body.State)
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": StateSnapshot{
					ComponentID: "worker-1",
					StateData:   body.State,
					Version:     3,
					Timestamp:   time.Now().UTC(),
				},
			})
		},
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	snap, err := c.UpdateState(context.Background(), "worker-1", map[string]any{"phase": "indexing"}, nil)
	if err != nil {
		t.Fatalf("UpdateState failed: %v", err)
	}
	if snap.Version != 3 {
		t.Fatalf("expected version 3, got %d", snap.Version)
	}
	if snap.StateData["phase"] != "indexing" {
		t.Fatalf("unexpected snapshot state: %v", snap.StateData)
	}
}

func TestGetStateNotFound(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/sync/state/ghost": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": "NOT_FOUND", "message": "no component ghost"},
			})
		},
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.GetState(context.Background(), "ghost")
	if !IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND code, got %v", err)
	}
}

func TestAllocateInsufficientResources(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/resource/allocate": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error": map[string]any{
					"code":    "INSUFFICIENT_RESOURCES",
					"message": "requested 64.0 cpu cores, 3.5 available",
				},
			})
		},
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Allocate(context.Background(), "req-1", ResourceRequirements{CPUCores: 64})
	if !IsInsufficientResources(err) {
		t.Fatalf("expected insufficient-resources error, got %v", err)
	}
	if !IsConflict(err) {
		t.Fatalf("expected 409, got %v", err)
	}
}

func TestConsumeQuotaExceeded(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/resource/quota/openai/consume": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": map[string]any{
					"code":    "QUOTA_EXCEEDED",
					"message": "openai: minute request limit reached",
				},
			})
		},
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.ConsumeQuota(context.Background(), "openai", 1, 0)
	if !IsQuotaExceeded(err) {
		t.Fatalf("expected quota-exceeded error, got %v", err)
	}
	if !IsRateLimited(err) {
		t.Fatalf("expected 429, got %v", err)
	}
}

func TestRateLimitedNonEnvelopeBody(t *testing.T) {
	// The server's rate-limit middleware responds with a flat body,
	// not the standard error envelope.
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
		},
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Health(context.Background())
	if !IsRateLimited(err) {
		t.Fatalf("expected rate-limited error, got %v", err)
	}
}

func TestWorkflowLifecycle(t *testing.T) {
	wfID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/workflows": func(w http.ResponseWriter, r *http.Request) {
			var body CreateWorkflowRequest
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			if body.Type != "indexing" {
				t.Fatalf("unexpected workflow type %q", body.Type)
			}
			writeJSON(w, http.StatusAccepted, map[string]any{
				"data": map[string]any{"workflow_id": wfID},
			})
		},
		"GET /v1/workflows/" + wfID.String(): func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": Workflow{
					ID:     wfID,
					Type:   "indexing",
					Status: WorkflowCompleted,
					Steps: []*WorkflowStep{
						{ID: "scan", Status: "completed"},
						{ID: "commit", Status: "completed"},
					},
				},
			})
		},
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	id, err := c.CreateWorkflow(ctx, CreateWorkflowRequest{Type: "indexing"})
	if err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	if id != wfID {
		t.Fatalf("expected workflow id %s, got %s", wfID, id)
	}

	wf, err := c.GetWorkflow(ctx, id)
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if wf.Status != WorkflowCompleted {
		t.Fatalf("expected completed, got %s", wf.Status)
	}
	if len(wf.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(wf.Steps))
	}
}

func TestReportErrorReturnsID(t *testing.T) {
	errID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/errors": func(w http.ResponseWriter, r *http.Request) {
			var body ReportErrorRequest
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			if body.Severity != "critical" {
				t.Fatalf("unexpected severity %q", body.Severity)
			}
			writeJSON(w, http.StatusAccepted, map[string]any{
				"data": map[string]any{"error_id": errID},
			})
		},
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	id, err := c.ReportError(context.Background(), ReportErrorRequest{
		ErrorType: "api_error",
		Message:   "upstream timed out",
		Component: "fetcher",
		Severity:  "critical",
	})
	if err != nil {
		t.Fatalf("ReportError failed: %v", err)
	}
	if id != errID {
		t.Fatalf("expected error id %s, got %s", errID, id)
	}
}

func TestListErrorsBuildsQuery(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/errors": func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			if q.Get("component") != "fetcher" || q.Get("min_severity") != "warning" {
				t.Fatalf("unexpected query: %s", r.URL.RawQuery)
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": []ErrorRecord{{Component: "fetcher", Message: "boom"}},
			})
		},
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	records, err := c.ListErrors(context.Background(), ErrorFilter{
		Component:   "fetcher",
		MinSeverity: "warning",
	})
	if err != nil {
		t.Fatalf("ListErrors failed: %v", err)
	}
	if len(records) != 1 || records[0].Message != "boom" {
		t.Fatalf("unexpected records: %v", records)
	}
}

func TestRequestTimeout(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
			writeJSON(w, http.StatusOK, map[string]any{"data": HealthStatus{Status: "ok"}})
		},
	})
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if _, err := c.Health(context.Background()); err == nil {
		t.Fatal("expected timeout error")
	}
}
