package chousei

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Chousei server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Chousei coordination API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("chousei: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
	}, nil
}

// ---------------------------------------------------------------------------
// State synchronization
// ---------------------------------------------------------------------------

// RegisterComponent registers a component for state tracking, with an
// optional initial state.
func (c *Client) RegisterComponent(ctx context.Context, componentID string, initialState map[string]any) error {
	body := RegisterComponentRequest{ComponentID: componentID, InitialState: initialState}
	return c.post(ctx, "/v1/sync/register", body, nil)
}

// UnregisterComponent removes a component from state tracking.
func (c *Client) UnregisterComponent(ctx context.Context, componentID string) error {
	return c.doDelete(ctx, "/v1/sync/register/"+url.PathEscape(componentID), nil)
}

// UpdateState replaces a component's state and returns the new snapshot.
// If expectedVersion is non-nil, the update fails with a conflict unless
// it matches the component's current version.
func (c *Client) UpdateState(ctx context.Context, componentID string, state map[string]any, expectedVersion *int64) (*StateSnapshot, error) {
	body := UpdateStateRequest{State: state, Version: expectedVersion}
	var snap StateSnapshot
	if err := c.post(ctx, "/v1/sync/state/"+url.PathEscape(componentID), body, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetState returns the current snapshot for a component.
func (c *Client) GetState(ctx context.Context, componentID string) (*StateSnapshot, error) {
	var snap StateSnapshot
	if err := c.get(ctx, "/v1/sync/state/"+url.PathEscape(componentID), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// StateHistory returns the retained snapshot history for a component,
// oldest first.
func (c *Client) StateHistory(ctx context.Context, componentID string) ([]StateSnapshot, error) {
	var history []StateSnapshot
	if err := c.get(ctx, "/v1/sync/state/"+url.PathEscape(componentID)+"?history=true", &history); err != nil {
		return nil, err
	}
	return history, nil
}

// Resync forces a pull from the component's state source and returns the
// resulting snapshot.
func (c *Client) Resync(ctx context.Context, componentID string) (*StateSnapshot, error) {
	var snap StateSnapshot
	if err := c.post(ctx, "/v1/sync/sync/"+url.PathEscape(componentID), struct{}{}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Rollback restores a component to an earlier version from its history.
// The restored state is written as a new version.
func (c *Client) Rollback(ctx context.Context, componentID string, targetVersion int64) (*StateSnapshot, error) {
	body := map[string]any{"target_version": targetVersion}
	var snap StateSnapshot
	if err := c.post(ctx, "/v1/sync/rollback/"+url.PathEscape(componentID), body, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// PublishEvent enqueues an event on the server's event bus and returns
// the assigned event ID.
func (c *Client) PublishEvent(ctx context.Context, req PublishEventRequest) (uuid.UUID, error) {
	var resp struct {
		EventID uuid.UUID `json:"event_id"`
	}
	if err := c.post(ctx, "/v1/sync/events", req, &resp); err != nil {
		return uuid.Nil, err
	}
	return resp.EventID, nil
}

// SyncStatus returns the synchronization coordinator's status snapshot.
func (c *Client) SyncStatus(ctx context.Context) (map[string]any, error) {
	var status map[string]any
	if err := c.get(ctx, "/v1/sync/status", &status); err != nil {
		return nil, err
	}
	return status, nil
}

// Conflicts returns the recorded state conflicts.
func (c *Client) Conflicts(ctx context.Context) ([]ConflictRecord, error) {
	var records []ConflictRecord
	if err := c.get(ctx, "/v1/sync/conflicts", &records); err != nil {
		return nil, err
	}
	return records, nil
}

// ---------------------------------------------------------------------------
// Resource management
// ---------------------------------------------------------------------------

// Allocate requests capacity and returns the granted allocation.
func (c *Client) Allocate(ctx context.Context, requestID string, req ResourceRequirements) (*ResourceAllocation, error) {
	body := AllocateRequest{RequestID: requestID, Requirements: req}
	var alloc ResourceAllocation
	if err := c.post(ctx, "/v1/resource/allocate", body, &alloc); err != nil {
		return nil, err
	}
	return &alloc, nil
}

// Release returns an allocation's capacity to the pool.
func (c *Client) Release(ctx context.Context, requestID string) error {
	return c.doDelete(ctx, "/v1/resource/allocate/"+url.PathEscape(requestID), nil)
}

// ResourceStatus returns the resource coordinator's status snapshot.
func (c *Client) ResourceStatus(ctx context.Context) (map[string]any, error) {
	var status map[string]any
	if err := c.get(ctx, "/v1/resource/status", &status); err != nil {
		return nil, err
	}
	return status, nil
}

// SetQuota configures sliding-window limits for an external service.
func (c *Client) SetQuota(ctx context.Context, quota APIQuota) error {
	service := quota.ServiceName
	if service == "" {
		return fmt.Errorf("chousei: quota ServiceName is required")
	}
	return c.post(ctx, "/v1/resource/quota/"+url.PathEscape(service), quota, nil)
}

// GetQuota returns the limits and current usage for a service.
func (c *Client) GetQuota(ctx context.Context, service string) (*APIQuota, error) {
	var quota APIQuota
	if err := c.get(ctx, "/v1/resource/quota/"+url.PathEscape(service), &quota); err != nil {
		return nil, err
	}
	return &quota, nil
}

// ConsumeQuota records request and token consumption against a service
// quota. Returns a quota-exceeded error if a window limit would be
// breached; check with IsQuotaExceeded.
func (c *Client) ConsumeQuota(ctx context.Context, service string, requests int, tokens int64) error {
	body := ConsumeQuotaRequest{Requests: requests, Tokens: tokens}
	return c.post(ctx, "/v1/resource/quota/"+url.PathEscape(service)+"/consume", body, nil)
}

// OptimizeResources returns advisory suggestions for the current
// allocation and quota usage.
func (c *Client) OptimizeResources(ctx context.Context) ([]OptimizationSuggestion, error) {
	var suggestions []OptimizationSuggestion
	if err := c.post(ctx, "/v1/resource/optimize", struct{}{}, &suggestions); err != nil {
		return nil, err
	}
	return suggestions, nil
}

// ---------------------------------------------------------------------------
// Error handling and recovery
// ---------------------------------------------------------------------------

// ReportError reports an error for classification and recovery, and
// returns the assigned record ID.
func (c *Client) ReportError(ctx context.Context, req ReportErrorRequest) (uuid.UUID, error) {
	var resp struct {
		ErrorID uuid.UUID `json:"error_id"`
	}
	if err := c.post(ctx, "/v1/errors", req, &resp); err != nil {
		return uuid.Nil, err
	}
	return resp.ErrorID, nil
}

// GetError returns one error record with its recovery history.
func (c *Client) GetError(ctx context.Context, id uuid.UUID) (*ErrorRecord, error) {
	var rec ErrorRecord
	if err := c.get(ctx, "/v1/errors/"+id.String(), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ErrorFilter narrows ListErrors results. Zero values match everything.
type ErrorFilter struct {
	Component   string
	ErrorType   string
	MinSeverity string
}

// ListErrors returns error records matching the filter, newest first.
func (c *Client) ListErrors(ctx context.Context, filter ErrorFilter) ([]ErrorRecord, error) {
	q := url.Values{}
	if filter.Component != "" {
		q.Set("component", filter.Component)
	}
	if filter.ErrorType != "" {
		q.Set("type", filter.ErrorType)
	}
	if filter.MinSeverity != "" {
		q.Set("min_severity", filter.MinSeverity)
	}
	path := "/v1/errors"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var records []ErrorRecord
	if err := c.get(ctx, path, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// ErrorSummary returns aggregate error counts and recovery rates.
func (c *Client) ErrorSummary(ctx context.Context) (map[string]any, error) {
	var summary map[string]any
	if err := c.get(ctx, "/v1/errors/summary", &summary); err != nil {
		return nil, err
	}
	return summary, nil
}

// RetryRecovery re-runs recovery for an unresolved error record.
func (c *Client) RetryRecovery(ctx context.Context, errorID uuid.UUID) error {
	return c.post(ctx, "/v1/recovery/"+errorID.String(), struct{}{}, nil)
}

// Strategies returns the registered recovery strategies.
func (c *Client) Strategies(ctx context.Context) ([]RecoveryStrategy, error) {
	var strategies []RecoveryStrategy
	if err := c.get(ctx, "/v1/recovery/strategies", &strategies); err != nil {
		return nil, err
	}
	return strategies, nil
}

// Alerts returns the notifications sent by triggered alert rules.
func (c *Client) Alerts(ctx context.Context) ([]Notification, error) {
	var notifications []Notification
	if err := c.get(ctx, "/v1/alerts", &notifications); err != nil {
		return nil, err
	}
	return notifications, nil
}

// ---------------------------------------------------------------------------
// Workflows
// ---------------------------------------------------------------------------

// CreateWorkflow instantiates a registered template and returns the new
// workflow's ID. Execution is asynchronous; poll with GetWorkflow.
func (c *Client) CreateWorkflow(ctx context.Context, req CreateWorkflowRequest) (uuid.UUID, error) {
	var resp struct {
		WorkflowID uuid.UUID `json:"workflow_id"`
	}
	if err := c.post(ctx, "/v1/workflows", req, &resp); err != nil {
		return uuid.Nil, err
	}
	return resp.WorkflowID, nil
}

// GetWorkflow returns one workflow with its step states.
func (c *Client) GetWorkflow(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	var wf Workflow
	if err := c.get(ctx, "/v1/workflows/"+id.String(), &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// ListWorkflows returns workflows, optionally filtered by status.
func (c *Client) ListWorkflows(ctx context.Context, status string) ([]Workflow, error) {
	path := "/v1/workflows"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var workflows []Workflow
	if err := c.get(ctx, path, &workflows); err != nil {
		return nil, err
	}
	return workflows, nil
}

// CancelWorkflow cancels a pending, paused, or running workflow.
func (c *Client) CancelWorkflow(ctx context.Context, id uuid.UUID) error {
	return c.post(ctx, "/v1/workflows/"+id.String()+"/cancel", struct{}{}, nil)
}

// PauseWorkflow pauses a running workflow after in-flight steps finish.
func (c *Client) PauseWorkflow(ctx context.Context, id uuid.UUID) error {
	return c.post(ctx, "/v1/workflows/"+id.String()+"/pause", struct{}{}, nil)
}

// ResumeWorkflow resumes a paused workflow.
func (c *Client) ResumeWorkflow(ctx context.Context, id uuid.UUID) error {
	return c.post(ctx, "/v1/workflows/"+id.String()+"/resume", struct{}{}, nil)
}

// Templates returns the registered workflow templates.
func (c *Client) Templates(ctx context.Context) ([]WorkflowTemplate, error) {
	var templates []WorkflowTemplate
	if err := c.get(ctx, "/v1/workflows/templates", &templates); err != nil {
		return nil, err
	}
	return templates, nil
}

// ---------------------------------------------------------------------------
// Misc
// ---------------------------------------------------------------------------

// Health returns the server's health and version.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var status HealthStatus
	if err := c.get(ctx, "/health", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("chousei: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("chousei: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("chousei: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("chousei: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("chousei: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("chousei: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("chousei: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
