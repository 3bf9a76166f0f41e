package kanri

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Kanri server (e.g. "http://localhost:8080").
	BaseURL string

	// Subject identifies the caller for authentication. The role (agent or
	// operator) is determined server-side by the credential registry.
	Subject string

	// APIKey is the secret used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used. Streaming uses a separate client
	// without the timeout.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Kanri run governance API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL      string
	subject      string
	client       *http.Client
	streamClient *http.Client
	tokenMgr     *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, Subject, or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kanri: BaseURL is required")
	}
	if cfg.Subject == "" {
		return nil, fmt.Errorf("kanri: Subject is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("kanri: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	// Stream connections are long-lived; a client-side timeout would cut
	// them off mid-tail.
	streamClient := &http.Client{Transport: httpClient.Transport}

	return &Client{
		baseURL:      baseURL,
		subject:      cfg.Subject,
		client:       httpClient,
		streamClient: streamClient,
		tokenMgr:     newTokenManager(baseURL, cfg.Subject, cfg.APIKey, httpClient),
	}, nil
}

// ---------------------------------------------------------------------------
// Run lifecycle
// ---------------------------------------------------------------------------

// CreateRun starts a new agent run on a conversation thread.
func (c *Client) CreateRun(ctx context.Context, req CreateRunRequest) (*Run, error) {
	var resp Run
	if err := c.post(ctx, "/v1/runs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitToolCall submits a tool invocation for safety evaluation. The
// response says whether the call was auto-approved or held for a human.
func (c *Client) SubmitToolCall(ctx context.Context, runID uuid.UUID, req SubmitToolCallRequest) (*SubmitToolCallResponse, error) {
	var resp SubmitToolCallResponse
	if err := c.post(ctx, "/v1/runs/"+runID.String()+"/tool_calls", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartToolCall marks an approved tool call as executing.
func (c *Client) StartToolCall(ctx context.Context, runID, toolCallID uuid.UUID) (*ToolCall, error) {
	var resp ToolCall
	if err := c.post(ctx, toolCallPath(runID, toolCallID)+"/start", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CompleteToolCall marks a running tool call as completed.
func (c *Client) CompleteToolCall(ctx context.Context, runID, toolCallID uuid.UUID) (*ToolCall, error) {
	var resp ToolCall
	if err := c.post(ctx, toolCallPath(runID, toolCallID)+"/complete", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FailToolCall marks a running tool call as failed with an error message.
func (c *Client) FailToolCall(ctx context.Context, runID, toolCallID uuid.UUID, errMsg string) (*ToolCall, error) {
	body := map[string]any{"error": errMsg}
	var resp ToolCall
	if err := c.post(ctx, toolCallPath(runID, toolCallID)+"/fail", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelRun cancels a run and every non-terminal tool call it owns.
// Requires operator role.
func (c *Client) CancelRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	var resp Run
	if err := c.post(ctx, "/v1/runs/"+runID.String()+"/cancel", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRun retrieves a run with its tool calls.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*RunDetail, error) {
	var resp RunDetail
	if err := c.get(ctx, "/v1/runs/"+runID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Events retrieves events for a run with id strictly greater than afterID.
// A limit of 0 means no limit.
func (c *Client) Events(ctx context.Context, runID uuid.UUID, afterID int64, limit int) ([]Event, error) {
	params := url.Values{}
	if afterID > 0 {
		params.Set("after_id", strconv.FormatInt(afterID, 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/runs/" + runID.String() + "/events"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp eventsResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// ---------------------------------------------------------------------------
// Status and approvals
// ---------------------------------------------------------------------------

// Status retrieves the agent's current aggregate status. threadID narrows
// the view when the server runs with thread scope; pass "" for global.
func (c *Client) Status(ctx context.Context, threadID string) (*StatusResponse, error) {
	path := "/v1/status"
	if threadID != "" {
		path += "?thread_id=" + url.QueryEscape(threadID)
	}
	var resp StatusResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ApprovalOptions are optional filters for ListApprovals.
type ApprovalOptions struct {
	ThreadID string
	Outcome  string // "pending" (default), "approved", "rejected", "expired", or "all"
}

// ListApprovals retrieves approval requests, pending ones by default.
func (c *Client) ListApprovals(ctx context.Context, opts *ApprovalOptions) ([]Approval, error) {
	params := url.Values{}
	if opts != nil {
		if opts.ThreadID != "" {
			params.Set("thread_id", opts.ThreadID)
		}
		if opts.Outcome != "" {
			params.Set("outcome", opts.Outcome)
		}
	}
	path := "/v1/approvals"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp approvalsResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Approvals, nil
}

// Approve resolves a pending approval request in favor of execution.
// Requires operator role.
func (c *Client) Approve(ctx context.Context, runID, toolCallID uuid.UUID) (*Approval, error) {
	var resp Approval
	if err := c.post(ctx, toolCallPath(runID, toolCallID)+"/approve", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reject resolves a pending approval request against execution.
// Requires operator role.
func (c *Client) Reject(ctx context.Context, runID, toolCallID uuid.UUID) (*Approval, error) {
	var resp Approval
	if err := c.post(ctx, toolCallPath(runID, toolCallID)+"/reject", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health status. This endpoint does not require
// authentication and will work even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func toolCallPath(runID, toolCallID uuid.UUID) string {
	return "/v1/runs/" + runID.String() + "/tool_calls/" + toolCallID.String()
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
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("kanri: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("kanri: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kanri: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kanri: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kanri: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kanri: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kanri: read response body: %w", err)
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
		return fmt.Errorf("kanri: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
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
