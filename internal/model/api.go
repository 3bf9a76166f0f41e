package model

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// AgentStatus is the single authoritative status derived from the current
// Run and ApprovalRequest collections. Never stored; always recomputed.
type AgentStatus string

const (
	StatusIdle            AgentStatus = "idle"
	StatusWorking         AgentStatus = "working"
	StatusWaitingApproval AgentStatus = "waiting_approval"
)

// Field length limits for caller-supplied identifiers and inputs.
const (
	MaxThreadIDLen = 200
	MaxToolNameLen = 200
	MaxInputBytes  = 256 * 1024 // 256 KB of structured tool input
)

// ValidateThreadID checks a caller-supplied thread identifier.
func ValidateThreadID(id string) error {
	if id == "" {
		return fmt.Errorf("thread_id is required")
	}
	if len(id) > MaxThreadIDLen {
		return fmt.Errorf("thread_id exceeds maximum length of %d characters", MaxThreadIDLen)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("thread_id must be valid UTF-8")
	}
	return nil
}

// ValidateToolName checks a tool name.
func ValidateToolName(name string) error {
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if len(name) > MaxToolNameLen {
		return fmt.Errorf("tool name exceeds maximum length of %d characters", MaxToolNameLen)
	}
	return nil
}

// ValidateToolInput bounds the serialized size of a tool call's input.
func ValidateToolInput(input map[string]any) error {
	if input == nil {
		return nil
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("input is not serializable: %v", err)
	}
	if len(raw) > MaxInputBytes {
		return fmt.Errorf("input exceeds maximum size of %d bytes", MaxInputBytes)
	}
	return nil
}

// CreateRunRequest is the body for POST /v1/runs.
type CreateRunRequest struct {
	ThreadID        string         `json:"thread_id"`
	FailFast        bool           `json:"fail_fast,omitempty"`
	DurationBudget  *time.Duration `json:"duration_budget_ns,omitempty"` // overrides the config default when set
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// SubmitToolCallRequest is the body for POST /v1/runs/{run_id}/tool_calls.
type SubmitToolCallRequest struct {
	Name              string         `json:"name"`
	Input             map[string]any `json:"input,omitempty"`
	RiskTier          string         `json:"risk_tier"`
	HasExternalEffect bool           `json:"has_external_effect,omitempty"`
	RequiresApproval  bool           `json:"requires_approval,omitempty"`
}

// FailToolCallRequest is the body for POST .../tool_calls/{id}/fail.
type FailToolCallRequest struct {
	Error string `json:"error"`
}

// StatusResponse is the body for GET /v1/status.
type StatusResponse struct {
	Status           AgentStatus `json:"status"`
	RunningRuns      int         `json:"running_runs"`
	PendingApprovals int         `json:"pending_approvals"`
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail carries a stable machine-readable code and a human message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta is attached to every response for request correlation.
type ResponseMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stable error codes returned in ErrorDetail.Code.
const (
	ErrCodeInvalidInput   = "invalid_input"
	ErrCodeUnauthorized   = "unauthorized"
	ErrCodeForbidden      = "forbidden"
	ErrCodeNotFound       = "not_found"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeConflict       = "conflict"
	ErrCodeExpired        = "expired"
	ErrCodeBudgetExceeded = "tool_call_budget_exceeded"
	ErrCodeInternalError  = "internal_error"
)
