package kanri

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of an agent run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Run mirrors the server's run record.
type Run struct {
	ID             uuid.UUID      `json:"id"`
	ThreadID       string         `json:"thread_id"`
	OperatorID     string         `json:"operator_id"`
	Status         RunStatus      `json:"status"`
	FailFast       bool           `json:"fail_fast"`
	DurationBudget time.Duration  `json:"duration_budget_ns"`
	FailureReason  *string        `json:"failure_reason,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Metadata       map[string]any `json:"metadata"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ToolCallStatus is the lifecycle state of a single tool call.
type ToolCallStatus string

const (
	ToolCallPending         ToolCallStatus = "pending"
	ToolCallPendingApproval ToolCallStatus = "pending_approval"
	ToolCallApproved        ToolCallStatus = "approved"
	ToolCallRejected        ToolCallStatus = "rejected"
	ToolCallRunning         ToolCallStatus = "running"
	ToolCallCompleted       ToolCallStatus = "completed"
	ToolCallFailed          ToolCallStatus = "failed"
	ToolCallExpired         ToolCallStatus = "expired"
	ToolCallCancelled       ToolCallStatus = "cancelled"
)

// ToolCall mirrors the server's tool call record.
type ToolCall struct {
	ID                uuid.UUID      `json:"id"`
	RunID             uuid.UUID      `json:"run_id"`
	Seq               int            `json:"seq"`
	Name              string         `json:"name"`
	Input             map[string]any `json:"input"`
	Tier              string         `json:"risk_tier"`
	Status            ToolCallStatus `json:"status"`
	HasExternalEffect bool           `json:"has_external_effect"`
	RequiresApproval  bool           `json:"requires_approval"`
	Error             *string        `json:"error,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	ResolvedAt        *time.Time     `json:"resolved_at,omitempty"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	ExpiresAt         *time.Time     `json:"expires_at,omitempty"`
}

// ApprovalOutcome is the state of an approval request.
type ApprovalOutcome string

const (
	ApprovalPending  ApprovalOutcome = "pending"
	ApprovalApproved ApprovalOutcome = "approved"
	ApprovalRejected ApprovalOutcome = "rejected"
	ApprovalExpired  ApprovalOutcome = "expired"
)

// Approval mirrors the server's approval request record.
type Approval struct {
	ID          uuid.UUID       `json:"id"`
	ToolCallID  uuid.UUID       `json:"tool_call_id"`
	RunID       uuid.UUID       `json:"run_id"`
	ThreadID    string          `json:"thread_id"`
	ToolName    string          `json:"tool_name"`
	Tier        string          `json:"risk_tier"`
	Outcome     ApprovalOutcome `json:"outcome"`
	Resolver    string          `json:"resolver,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Event is one entry in the run's append-only event log. IDs are
// server-assigned and strictly increasing; a consumer that remembers the
// last processed id can resume with no gaps and no duplicates.
type Event struct {
	ID         int64          `json:"id"`
	Type       string         `json:"type"`
	ThreadID   string         `json:"thread_id"`
	RunID      uuid.UUID      `json:"run_id"`
	ToolCallID *uuid.UUID     `json:"tool_call_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Event types emitted by the server.
const (
	EventRunCreated   = "run_created"
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	EventToolCallCreated   = "tool_call_created"
	EventToolCallApproved  = "tool_call_approved"
	EventToolCallStarted   = "tool_call_started"
	EventToolCallCompleted = "tool_call_completed"
	EventToolCallFailed    = "tool_call_failed"
	EventToolCallCancelled = "tool_call_cancelled"

	EventApprovalRequested = "tool_approval_requested"
	EventApprovalGranted   = "tool_approval_granted"
	EventApprovalRejected  = "tool_approval_rejected"
	EventApprovalExpired   = "tool_approval_expired"

	EventStreamError = "stream_error"
)

// CreateRunRequest is the body for POST /v1/runs.
type CreateRunRequest struct {
	ThreadID       string         `json:"thread_id"`
	FailFast       bool           `json:"fail_fast,omitempty"`
	DurationBudget *time.Duration `json:"duration_budget_ns,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// SubmitToolCallRequest is the body for POST /v1/runs/{run_id}/tool_calls.
type SubmitToolCallRequest struct {
	Name              string         `json:"name"`
	Input             map[string]any `json:"input,omitempty"`
	RiskTier          string         `json:"risk_tier"`
	HasExternalEffect bool           `json:"has_external_effect,omitempty"`
	RequiresApproval  bool           `json:"requires_approval,omitempty"`
}

// SubmitToolCallResponse pairs the created tool call with its approval
// request, when the safety policy held the call for approval.
type SubmitToolCallResponse struct {
	ToolCall ToolCall  `json:"tool_call"`
	Approval *Approval `json:"approval,omitempty"`
}

// RunDetail is the body for GET /v1/runs/{run_id}.
type RunDetail struct {
	Run       Run        `json:"run"`
	ToolCalls []ToolCall `json:"tool_calls"`
}

// AgentStatus is the single authoritative status derived from the event log.
type AgentStatus string

const (
	StatusIdle            AgentStatus = "idle"
	StatusWorking         AgentStatus = "working"
	StatusWaitingApproval AgentStatus = "waiting_approval"
)

// StatusResponse is the body for GET /v1/status.
type StatusResponse struct {
	Status           AgentStatus `json:"status"`
	RunningRuns      int         `json:"running_runs"`
	PendingApprovals int         `json:"pending_approvals"`
}

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Storage       string `json:"storage"`
	Version       string `json:"version"`
	UptimeSeconds int    `json:"uptime_seconds"`
}

type eventsResponse struct {
	Events []Event `json:"events"`
}

type approvalsResponse struct {
	Approvals []Approval `json:"approvals"`
}
