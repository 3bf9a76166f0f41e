// Package model defines the core domain types for Kanri: runs, tool calls,
// approval requests, and the append-only event log they all report into.
//
// Types use strong typing (UUIDs, time.Time, enums) and avoid interface{}
// wherever possible. Status transition rules live here as pure functions so
// every storage backend enforces the same lifecycle.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of an agent run.
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

// runTransitions is the set of legal run status transitions.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusPending: {RunStatusRunning, RunStatusFailed, RunStatusCancelled},
	RunStatusRunning: {RunStatusCompleted, RunStatusFailed, RunStatusCancelled},
}

// CanTransitionRun reports whether a run may move from one status to another.
func CanTransitionRun(from, to RunStatus) bool {
	for _, t := range runTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Run failure reasons recorded on the run and in run_failed events.
const (
	FailureToolCallFailed         = "tool_call_failed"
	FailureToolCallBudgetExceeded = "tool_call_budget_exceeded"
	FailureRunDurationExceeded    = "run_duration_exceeded"
)

// Run is the top-level execution context for an agent task.
// The run state machine (internal/service/runs) is its sole writer.
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

// Deadline returns the instant at which the run's duration budget elapses,
// or the zero time if the run carries no budget.
func (r Run) Deadline() time.Time {
	if r.DurationBudget <= 0 {
		return time.Time{}
	}
	return r.StartedAt.Add(r.DurationBudget)
}
