package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of a governance event.
type EventType string

const (
	// Run lifecycle events.
	EventRunCreated   EventType = "run_created"
	EventRunStarted   EventType = "run_started"
	EventRunCompleted EventType = "run_completed"
	EventRunFailed    EventType = "run_failed"
	EventRunCancelled EventType = "run_cancelled"

	// Tool call events.
	EventToolCallCreated   EventType = "tool_call_created"
	EventToolCallApproved  EventType = "tool_call_approved" // auto-execute path
	EventToolCallStarted   EventType = "tool_call_started"
	EventToolCallCompleted EventType = "tool_call_completed"
	EventToolCallFailed    EventType = "tool_call_failed"
	EventToolCallCancelled EventType = "tool_call_cancelled"

	// Approval ledger events.
	EventApprovalRequested EventType = "tool_approval_requested"
	EventApprovalGranted   EventType = "tool_approval_granted"
	EventApprovalRejected  EventType = "tool_approval_rejected"
	EventApprovalExpired   EventType = "tool_approval_expired"

	// Stream control events. Emitted by the gateway only, never stored.
	EventStreamError EventType = "stream_error"
)

// Event is one entry in the append-only event log. The log is the single
// source of truth: both the status aggregator and any client rebuild state
// from it. IDs are server-assigned, globally and monotonically increasing,
// never reused, never reordered on replay. Events are immutable once
// emitted.
type Event struct {
	ID         int64          `json:"id"`
	Type       EventType      `json:"type"`
	ThreadID   string         `json:"thread_id"`
	RunID      uuid.UUID      `json:"run_id"`
	ToolCallID *uuid.UUID     `json:"tool_call_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// NewEvent builds an unnumbered event; storage assigns the ID on append.
func NewEvent(typ EventType, threadID string, runID uuid.UUID, occurredAt time.Time, payload map[string]any) Event {
	return Event{
		Type:       typ,
		ThreadID:   threadID,
		RunID:      runID,
		OccurredAt: occurredAt,
		Payload:    payload,
	}
}

// WithToolCall attaches a tool call id to the event.
func (e Event) WithToolCall(id uuid.UUID) Event {
	e.ToolCallID = &id
	return e
}
