package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RiskTier is the static classification of a tool call's potential impact.
// Ordered by severity; high and critical can never auto-execute.
type RiskTier string

const (
	RiskLow      RiskTier = "low"
	RiskMedium   RiskTier = "medium"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

// riskOrder maps tiers to their severity rank.
var riskOrder = map[RiskTier]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Valid reports whether the tier is one of the four known values.
func (t RiskTier) Valid() bool {
	_, ok := riskOrder[t]
	return ok
}

// AtLeast reports whether the tier is at least as severe as other.
func (t RiskTier) AtLeast(other RiskTier) bool {
	return riskOrder[t] >= riskOrder[other]
}

// ParseRiskTier converts a string to a RiskTier.
func ParseRiskTier(s string) (RiskTier, error) {
	t := RiskTier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown risk tier %q (valid: low, medium, high, critical)", s)
	}
	return t, nil
}

// ToolCallStatus represents the lifecycle state of a single tool call.
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

// Terminal reports whether the tool call status admits no further transitions.
// Rejected and expired are terminal: no retry is implied; the owning run
// decides whether to fail or continue with the call skipped.
func (s ToolCallStatus) Terminal() bool {
	switch s {
	case ToolCallCompleted, ToolCallFailed, ToolCallRejected, ToolCallExpired, ToolCallCancelled:
		return true
	}
	return false
}

var toolCallTransitions = map[ToolCallStatus][]ToolCallStatus{
	ToolCallPending:         {ToolCallPendingApproval, ToolCallApproved, ToolCallCancelled},
	ToolCallPendingApproval: {ToolCallApproved, ToolCallRejected, ToolCallExpired, ToolCallCancelled},
	ToolCallApproved:        {ToolCallRunning, ToolCallCancelled},
	ToolCallRunning:         {ToolCallCompleted, ToolCallFailed, ToolCallCancelled},
}

// CanTransitionToolCall reports whether a tool call may move between statuses.
func CanTransitionToolCall(from, to ToolCallStatus) bool {
	for _, t := range toolCallTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ToolCall is a single tool invocation owned by exactly one Run.
// Insertion order within the run is execution order.
type ToolCall struct {
	ID     uuid.UUID      `json:"id"`
	RunID  uuid.UUID      `json:"run_id"`
	Seq    int            `json:"seq"` // position within the run, starting at 1
	Name   string         `json:"name"`
	Input  map[string]any `json:"input"`
	Tier   RiskTier       `json:"risk_tier"`
	Status ToolCallStatus `json:"status"`

	// HasExternalEffect marks calls with irreversible or externally visible
	// side effects (sends an email, signs a document). Such calls never
	// auto-execute.
	HasExternalEffect bool `json:"has_external_effect"`
	// RequiresApproval is the per-tool static property, independent of tier.
	RequiresApproval bool `json:"requires_approval"`

	Error *string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"` // approved or rejected
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// ExpiresAt is set while status is pending_approval:
	// created_at + the safety config's approval TTL.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
