package model

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalOutcome is the terminal result of an approval request.
// ApprovalPending marks a request still awaiting a decision.
type ApprovalOutcome string

const (
	ApprovalPending  ApprovalOutcome = "pending"
	ApprovalApproved ApprovalOutcome = "approved"
	ApprovalRejected ApprovalOutcome = "rejected"
	ApprovalExpired  ApprovalOutcome = "expired"
)

// Terminal reports whether the outcome is final.
func (o ApprovalOutcome) Terminal() bool {
	return o == ApprovalApproved || o == ApprovalRejected || o == ApprovalExpired
}

// ApprovalRequest gates one tool call on a human decision. Tied 1:1 to a
// ToolCall in pending_approval state. The approval ledger
// (internal/service/approvals) is its sole writer. Resolved requests are
// retained for audit.
type ApprovalRequest struct {
	ID          uuid.UUID       `json:"id"`
	ToolCallID  uuid.UUID       `json:"tool_call_id"`
	RunID       uuid.UUID       `json:"run_id"`
	ThreadID    string          `json:"thread_id"`
	ToolName    string          `json:"tool_name"`
	Tier        RiskTier        `json:"risk_tier"`
	Outcome     ApprovalOutcome `json:"outcome"`
	Resolver    string          `json:"resolver,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// ResolveAction classifies what a resolve attempt against an existing
// approval request must do. Computed by ApprovalResolution; storage backends
// apply it inside the same transaction that writes the result, so the
// precedence rules hold under concurrent resolution.
type ResolveAction int

const (
	// ResolveApply: the request is pending and unexpired; apply the outcome.
	ResolveApply ResolveAction = iota
	// ResolveIdempotent: already resolved with the same outcome by the same
	// resolver; return the existing record unchanged.
	ResolveIdempotent
	// ResolveConflict: already resolved with a different outcome or by a
	// different resolver.
	ResolveConflict
	// ResolveExpire: the deadline passed before this resolution; the request
	// must be marked expired and the caller must observe Expired, not
	// success. Expiry always wins over a late human decision.
	ResolveExpire
	// ResolveExpired: the request was already marked expired.
	ResolveExpired
)

// ApprovalResolution decides how a resolve(outcome, resolver) attempt at
// time now applies to the existing request. Pure and deterministic: the
// same decision is recomputed identically on retry or replay.
func ApprovalResolution(existing ApprovalRequest, outcome ApprovalOutcome, resolver string, now time.Time) ResolveAction {
	switch existing.Outcome {
	case ApprovalPending:
		if !now.Before(existing.ExpiresAt) {
			return ResolveExpire
		}
		return ResolveApply
	case ApprovalExpired:
		return ResolveExpired
	default:
		if existing.Outcome == outcome && existing.Resolver == resolver {
			return ResolveIdempotent
		}
		return ResolveConflict
	}
}
