// Package storage persists governance state and the append-only event log.
//
// Two backends implement the same Store contract: Postgres (pgx, for
// multi-instance deployments, with LISTEN/NOTIFY publication) and SQLite
// (modernc, single-node and tests). Every mutating operation applies the
// state transition and the corresponding event append in one transaction,
// so no consumer can observe an event without the state already committed.
// Event ids come from a single monotonically increasing sequence per
// backend and are never reused.
package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanri/internal/model"
)

// Sentinel errors surfaced to services and mapped to API error codes.
var (
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyPending: an approval request already exists for the tool call.
	ErrAlreadyPending = errors.New("storage: approval already pending")
	// ErrConflict: the approval was already resolved with a different
	// outcome or by a different resolver.
	ErrConflict = errors.New("storage: conflicting resolution")
	// ErrExpired: the approval deadline passed before the resolution; the
	// expiry wins over the late decision.
	ErrExpired = errors.New("storage: approval expired")
	// ErrToolCallBudget: the run already holds its maximum number of tool calls.
	ErrToolCallBudget = errors.New("storage: tool call budget exceeded")
	// ErrInvalidTransition: the requested status change is not a legal
	// lifecycle transition.
	ErrInvalidTransition = errors.New("storage: invalid status transition")
)

// RunFilter narrows ListRuns.
type RunFilter struct {
	ThreadID string           // empty = all threads
	Statuses []model.RunStatus // empty = all statuses
}

// ApprovalFilter narrows ListApprovals.
type ApprovalFilter struct {
	ThreadID string                // empty = all threads
	Outcome  model.ApprovalOutcome // empty = all outcomes
}

// Store is the persistence contract shared by both backends.
//
// Mutating methods return the events they appended (already numbered) so
// the caller can hand them to the broker for live delivery after commit.
type Store interface {
	// Runs. The run state machine service is the sole caller of the
	// mutating run methods.
	CreateRun(ctx context.Context, run model.Run) (model.Run, model.Event, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	ListRuns(ctx context.Context, f RunFilter) ([]model.Run, error)
	// StartRun moves a pending run to running. Starting an already-running
	// run is a no-op (zero event returned).
	StartRun(ctx context.Context, id uuid.UUID) (model.Run, model.Event, error)
	// CompleteRunIfQuiescent completes a running run once it has at least
	// one tool call and all of them are terminal. Returns the run and
	// whether it completed.
	CompleteRunIfQuiescent(ctx context.Context, id uuid.UUID) (model.Run, []model.Event, bool, error)
	// FailRun forces a run to failed with the given reason and cancels all
	// non-terminal child tool calls.
	FailRun(ctx context.Context, id uuid.UUID, reason string) (model.Run, []model.Event, error)
	// CancelRun cancels a pending or running run and all non-terminal
	// child tool calls.
	CancelRun(ctx context.Context, id uuid.UUID) (model.Run, []model.Event, error)

	// Tool calls. Seq is assigned in insertion order starting at 1;
	// maxPerRun caps the run's tool call count (ErrToolCallBudget beyond it).
	CreateToolCall(ctx context.Context, tc model.ToolCall, maxPerRun int) (model.ToolCall, model.Event, error)
	GetToolCall(ctx context.Context, id uuid.UUID) (model.ToolCall, error)
	ListToolCalls(ctx context.Context, runID uuid.UUID) ([]model.ToolCall, error)
	// TransitionToolCall applies a lifecycle transition, stamping the
	// matching timestamp and emitting the matching event. errMsg is
	// recorded on transitions to failed.
	TransitionToolCall(ctx context.Context, id uuid.UUID, to model.ToolCallStatus, errMsg *string) (model.ToolCall, model.Event, error)

	// Approvals. The approval ledger service is the sole caller of the
	// mutating approval methods.
	CreateApproval(ctx context.Context, a model.ApprovalRequest) (model.ApprovalRequest, []model.Event, error)
	GetApproval(ctx context.Context, id uuid.UUID) (model.ApprovalRequest, error)
	GetApprovalByToolCall(ctx context.Context, toolCallID uuid.UUID) (model.ApprovalRequest, error)
	ListApprovals(ctx context.Context, f ApprovalFilter) ([]model.ApprovalRequest, error)
	// ResolveApproval applies model.ApprovalResolution semantics: idempotent
	// repeats return the existing record, conflicts return ErrConflict, and
	// a passed deadline marks the request expired and returns ErrExpired
	// regardless of the requested outcome.
	ResolveApproval(ctx context.Context, id uuid.UUID, outcome model.ApprovalOutcome, resolver string) (model.ApprovalRequest, []model.Event, error)
	// ExpireApprovals transitions every pending request whose deadline has
	// passed to expired, emitting a tool_approval_expired event for each.
	ExpireApprovals(ctx context.Context) ([]model.ApprovalRequest, []model.Event, error)

	// Event log reads. afterID is exclusive; events come back in ascending
	// id order.
	Events(ctx context.Context, runID uuid.UUID, afterID int64, limit int) ([]model.Event, error)
	AllEvents(ctx context.Context, afterID int64, limit int) ([]model.Event, error)
	LatestEventID(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
