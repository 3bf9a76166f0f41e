// Package runs provides the shared business logic for the run lifecycle.
//
// Both the HTTP API and MCP server delegate to this service, so safety
// policy evaluation, budget enforcement, and transactional state changes
// behave identically across all interfaces. Every state change goes through
// the storage layer, which appends the matching event in the same
// transaction; the returned events are published to the live broker here,
// after commit.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/ratelimit"
	"github.com/ashita-ai/kanri/internal/safety"
	"github.com/ashita-ai/kanri/internal/status"
	"github.com/ashita-ai/kanri/internal/storage"
	"github.com/ashita-ai/kanri/internal/telemetry"
)

// Service-level sentinel errors, mapped to API error codes by the handlers.
var (
	// ErrRateLimited: the operator exceeded the run creation rate limit.
	ErrRateLimited = errors.New("runs: rate limited")
	// ErrToolDisabled: the tool is on the disabled list and is never
	// scheduled, approved or not.
	ErrToolDisabled = errors.New("runs: tool disabled by policy")
	// ErrInvalidInput wraps request validation failures.
	ErrInvalidInput = errors.New("runs: invalid input")
)

// Publisher delivers committed events to live stream subscribers.
type Publisher interface {
	Publish(events ...model.Event)
}

// Service encapsulates run lifecycle logic shared by HTTP and MCP handlers.
type Service struct {
	store   storage.Store
	policy  safety.Config
	limiter ratelimit.Limiter
	pub     Publisher
	logger  *slog.Logger
	scope   status.Scope

	decisions  metric.Int64Counter
	runsFailed metric.Int64Counter
}

// New creates a run Service. The safety config is fixed for the process
// lifetime; changing policy means restarting with a different preset.
func New(store storage.Store, policy safety.Config, limiter ratelimit.Limiter, pub Publisher, scope status.Scope, logger *slog.Logger) *Service {
	meter := telemetry.Meter("kanri/runs")
	decisions, _ := meter.Int64Counter("kanri.safety.decisions",
		metric.WithDescription("Safety policy decisions by outcome"))
	runsFailed, _ := meter.Int64Counter("kanri.runs.failed",
		metric.WithDescription("Runs forced to failed, by reason"))
	return &Service{
		store:      store,
		policy:     policy,
		limiter:    limiter,
		pub:        pub,
		logger:     logger,
		scope:      scope,
		decisions:  decisions,
		runsFailed: runsFailed,
	}
}

// Policy returns the safety config in force.
func (s *Service) Policy() safety.Config { return s.policy }

// CreateRun validates, rate-limits, and records a new run in pending status.
func (s *Service) CreateRun(ctx context.Context, operatorID string, req model.CreateRunRequest) (model.Run, error) {
	if err := model.ValidateThreadID(req.ThreadID); err != nil {
		return model.Run{}, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}

	key := "runs:op:" + operatorID
	allowed, err := s.limiter.Allow(ctx, key)
	if err != nil {
		// A broken limiter must not take down run creation. Fail open.
		s.logger.Warn("rate limiter error, allowing request", "key", key, "error", err)
		allowed = true
	}
	if !allowed {
		return model.Run{}, fmt.Errorf("%w: operator %s", ErrRateLimited, operatorID)
	}

	budget := s.policy.MaxRunDuration
	if req.DurationBudget != nil && *req.DurationBudget > 0 && *req.DurationBudget < budget {
		budget = *req.DurationBudget
	}

	run, ev, err := s.store.CreateRun(ctx, model.Run{
		ThreadID:       req.ThreadID,
		OperatorID:     operatorID,
		FailFast:       req.FailFast,
		DurationBudget: budget,
		Metadata:       req.Metadata,
	})
	if err != nil {
		return model.Run{}, err
	}
	s.pub.Publish(ev)
	s.logger.Info("run created",
		"run_id", run.ID, "thread_id", run.ThreadID, "operator_id", operatorID,
		"fail_fast", run.FailFast, "duration_budget", run.DurationBudget)
	return run, nil
}

// SubmitToolCall records a tool invocation, evaluates the safety policy, and
// either marks it approved for execution or opens an approval request.
// The run moves pending -> running on its first submission.
func (s *Service) SubmitToolCall(ctx context.Context, runID uuid.UUID, req model.SubmitToolCallRequest) (model.ToolCall, *model.ApprovalRequest, error) {
	if err := model.ValidateToolName(req.Name); err != nil {
		return model.ToolCall{}, nil, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	tier, err := model.ParseRiskTier(req.RiskTier)
	if err != nil {
		return model.ToolCall{}, nil, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	if err := model.ValidateToolInput(req.Input); err != nil {
		return model.ToolCall{}, nil, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	// Disabled tools are refused at the door. They never reach the ledger:
	// an approval for a tool nobody may run would be a trap for the resolver.
	if s.policy.DisabledTools[req.Name] {
		return model.ToolCall{}, nil, fmt.Errorf("%w: %s", ErrToolDisabled, req.Name)
	}

	run, startEv, err := s.store.StartRun(ctx, runID)
	if err != nil {
		return model.ToolCall{}, nil, err
	}
	if startEv.ID != 0 {
		s.pub.Publish(startEv)
	}

	tc, ev, err := s.store.CreateToolCall(ctx, model.ToolCall{
		RunID:             runID,
		Name:              req.Name,
		Input:             req.Input,
		Tier:              tier,
		HasExternalEffect: req.HasExternalEffect,
		RequiresApproval:  req.RequiresApproval,
	}, s.policy.MaxToolCallsPerRun)
	if errors.Is(err, storage.ErrToolCallBudget) {
		// The budget breach fails the whole run, not just this submission.
		s.failRun(ctx, runID, model.FailureToolCallBudgetExceeded)
		return model.ToolCall{}, nil, err
	}
	if err != nil {
		return model.ToolCall{}, nil, err
	}
	s.pub.Publish(ev)

	decision := safety.Decide(safety.Request{
		ToolName:          tc.Name,
		Tier:              tc.Tier,
		RequiresApproval:  tc.RequiresApproval,
		HasExternalEffect: tc.HasExternalEffect,
	}, s.policy)
	s.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision", string(decision)),
		attribute.String("risk_tier", string(tc.Tier)),
	))
	if s.policy.AuditAllDecisions {
		s.logger.Info("safety decision",
			"tool_call_id", tc.ID, "tool", tc.Name, "risk_tier", tc.Tier,
			"decision", decision)
	}
	if s.policy.AlertOnHighRisk && tc.Tier.AtLeast(model.RiskHigh) {
		s.logger.Warn("high risk tool call submitted",
			"tool_call_id", tc.ID, "tool", tc.Name, "risk_tier", tc.Tier,
			"run_id", runID, "thread_id", run.ThreadID)
	}

	if decision == safety.AutoExecute {
		updated, apprEv, err := s.store.TransitionToolCall(ctx, tc.ID, model.ToolCallApproved, nil)
		if err != nil {
			return model.ToolCall{}, nil, err
		}
		s.pub.Publish(apprEv)
		return updated, nil, nil
	}

	approval, events, err := s.store.CreateApproval(ctx, model.ApprovalRequest{
		ToolCallID: tc.ID,
		ThreadID:   run.ThreadID,
		ExpiresAt:  time.Now().UTC().Add(s.policy.ApprovalTTL),
	})
	if err != nil {
		return model.ToolCall{}, nil, err
	}
	s.pub.Publish(events...)
	tc.Status = model.ToolCallPendingApproval
	return tc, &approval, nil
}

// StartToolCall marks an approved tool call as executing.
func (s *Service) StartToolCall(ctx context.Context, id uuid.UUID) (model.ToolCall, error) {
	tc, ev, err := s.store.TransitionToolCall(ctx, id, model.ToolCallRunning, nil)
	if err != nil {
		return model.ToolCall{}, err
	}
	s.pub.Publish(ev)
	return tc, nil
}

// CompleteToolCall records a successful execution. If the parent run has no
// more outstanding work it completes.
func (s *Service) CompleteToolCall(ctx context.Context, id uuid.UUID) (model.ToolCall, error) {
	tc, ev, err := s.store.TransitionToolCall(ctx, id, model.ToolCallCompleted, nil)
	if err != nil {
		return model.ToolCall{}, err
	}
	s.pub.Publish(ev)
	s.settleRun(ctx, tc.RunID)
	return tc, nil
}

// FailToolCall records a failed execution. Under fail-fast the parent run
// fails immediately; otherwise the run keeps going and may still complete
// once its remaining work settles.
func (s *Service) FailToolCall(ctx context.Context, id uuid.UUID, errMsg string) (model.ToolCall, error) {
	tc, ev, err := s.store.TransitionToolCall(ctx, id, model.ToolCallFailed, &errMsg)
	if err != nil {
		return model.ToolCall{}, err
	}
	s.pub.Publish(ev)

	run, err := s.store.GetRun(ctx, tc.RunID)
	if err != nil {
		return model.ToolCall{}, err
	}
	if run.FailFast {
		s.failRun(ctx, run.ID, model.FailureToolCallFailed)
	} else {
		s.settleRun(ctx, run.ID)
	}
	return tc, nil
}

// CancelRun cancels a run and everything non-terminal under it.
func (s *Service) CancelRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, events, err := s.store.CancelRun(ctx, id)
	if err != nil {
		return model.Run{}, err
	}
	s.pub.Publish(events...)
	s.logger.Info("run cancelled", "run_id", id, "thread_id", run.ThreadID)
	return run, nil
}

// GetRun retrieves a run with its tool calls.
func (s *Service) GetRun(ctx context.Context, id uuid.UUID) (model.Run, []model.ToolCall, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return model.Run{}, nil, err
	}
	calls, err := s.store.ListToolCalls(ctx, id)
	if err != nil {
		return model.Run{}, nil, err
	}
	return run, calls, nil
}

// Events returns a run's event history after the given id (exclusive).
func (s *Service) Events(ctx context.Context, runID uuid.UUID, afterID int64, limit int) ([]model.Event, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.store.Events(ctx, runID, afterID, limit)
}

// Status derives the operator-facing agent status. threadID is consulted
// only when the configured scope is per-thread.
func (s *Service) Status(ctx context.Context, threadID string) (model.StatusResponse, error) {
	active, err := s.store.ListRuns(ctx, storage.RunFilter{
		Statuses: []model.RunStatus{model.RunStatusPending, model.RunStatusRunning},
	})
	if err != nil {
		return model.StatusResponse{}, err
	}
	pending, err := s.store.ListApprovals(ctx, storage.ApprovalFilter{Outcome: model.ApprovalPending})
	if err != nil {
		return model.StatusResponse{}, err
	}

	resp := model.StatusResponse{
		Status: status.Compute(active, pending, s.scope, threadID),
	}
	for _, r := range active {
		if s.scope == status.ScopeThread && r.ThreadID != threadID {
			continue
		}
		if r.Status == model.RunStatusRunning {
			resp.RunningRuns++
		}
	}
	for _, a := range pending {
		if s.scope == status.ScopeThread && a.ThreadID != threadID {
			continue
		}
		resp.PendingApprovals++
	}
	return resp, nil
}

// EnforceDeadlines fails every running run whose duration budget has been
// exhausted. Called periodically by the watchdog.
func (s *Service) EnforceDeadlines(ctx context.Context) error {
	running, err := s.store.ListRuns(ctx, storage.RunFilter{
		Statuses: []model.RunStatus{model.RunStatusRunning},
	})
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, run := range running {
		deadline := run.Deadline()
		if deadline.IsZero() || now.Before(deadline) {
			continue
		}
		s.logger.Warn("run exceeded duration budget",
			"run_id", run.ID, "thread_id", run.ThreadID,
			"budget", run.DurationBudget, "started_at", run.StartedAt)
		s.failRun(ctx, run.ID, model.FailureRunDurationExceeded)
	}
	return nil
}

// RunWatchdog enforces run deadlines every interval until ctx is cancelled.
func (s *Service) RunWatchdog(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.EnforceDeadlines(ctx); err != nil {
				s.logger.Error("deadline enforcement failed", "error", err)
			}
		}
	}
}

// failRun forces the run to failed and publishes the resulting events.
// Best-effort: a run that raced to terminal in the meantime is left alone.
func (s *Service) failRun(ctx context.Context, id uuid.UUID, reason string) {
	_, events, err := s.store.FailRun(ctx, id, reason)
	if err != nil {
		if !errors.Is(err, storage.ErrInvalidTransition) {
			s.logger.Error("fail run", "run_id", id, "reason", reason, "error", err)
		}
		return
	}
	s.runsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	s.pub.Publish(events...)
}

// settleRun completes the run if all of its tool calls are terminal.
func (s *Service) settleRun(ctx context.Context, id uuid.UUID) {
	_, events, done, err := s.store.CompleteRunIfQuiescent(ctx, id)
	if err != nil {
		s.logger.Error("settle run", "run_id", id, "error", err)
		return
	}
	if done {
		s.pub.Publish(events...)
	}
}
