// Package replay reconstructs governance state by folding the append-only
// event log from the beginning (or from a snapshot plus suffix).
//
// The fold is how a restarted process, or any independent consumer, proves
// the log is self-sufficient: every Run, ToolCall, and ApprovalRequest
// lifecycle field that matters for governance decisions is recoverable
// from events alone.
package replay

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanri/internal/model"
)

// State is the projection built from the log.
type State struct {
	Runs        map[uuid.UUID]model.Run
	ToolCalls   map[uuid.UUID]model.ToolCall
	Approvals   map[uuid.UUID]model.ApprovalRequest
	LastEventID int64
}

// NewState returns an empty projection, ready to Apply events or to seed
// from a snapshot.
func NewState() *State {
	return &State{
		Runs:      make(map[uuid.UUID]model.Run),
		ToolCalls: make(map[uuid.UUID]model.ToolCall),
		Approvals: make(map[uuid.UUID]model.ApprovalRequest),
	}
}

// Fold replays events in order into a fresh state.
func Fold(events []model.Event) (*State, error) {
	s := NewState()
	for _, ev := range events {
		if err := s.Apply(ev); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Apply folds one event into the state. Events must arrive in
// non-decreasing id order; a lower id than the last applied one means the
// log was reordered and the projection cannot be trusted.
func (s *State) Apply(ev model.Event) error {
	if ev.ID < s.LastEventID {
		return fmt.Errorf("replay: event %d arrived after %d", ev.ID, s.LastEventID)
	}
	s.LastEventID = ev.ID

	switch ev.Type {
	case model.EventRunCreated:
		s.Runs[ev.RunID] = model.Run{
			ID:             ev.RunID,
			ThreadID:       ev.ThreadID,
			OperatorID:     payloadString(ev.Payload, "operator_id"),
			Status:         model.RunStatusPending,
			FailFast:       payloadBool(ev.Payload, "fail_fast"),
			DurationBudget: time.Duration(payloadInt(ev.Payload, "duration_budget_ms")) * time.Millisecond,
			StartedAt:      ev.OccurredAt,
			CreatedAt:      ev.OccurredAt,
		}

	case model.EventRunStarted:
		return s.setRunStatus(ev, model.RunStatusRunning, nil)
	case model.EventRunCompleted:
		return s.setRunStatus(ev, model.RunStatusCompleted, nil)
	case model.EventRunFailed:
		reason := payloadString(ev.Payload, "reason")
		return s.setRunStatus(ev, model.RunStatusFailed, &reason)
	case model.EventRunCancelled:
		return s.setRunStatus(ev, model.RunStatusCancelled, nil)

	case model.EventToolCallCreated:
		if ev.ToolCallID == nil {
			return fmt.Errorf("replay: %s event %d without tool_call_id", ev.Type, ev.ID)
		}
		tier, err := model.ParseRiskTier(payloadString(ev.Payload, "risk_tier"))
		if err != nil {
			return fmt.Errorf("replay: event %d: %w", ev.ID, err)
		}
		s.ToolCalls[*ev.ToolCallID] = model.ToolCall{
			ID:                *ev.ToolCallID,
			RunID:             ev.RunID,
			Seq:               payloadInt(ev.Payload, "seq"),
			Name:              payloadString(ev.Payload, "tool_name"),
			Tier:              tier,
			Status:            model.ToolCallPending,
			HasExternalEffect: payloadBool(ev.Payload, "has_external_effect"),
			RequiresApproval:  payloadBool(ev.Payload, "requires_approval"),
			CreatedAt:         ev.OccurredAt,
		}

	case model.EventToolCallApproved:
		return s.setToolCallStatus(ev, model.ToolCallApproved)
	case model.EventToolCallStarted:
		return s.setToolCallStatus(ev, model.ToolCallRunning)
	case model.EventToolCallCompleted:
		return s.setToolCallStatus(ev, model.ToolCallCompleted)
	case model.EventToolCallFailed:
		if err := s.setToolCallStatus(ev, model.ToolCallFailed); err != nil {
			return err
		}
		if msg := payloadString(ev.Payload, "error"); msg != "" {
			tc := s.ToolCalls[*ev.ToolCallID]
			tc.Error = &msg
			s.ToolCalls[*ev.ToolCallID] = tc
		}
	case model.EventToolCallCancelled:
		return s.setToolCallStatus(ev, model.ToolCallCancelled)

	case model.EventApprovalRequested:
		if ev.ToolCallID == nil {
			return fmt.Errorf("replay: %s event %d without tool_call_id", ev.Type, ev.ID)
		}
		approvalID, err := payloadUUID(ev.Payload, "approval_id")
		if err != nil {
			return fmt.Errorf("replay: event %d: %w", ev.ID, err)
		}
		expiresAt, err := payloadTime(ev.Payload, "expires_at")
		if err != nil {
			return fmt.Errorf("replay: event %d: %w", ev.ID, err)
		}
		tier, _ := model.ParseRiskTier(payloadString(ev.Payload, "risk_tier"))
		s.Approvals[approvalID] = model.ApprovalRequest{
			ID:          approvalID,
			ToolCallID:  *ev.ToolCallID,
			RunID:       ev.RunID,
			ThreadID:    ev.ThreadID,
			ToolName:    payloadString(ev.Payload, "tool_name"),
			Tier:        tier,
			Outcome:     model.ApprovalPending,
			RequestedAt: ev.OccurredAt,
			ExpiresAt:   expiresAt,
		}
		if err := s.setToolCallStatus(ev, model.ToolCallPendingApproval); err != nil {
			return err
		}

	case model.EventApprovalGranted:
		return s.resolveApproval(ev, model.ApprovalApproved, model.ToolCallApproved)
	case model.EventApprovalRejected:
		return s.resolveApproval(ev, model.ApprovalRejected, model.ToolCallRejected)
	case model.EventApprovalExpired:
		return s.resolveApproval(ev, model.ApprovalExpired, model.ToolCallExpired)

	default:
		return fmt.Errorf("replay: unknown event type %q (id %d)", ev.Type, ev.ID)
	}
	return nil
}

func (s *State) setRunStatus(ev model.Event, to model.RunStatus, reason *string) error {
	run, ok := s.Runs[ev.RunID]
	if !ok {
		return fmt.Errorf("replay: %s event %d for unknown run %s", ev.Type, ev.ID, ev.RunID)
	}
	run.Status = to
	run.FailureReason = reason
	if to.Terminal() {
		t := ev.OccurredAt
		run.CompletedAt = &t
	}
	s.Runs[ev.RunID] = run
	return nil
}

func (s *State) setToolCallStatus(ev model.Event, to model.ToolCallStatus) error {
	if ev.ToolCallID == nil {
		return fmt.Errorf("replay: %s event %d without tool_call_id", ev.Type, ev.ID)
	}
	tc, ok := s.ToolCalls[*ev.ToolCallID]
	if !ok {
		return fmt.Errorf("replay: %s event %d for unknown tool call %s", ev.Type, ev.ID, *ev.ToolCallID)
	}
	tc.Status = to
	t := ev.OccurredAt
	switch to {
	case model.ToolCallApproved, model.ToolCallRejected:
		tc.ResolvedAt = &t
	case model.ToolCallRunning:
		tc.StartedAt = &t
	case model.ToolCallCompleted, model.ToolCallFailed:
		tc.CompletedAt = &t
	}
	s.ToolCalls[*ev.ToolCallID] = tc
	return nil
}

func (s *State) resolveApproval(ev model.Event, outcome model.ApprovalOutcome, tcStatus model.ToolCallStatus) error {
	approvalID, err := payloadUUID(ev.Payload, "approval_id")
	if err != nil {
		return fmt.Errorf("replay: event %d: %w", ev.ID, err)
	}
	a, ok := s.Approvals[approvalID]
	if !ok {
		return fmt.Errorf("replay: %s event %d for unknown approval %s", ev.Type, ev.ID, approvalID)
	}
	a.Outcome = outcome
	a.Resolver = payloadString(ev.Payload, "resolver")
	t := ev.OccurredAt
	a.ResolvedAt = &t
	s.Approvals[approvalID] = a
	return s.setToolCallStatus(ev, tcStatus)
}

// Payload accessors. Payloads round-trip through JSON, so numbers may
// arrive as float64 or json.Number depending on the storage backend.

func payloadString(p map[string]any, key string) string {
	v, _ := p[key].(string)
	return v
}

func payloadBool(p map[string]any, key string) bool {
	v, _ := p[key].(bool)
	return v
}

func payloadInt(p map[string]any, key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func payloadUUID(p map[string]any, key string) (uuid.UUID, error) {
	s, ok := p[key].(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("payload key %q missing or not a string", key)
	}
	return uuid.Parse(s)
}

func payloadTime(p map[string]any, key string) (time.Time, error) {
	s, ok := p[key].(string)
	if !ok {
		return time.Time{}, fmt.Errorf("payload key %q missing or not a string", key)
	}
	return time.Parse(time.RFC3339Nano, s)
}
