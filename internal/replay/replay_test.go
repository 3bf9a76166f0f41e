package replay_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/replay"
)

func TestFoldFullLifecycle(t *testing.T) {
	runID := uuid.New()
	tcID := uuid.New()
	approvalID := uuid.New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expires := base.Add(15 * time.Minute)

	ev := func(id int64, typ model.EventType, payload map[string]any) model.Event {
		return model.Event{
			ID:         id,
			Type:       typ,
			ThreadID:   "t1",
			RunID:      runID,
			OccurredAt: base.Add(time.Duration(id) * time.Second),
			Payload:    payload,
		}
	}
	withTC := func(e model.Event) model.Event {
		e.ToolCallID = &tcID
		return e
	}

	events := []model.Event{
		ev(1, model.EventRunCreated, map[string]any{
			"operator_id":        "op-1",
			"fail_fast":          true,
			"duration_budget_ms": int64(60_000),
		}),
		ev(2, model.EventRunStarted, nil),
		withTC(ev(3, model.EventToolCallCreated, map[string]any{
			"tool_name":           "send_email",
			"risk_tier":           "high",
			"seq":                 1,
			"has_external_effect": true,
			"requires_approval":   false,
		})),
		withTC(ev(4, model.EventApprovalRequested, map[string]any{
			"approval_id": approvalID.String(),
			"tool_name":   "send_email",
			"risk_tier":   "high",
			"expires_at":  expires.Format(time.RFC3339Nano),
		})),
		withTC(ev(5, model.EventApprovalGranted, map[string]any{
			"approval_id": approvalID.String(),
			"resolver":    "alice",
		})),
		withTC(ev(6, model.EventToolCallStarted, nil)),
		withTC(ev(7, model.EventToolCallCompleted, nil)),
		ev(8, model.EventRunCompleted, nil),
	}

	state, err := replay.Fold(events)
	require.NoError(t, err)
	assert.Equal(t, int64(8), state.LastEventID)

	run := state.Runs[runID]
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, "op-1", run.OperatorID)
	assert.True(t, run.FailFast)
	assert.Equal(t, time.Minute, run.DurationBudget)
	require.NotNil(t, run.CompletedAt)

	tc := state.ToolCalls[tcID]
	assert.Equal(t, model.ToolCallCompleted, tc.Status)
	assert.Equal(t, "send_email", tc.Name)
	assert.Equal(t, model.RiskHigh, tc.Tier)
	assert.Equal(t, 1, tc.Seq)
	assert.True(t, tc.HasExternalEffect)
	require.NotNil(t, tc.ResolvedAt)
	require.NotNil(t, tc.StartedAt)
	require.NotNil(t, tc.CompletedAt)

	a := state.Approvals[approvalID]
	assert.Equal(t, model.ApprovalApproved, a.Outcome)
	assert.Equal(t, "alice", a.Resolver)
	assert.Equal(t, tcID, a.ToolCallID)
	assert.True(t, a.ExpiresAt.Equal(expires))
}

func TestFoldFailureAndExpiry(t *testing.T) {
	runID := uuid.New()
	tcID := uuid.New()
	approvalID := uuid.New()
	now := time.Now().UTC()

	events := []model.Event{
		{ID: 1, Type: model.EventRunCreated, RunID: runID, ThreadID: "t1", OccurredAt: now,
			Payload: map[string]any{"operator_id": "op-1"}},
		{ID: 2, Type: model.EventRunStarted, RunID: runID, OccurredAt: now},
		{ID: 3, Type: model.EventToolCallCreated, RunID: runID, ToolCallID: &tcID, OccurredAt: now,
			Payload: map[string]any{"tool_name": "wire_funds", "risk_tier": "critical", "seq": float64(1)}},
		{ID: 4, Type: model.EventApprovalRequested, RunID: runID, ToolCallID: &tcID, OccurredAt: now,
			Payload: map[string]any{
				"approval_id": approvalID.String(),
				"tool_name":   "wire_funds",
				"risk_tier":   "critical",
				"expires_at":  now.Add(time.Minute).Format(time.RFC3339Nano),
			}},
		{ID: 5, Type: model.EventApprovalExpired, RunID: runID, ToolCallID: &tcID, OccurredAt: now,
			Payload: map[string]any{"approval_id": approvalID.String()}},
		{ID: 6, Type: model.EventRunFailed, RunID: runID, OccurredAt: now,
			Payload: map[string]any{"reason": model.FailureRunDurationExceeded}},
	}

	state, err := replay.Fold(events)
	require.NoError(t, err)

	run := state.Runs[runID]
	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.FailureReason)
	assert.Equal(t, model.FailureRunDurationExceeded, *run.FailureReason)

	assert.Equal(t, model.ToolCallExpired, state.ToolCalls[tcID].Status)
	assert.Equal(t, model.ApprovalExpired, state.Approvals[approvalID].Outcome)
}

func TestApplyRejectsReorderedLog(t *testing.T) {
	runID := uuid.New()
	s := replay.NewState()
	require.NoError(t, s.Apply(model.Event{
		ID: 5, Type: model.EventRunCreated, RunID: runID,
		Payload: map[string]any{"operator_id": "op-1"},
	}))

	err := s.Apply(model.Event{ID: 3, Type: model.EventRunStarted, RunID: runID})
	assert.Error(t, err)
}

func TestApplyUnknownReferences(t *testing.T) {
	s := replay.NewState()

	assert.Error(t, s.Apply(model.Event{ID: 1, Type: model.EventRunStarted, RunID: uuid.New()}))

	tcID := uuid.New()
	assert.Error(t, s.Apply(model.Event{
		ID: 2, Type: model.EventToolCallStarted, RunID: uuid.New(), ToolCallID: &tcID,
	}))

	assert.Error(t, s.Apply(model.Event{ID: 3, Type: "made_up_event", RunID: uuid.New()}))
}
