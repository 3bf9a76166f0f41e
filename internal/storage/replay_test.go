package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/replay"
	"github.com/ashita-ai/kanri/internal/storage"
	"github.com/ashita-ai/kanri/internal/testutil"
)

// Folding the full event log back into state must reproduce what the
// tables hold, whatever path each run took to its terminal status.
func TestSQLiteReplayMatchesStore(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	ctx := context.Background()

	// A run that completes normally.
	done := mustCreateRun(t, s)
	_, _, err := s.StartRun(ctx, done.ID)
	require.NoError(t, err)
	finished := mustCreateToolCall(t, s, done.ID, "search_listings", model.RiskLow)
	for _, st := range []model.ToolCallStatus{
		model.ToolCallApproved, model.ToolCallRunning, model.ToolCallCompleted,
	} {
		_, _, err = s.TransitionToolCall(ctx, finished.ID, st, nil)
		require.NoError(t, err)
	}
	_, _, _, err = s.CompleteRunIfQuiescent(ctx, done.ID)
	require.NoError(t, err)

	// A run whose held tool call is approved by a human and then fails.
	failed := mustCreateRun(t, s)
	_, _, err = s.StartRun(ctx, failed.ID)
	require.NoError(t, err)
	approved := mustCreateToolCall(t, s, failed.ID, "send_email", model.RiskHigh)
	a1, _, err := s.CreateApproval(ctx, model.ApprovalRequest{
		ToolCallID: approved.ID,
		ThreadID:   failed.ThreadID,
		ExpiresAt:  time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)
	_, _, err = s.ResolveApproval(ctx, a1.ID, model.ApprovalApproved, "alice")
	require.NoError(t, err)
	_, _, err = s.TransitionToolCall(ctx, approved.ID, model.ToolCallRunning, nil)
	require.NoError(t, err)
	boom := "smtp unreachable"
	_, _, err = s.TransitionToolCall(ctx, approved.ID, model.ToolCallFailed, &boom)
	require.NoError(t, err)
	_, _, err = s.FailRun(ctx, failed.ID, model.FailureToolCallFailed)
	require.NoError(t, err)

	// A cancelled run whose pending approval dies with the cascade.
	cancelled := mustCreateRun(t, s)
	_, _, err = s.StartRun(ctx, cancelled.ID)
	require.NoError(t, err)
	held := mustCreateToolCall(t, s, cancelled.ID, "wire_funds", model.RiskHigh)
	a2, _, err := s.CreateApproval(ctx, model.ApprovalRequest{
		ToolCallID: held.ID,
		ThreadID:   cancelled.ThreadID,
		ExpiresAt:  time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)
	_, _, err = s.CancelRun(ctx, cancelled.ID)
	require.NoError(t, err)

	log, err := s.AllEvents(ctx, 0, 0)
	require.NoError(t, err)
	state, err := replay.Fold(log)
	require.NoError(t, err)

	runs, err := s.ListRuns(ctx, storage.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for _, run := range runs {
		replayed, ok := state.Runs[run.ID]
		require.True(t, ok, "run %s missing from replay", run.ID)
		assert.Equal(t, run.Status, replayed.Status)
		assert.Equal(t, run.OperatorID, replayed.OperatorID)
		if run.FailureReason != nil {
			require.NotNil(t, replayed.FailureReason)
			assert.Equal(t, *run.FailureReason, *replayed.FailureReason)
		}
	}

	for _, id := range []uuid.UUID{finished.ID, approved.ID, held.ID} {
		stored, err := s.GetToolCall(ctx, id)
		require.NoError(t, err)
		replayed, ok := state.ToolCalls[id]
		require.True(t, ok, "tool call %s missing from replay", id)
		assert.Equal(t, stored.Status, replayed.Status, "tool call %s", stored.Name)
		assert.Equal(t, stored.Name, replayed.Name)
		assert.Equal(t, stored.Tier, replayed.Tier)
		assert.Equal(t, stored.Seq, replayed.Seq)
	}

	for _, id := range []uuid.UUID{a1.ID, a2.ID} {
		stored, err := s.GetApproval(ctx, id)
		require.NoError(t, err)
		replayed, ok := state.Approvals[id]
		require.True(t, ok, "approval %s missing from replay", id)
		assert.Equal(t, stored.Outcome, replayed.Outcome)
		assert.Equal(t, stored.Resolver, replayed.Resolver)
	}

	latest, err := s.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, latest, state.LastEventID)
}

// The cancel cascade logs the approval expiry it commits: the fold must
// land on the expired outcome, not a stale pending one.
func TestSQLiteReplayCancelledApproval(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	ctx := context.Background()

	run := mustCreateRun(t, s)
	_, _, err := s.StartRun(ctx, run.ID)
	require.NoError(t, err)
	tc := mustCreateToolCall(t, s, run.ID, "sign_document", model.RiskHigh)
	a, _, err := s.CreateApproval(ctx, model.ApprovalRequest{
		ToolCallID: tc.ID,
		ThreadID:   run.ThreadID,
		ExpiresAt:  time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)
	_, _, err = s.CancelRun(ctx, run.ID)
	require.NoError(t, err)

	log, err := s.AllEvents(ctx, 0, 0)
	require.NoError(t, err)
	types := make([]model.EventType, len(log))
	for i, ev := range log {
		types[i] = ev.Type
	}
	assert.Equal(t, []model.EventType{
		model.EventRunCreated,
		model.EventRunStarted,
		model.EventToolCallCreated,
		model.EventApprovalRequested,
		model.EventApprovalExpired,
		model.EventToolCallCancelled,
		model.EventRunCancelled,
	}, types)

	state, err := replay.Fold(log)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalExpired, state.Approvals[a.ID].Outcome)
	assert.Equal(t, model.ToolCallCancelled, state.ToolCalls[tc.ID].Status)
	assert.Equal(t, model.RunStatusCancelled, state.Runs[run.ID].Status)
}
