package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/model"
)

func TestRunTransitions(t *testing.T) {
	allowed := []struct{ from, to model.RunStatus }{
		{model.RunStatusPending, model.RunStatusRunning},
		{model.RunStatusPending, model.RunStatusFailed},
		{model.RunStatusPending, model.RunStatusCancelled},
		{model.RunStatusRunning, model.RunStatusCompleted},
		{model.RunStatusRunning, model.RunStatusFailed},
		{model.RunStatusRunning, model.RunStatusCancelled},
	}
	for _, tr := range allowed {
		assert.True(t, model.CanTransitionRun(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}

	denied := []struct{ from, to model.RunStatus }{
		{model.RunStatusPending, model.RunStatusCompleted}, // must start first
		{model.RunStatusCompleted, model.RunStatusRunning},
		{model.RunStatusFailed, model.RunStatusRunning},
		{model.RunStatusCancelled, model.RunStatusCompleted},
		{model.RunStatusRunning, model.RunStatusPending},
	}
	for _, tr := range denied {
		assert.False(t, model.CanTransitionRun(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}
}

func TestToolCallTransitions(t *testing.T) {
	allowed := []struct{ from, to model.ToolCallStatus }{
		{model.ToolCallPending, model.ToolCallPendingApproval},
		{model.ToolCallPending, model.ToolCallApproved},
		{model.ToolCallPendingApproval, model.ToolCallApproved},
		{model.ToolCallPendingApproval, model.ToolCallRejected},
		{model.ToolCallPendingApproval, model.ToolCallExpired},
		{model.ToolCallApproved, model.ToolCallRunning},
		{model.ToolCallRunning, model.ToolCallCompleted},
		{model.ToolCallRunning, model.ToolCallFailed},
		{model.ToolCallPending, model.ToolCallCancelled},
		{model.ToolCallRunning, model.ToolCallCancelled},
	}
	for _, tr := range allowed {
		assert.True(t, model.CanTransitionToolCall(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}

	denied := []struct{ from, to model.ToolCallStatus }{
		{model.ToolCallPending, model.ToolCallRunning}, // approval comes first
		{model.ToolCallRejected, model.ToolCallApproved},
		{model.ToolCallExpired, model.ToolCallApproved},
		{model.ToolCallCompleted, model.ToolCallRunning},
		{model.ToolCallCancelled, model.ToolCallRunning},
		{model.ToolCallApproved, model.ToolCallCompleted}, // must run first
	}
	for _, tr := range denied {
		assert.False(t, model.CanTransitionToolCall(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}
}

func TestTerminalStatuses(t *testing.T) {
	assert.False(t, model.RunStatusPending.Terminal())
	assert.False(t, model.RunStatusRunning.Terminal())
	assert.True(t, model.RunStatusCompleted.Terminal())
	assert.True(t, model.RunStatusFailed.Terminal())
	assert.True(t, model.RunStatusCancelled.Terminal())

	assert.False(t, model.ToolCallPendingApproval.Terminal())
	assert.True(t, model.ToolCallRejected.Terminal())
	assert.True(t, model.ToolCallExpired.Terminal())
	assert.True(t, model.ToolCallCancelled.Terminal())
}

func TestParseRiskTier(t *testing.T) {
	tier, err := model.ParseRiskTier("HIGH")
	require.NoError(t, err)
	assert.Equal(t, model.RiskHigh, tier)

	tier, err = model.ParseRiskTier("  low ")
	require.NoError(t, err)
	assert.Equal(t, model.RiskLow, tier)

	_, err = model.ParseRiskTier("extreme")
	assert.Error(t, err)

	assert.True(t, model.RiskCritical.AtLeast(model.RiskHigh))
	assert.False(t, model.RiskMedium.AtLeast(model.RiskHigh))
}

func TestApprovalResolution(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pending := model.ApprovalRequest{
		Outcome:   model.ApprovalPending,
		ExpiresAt: now.Add(time.Minute),
	}

	t.Run("pending and unexpired applies", func(t *testing.T) {
		assert.Equal(t, model.ResolveApply,
			model.ApprovalResolution(pending, model.ApprovalApproved, "alice", now))
	})

	t.Run("expiry beats a late resolution", func(t *testing.T) {
		late := now.Add(2 * time.Minute)
		assert.Equal(t, model.ResolveExpire,
			model.ApprovalResolution(pending, model.ApprovalApproved, "alice", late))
		// Exactly at the deadline counts as expired.
		assert.Equal(t, model.ResolveExpire,
			model.ApprovalResolution(pending, model.ApprovalRejected, "alice", pending.ExpiresAt))
	})

	resolved := pending
	resolved.Outcome = model.ApprovalApproved
	resolved.Resolver = "alice"

	t.Run("identical repeat is idempotent", func(t *testing.T) {
		assert.Equal(t, model.ResolveIdempotent,
			model.ApprovalResolution(resolved, model.ApprovalApproved, "alice", now))
	})

	t.Run("different outcome conflicts", func(t *testing.T) {
		assert.Equal(t, model.ResolveConflict,
			model.ApprovalResolution(resolved, model.ApprovalRejected, "alice", now))
	})

	t.Run("different resolver conflicts", func(t *testing.T) {
		assert.Equal(t, model.ResolveConflict,
			model.ApprovalResolution(resolved, model.ApprovalApproved, "bob", now))
	})

	t.Run("already expired stays expired", func(t *testing.T) {
		expired := pending
		expired.Outcome = model.ApprovalExpired
		assert.Equal(t, model.ResolveExpired,
			model.ApprovalResolution(expired, model.ApprovalApproved, "alice", now))
	})
}

func TestRunDeadline(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	run := model.Run{StartedAt: start, DurationBudget: 10 * time.Minute}
	assert.Equal(t, start.Add(10*time.Minute), run.Deadline())

	unbounded := model.Run{StartedAt: start}
	assert.True(t, unbounded.Deadline().IsZero())
}

func TestValidateThreadID(t *testing.T) {
	assert.NoError(t, model.ValidateThreadID("thread-1"))
	assert.Error(t, model.ValidateThreadID(""))
	assert.Error(t, model.ValidateThreadID(strings.Repeat("x", model.MaxThreadIDLen+1)))
	assert.Error(t, model.ValidateThreadID("bad\xff\xfe"))
}

func TestValidateToolName(t *testing.T) {
	assert.NoError(t, model.ValidateToolName("send_email"))
	assert.Error(t, model.ValidateToolName(""))
	assert.Error(t, model.ValidateToolName(strings.Repeat("x", model.MaxToolNameLen+1)))
}

func TestValidateToolInput(t *testing.T) {
	assert.NoError(t, model.ValidateToolInput(nil))
	assert.NoError(t, model.ValidateToolInput(map[string]any{"to": "a@example.com"}))
	assert.Error(t, model.ValidateToolInput(map[string]any{
		"blob": strings.Repeat("x", model.MaxInputBytes+1),
	}))
	assert.Error(t, model.ValidateToolInput(map[string]any{"bad": func() {}}))
}
