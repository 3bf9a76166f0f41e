package status_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/status"
)

func TestParseScope(t *testing.T) {
	s, ok := status.ParseScope("")
	assert.True(t, ok)
	assert.Equal(t, status.ScopeGlobal, s)

	s, ok = status.ParseScope("thread")
	assert.True(t, ok)
	assert.Equal(t, status.ScopeThread, s)

	_, ok = status.ParseScope("galaxy")
	assert.False(t, ok)
}

func TestComputePrecedence(t *testing.T) {
	running := model.Run{ThreadID: "t1", Status: model.RunStatusRunning}
	done := model.Run{ThreadID: "t1", Status: model.RunStatusCompleted}
	pending := model.ApprovalRequest{ThreadID: "t1", Outcome: model.ApprovalPending}
	resolved := model.ApprovalRequest{ThreadID: "t1", Outcome: model.ApprovalApproved}

	t.Run("nothing active is idle", func(t *testing.T) {
		assert.Equal(t, model.StatusIdle,
			status.Compute(nil, nil, status.ScopeGlobal, ""))
		assert.Equal(t, model.StatusIdle,
			status.Compute([]model.Run{done}, []model.ApprovalRequest{resolved}, status.ScopeGlobal, ""))
	})

	t.Run("running run is working", func(t *testing.T) {
		assert.Equal(t, model.StatusWorking,
			status.Compute([]model.Run{running}, nil, status.ScopeGlobal, ""))
	})

	t.Run("pending approval outranks running", func(t *testing.T) {
		assert.Equal(t, model.StatusWaitingApproval,
			status.Compute([]model.Run{running}, []model.ApprovalRequest{pending}, status.ScopeGlobal, ""))
	})

	t.Run("resolved approval does not count", func(t *testing.T) {
		assert.Equal(t, model.StatusWorking,
			status.Compute([]model.Run{running}, []model.ApprovalRequest{resolved}, status.ScopeGlobal, ""))
	})
}

func TestComputeThreadScope(t *testing.T) {
	otherRunning := model.Run{ThreadID: "other", Status: model.RunStatusRunning}
	otherPending := model.ApprovalRequest{ThreadID: "other", Outcome: model.ApprovalPending}

	t.Run("other threads are invisible", func(t *testing.T) {
		got := status.Compute(
			[]model.Run{otherRunning},
			[]model.ApprovalRequest{otherPending},
			status.ScopeThread, "mine")
		assert.Equal(t, model.StatusIdle, got)
	})

	t.Run("global scope sees every thread", func(t *testing.T) {
		got := status.Compute(
			[]model.Run{otherRunning},
			[]model.ApprovalRequest{otherPending},
			status.ScopeGlobal, "mine")
		assert.Equal(t, model.StatusWaitingApproval, got)
	})
}
