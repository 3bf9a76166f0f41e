package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/storage"
	"github.com/ashita-ai/kanri/internal/testutil"
)

// newPostgresStore spins up a throwaway Postgres container. Gated behind
// KANRI_POSTGRES_TESTS because it needs a working Docker daemon.
func newPostgresStore(t *testing.T) *storage.Postgres {
	t.Helper()
	if os.Getenv("KANRI_POSTGRES_TESTS") == "" {
		t.Skip("set KANRI_POSTGRES_TESTS=1 to run Postgres integration tests")
	}

	ctx := context.Background()
	tc := testutil.MustStartPostgres()
	t.Cleanup(tc.Terminate)

	pg, err := tc.NewTestStore(ctx, testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Close(context.Background()) })
	return pg
}

func TestPostgresLifecycle(t *testing.T) {
	pg := newPostgresStore(t)
	ctx := context.Background()

	run, ev, err := pg.CreateRun(ctx, model.Run{ThreadID: "t1", OperatorID: "op-1"})
	require.NoError(t, err)
	assert.Equal(t, model.EventRunCreated, ev.Type)
	assert.Positive(t, ev.ID)

	run, _, err = pg.StartRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	tc, _, err := pg.CreateToolCall(ctx, model.ToolCall{
		RunID: run.ID, Name: "send_email", Tier: model.RiskHigh,
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, tc.Seq)

	a, _, err := pg.CreateApproval(ctx, model.ApprovalRequest{
		ToolCallID: tc.ID,
		ThreadID:   run.ThreadID,
		ExpiresAt:  time.Now().UTC().Add(15 * time.Minute),
	})
	require.NoError(t, err)

	resolved, events, err := pg.ResolveApproval(ctx, a.ID, model.ApprovalApproved, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, resolved.Outcome)
	require.Len(t, events, 1)

	_, _, err = pg.TransitionToolCall(ctx, tc.ID, model.ToolCallRunning, nil)
	require.NoError(t, err)
	_, _, err = pg.TransitionToolCall(ctx, tc.ID, model.ToolCallCompleted, nil)
	require.NoError(t, err)

	_, _, completed, err := pg.CompleteRunIfQuiescent(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, completed)

	// The whole history comes back ordered with strictly increasing ids.
	history, err := pg.Events(ctx, run.ID, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	for i := 1; i < len(history); i++ {
		assert.Greater(t, history[i].ID, history[i-1].ID)
	}
	assert.Equal(t, model.EventRunCompleted, history[len(history)-1].Type)
}

func TestPostgresNotify(t *testing.T) {
	pg := newPostgresStore(t)
	ctx := context.Background()

	require.NoError(t, pg.Listen(ctx))

	run, created, err := pg.CreateRun(ctx, model.Run{ThreadID: "t1", OperatorID: "op-1"})
	require.NoError(t, err)

	// The committed event arrives on the notification channel.
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ev, err := pg.WaitForEvent(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, created.ID, ev.ID)
	assert.Equal(t, model.EventRunCreated, ev.Type)
	assert.Equal(t, run.ID, ev.RunID)
}
