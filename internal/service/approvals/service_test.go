package approvals_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/service/approvals"
	"github.com/ashita-ai/kanri/internal/storage"
	"github.com/ashita-ai/kanri/internal/testutil"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *capturePublisher) Publish(events ...model.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
}

func (p *capturePublisher) types() []model.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.EventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

// seedApproval creates a run, a held tool call, and its pending approval
// directly through the store.
func seedApproval(t *testing.T, store *storage.SQLite, ttl time.Duration) model.ApprovalRequest {
	t.Helper()
	ctx := context.Background()

	run, _, err := store.CreateRun(ctx, model.Run{ThreadID: "t1", OperatorID: "op-1"})
	require.NoError(t, err)
	tc, _, err := store.CreateToolCall(ctx, model.ToolCall{
		RunID: run.ID, Name: "send_email", Tier: model.RiskHigh,
	}, 0)
	require.NoError(t, err)
	a, _, err := store.CreateApproval(ctx, model.ApprovalRequest{
		ToolCallID: tc.ID,
		ThreadID:   run.ThreadID,
		ExpiresAt:  time.Now().UTC().Add(ttl),
	})
	require.NoError(t, err)
	return a
}

func TestResolveApprove(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	pub := &capturePublisher{}
	svc := approvals.New(store, pub, testutil.TestLogger())
	ctx := context.Background()

	a := seedApproval(t, store, 15*time.Minute)

	resolved, err := svc.Resolve(ctx, a.ID, model.ApprovalApproved, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, resolved.Outcome)
	assert.Equal(t, "alice", resolved.Resolver)

	tc, err := store.GetToolCall(ctx, a.ToolCallID)
	require.NoError(t, err)
	assert.Equal(t, model.ToolCallApproved, tc.Status)

	types := pub.types()
	assert.Equal(t, model.EventApprovalGranted, types[len(types)-1])
}

func TestResolveReject(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	pub := &capturePublisher{}
	svc := approvals.New(store, pub, testutil.TestLogger())
	ctx := context.Background()

	a := seedApproval(t, store, 15*time.Minute)

	resolved, err := svc.Resolve(ctx, a.ID, model.ApprovalRejected, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalRejected, resolved.Outcome)

	tc, err := store.GetToolCall(ctx, a.ToolCallID)
	require.NoError(t, err)
	assert.Equal(t, model.ToolCallRejected, tc.Status)
}

func TestResolveIdempotentAndConflict(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	pub := &capturePublisher{}
	svc := approvals.New(store, pub, testutil.TestLogger())
	ctx := context.Background()

	a := seedApproval(t, store, 15*time.Minute)
	_, err := svc.Resolve(ctx, a.ID, model.ApprovalApproved, "alice")
	require.NoError(t, err)
	published := len(pub.types())

	// Repeating the identical resolution succeeds and publishes nothing new.
	resolved, err := svc.Resolve(ctx, a.ID, model.ApprovalApproved, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, resolved.Outcome)
	assert.Len(t, pub.types(), published)

	_, err = svc.Resolve(ctx, a.ID, model.ApprovalRejected, "alice")
	assert.ErrorIs(t, err, storage.ErrConflict)
	_, err = svc.Resolve(ctx, a.ID, model.ApprovalApproved, "bob")
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestResolveAfterDeadline(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	pub := &capturePublisher{}
	svc := approvals.New(store, pub, testutil.TestLogger())
	ctx := context.Background()

	a := seedApproval(t, store, -time.Second)

	// Expiry beats the late approval, and the committed expiry event is
	// published even though the call errors.
	resolved, err := svc.Resolve(ctx, a.ID, model.ApprovalApproved, "alice")
	assert.ErrorIs(t, err, storage.ErrExpired)
	assert.Equal(t, model.ApprovalExpired, resolved.Outcome)

	types := pub.types()
	require.NotEmpty(t, types)
	assert.Equal(t, model.EventApprovalExpired, types[len(types)-1])

	tc, err := store.GetToolCall(ctx, a.ToolCallID)
	require.NoError(t, err)
	assert.Equal(t, model.ToolCallExpired, tc.Status)
}

func TestResolveNotFound(t *testing.T) {
	svc := approvals.New(testutil.NewSQLiteStore(t), &capturePublisher{}, testutil.TestLogger())
	_, err := svc.Resolve(context.Background(), uuid.New(), model.ApprovalApproved, "alice")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSweep(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	pub := &capturePublisher{}
	svc := approvals.New(store, pub, testutil.TestLogger())
	ctx := context.Background()

	stale := seedApproval(t, store, -time.Minute)
	fresh := seedApproval(t, store, time.Hour)

	n, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := svc.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalExpired, got.Outcome)

	got, err = svc.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalPending, got.Outcome)

	types := pub.types()
	require.Len(t, types, 1)
	assert.Equal(t, model.EventApprovalExpired, types[0])

	n, err = svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestList(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	svc := approvals.New(store, &capturePublisher{}, testutil.TestLogger())
	ctx := context.Background()

	a := seedApproval(t, store, time.Hour)

	pending, err := svc.List(ctx, storage.ApprovalFilter{Outcome: model.ApprovalPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)

	_, err = svc.Resolve(ctx, a.ID, model.ApprovalApproved, "alice")
	require.NoError(t, err)

	pending, err = svc.List(ctx, storage.ApprovalFilter{Outcome: model.ApprovalPending})
	require.NoError(t, err)
	assert.Empty(t, pending)
}
