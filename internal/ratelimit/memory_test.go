package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(perMinute int) (*MemoryLimiter, *time.Time) {
	m := NewMemoryLimiter(perMinute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestMemoryLimiterBurst(t *testing.T) {
	m, _ := newTestLimiter(3)
	defer func() { _ = m.Close() }()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "runs:op:alice")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst", i+1)
	}

	ok, err := m.Allow(ctx, "runs:op:alice")
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")
}

func TestMemoryLimiterRefill(t *testing.T) {
	m, now := newTestLimiter(6) // one token every 10s
	defer func() { _ = m.Close() }()
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		ok, _ := m.Allow(ctx, "k")
		require.True(t, ok)
	}
	ok, _ := m.Allow(ctx, "k")
	require.False(t, ok)

	*now = now.Add(10 * time.Second)
	ok, _ = m.Allow(ctx, "k")
	assert.True(t, ok, "one token refilled after 10s")

	ok, _ = m.Allow(ctx, "k")
	assert.False(t, ok, "only one token was refilled")
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m, _ := newTestLimiter(1)
	defer func() { _ = m.Close() }()
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "runs:op:alice")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "runs:op:alice")
	require.False(t, ok)

	ok, _ = m.Allow(ctx, "runs:op:bob")
	assert.True(t, ok, "bob has his own bucket")
}

func TestMemoryLimiterCapsRefill(t *testing.T) {
	m, now := newTestLimiter(2)
	defer func() { _ = m.Close() }()
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "k")
	require.True(t, ok)

	// A long idle period must not accumulate more than the burst.
	*now = now.Add(time.Hour)
	for i := 0; i < 2; i++ {
		ok, _ = m.Allow(ctx, "k")
		require.True(t, ok)
	}
	ok, _ = m.Allow(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryLimiterEviction(t *testing.T) {
	m, now := newTestLimiter(1)
	defer func() { _ = m.Close() }()
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "stale")
	require.True(t, ok)

	*now = now.Add(staleThreshold + time.Minute)
	m.evictStale()

	m.mu.Lock()
	_, exists := m.buckets["stale"]
	m.mu.Unlock()
	assert.False(t, exists)
}

func TestNoopLimiter(t *testing.T) {
	var l Limiter = NoopLimiter{}
	ok, err := l.Allow(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, l.Close())
}
