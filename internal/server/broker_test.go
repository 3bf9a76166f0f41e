package server_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/server"
	"github.com/ashita-ai/kanri/internal/testutil"
)

func TestBrokerFanOut(t *testing.T) {
	b := server.NewBroker(testutil.TestLogger())
	runA := uuid.New()
	runB := uuid.New()

	chA := b.Subscribe(runA)
	chB := b.Subscribe(runB)
	defer b.Unsubscribe(runB, chB)

	b.Publish(
		model.Event{ID: 1, RunID: runA, Type: model.EventRunCreated},
		model.Event{ID: 2, RunID: runB, Type: model.EventRunCreated},
	)

	ev := <-chA
	assert.Equal(t, int64(1), ev.ID)
	ev = <-chB
	assert.Equal(t, int64(2), ev.ID)

	// Unsubscribe closes the channel.
	b.Unsubscribe(runA, chA)
	_, ok := <-chA
	assert.False(t, ok)
}

func TestBrokerSeversSlowSubscriber(t *testing.T) {
	b := server.NewBroker(testutil.TestLogger())
	runID := uuid.New()

	slow := b.Subscribe(runID)
	fast := b.Subscribe(runID)

	// Never read from slow; keep fast drained so only slow overflows.
	for i := 1; i <= 80; i++ {
		b.Publish(model.Event{ID: int64(i), RunID: runID, Type: model.EventRunStarted})
		select {
		case <-fast:
		default:
		}
	}

	// The slow channel must drain its buffer and then report closed, not
	// stay open with a silent gap in the middle.
	received := 0
	deadline := time.After(5 * time.Second)
drain:
	for {
		select {
		case _, ok := <-slow:
			if !ok {
				break drain
			}
			received++
		case <-deadline:
			t.Fatal("slow subscriber was never severed")
		}
	}
	assert.LessOrEqual(t, received, 64)

	// The handler's deferred Unsubscribe races the severance; both orders
	// must be safe.
	b.Unsubscribe(runID, slow)
	b.Unsubscribe(runID, fast)

	// Publishing after everyone is gone is a no-op.
	require.NotPanics(t, func() {
		b.Publish(model.Event{ID: 81, RunID: runID, Type: model.EventRunCompleted})
	})
}
