package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanri/internal/model"
)

// Broker fans out committed events to SSE subscribers.
//
// Events arrive from two directions: services publish locally after their
// transaction commits, and (under the Postgres backend) a relay goroutine
// feeds in LISTEN/NOTIFY payloads from other instances. An event that took
// both paths is delivered twice; subscribers drop duplicates by event id,
// which is safe because ids are globally ordered.
type Broker struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[uuid.UUID]map[chan model.Event]struct{} // keyed by run id
}

// NewBroker creates an event broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger: logger,
		subs:   make(map[uuid.UUID]map[chan model.Event]struct{}),
	}
}

// Publish delivers events to this instance's subscribers for their runs.
// Called by services after commit; also the relay's delivery point.
func (b *Broker) Publish(events ...model.Event) {
	if len(events) == 0 {
		return
	}
	var full map[uuid.UUID][]chan model.Event
	b.mu.RLock()
	for _, ev := range events {
		for ch := range b.subs[ev.RunID] {
			select {
			case ch <- ev:
			default:
				if full == nil {
					full = make(map[uuid.UUID][]chan model.Event)
				}
				full[ev.RunID] = append(full[ev.RunID], ch)
			}
		}
	}
	b.mu.RUnlock()

	// A subscriber that cannot keep up is severed rather than silently
	// skipped: a dropped event would leave an undetectable gap, while a
	// closed stream makes the client reconnect and replay from its
	// Last-Event-ID.
	for runID, chans := range full {
		for _, ch := range chans {
			if b.remove(runID, ch) {
				b.logger.Warn("broker: dropping slow subscriber", "run_id", runID)
				close(ch)
			}
		}
	}
}

// remove takes a subscriber out of the map, reporting whether it was still
// there. Only the caller that removed the channel may close it.
func (b *Broker) remove(runID uuid.UUID, ch chan model.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[runID]
	if _, ok := set[ch]; !ok {
		return false
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(b.subs, runID)
	}
	return true
}

// Subscribe returns a channel receiving the run's live events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(runID uuid.UUID) chan model.Event {
	ch := make(chan model.Event, 64)
	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[chan model.Event]struct{})
	}
	b.subs[runID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it. A no-op when the
// broker already severed the channel for falling behind.
func (b *Broker) Unsubscribe(runID uuid.UUID, ch chan model.Event) {
	if b.remove(runID, ch) {
		close(ch)
	}
}

// EventSource is a stream of committed events from outside this process.
// *storage.Postgres satisfies it via LISTEN/NOTIFY.
type EventSource interface {
	Listen(ctx context.Context) error
	WaitForEvent(ctx context.Context) (model.Event, error)
}

// Relay pumps events from src into the broker until ctx is cancelled.
// It blocks, so call it in a goroutine. Needed only when multiple instances
// share one database; a single instance sees every event via local publish.
func (b *Broker) Relay(ctx context.Context, src EventSource) {
	if err := src.Listen(ctx); err != nil {
		b.logger.Error("broker: listen", "error", err)
		return
	}
	b.logger.Info("broker: relaying notifications")

	for {
		ev, err := src.WaitForEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}
		b.Publish(ev)
	}
}
