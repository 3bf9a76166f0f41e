// Package approvals provides the shared business logic for the approval
// ledger: listing pending requests, applying human resolutions, and
// expiring requests whose deadline has passed.
//
// Resolution precedence is enforced in storage (via the shared
// model.ApprovalResolution function); this service maps outcomes, counts
// them, and publishes the committed events.
package approvals

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/storage"
	"github.com/ashita-ai/kanri/internal/telemetry"
)

// Publisher delivers committed events to live stream subscribers.
type Publisher interface {
	Publish(events ...model.Event)
}

// Service encapsulates approval ledger logic shared by HTTP and MCP handlers.
type Service struct {
	store  storage.Store
	pub    Publisher
	logger *slog.Logger

	resolutions metric.Int64Counter
	expirations metric.Int64Counter
}

// New creates an approval Service.
func New(store storage.Store, pub Publisher, logger *slog.Logger) *Service {
	meter := telemetry.Meter("kanri/approvals")
	resolutions, _ := meter.Int64Counter("kanri.approvals.resolutions",
		metric.WithDescription("Approval resolutions by outcome"))
	expirations, _ := meter.Int64Counter("kanri.approvals.expirations",
		metric.WithDescription("Approval requests expired by the sweeper"))
	return &Service{
		store:       store,
		pub:         pub,
		logger:      logger,
		resolutions: resolutions,
		expirations: expirations,
	}
}

// Get retrieves one approval request.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.ApprovalRequest, error) {
	return s.store.GetApproval(ctx, id)
}

// List returns approval requests matching the filter.
func (s *Service) List(ctx context.Context, f storage.ApprovalFilter) ([]model.ApprovalRequest, error) {
	return s.store.ListApprovals(ctx, f)
}

// Resolve applies a human decision to a pending request.
//
// An expired deadline always beats a late resolution: if the TTL passed
// before this call, the request is marked expired and ErrExpired comes back
// no matter what the resolver asked for. Repeating an identical resolution
// is idempotent; a different outcome or resolver on an already-resolved
// request is a conflict.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, outcome model.ApprovalOutcome, resolver string) (model.ApprovalRequest, error) {
	a, events, err := s.store.ResolveApproval(ctx, id, outcome, resolver)
	// The expiry path commits state and events before reporting ErrExpired.
	// Those events must still reach subscribers.
	s.pub.Publish(events...)
	if err != nil {
		if errors.Is(err, storage.ErrExpired) {
			s.logger.Info("late resolution lost to expiry",
				"approval_id", id, "requested_outcome", outcome, "resolver", resolver)
		}
		return a, err
	}

	s.resolutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(a.Outcome)),
	))
	s.logger.Info("approval resolved",
		"approval_id", a.ID, "tool_call_id", a.ToolCallID, "tool", a.ToolName,
		"outcome", a.Outcome, "resolver", resolver)
	return a, nil
}

// Sweep expires every pending request whose deadline has passed and
// publishes the resulting events.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	expired, events, err := s.store.ExpireApprovals(ctx)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}
	s.pub.Publish(events...)
	s.expirations.Add(ctx, int64(len(expired)))
	for _, a := range expired {
		s.logger.Info("approval expired",
			"approval_id", a.ID, "tool_call_id", a.ToolCallID, "tool", a.ToolName,
			"requested_at", a.RequestedAt, "expires_at", a.ExpiresAt)
	}
	return len(expired), nil
}

// RunSweeper expires stale requests every interval until ctx is cancelled.
// Expiry is also checked lazily on every resolution, so the sweeper only
// bounds how long an untouched request can linger past its deadline.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("approval sweep failed", "error", err)
			}
		}
	}
}
