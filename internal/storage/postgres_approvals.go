package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kanri/internal/model"
)

const pgApprovalColumns = `id, tool_call_id, run_id, thread_id, tool_name, risk_tier, outcome, resolver, requested_at, resolved_at, expires_at`

// CreateApproval records a pending approval request and moves the tool call
// to pending_approval in the same transaction.
func (p *Postgres) CreateApproval(ctx context.Context, a model.ApprovalRequest) (model.ApprovalRequest, []model.Event, error) {
	var events []model.Event
	err := p.withPgTx(ctx, func(tx pgx.Tx) error {
		tc, err := scanPgToolCall(tx.QueryRow(ctx,
			`SELECT `+pgToolCallColumns+` FROM tool_calls WHERE id = $1 FOR UPDATE`, a.ToolCallID))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: tool call %s", ErrNotFound, a.ToolCallID)
		}
		if err != nil {
			return fmt.Errorf("storage: get tool call: %w", err)
		}
		var existing int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM approvals WHERE tool_call_id = $1`, a.ToolCallID).Scan(&existing); err != nil {
			return fmt.Errorf("storage: check existing approval: %w", err)
		}
		if existing > 0 {
			return fmt.Errorf("%w: tool call %s", ErrAlreadyPending, a.ToolCallID)
		}
		if !model.CanTransitionToolCall(tc.Status, model.ToolCallPendingApproval) {
			return fmt.Errorf("%w: tool call %s -> pending_approval", ErrInvalidTransition, tc.Status)
		}

		now := time.Now().UTC()
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		a.RunID = tc.RunID
		a.ToolName = tc.Name
		a.Tier = tc.Tier
		a.Outcome = model.ApprovalPending
		a.RequestedAt = now

		if _, err := tx.Exec(ctx,
			`INSERT INTO approvals (id, tool_call_id, run_id, thread_id, tool_name, risk_tier, outcome, requested_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			a.ID, a.ToolCallID, a.RunID, a.ThreadID,
			a.ToolName, string(a.Tier), string(a.Outcome), a.RequestedAt, a.ExpiresAt,
		); err != nil {
			return fmt.Errorf("storage: create approval: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE tool_calls SET status = $1, expires_at = $2 WHERE id = $3`,
			string(model.ToolCallPendingApproval), a.ExpiresAt, a.ToolCallID); err != nil {
			return fmt.Errorf("storage: mark tool call pending approval: %w", err)
		}
		ev, err := p.appendPgEvent(ctx, tx,
			model.NewEvent(model.EventApprovalRequested, a.ThreadID, a.RunID, now, approvalRequestedPayload(a)).WithToolCall(a.ToolCallID))
		if err != nil {
			return err
		}
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return model.ApprovalRequest{}, nil, err
	}
	return a, events, nil
}

// GetApproval retrieves an approval request by id.
func (p *Postgres) GetApproval(ctx context.Context, id uuid.UUID) (model.ApprovalRequest, error) {
	a, err := scanPgApproval(p.pool.QueryRow(ctx,
		`SELECT `+pgApprovalColumns+` FROM approvals WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ApprovalRequest{}, fmt.Errorf("%w: approval %s", ErrNotFound, id)
	}
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("storage: get approval: %w", err)
	}
	return a, nil
}

// GetApprovalByToolCall retrieves the approval tied to a tool call.
func (p *Postgres) GetApprovalByToolCall(ctx context.Context, toolCallID uuid.UUID) (model.ApprovalRequest, error) {
	a, err := scanPgApproval(p.pool.QueryRow(ctx,
		`SELECT `+pgApprovalColumns+` FROM approvals WHERE tool_call_id = $1`, toolCallID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ApprovalRequest{}, fmt.Errorf("%w: approval for tool call %s", ErrNotFound, toolCallID)
	}
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("storage: get approval by tool call: %w", err)
	}
	return a, nil
}

// ListApprovals returns approvals matching the filter, oldest first.
func (p *Postgres) ListApprovals(ctx context.Context, f ApprovalFilter) ([]model.ApprovalRequest, error) {
	query := `SELECT ` + pgApprovalColumns + ` FROM approvals WHERE 1=1`
	var args []any
	if f.ThreadID != "" {
		args = append(args, f.ThreadID)
		query += fmt.Sprintf(` AND thread_id = $%d`, len(args))
	}
	if f.Outcome != "" {
		args = append(args, string(f.Outcome))
		query += fmt.Sprintf(` AND outcome = $%d`, len(args))
	}
	query += ` ORDER BY requested_at ASC, id ASC`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list approvals: %w", err)
	}
	defer rows.Close()

	var approvals []model.ApprovalRequest
	for rows.Next() {
		a, err := scanPgApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan approval: %w", err)
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

func scanPgApproval(row pgx.Row) (model.ApprovalRequest, error) {
	var a model.ApprovalRequest
	if err := row.Scan(&a.ID, &a.ToolCallID, &a.RunID, &a.ThreadID, &a.ToolName,
		&a.Tier, &a.Outcome, &a.Resolver, &a.RequestedAt, &a.ResolvedAt, &a.ExpiresAt); err != nil {
		return model.ApprovalRequest{}, err
	}
	a.RequestedAt = a.RequestedAt.UTC()
	a.ExpiresAt = a.ExpiresAt.UTC()
	return a, nil
}

// ResolveApproval applies a human resolution under the ledger's precedence
// rules. On ErrExpired the returned events may be non-empty: the expiry was
// applied by this call and must still reach subscribers.
func (p *Postgres) ResolveApproval(ctx context.Context, id uuid.UUID, outcome model.ApprovalOutcome, resolver string) (model.ApprovalRequest, []model.Event, error) {
	var (
		result    model.ApprovalRequest
		events    []model.Event
		resultErr error
	)
	err := p.withPgTx(ctx, func(tx pgx.Tx) error {
		existing, err := scanPgApproval(tx.QueryRow(ctx,
			`SELECT `+pgApprovalColumns+` FROM approvals WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: approval %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("storage: get approval: %w", err)
		}

		now := time.Now().UTC()
		switch model.ApprovalResolution(existing, outcome, resolver, now) {
		case model.ResolveIdempotent:
			result = existing
		case model.ResolveConflict:
			result = existing
			resultErr = fmt.Errorf("%w: approval %s already %s by %s", ErrConflict, id, existing.Outcome, existing.Resolver)
		case model.ResolveExpired:
			result = existing
			resultErr = fmt.Errorf("%w: approval %s", ErrExpired, id)
		case model.ResolveExpire:
			// The expiry is committed; the caller still gets ErrExpired
			// because the requested resolution did not apply.
			updated, evs, err := p.applyPgResolution(ctx, tx, existing, model.ApprovalExpired, "", now)
			if err != nil {
				return err
			}
			result = updated
			events = evs
			resultErr = fmt.Errorf("%w: approval %s deadline passed", ErrExpired, id)
		default: // ResolveApply
			updated, evs, err := p.applyPgResolution(ctx, tx, existing, outcome, resolver, now)
			if err != nil {
				return err
			}
			result = updated
			events = evs
		}
		return nil
	})
	if err != nil {
		return model.ApprovalRequest{}, nil, err
	}
	return result, events, resultErr
}

// applyPgResolution writes an approval outcome plus the implied tool call
// transition and events, inside the caller's transaction.
func (p *Postgres) applyPgResolution(ctx context.Context, tx pgx.Tx, a model.ApprovalRequest, outcome model.ApprovalOutcome, resolver string, now time.Time) (model.ApprovalRequest, []model.Event, error) {
	typ, err := approvalEventType(outcome)
	if err != nil {
		return model.ApprovalRequest{}, nil, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE approvals SET outcome = $1, resolver = $2, resolved_at = $3 WHERE id = $4`,
		string(outcome), resolver, now, a.ID); err != nil {
		return model.ApprovalRequest{}, nil, fmt.Errorf("storage: resolve approval: %w", err)
	}
	a.Outcome = outcome
	a.Resolver = resolver
	a.ResolvedAt = &now

	tcStatus := approvalToolCallStatus(outcome)
	col := `resolved_at`
	if tcStatus == model.ToolCallExpired {
		col = `completed_at`
	}
	if _, err := tx.Exec(ctx,
		`UPDATE tool_calls SET status = $1, `+col+` = $2 WHERE id = $3`,
		string(tcStatus), now, a.ToolCallID); err != nil {
		return model.ApprovalRequest{}, nil, fmt.Errorf("storage: resolve tool call: %w", err)
	}

	ev, err := p.appendPgEvent(ctx, tx,
		model.NewEvent(typ, a.ThreadID, a.RunID, now, approvalResolvedPayload(a)).WithToolCall(a.ToolCallID))
	if err != nil {
		return model.ApprovalRequest{}, nil, err
	}
	return a, []model.Event{ev}, nil
}

// ExpireApprovals sweeps every pending request whose deadline has passed.
func (p *Postgres) ExpireApprovals(ctx context.Context) ([]model.ApprovalRequest, []model.Event, error) {
	var (
		expired []model.ApprovalRequest
		events  []model.Event
	)
	err := p.withPgTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		rows, err := tx.Query(ctx,
			`SELECT `+pgApprovalColumns+` FROM approvals
			 WHERE outcome = $1 AND expires_at <= $2
			 ORDER BY expires_at ASC
			 FOR UPDATE SKIP LOCKED`,
			string(model.ApprovalPending), now)
		if err != nil {
			return fmt.Errorf("storage: select expired approvals: %w", err)
		}
		var stale []model.ApprovalRequest
		for rows.Next() {
			a, err := scanPgApproval(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("storage: scan expired approval: %w", err)
			}
			stale = append(stale, a)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, a := range stale {
			updated, evs, err := p.applyPgResolution(ctx, tx, a, model.ApprovalExpired, "", now)
			if err != nil {
				return err
			}
			expired = append(expired, updated)
			events = append(events, evs...)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return expired, events, nil
}
