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

const pgToolCallColumns = `id, run_id, seq, name, input, risk_tier, status, has_external_effect, requires_approval, error, created_at, resolved_at, started_at, completed_at, expires_at`

// CreateToolCall appends a tool call to a run, enforcing the per-run budget.
func (p *Postgres) CreateToolCall(ctx context.Context, tc model.ToolCall, maxPerRun int) (model.ToolCall, model.Event, error) {
	var ev model.Event
	err := p.withPgTx(ctx, func(tx pgx.Tx) error {
		run, err := p.getPgRun(ctx, tx.QueryRow(ctx,
			`SELECT `+pgRunColumns+` FROM runs WHERE id = $1 FOR UPDATE`, tc.RunID), tc.RunID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return fmt.Errorf("%w: run %s is %s", ErrInvalidTransition, run.ID, run.Status)
		}
		var count int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM tool_calls WHERE run_id = $1`, tc.RunID).Scan(&count); err != nil {
			return fmt.Errorf("storage: count tool calls: %w", err)
		}
		if maxPerRun > 0 && count >= maxPerRun {
			return fmt.Errorf("%w: run %s already holds %d tool calls", ErrToolCallBudget, tc.RunID, count)
		}

		now := time.Now().UTC()
		if tc.ID == uuid.Nil {
			tc.ID = uuid.New()
		}
		tc.Seq = count + 1
		tc.Status = model.ToolCallPending
		tc.CreatedAt = now
		if tc.Input == nil {
			tc.Input = map[string]any{}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO tool_calls (id, run_id, seq, name, input, risk_tier, status, has_external_effect, requires_approval, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			tc.ID, tc.RunID, tc.Seq, tc.Name, tc.Input, string(tc.Tier),
			string(tc.Status), tc.HasExternalEffect, tc.RequiresApproval, now,
		); err != nil {
			return fmt.Errorf("storage: create tool call: %w", err)
		}
		ev, err = p.appendPgEvent(ctx, tx,
			model.NewEvent(model.EventToolCallCreated, run.ThreadID, run.ID, now, toolCallCreatedPayload(tc)).WithToolCall(tc.ID))
		return err
	})
	if err != nil {
		return model.ToolCall{}, model.Event{}, err
	}
	return tc, ev, nil
}

// GetToolCall retrieves a tool call by id.
func (p *Postgres) GetToolCall(ctx context.Context, id uuid.UUID) (model.ToolCall, error) {
	tc, err := scanPgToolCall(p.pool.QueryRow(ctx,
		`SELECT `+pgToolCallColumns+` FROM tool_calls WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ToolCall{}, fmt.Errorf("%w: tool call %s", ErrNotFound, id)
	}
	if err != nil {
		return model.ToolCall{}, fmt.Errorf("storage: get tool call: %w", err)
	}
	return tc, nil
}

// ListToolCalls returns a run's tool calls in insertion order.
func (p *Postgres) ListToolCalls(ctx context.Context, runID uuid.UUID) ([]model.ToolCall, error) {
	return p.listPgToolCalls(ctx, p.pool, runID)
}

// pgQueryer is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQueryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (p *Postgres) listPgToolCalls(ctx context.Context, q pgQueryer, runID uuid.UUID) ([]model.ToolCall, error) {
	rows, err := q.Query(ctx,
		`SELECT `+pgToolCallColumns+` FROM tool_calls WHERE run_id = $1 ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list tool calls: %w", err)
	}
	defer rows.Close()

	var calls []model.ToolCall
	for rows.Next() {
		tc, err := scanPgToolCall(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan tool call: %w", err)
		}
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}

func scanPgToolCall(row pgx.Row) (model.ToolCall, error) {
	var tc model.ToolCall
	if err := row.Scan(&tc.ID, &tc.RunID, &tc.Seq, &tc.Name, &tc.Input,
		&tc.Tier, &tc.Status, &tc.HasExternalEffect, &tc.RequiresApproval,
		&tc.Error, &tc.CreatedAt, &tc.ResolvedAt, &tc.StartedAt,
		&tc.CompletedAt, &tc.ExpiresAt); err != nil {
		return model.ToolCall{}, err
	}
	tc.CreatedAt = tc.CreatedAt.UTC()
	return tc, nil
}

// TransitionToolCall applies a lifecycle transition and emits its event.
func (p *Postgres) TransitionToolCall(ctx context.Context, id uuid.UUID, to model.ToolCallStatus, errMsg *string) (model.ToolCall, model.Event, error) {
	var (
		tc model.ToolCall
		ev model.Event
	)
	err := p.withPgTx(ctx, func(tx pgx.Tx) error {
		var err error
		tc, err = scanPgToolCall(tx.QueryRow(ctx,
			`SELECT `+pgToolCallColumns+` FROM tool_calls WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: tool call %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("storage: get tool call: %w", err)
		}
		if !model.CanTransitionToolCall(tc.Status, to) {
			return fmt.Errorf("%w: tool call %s -> %s", ErrInvalidTransition, tc.Status, to)
		}
		typ, err := toolCallEventType(to)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		set := `status = $1`
		args := []any{string(to)}
		switch to {
		case model.ToolCallApproved, model.ToolCallRejected:
			args = append(args, now)
			set += fmt.Sprintf(`, resolved_at = $%d`, len(args))
			tc.ResolvedAt = &now
		case model.ToolCallRunning:
			args = append(args, now)
			set += fmt.Sprintf(`, started_at = $%d`, len(args))
			tc.StartedAt = &now
		case model.ToolCallCompleted, model.ToolCallFailed, model.ToolCallCancelled:
			args = append(args, now)
			set += fmt.Sprintf(`, completed_at = $%d`, len(args))
			tc.CompletedAt = &now
		}
		if errMsg != nil {
			args = append(args, *errMsg)
			set += fmt.Sprintf(`, error = $%d`, len(args))
			tc.Error = errMsg
		}
		args = append(args, id)
		if _, err := tx.Exec(ctx,
			fmt.Sprintf(`UPDATE tool_calls SET %s WHERE id = $%d`, set, len(args)), args...); err != nil {
			return fmt.Errorf("storage: transition tool call: %w", err)
		}
		tc.Status = to

		run, err := p.getPgRun(ctx, tx.QueryRow(ctx,
			`SELECT `+pgRunColumns+` FROM runs WHERE id = $1`, tc.RunID), tc.RunID)
		if err != nil {
			return err
		}
		var payload map[string]any
		if to == model.ToolCallFailed && errMsg != nil {
			payload = toolCallFailedPayload(*errMsg)
		}
		ev, err = p.appendPgEvent(ctx, tx,
			model.NewEvent(typ, run.ThreadID, tc.RunID, now, payload).WithToolCall(tc.ID))
		return err
	})
	if err != nil {
		return model.ToolCall{}, model.Event{}, err
	}
	return tc, ev, nil
}
