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

const pgRunColumns = `id, thread_id, operator_id, status, fail_fast, duration_budget_ms, failure_reason, started_at, completed_at, metadata, created_at`

// CreateRun inserts a run in pending status and appends run_created.
func (p *Postgres) CreateRun(ctx context.Context, run model.Run) (model.Run, model.Event, error) {
	now := time.Now().UTC()
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	run.Status = model.RunStatusPending
	run.StartedAt = now
	run.CreatedAt = now
	if run.Metadata == nil {
		run.Metadata = map[string]any{}
	}

	var ev model.Event
	err := p.withPgTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO runs (id, thread_id, operator_id, status, fail_fast, duration_budget_ms, started_at, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			run.ID, run.ThreadID, run.OperatorID, string(run.Status),
			run.FailFast, run.DurationBudget.Milliseconds(),
			run.StartedAt, run.Metadata, run.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: create run: %w", err)
		}
		var err error
		ev, err = p.appendPgEvent(ctx, tx,
			model.NewEvent(model.EventRunCreated, run.ThreadID, run.ID, now, runCreatedPayload(run)))
		return err
	})
	if err != nil {
		return model.Run{}, model.Event{}, err
	}
	return run, ev, nil
}

// GetRun retrieves a run by id.
func (p *Postgres) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	return p.getPgRun(ctx, p.pool.QueryRow(ctx,
		`SELECT `+pgRunColumns+` FROM runs WHERE id = $1`, id), id)
}

func (p *Postgres) getPgRun(ctx context.Context, row pgx.Row, id uuid.UUID) (model.Run, error) {
	run, err := scanPgRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Run{}, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

func scanPgRun(row pgx.Row) (model.Run, error) {
	var (
		run      model.Run
		budgetMS int64
	)
	if err := row.Scan(&run.ID, &run.ThreadID, &run.OperatorID, &run.Status,
		&run.FailFast, &budgetMS, &run.FailureReason,
		&run.StartedAt, &run.CompletedAt, &run.Metadata, &run.CreatedAt); err != nil {
		return model.Run{}, err
	}
	run.DurationBudget = time.Duration(budgetMS) * time.Millisecond
	run.StartedAt = run.StartedAt.UTC()
	run.CreatedAt = run.CreatedAt.UTC()
	return run, nil
}

// ListRuns returns runs matching the filter, oldest first.
func (p *Postgres) ListRuns(ctx context.Context, f RunFilter) ([]model.Run, error) {
	query := `SELECT ` + pgRunColumns + ` FROM runs WHERE 1=1`
	var args []any
	if f.ThreadID != "" {
		args = append(args, f.ThreadID)
		query += fmt.Sprintf(` AND thread_id = $%d`, len(args))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		query += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanPgRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// StartRun moves a pending run to running. A no-op if already running.
func (p *Postgres) StartRun(ctx context.Context, id uuid.UUID) (model.Run, model.Event, error) {
	var (
		run model.Run
		ev  model.Event
	)
	err := p.withPgTx(ctx, func(tx pgx.Tx) error {
		var err error
		run, err = p.getPgRun(ctx, tx.QueryRow(ctx,
			`SELECT `+pgRunColumns+` FROM runs WHERE id = $1 FOR UPDATE`, id), id)
		if err != nil {
			return err
		}
		if run.Status == model.RunStatusRunning {
			return nil
		}
		if !model.CanTransitionRun(run.Status, model.RunStatusRunning) {
			return fmt.Errorf("%w: run %s -> running", ErrInvalidTransition, run.Status)
		}
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx,
			`UPDATE runs SET status = $1, started_at = $2 WHERE id = $3`,
			string(model.RunStatusRunning), now, id); err != nil {
			return fmt.Errorf("storage: start run: %w", err)
		}
		run.Status = model.RunStatusRunning
		run.StartedAt = now
		ev, err = p.appendPgEvent(ctx, tx,
			model.NewEvent(model.EventRunStarted, run.ThreadID, run.ID, now, nil))
		return err
	})
	if err != nil {
		return model.Run{}, model.Event{}, err
	}
	return run, ev, nil
}

// CompleteRunIfQuiescent completes a running run once all of its (at least
// one) tool calls are terminal.
func (p *Postgres) CompleteRunIfQuiescent(ctx context.Context, id uuid.UUID) (model.Run, []model.Event, bool, error) {
	var (
		run       model.Run
		events    []model.Event
		completed bool
	)
	err := p.withPgTx(ctx, func(tx pgx.Tx) error {
		var err error
		run, err = p.getPgRun(ctx, tx.QueryRow(ctx,
			`SELECT `+pgRunColumns+` FROM runs WHERE id = $1 FOR UPDATE`, id), id)
		if err != nil {
			return err
		}
		if run.Status != model.RunStatusRunning {
			return nil
		}
		var total, terminal int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*),
			        COUNT(*) FILTER (WHERE status IN ('completed','failed','rejected','expired','cancelled'))
			 FROM tool_calls WHERE run_id = $1`, id).Scan(&total, &terminal); err != nil {
			return fmt.Errorf("storage: count tool calls: %w", err)
		}
		if total == 0 || terminal < total {
			return nil
		}
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx,
			`UPDATE runs SET status = $1, completed_at = $2 WHERE id = $3`,
			string(model.RunStatusCompleted), now, id); err != nil {
			return fmt.Errorf("storage: complete run: %w", err)
		}
		run.Status = model.RunStatusCompleted
		run.CompletedAt = &now
		ev, err := p.appendPgEvent(ctx, tx,
			model.NewEvent(model.EventRunCompleted, run.ThreadID, run.ID, now, nil))
		if err != nil {
			return err
		}
		events = append(events, ev)
		completed = true
		return nil
	})
	if err != nil {
		return model.Run{}, nil, false, err
	}
	return run, events, completed, nil
}

// FailRun forces the run to failed and cancels non-terminal tool calls.
func (p *Postgres) FailRun(ctx context.Context, id uuid.UUID, reason string) (model.Run, []model.Event, error) {
	return p.terminatePgRun(ctx, id, model.RunStatusFailed, reason)
}

// CancelRun cancels the run and all non-terminal tool calls.
func (p *Postgres) CancelRun(ctx context.Context, id uuid.UUID) (model.Run, []model.Event, error) {
	return p.terminatePgRun(ctx, id, model.RunStatusCancelled, "")
}

func (p *Postgres) terminatePgRun(ctx context.Context, id uuid.UUID, to model.RunStatus, reason string) (model.Run, []model.Event, error) {
	var (
		run    model.Run
		events []model.Event
	)
	err := p.withPgTx(ctx, func(tx pgx.Tx) error {
		var err error
		run, err = p.getPgRun(ctx, tx.QueryRow(ctx,
			`SELECT `+pgRunColumns+` FROM runs WHERE id = $1 FOR UPDATE`, id), id)
		if err != nil {
			return err
		}
		if !model.CanTransitionRun(run.Status, to) {
			return fmt.Errorf("%w: run %s -> %s", ErrInvalidTransition, run.Status, to)
		}
		now := time.Now().UTC()

		calls, err := p.listPgToolCalls(ctx, tx, id)
		if err != nil {
			return err
		}
		for _, tc := range calls {
			if tc.Status.Terminal() {
				continue
			}
			if _, err := tx.Exec(ctx,
				`UPDATE tool_calls SET status = $1, completed_at = $2 WHERE id = $3`,
				string(model.ToolCallCancelled), now, tc.ID); err != nil {
				return fmt.Errorf("storage: cancel tool call: %w", err)
			}
			// An in-flight approval dies with its tool call. Its expiry is
			// logged like any other resolution so the log replays to the
			// same state the tables hold.
			if tc.Status == model.ToolCallPendingApproval {
				a, err := scanPgApproval(tx.QueryRow(ctx,
					`SELECT `+pgApprovalColumns+` FROM approvals
					 WHERE tool_call_id = $1 AND outcome = $2 FOR UPDATE`,
					tc.ID, string(model.ApprovalPending)))
				if err != nil && !errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("storage: load approval on cancel: %w", err)
				}
				if err == nil {
					if _, err := tx.Exec(ctx,
						`UPDATE approvals SET outcome = $1, resolved_at = $2 WHERE id = $3`,
						string(model.ApprovalExpired), now, a.ID); err != nil {
						return fmt.Errorf("storage: expire approval on cancel: %w", err)
					}
					a.Outcome = model.ApprovalExpired
					a.ResolvedAt = &now
					ev, err := p.appendPgEvent(ctx, tx,
						model.NewEvent(model.EventApprovalExpired, run.ThreadID, run.ID, now, approvalResolvedPayload(a)).WithToolCall(tc.ID))
					if err != nil {
						return err
					}
					events = append(events, ev)
				}
			}
			ev, err := p.appendPgEvent(ctx, tx,
				model.NewEvent(model.EventToolCallCancelled, run.ThreadID, run.ID, now, nil).WithToolCall(tc.ID))
			if err != nil {
				return err
			}
			events = append(events, ev)
		}

		var reasonArg *string
		typ := model.EventRunCancelled
		var payload map[string]any
		if to == model.RunStatusFailed {
			reasonArg = &reason
			typ = model.EventRunFailed
			payload = runFailedPayload(reason)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE runs SET status = $1, failure_reason = $2, completed_at = $3 WHERE id = $4`,
			string(to), reasonArg, now, id); err != nil {
			return fmt.Errorf("storage: terminate run: %w", err)
		}
		run.Status = to
		run.CompletedAt = &now
		run.FailureReason = reasonArg
		ev, err := p.appendPgEvent(ctx, tx, model.NewEvent(typ, run.ThreadID, run.ID, now, payload))
		if err != nil {
			return err
		}
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return model.Run{}, nil, err
	}
	return run, events, nil
}
