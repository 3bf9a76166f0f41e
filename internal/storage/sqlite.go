package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashita-ai/kanri/internal/model"
)

// sqliteSchema is applied on open. SQLite is the single-node backend, so a
// forward-only inline schema is enough; Postgres uses the migrations dir.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id                 TEXT PRIMARY KEY,
	thread_id          TEXT NOT NULL,
	operator_id        TEXT NOT NULL,
	status             TEXT NOT NULL,
	fail_fast          INTEGER NOT NULL DEFAULT 0,
	duration_budget_ms INTEGER NOT NULL DEFAULT 0,
	failure_reason     TEXT,
	started_at         TEXT NOT NULL,
	completed_at       TEXT,
	metadata           TEXT NOT NULL DEFAULT '{}',
	created_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs(thread_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS tool_calls (
	id                  TEXT PRIMARY KEY,
	run_id              TEXT NOT NULL REFERENCES runs(id),
	seq                 INTEGER NOT NULL,
	name                TEXT NOT NULL,
	input               TEXT NOT NULL DEFAULT '{}',
	risk_tier           TEXT NOT NULL,
	status              TEXT NOT NULL,
	has_external_effect INTEGER NOT NULL DEFAULT 0,
	requires_approval   INTEGER NOT NULL DEFAULT 0,
	error               TEXT,
	created_at          TEXT NOT NULL,
	resolved_at         TEXT,
	started_at          TEXT,
	completed_at        TEXT,
	expires_at          TEXT,
	UNIQUE (run_id, seq)
);

CREATE TABLE IF NOT EXISTS approvals (
	id           TEXT PRIMARY KEY,
	tool_call_id TEXT NOT NULL UNIQUE REFERENCES tool_calls(id),
	run_id       TEXT NOT NULL REFERENCES runs(id),
	thread_id    TEXT NOT NULL,
	tool_name    TEXT NOT NULL,
	risk_tier    TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	resolver     TEXT NOT NULL DEFAULT '',
	requested_at TEXT NOT NULL,
	resolved_at  TEXT,
	expires_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approvals_outcome ON approvals(outcome);

CREATE TABLE IF NOT EXISTS events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	type         TEXT NOT NULL,
	thread_id    TEXT NOT NULL,
	run_id       TEXT NOT NULL,
	tool_call_id TEXT,
	occurred_at  TEXT NOT NULL,
	payload      TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, id);
`

// SQLite implements Store on a single local database file via
// modernc.org/sqlite. A single writer connection serializes event-id
// assignment; AUTOINCREMENT guarantees ids are monotonic and never reused.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the database at path.
// Use ":memory:" for an ephemeral store in tests.
func OpenSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// One connection: SQLite allows a single writer, and the shared event
	// sequence must be assigned under serialization anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: apply sqlite schema: %w", err)
	}
	return &SQLite{db: db, logger: logger}, nil
}

// Ping checks connectivity.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close shuts down the database handle.
func (s *SQLite) Close(context.Context) error {
	return s.db.Close()
}

func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit tx: %w", err)
	}
	return nil
}

// CreateRun inserts a run in pending status and appends run_created.
func (s *SQLite) CreateRun(ctx context.Context, run model.Run) (model.Run, model.Event, error) {
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
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		meta, err := json.Marshal(run.Metadata)
		if err != nil {
			return fmt.Errorf("storage: marshal run metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO runs (id, thread_id, operator_id, status, fail_fast, duration_budget_ms, started_at, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID.String(), run.ThreadID, run.OperatorID, string(run.Status),
			boolInt(run.FailFast), run.DurationBudget.Milliseconds(),
			fmtTime(run.StartedAt), string(meta), fmtTime(run.CreatedAt),
		); err != nil {
			return fmt.Errorf("storage: insert run: %w", err)
		}
		ev, err = s.appendEvent(ctx, tx,
			model.NewEvent(model.EventRunCreated, run.ThreadID, run.ID, now, runCreatedPayload(run)))
		return err
	})
	if err != nil {
		return model.Run{}, model.Event{}, err
	}
	return run, ev, nil
}

// GetRun retrieves a run by id.
func (s *SQLite) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	return s.getRun(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const runColumns = `id, thread_id, operator_id, status, fail_fast, duration_budget_ms, failure_reason, started_at, completed_at, metadata, created_at`

func (s *SQLite) getRun(ctx context.Context, q querier, id uuid.UUID) (model.Run, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id.String())
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Run{}, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	return run, err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanRun(row rowScanner) (model.Run, error) {
	var (
		run                    model.Run
		idStr, started, created string
		failFast               int
		budgetMS               int64
		reason, completed      sql.NullString
		meta                   string
	)
	if err := row.Scan(&idStr, &run.ThreadID, &run.OperatorID, (*string)(&run.Status),
		&failFast, &budgetMS, &reason, &started, &completed, &meta, &created); err != nil {
		return model.Run{}, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: parse run id: %w", err)
	}
	run.ID = id
	run.FailFast = failFast != 0
	run.DurationBudget = time.Duration(budgetMS) * time.Millisecond
	if reason.Valid {
		run.FailureReason = &reason.String
	}
	if run.StartedAt, err = parseTime(started); err != nil {
		return model.Run{}, err
	}
	if run.CompletedAt, err = parseTimePtr(completed); err != nil {
		return model.Run{}, err
	}
	if run.CreatedAt, err = parseTime(created); err != nil {
		return model.Run{}, err
	}
	if err := json.Unmarshal([]byte(meta), &run.Metadata); err != nil {
		return model.Run{}, fmt.Errorf("storage: unmarshal run metadata: %w", err)
	}
	return run, nil
}

// ListRuns returns runs matching the filter, oldest first.
func (s *SQLite) ListRuns(ctx context.Context, f RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var (
		where []string
		args  []any
	)
	if f.ThreadID != "" {
		where = append(where, `thread_id = ?`)
		args = append(args, f.ThreadID)
	}
	if len(f.Statuses) > 0 {
		placeholders := ""
		for i, st := range f.Statuses {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
			args = append(args, string(st))
		}
		where = append(where, `status IN (`+placeholders+`)`)
	}
	for i, w := range where {
		if i == 0 {
			query += ` WHERE ` + w
		} else {
			query += ` AND ` + w
		}
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// StartRun moves a pending run to running. A no-op if already running.
func (s *SQLite) StartRun(ctx context.Context, id uuid.UUID) (model.Run, model.Event, error) {
	var (
		run model.Run
		ev  model.Event
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		run, err = s.getRun(ctx, tx, id)
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
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, started_at = ? WHERE id = ?`,
			string(model.RunStatusRunning), fmtTime(now), id.String()); err != nil {
			return fmt.Errorf("storage: start run: %w", err)
		}
		run.Status = model.RunStatusRunning
		run.StartedAt = now
		ev, err = s.appendEvent(ctx, tx,
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
func (s *SQLite) CompleteRunIfQuiescent(ctx context.Context, id uuid.UUID) (model.Run, []model.Event, bool, error) {
	var (
		run       model.Run
		events    []model.Event
		completed bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		run, err = s.getRun(ctx, tx, id)
		if err != nil {
			return err
		}
		if run.Status != model.RunStatusRunning {
			return nil
		}
		var total, terminal int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*),
			        COUNT(CASE WHEN status IN ('completed','failed','rejected','expired','cancelled') THEN 1 END)
			 FROM tool_calls WHERE run_id = ?`, id.String()).Scan(&total, &terminal); err != nil {
			return fmt.Errorf("storage: count tool calls: %w", err)
		}
		if total == 0 || terminal < total {
			return nil
		}
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, completed_at = ? WHERE id = ?`,
			string(model.RunStatusCompleted), fmtTime(now), id.String()); err != nil {
			return fmt.Errorf("storage: complete run: %w", err)
		}
		run.Status = model.RunStatusCompleted
		run.CompletedAt = &now
		ev, err := s.appendEvent(ctx, tx,
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
func (s *SQLite) FailRun(ctx context.Context, id uuid.UUID, reason string) (model.Run, []model.Event, error) {
	return s.terminateRun(ctx, id, model.RunStatusFailed, reason)
}

// CancelRun cancels the run and all non-terminal tool calls.
func (s *SQLite) CancelRun(ctx context.Context, id uuid.UUID) (model.Run, []model.Event, error) {
	return s.terminateRun(ctx, id, model.RunStatusCancelled, "")
}

func (s *SQLite) terminateRun(ctx context.Context, id uuid.UUID, to model.RunStatus, reason string) (model.Run, []model.Event, error) {
	var (
		run    model.Run
		events []model.Event
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		run, err = s.getRun(ctx, tx, id)
		if err != nil {
			return err
		}
		if !model.CanTransitionRun(run.Status, to) {
			return fmt.Errorf("%w: run %s -> %s", ErrInvalidTransition, run.Status, to)
		}
		now := time.Now().UTC()

		// Cancel every non-terminal child first so each cancellation event
		// precedes the run's terminal event in the log.
		calls, err := s.listToolCalls(ctx, tx, id)
		if err != nil {
			return err
		}
		for _, tc := range calls {
			if tc.Status.Terminal() {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE tool_calls SET status = ?, completed_at = ? WHERE id = ?`,
				string(model.ToolCallCancelled), fmtTime(now), tc.ID.String()); err != nil {
				return fmt.Errorf("storage: cancel tool call: %w", err)
			}
			// An in-flight approval dies with its tool call. Its expiry is
			// logged like any other resolution so the log replays to the
			// same state the tables hold.
			if tc.Status == model.ToolCallPendingApproval {
				row := tx.QueryRowContext(ctx,
					`SELECT `+approvalColumns+` FROM approvals WHERE tool_call_id = ? AND outcome = ?`,
					tc.ID.String(), string(model.ApprovalPending))
				a, err := scanApproval(row)
				if err != nil && !errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("storage: load approval on cancel: %w", err)
				}
				if err == nil {
					if _, err := tx.ExecContext(ctx,
						`UPDATE approvals SET outcome = ?, resolved_at = ? WHERE id = ?`,
						string(model.ApprovalExpired), fmtTime(now), a.ID.String()); err != nil {
						return fmt.Errorf("storage: expire approval on cancel: %w", err)
					}
					a.Outcome = model.ApprovalExpired
					a.ResolvedAt = &now
					ev, err := s.appendEvent(ctx, tx,
						model.NewEvent(model.EventApprovalExpired, run.ThreadID, run.ID, now, approvalResolvedPayload(a)).WithToolCall(tc.ID))
					if err != nil {
						return err
					}
					events = append(events, ev)
				}
			}
			ev, err := s.appendEvent(ctx, tx,
				model.NewEvent(model.EventToolCallCancelled, run.ThreadID, run.ID, now, nil).WithToolCall(tc.ID))
			if err != nil {
				return err
			}
			events = append(events, ev)
		}

		var reasonArg any
		typ := model.EventRunCancelled
		var payload map[string]any
		if to == model.RunStatusFailed {
			reasonArg = reason
			typ = model.EventRunFailed
			payload = runFailedPayload(reason)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, failure_reason = ?, completed_at = ? WHERE id = ?`,
			string(to), reasonArg, fmtTime(now), id.String()); err != nil {
			return fmt.Errorf("storage: terminate run: %w", err)
		}
		run.Status = to
		run.CompletedAt = &now
		if to == model.RunStatusFailed {
			run.FailureReason = &reason
		}
		ev, err := s.appendEvent(ctx, tx, model.NewEvent(typ, run.ThreadID, run.ID, now, payload))
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

// CreateToolCall appends a tool call to a run, enforcing the per-run budget.
func (s *SQLite) CreateToolCall(ctx context.Context, tc model.ToolCall, maxPerRun int) (model.ToolCall, model.Event, error) {
	var ev model.Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		run, err := s.getRun(ctx, tx, tc.RunID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return fmt.Errorf("%w: run %s is %s", ErrInvalidTransition, run.ID, run.Status)
		}
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tool_calls WHERE run_id = ?`, tc.RunID.String()).Scan(&count); err != nil {
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
		input, err := json.Marshal(tc.Input)
		if err != nil {
			return fmt.Errorf("storage: marshal tool call input: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tool_calls (id, run_id, seq, name, input, risk_tier, status, has_external_effect, requires_approval, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tc.ID.String(), tc.RunID.String(), tc.Seq, tc.Name, string(input), string(tc.Tier),
			string(tc.Status), boolInt(tc.HasExternalEffect), boolInt(tc.RequiresApproval), fmtTime(now),
		); err != nil {
			return fmt.Errorf("storage: insert tool call: %w", err)
		}
		ev, err = s.appendEvent(ctx, tx,
			model.NewEvent(model.EventToolCallCreated, run.ThreadID, run.ID, now, toolCallCreatedPayload(tc)).WithToolCall(tc.ID))
		return err
	})
	if err != nil {
		return model.ToolCall{}, model.Event{}, err
	}
	return tc, ev, nil
}

const toolCallColumns = `id, run_id, seq, name, input, risk_tier, status, has_external_effect, requires_approval, error, created_at, resolved_at, started_at, completed_at, expires_at`

// GetToolCall retrieves a tool call by id.
func (s *SQLite) GetToolCall(ctx context.Context, id uuid.UUID) (model.ToolCall, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+toolCallColumns+` FROM tool_calls WHERE id = ?`, id.String())
	tc, err := scanToolCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ToolCall{}, fmt.Errorf("%w: tool call %s", ErrNotFound, id)
	}
	return tc, err
}

// ListToolCalls returns a run's tool calls in insertion order.
func (s *SQLite) ListToolCalls(ctx context.Context, runID uuid.UUID) ([]model.ToolCall, error) {
	return s.listToolCalls(ctx, s.db, runID)
}

func (s *SQLite) listToolCalls(ctx context.Context, q querier, runID uuid.UUID) ([]model.ToolCall, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+toolCallColumns+` FROM tool_calls WHERE run_id = ? ORDER BY seq ASC`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: list tool calls: %w", err)
	}
	defer rows.Close()

	var calls []model.ToolCall
	for rows.Next() {
		tc, err := scanToolCall(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan tool call: %w", err)
		}
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}

func scanToolCall(row rowScanner) (model.ToolCall, error) {
	var (
		tc                                            model.ToolCall
		idStr, runIDStr, input, created               string
		extEffect, reqApproval                        int
		errMsg, resolved, started, completed, expires sql.NullString
	)
	if err := row.Scan(&idStr, &runIDStr, &tc.Seq, &tc.Name, &input, (*string)(&tc.Tier),
		(*string)(&tc.Status), &extEffect, &reqApproval, &errMsg,
		&created, &resolved, &started, &completed, &expires); err != nil {
		return model.ToolCall{}, err
	}
	var err error
	if tc.ID, err = uuid.Parse(idStr); err != nil {
		return model.ToolCall{}, fmt.Errorf("storage: parse tool call id: %w", err)
	}
	if tc.RunID, err = uuid.Parse(runIDStr); err != nil {
		return model.ToolCall{}, fmt.Errorf("storage: parse tool call run id: %w", err)
	}
	tc.HasExternalEffect = extEffect != 0
	tc.RequiresApproval = reqApproval != 0
	if errMsg.Valid {
		tc.Error = &errMsg.String
	}
	if err := json.Unmarshal([]byte(input), &tc.Input); err != nil {
		return model.ToolCall{}, fmt.Errorf("storage: unmarshal tool call input: %w", err)
	}
	if tc.CreatedAt, err = parseTime(created); err != nil {
		return model.ToolCall{}, err
	}
	if tc.ResolvedAt, err = parseTimePtr(resolved); err != nil {
		return model.ToolCall{}, err
	}
	if tc.StartedAt, err = parseTimePtr(started); err != nil {
		return model.ToolCall{}, err
	}
	if tc.CompletedAt, err = parseTimePtr(completed); err != nil {
		return model.ToolCall{}, err
	}
	if tc.ExpiresAt, err = parseTimePtr(expires); err != nil {
		return model.ToolCall{}, err
	}
	return tc, nil
}

// TransitionToolCall applies a lifecycle transition and emits its event.
func (s *SQLite) TransitionToolCall(ctx context.Context, id uuid.UUID, to model.ToolCallStatus, errMsg *string) (model.ToolCall, model.Event, error) {
	var (
		tc model.ToolCall
		ev model.Event
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+toolCallColumns+` FROM tool_calls WHERE id = ?`, id.String())
		var err error
		tc, err = scanToolCall(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: tool call %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if !model.CanTransitionToolCall(tc.Status, to) {
			return fmt.Errorf("%w: tool call %s -> %s", ErrInvalidTransition, tc.Status, to)
		}
		typ, err := toolCallEventType(to)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		set := `status = ?`
		args := []any{string(to)}
		switch to {
		case model.ToolCallApproved, model.ToolCallRejected:
			set += `, resolved_at = ?`
			args = append(args, fmtTime(now))
			tc.ResolvedAt = &now
		case model.ToolCallRunning:
			set += `, started_at = ?`
			args = append(args, fmtTime(now))
			tc.StartedAt = &now
		case model.ToolCallCompleted, model.ToolCallFailed, model.ToolCallCancelled:
			set += `, completed_at = ?`
			args = append(args, fmtTime(now))
			tc.CompletedAt = &now
		}
		if errMsg != nil {
			set += `, error = ?`
			args = append(args, *errMsg)
			tc.Error = errMsg
		}
		args = append(args, id.String())
		if _, err := tx.ExecContext(ctx,
			`UPDATE tool_calls SET `+set+` WHERE id = ?`, args...); err != nil {
			return fmt.Errorf("storage: transition tool call: %w", err)
		}
		tc.Status = to

		run, err := s.getRun(ctx, tx, tc.RunID)
		if err != nil {
			return err
		}
		var payload map[string]any
		if to == model.ToolCallFailed && errMsg != nil {
			payload = toolCallFailedPayload(*errMsg)
		}
		ev, err = s.appendEvent(ctx, tx,
			model.NewEvent(typ, run.ThreadID, tc.RunID, now, payload).WithToolCall(tc.ID))
		return err
	})
	if err != nil {
		return model.ToolCall{}, model.Event{}, err
	}
	return tc, ev, nil
}

const approvalColumns = `id, tool_call_id, run_id, thread_id, tool_name, risk_tier, outcome, resolver, requested_at, resolved_at, expires_at`

// CreateApproval records a pending approval request and moves the tool call
// to pending_approval in the same transaction.
func (s *SQLite) CreateApproval(ctx context.Context, a model.ApprovalRequest) (model.ApprovalRequest, []model.Event, error) {
	var events []model.Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+toolCallColumns+` FROM tool_calls WHERE id = ?`, a.ToolCallID.String())
		tc, err := scanToolCall(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: tool call %s", ErrNotFound, a.ToolCallID)
		}
		if err != nil {
			return err
		}
		var existing int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM approvals WHERE tool_call_id = ?`, a.ToolCallID.String()).Scan(&existing); err != nil {
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

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO approvals (id, tool_call_id, run_id, thread_id, tool_name, risk_tier, outcome, requested_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID.String(), a.ToolCallID.String(), a.RunID.String(), a.ThreadID,
			a.ToolName, string(a.Tier), string(a.Outcome), fmtTime(now), fmtTime(a.ExpiresAt),
		); err != nil {
			return fmt.Errorf("storage: insert approval: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tool_calls SET status = ?, expires_at = ? WHERE id = ?`,
			string(model.ToolCallPendingApproval), fmtTime(a.ExpiresAt), a.ToolCallID.String()); err != nil {
			return fmt.Errorf("storage: mark tool call pending approval: %w", err)
		}
		ev, err := s.appendEvent(ctx, tx,
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
func (s *SQLite) GetApproval(ctx context.Context, id uuid.UUID) (model.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id.String())
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ApprovalRequest{}, fmt.Errorf("%w: approval %s", ErrNotFound, id)
	}
	return a, err
}

// GetApprovalByToolCall retrieves the approval tied to a tool call.
func (s *SQLite) GetApprovalByToolCall(ctx context.Context, toolCallID uuid.UUID) (model.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE tool_call_id = ?`, toolCallID.String())
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ApprovalRequest{}, fmt.Errorf("%w: approval for tool call %s", ErrNotFound, toolCallID)
	}
	return a, err
}

// ListApprovals returns approvals matching the filter, oldest first.
func (s *SQLite) ListApprovals(ctx context.Context, f ApprovalFilter) ([]model.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals`
	var (
		where []string
		args  []any
	)
	if f.ThreadID != "" {
		where = append(where, `thread_id = ?`)
		args = append(args, f.ThreadID)
	}
	if f.Outcome != "" {
		where = append(where, `outcome = ?`)
		args = append(args, string(f.Outcome))
	}
	for i, w := range where {
		if i == 0 {
			query += ` WHERE ` + w
		} else {
			query += ` AND ` + w
		}
	}
	query += ` ORDER BY requested_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list approvals: %w", err)
	}
	defer rows.Close()

	var approvals []model.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan approval: %w", err)
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

func scanApproval(row rowScanner) (model.ApprovalRequest, error) {
	var (
		a                                 model.ApprovalRequest
		idStr, tcStr, runStr              string
		requested, expires                string
		resolved                          sql.NullString
	)
	if err := row.Scan(&idStr, &tcStr, &runStr, &a.ThreadID, &a.ToolName,
		(*string)(&a.Tier), (*string)(&a.Outcome), &a.Resolver,
		&requested, &resolved, &expires); err != nil {
		return model.ApprovalRequest{}, err
	}
	var err error
	if a.ID, err = uuid.Parse(idStr); err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("storage: parse approval id: %w", err)
	}
	if a.ToolCallID, err = uuid.Parse(tcStr); err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("storage: parse approval tool call id: %w", err)
	}
	if a.RunID, err = uuid.Parse(runStr); err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("storage: parse approval run id: %w", err)
	}
	if a.RequestedAt, err = parseTime(requested); err != nil {
		return model.ApprovalRequest{}, err
	}
	if a.ResolvedAt, err = parseTimePtr(resolved); err != nil {
		return model.ApprovalRequest{}, err
	}
	if a.ExpiresAt, err = parseTime(expires); err != nil {
		return model.ApprovalRequest{}, err
	}
	return a, nil
}

// ResolveApproval applies a human resolution under the ledger's precedence
// rules. On ErrExpired the returned events may be non-empty: the expiry was
// applied by this call and must still reach subscribers.
func (s *SQLite) ResolveApproval(ctx context.Context, id uuid.UUID, outcome model.ApprovalOutcome, resolver string) (model.ApprovalRequest, []model.Event, error) {
	var (
		result    model.ApprovalRequest
		events    []model.Event
		resultErr error
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id.String())
		existing, err := scanApproval(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: approval %s", ErrNotFound, id)
		}
		if err != nil {
			return err
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
			updated, evs, err := s.applyResolution(ctx, tx, existing, model.ApprovalExpired, "", now)
			if err != nil {
				return err
			}
			result = updated
			events = evs
			resultErr = fmt.Errorf("%w: approval %s deadline passed", ErrExpired, id)
		default: // ResolveApply
			updated, evs, err := s.applyResolution(ctx, tx, existing, outcome, resolver, now)
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

// applyResolution writes an approval outcome plus the implied tool call
// transition and events, inside the caller's transaction.
func (s *SQLite) applyResolution(ctx context.Context, tx *sql.Tx, a model.ApprovalRequest, outcome model.ApprovalOutcome, resolver string, now time.Time) (model.ApprovalRequest, []model.Event, error) {
	typ, err := approvalEventType(outcome)
	if err != nil {
		return model.ApprovalRequest{}, nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE approvals SET outcome = ?, resolver = ?, resolved_at = ? WHERE id = ?`,
		string(outcome), resolver, fmtTime(now), a.ID.String()); err != nil {
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
	if _, err := tx.ExecContext(ctx,
		`UPDATE tool_calls SET status = ?, `+col+` = ? WHERE id = ?`,
		string(tcStatus), fmtTime(now), a.ToolCallID.String()); err != nil {
		return model.ApprovalRequest{}, nil, fmt.Errorf("storage: resolve tool call: %w", err)
	}

	ev, err := s.appendEvent(ctx, tx,
		model.NewEvent(typ, a.ThreadID, a.RunID, now, approvalResolvedPayload(a)).WithToolCall(a.ToolCallID))
	if err != nil {
		return model.ApprovalRequest{}, nil, err
	}
	return a, []model.Event{ev}, nil
}

// ExpireApprovals sweeps every pending request whose deadline has passed.
func (s *SQLite) ExpireApprovals(ctx context.Context) ([]model.ApprovalRequest, []model.Event, error) {
	var (
		expired []model.ApprovalRequest
		events  []model.Event
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		rows, err := tx.QueryContext(ctx,
			`SELECT `+approvalColumns+` FROM approvals
			 WHERE outcome = ? AND expires_at <= ? ORDER BY expires_at ASC`,
			string(model.ApprovalPending), fmtTime(now))
		if err != nil {
			return fmt.Errorf("storage: select expired approvals: %w", err)
		}
		var stale []model.ApprovalRequest
		for rows.Next() {
			a, err := scanApproval(rows)
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
			updated, evs, err := s.applyResolution(ctx, tx, a, model.ApprovalExpired, "", now)
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

// appendEvent inserts one event inside tx, assigning its id.
func (s *SQLite) appendEvent(ctx context.Context, tx *sql.Tx, ev model.Event) (model.Event, error) {
	payload := []byte(`{}`)
	if ev.Payload != nil {
		var err error
		payload, err = json.Marshal(ev.Payload)
		if err != nil {
			return model.Event{}, fmt.Errorf("storage: marshal event payload: %w", err)
		}
	}
	var tcArg any
	if ev.ToolCallID != nil {
		tcArg = ev.ToolCallID.String()
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (type, thread_id, run_id, tool_call_id, occurred_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(ev.Type), ev.ThreadID, ev.RunID.String(), tcArg, fmtTime(ev.OccurredAt), string(payload))
	if err != nil {
		return model.Event{}, fmt.Errorf("storage: append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Event{}, fmt.Errorf("storage: event id: %w", err)
	}
	ev.ID = id
	return ev, nil
}

// Events returns a run's events with id > afterID, ascending.
func (s *SQLite) Events(ctx context.Context, runID uuid.UUID, afterID int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, thread_id, run_id, tool_call_id, occurred_at, payload
		 FROM events WHERE run_id = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		runID.String(), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: get events: %w", err)
	}
	defer rows.Close()
	return scanSQLiteEvents(rows)
}

// AllEvents returns every event with id > afterID, ascending.
func (s *SQLite) AllEvents(ctx context.Context, afterID int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, thread_id, run_id, tool_call_id, occurred_at, payload
		 FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: get all events: %w", err)
	}
	defer rows.Close()
	return scanSQLiteEvents(rows)
}

// LatestEventID returns the highest assigned event id (0 when empty).
func (s *SQLite) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM events`).Scan(&id); err != nil {
		return 0, fmt.Errorf("storage: latest event id: %w", err)
	}
	return id, nil
}

func scanSQLiteEvents(rows *sql.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var (
			ev                   model.Event
			runStr, occurred     string
			tcStr                sql.NullString
			payload              string
		)
		if err := rows.Scan(&ev.ID, (*string)(&ev.Type), &ev.ThreadID, &runStr, &tcStr, &occurred, &payload); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		runID, err := uuid.Parse(runStr)
		if err != nil {
			return nil, fmt.Errorf("storage: parse event run id: %w", err)
		}
		ev.RunID = runID
		if tcStr.Valid {
			tcID, err := uuid.Parse(tcStr.String)
			if err != nil {
				return nil, fmt.Errorf("storage: parse event tool call id: %w", err)
			}
			ev.ToolCallID = &tcID
		}
		if ev.OccurredAt, err = parseTime(occurred); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("storage: unmarshal event payload: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("storage: parse time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
