package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/kanri/internal/model"
)

// ChannelEvents is the Postgres LISTEN/NOTIFY channel carrying event JSON.
// pg_notify is called inside the appending transaction, so notifications are
// only delivered on commit and never precede the state they describe.
const ChannelEvents = "kanri_events"

// Postgres implements Store on pgx. The pool serves normal queries (via
// PgBouncer in production); the dedicated notify connection goes direct to
// Postgres for LISTEN/NOTIFY.
type Postgres struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	logger     *slog.Logger
}

// OpenPostgres creates a Postgres store with a connection pool.
// notifyDSN may be empty when live fan-out across instances is not needed.
func OpenPostgres(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}

	return &Postgres{pool: pool, notifyConn: notifyConn, logger: logger}, nil
}

// Ping checks connectivity to the database.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool and notify connection.
func (p *Postgres) Close(ctx context.Context) error {
	p.pool.Close()
	if p.notifyConn != nil {
		if err := p.notifyConn.Close(ctx); err != nil {
			p.logger.Warn("storage: close notify connection", "error", err)
		}
	}
	return nil
}

// Listen starts listening for event notifications on the dedicated connection.
func (p *Postgres) Listen(ctx context.Context) error {
	if p.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	if _, err := p.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{ChannelEvents}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", ChannelEvents, err)
	}
	return nil
}

// WaitForEvent blocks until an event notification arrives and decodes it.
func (p *Postgres) WaitForEvent(ctx context.Context) (model.Event, error) {
	if p.notifyConn == nil {
		return model.Event{}, fmt.Errorf("storage: notify connection not configured")
	}
	n, err := p.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return model.Event{}, fmt.Errorf("storage: wait for notification: %w", err)
	}
	var ev model.Event
	if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
		return model.Event{}, fmt.Errorf("storage: decode notification: %w", err)
	}
	return ev, nil
}

// RunMigrations executes unapplied SQL migration files from the provided
// filesystem in order, tracking applied files in schema_migrations.
// Forward-only: there is no down path.
func (p *Postgres) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied, err := p.loadAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("storage: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := entry.Name()
		if applied[name] {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}
		p.logger.Info("running migration", "file", name)
		if _, err := p.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", name, err)
		}
		if _, err := p.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name,
		); err != nil {
			return fmt.Errorf("storage: record migration %s: %w", name, err)
		}
	}
	return nil
}

func (p *Postgres) loadAppliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := p.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (p *Postgres) withPgTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit tx: %w", err)
	}
	return nil
}

// appendPgEvent inserts one event inside tx and notifies the events channel.
// The notification rides the transaction: listeners see it only after commit.
func (p *Postgres) appendPgEvent(ctx context.Context, tx pgx.Tx, ev model.Event) (model.Event, error) {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	err := tx.QueryRow(ctx,
		`INSERT INTO events (type, thread_id, run_id, tool_call_id, occurred_at, payload)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		string(ev.Type), ev.ThreadID, ev.RunID, ev.ToolCallID, ev.OccurredAt, payload,
	).Scan(&ev.ID)
	if err != nil {
		return model.Event{}, fmt.Errorf("storage: append event: %w", err)
	}

	encoded, err := json.Marshal(ev)
	if err != nil {
		return model.Event{}, fmt.Errorf("storage: encode event notification: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelEvents, string(encoded)); err != nil {
		return model.Event{}, fmt.Errorf("storage: notify event: %w", err)
	}
	return ev, nil
}

// Events returns a run's events with id > afterID, ascending.
func (p *Postgres) Events(ctx context.Context, runID uuid.UUID, afterID int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, type, thread_id, run_id, tool_call_id, occurred_at, payload
		 FROM events WHERE run_id = $1 AND id > $2 ORDER BY id ASC LIMIT $3`,
		runID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: get events: %w", err)
	}
	defer rows.Close()
	return scanPgEvents(rows)
}

// AllEvents returns every event with id > afterID, ascending.
func (p *Postgres) AllEvents(ctx context.Context, afterID int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, type, thread_id, run_id, tool_call_id, occurred_at, payload
		 FROM events WHERE id > $1 ORDER BY id ASC LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: get all events: %w", err)
	}
	defer rows.Close()
	return scanPgEvents(rows)
}

// LatestEventID returns the highest assigned event id (0 when empty).
func (p *Postgres) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM events`).Scan(&id); err != nil {
		return 0, fmt.Errorf("storage: latest event id: %w", err)
	}
	return id, nil
}

func scanPgEvents(rows pgx.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var ev model.Event
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.ThreadID, &ev.RunID,
			&ev.ToolCallID, &ev.OccurredAt, &ev.Payload); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		ev.OccurredAt = ev.OccurredAt.UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}
