package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresRepository persists sessions in PostgreSQL. Every statement
// carries a tenant_id predicate.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, databaseURL string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresRepository{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CreateSession(ctx context.Context, rec SessionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = SessionActive
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO realtime_sessions (id, tenant_id, model, voice, status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID,
		rec.TenantID,
		rec.Model,
		rec.Voice,
		string(rec.Status),
		rec.CreatedAt,
		rec.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (r *PostgresRepository) EndSession(ctx context.Context, tenantID, sessionID, reason string, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE realtime_sessions
		 SET status = $3, ended_at = COALESCE(ended_at, $4), end_reason = CASE WHEN status = $3 THEN end_reason ELSE $5 END
		 WHERE tenant_id = $1 AND id = $2`,
		tenantID,
		sessionID,
		string(SessionEnded),
		at.UTC(),
		reason,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const sessionColumns = `id, tenant_id, model, voice, status, created_at, expires_at, ended_at, end_reason`

func scanSession(row pgx.Row) (SessionRecord, error) {
	var rec SessionRecord
	var status string
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.Model, &rec.Voice, &status, &rec.CreatedAt, &rec.ExpiresAt, &rec.EndedAt, &rec.EndReason)
	rec.Status = SessionStatus(status)
	return rec, err
}

func (r *PostgresRepository) GetSession(ctx context.Context, tenantID, sessionID string) (SessionRecord, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM realtime_sessions WHERE tenant_id = $1 AND id = $2`,
		tenantID,
		sessionID,
	)
	rec, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	return rec, nil
}

func (r *PostgresRepository) ListSessions(ctx context.Context, tenantID string, filter ListFilter) ([]SessionRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM realtime_sessions
		 WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		 ORDER BY created_at DESC, id ASC LIMIT $3`,
		tenantID,
		string(filter.Status),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]SessionRecord, 0, limit)
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) AppendItemEvent(ctx context.Context, ev ItemEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	// The insert selects through the tenant's session row so a foreign
	// session id writes nothing.
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO realtime_item_events (tenant_id, session_id, item_id, kind, item_type, role, at)
		 SELECT tenant_id, id, $3, $4, $5, $6, $7 FROM realtime_sessions WHERE tenant_id = $1 AND id = $2`,
		ev.TenantID,
		ev.SessionID,
		ev.ItemID,
		string(ev.Kind),
		ev.ItemType,
		ev.Role,
		ev.At,
	)
	if err != nil {
		return fmt.Errorf("append item event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) ListItemEvents(ctx context.Context, tenantID, sessionID string) ([]ItemEvent, error) {
	if _, err := r.GetSession(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, item_id, kind, item_type, role, at FROM realtime_item_events
		 WHERE tenant_id = $1 AND session_id = $2 ORDER BY id`,
		tenantID,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list item events: %w", err)
	}
	defer rows.Close()

	var out []ItemEvent
	for rows.Next() {
		ev := ItemEvent{TenantID: tenantID}
		var kind string
		if err := rows.Scan(&ev.SessionID, &ev.ItemID, &kind, &ev.ItemType, &ev.Role, &ev.At); err != nil {
			return nil, fmt.Errorf("scan item event row: %w", err)
		}
		ev.Kind = ItemEventKind(kind)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate item event rows: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}
