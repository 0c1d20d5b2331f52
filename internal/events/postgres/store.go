// Package postgres is the durable lifecycle event store.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vozila/voice-bridge/internal/events"
	"github.com/vozila/voice-bridge/internal/session"
)

var _ events.Store = (*Store)(nil)

//go:embed migrations/*.sql
var migrations embed.FS

// Store writes lifecycle events to PostgreSQL. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, verifies the connection and applies pending
// migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("event store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("event store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("event store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("event store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate applies the embedded goose migrations through a database/sql
// handle borrowed from pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("new provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("up: %w", err)
	}
	return nil
}

const insertEvent = `
	INSERT INTO lifecycle_events
		(id, tenant_id, call_id, event_type, interaction_mode, idempotency_key, payload)
	VALUES ($1::uuid, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (tenant_id, idempotency_key) DO NOTHING
	RETURNING id::text`

const selectByKey = `
	SELECT id::text FROM lifecycle_events
	WHERE tenant_id = $1 AND idempotency_key = $2`

// EmitEvent inserts ev. A repeated idempotency key leaves the first record
// untouched and returns its id.
func (s *Store) EmitEvent(ctx context.Context, ev events.LifecycleEvent) (events.Stored, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return events.Stored{}, fmt.Errorf("event store: marshal payload: %w", err)
	}

	var id string
	err = s.pool.QueryRow(ctx, insertEvent,
		uuid.NewString(), ev.TenantID, ev.CallID, ev.EventType,
		string(ev.InteractionMode), ev.IdempotencyKey, payload,
	).Scan(&id)
	if err == nil {
		return events.Stored{ID: id}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return events.Stored{}, fmt.Errorf("event store: insert %s: %w", ev.EventType, err)
	}

	if err := s.pool.QueryRow(ctx, selectByKey, ev.TenantID, ev.IdempotencyKey).Scan(&id); err != nil {
		return events.Stored{}, fmt.Errorf("event store: lookup duplicate %s: %w", ev.IdempotencyKey, err)
	}
	return events.Stored{ID: id, Duplicate: true}, nil
}

// EventsForCall returns a call's events oldest first.
func (s *Store) EventsForCall(ctx context.Context, callID string) ([]events.LifecycleEvent, error) {
	const q = `
		SELECT id::text, tenant_id, call_id, event_type, interaction_mode, idempotency_key, payload, created_at
		FROM lifecycle_events
		WHERE call_id = $1
		ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("event store: query call %s: %w", callID, err)
	}
	defer rows.Close()

	var out []events.LifecycleEvent
	for rows.Next() {
		var (
			ev      events.LifecycleEvent
			mode    string
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.CallID, &ev.EventType, &mode,
			&ev.IdempotencyKey, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("event store: scan: %w", err)
		}
		ev.InteractionMode = session.InteractionMode(mode)
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("event store: decode payload: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Ping checks connectivity for the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
