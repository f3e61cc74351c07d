package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MigrationSessions is the SQL DDL for the smart_sessions table, applied by
// db.Migrator. It is safe to execute multiple times.
const MigrationSessions = `
CREATE TABLE IF NOT EXISTS smart_sessions (
    key         TEXT PRIMARY KEY,
    value       BYTEA NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_smart_sessions_expires_at
    ON smart_sessions (expires_at);
`

// ---------------------------------------------------------------------------
// pgRow / pgConn abstractions (allow unit testing without a real DB)
// ---------------------------------------------------------------------------

type pgRow interface {
	Scan(dest ...any) error
}

// pgConn is the minimal database interface required by PGSessionStore.
type pgConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgRow
	Exec(ctx context.Context, sql string, args ...any) error
}

// PGSessionStore is a PostgreSQL-backed SessionStore. Expiry is enforced by
// the expires_at column in every query.
type PGSessionStore struct {
	db  pgConn
	now func() time.Time
}

// NewPGSessionStore creates a PG-backed store over db. Use
// NewPGSessionStoreFromPool for a *pgxpool.Pool.
func NewPGSessionStore(db pgConn) *PGSessionStore {
	return &PGSessionStore{db: db, now: time.Now}
}

// NewPGSessionStoreFromPool creates a PG-backed store from a pool.
func NewPGSessionStoreFromPool(pool *pgxpool.Pool) *PGSessionStore {
	return NewPGSessionStore(&pgxPoolWrapper{pool: pool})
}

func (s *PGSessionStore) Get(ctx context.Context, key string) ([]byte, error) {
	const query = `SELECT value FROM smart_sessions
WHERE key = $1 AND expires_at > now()`

	var data []byte
	if err := s.db.QueryRow(ctx, query, key).Scan(&data); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return data, nil
}

func (s *PGSessionStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return errNonPositiveTTL
	}
	now := s.now()

	const query = `INSERT INTO smart_sessions (key, value, created_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (key) DO UPDATE SET value      = EXCLUDED.value,
                                created_at = EXCLUDED.created_at,
                                expires_at = EXCLUDED.expires_at`

	if err := s.db.Exec(ctx, query, key, value, now, now.Add(ttl)); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PGSessionStore) Delete(ctx context.Context, key string) error {
	const query = `DELETE FROM smart_sessions WHERE key = $1`
	if err := s.db.Exec(ctx, query, key); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Consume implements Consumer with DELETE ... RETURNING.
func (s *PGSessionStore) Consume(ctx context.Context, key string) ([]byte, error) {
	const query = `DELETE FROM smart_sessions
WHERE key = $1 AND expires_at > now()
RETURNING value`

	var data []byte
	if err := s.db.QueryRow(ctx, query, key).Scan(&data); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("consume session: %w", err)
	}
	return data, nil
}

// Cleanup deletes all expired rows.
func (s *PGSessionStore) Cleanup(ctx context.Context) error {
	const query = `DELETE FROM smart_sessions WHERE expires_at <= now()`
	if err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("cleanup sessions: %w", err)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// pgxPoolWrapper adapts *pgxpool.Pool to pgConn; pool.Exec returns a command
// tag the store does not need.
type pgxPoolWrapper struct {
	pool *pgxpool.Pool
}

func (w *pgxPoolWrapper) QueryRow(ctx context.Context, sql string, args ...any) pgRow {
	return w.pool.QueryRow(ctx, sql, args...)
}

func (w *pgxPoolWrapper) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := w.pool.Exec(ctx, sql, args...)
	return err
}
