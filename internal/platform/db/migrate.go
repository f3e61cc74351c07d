package db

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Migration is one versioned DDL step. Packages that own tables export their
// DDL and the caller assembles the ordered list.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// MigrationStatus represents the status of a migration (applied or pending).
type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

const migrationsTable = "epicconnect_migrations"

// Migrator applies versioned migrations and records them in a tracking table.
type Migrator struct {
	pool       *pgxpool.Pool
	migrations []Migration
	logger     zerolog.Logger
}

// NewMigrator validates and sorts migrations. Versions must be positive and
// unique, and every migration needs SQL.
func NewMigrator(pool *pgxpool.Pool, logger zerolog.Logger, migrations ...Migration) (*Migrator, error) {
	sorted, err := sortMigrations(migrations)
	if err != nil {
		return nil, err
	}
	return &Migrator{pool: pool, migrations: sorted, logger: logger}, nil
}

// Migrations returns the registered migrations in version order.
func (m *Migrator) Migrations() []Migration {
	return append([]Migration(nil), m.migrations...)
}

func sortMigrations(in []Migration) ([]Migration, error) {
	out := append([]Migration(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })

	seen := make(map[int]string, len(out))
	for _, mig := range out {
		if mig.Version < 1 {
			return nil, fmt.Errorf("migration %q: version must be >= 1", mig.Name)
		}
		if mig.SQL == "" {
			return nil, fmt.Errorf("migration %d (%s): empty SQL", mig.Version, mig.Name)
		}
		if prev, ok := seen[mig.Version]; ok {
			return nil, fmt.Errorf("migration version %d used by both %s and %s", mig.Version, prev, mig.Name)
		}
		seen[mig.Version] = mig.Name
	}
	return out, nil
}

// pending returns migrations not yet applied, up to target (0 means all).
func pending(migrations []Migration, applied map[int]bool, target int) []Migration {
	var out []Migration
	for _, mig := range migrations {
		if target > 0 && mig.Version > target {
			break
		}
		if !applied[mig.Version] {
			out = append(out, mig)
		}
	}
	return out
}

// EnsureMigrationsTable creates the tracking table if it does not exist.
func (m *Migrator) EnsureMigrationsTable(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
    version    INTEGER PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`)
	if err != nil {
		return fmt.Errorf("create %s table: %w", migrationsTable, err)
	}
	return nil
}

// AppliedVersions returns the applied versions with their timestamps.
func (m *Migrator) AppliedVersions(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.pool.Query(ctx, `SELECT version, applied_at FROM `+migrationsTable)
	if err != nil {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var v int
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied versions: %w", err)
	}
	return applied, nil
}

// Up applies all pending migrations in version order. Each migration runs in
// its own transaction. Returns the count of applied migrations.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	return m.UpTo(ctx, 0)
}

// UpTo applies pending migrations up to and including targetVersion; 0
// applies everything.
func (m *Migrator) UpTo(ctx context.Context, targetVersion int) (int, error) {
	if err := m.EnsureMigrationsTable(ctx); err != nil {
		return 0, err
	}

	appliedAt, err := m.AppliedVersions(ctx)
	if err != nil {
		return 0, err
	}
	applied := make(map[int]bool, len(appliedAt))
	for v := range appliedAt {
		applied[v] = true
	}

	count := 0
	for _, mig := range pending(m.migrations, applied, targetVersion) {
		if err := m.applyMigration(ctx, mig); err != nil {
			return count, fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		m.logger.Info().Int("version", mig.Version).Str("name", mig.Name).Msg("migration applied")
		count++
	}
	return count, nil
}

func (m *Migrator) applyMigration(ctx context.Context, mig Migration) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, mig.SQL); err != nil {
		return fmt.Errorf("execute SQL: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+migrationsTable+` (version, name) VALUES ($1, $2)`,
		mig.Version, mig.Name,
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit(ctx)
}

// Status returns the status of every registered migration.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.EnsureMigrationsTable(ctx); err != nil {
		return nil, err
	}
	appliedAt, err := m.AppliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	return statuses(m.migrations, appliedAt), nil
}

func statuses(migrations []Migration, appliedAt map[int]time.Time) []MigrationStatus {
	out := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		s := MigrationStatus{Version: mig.Version, Name: mig.Name}
		if at, ok := appliedAt[mig.Version]; ok {
			s.Applied = true
			s.AppliedAt = &at
		}
		out = append(out, s)
	}
	return out
}
