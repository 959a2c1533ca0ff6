// Package postgres implements the migration tracker on PostgreSQL via pgx.
// The tracker owns two tables in the public schema: applied_migrations and
// the singleton migration_lock row.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lakowske/poststack/internal/domain"
	"github.com/lakowske/poststack/internal/errs"
	"github.com/lakowske/poststack/internal/migrate"
)

// Tracker persists migration state in PostgreSQL.
type Tracker struct {
	pool *pgxpool.Pool
}

// ensure Tracker satisfies the engine interfaces.
var (
	_ migrate.Tracker     = (*Tracker)(nil)
	_ migrate.RepairStore = (*Tracker)(nil)
	_ migrate.Inspector   = (*Tracker)(nil)
)

// NewTracker constructs a Tracker over an existing pool.
func NewTracker(pool *pgxpool.Pool) (*Tracker, error) {
	if pool == nil {
		return nil, errors.New("nil pool provided")
	}
	return &Tracker{pool: pool}, nil
}

// Connect opens a pool for the given URL and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errs.Wrap(errs.DatabaseUnreachable, err, "configure database pool")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errs.Wrap(errs.DatabaseUnreachable, err, "ping database")
	}
	return pool, nil
}

// Bootstrap creates the tracker tables and seeds the lock row. All statements
// use if-not-exists semantics so repeated calls are no-ops.
func (t *Tracker) Bootstrap(ctx context.Context) error {
	const createMigrations = `CREATE TABLE IF NOT EXISTS public.applied_migrations (
		version TEXT PRIMARY KEY,
		description TEXT,
		applied_at TIMESTAMP NOT NULL DEFAULT now(),
		execution_ms INT,
		forward_checksum TEXT NOT NULL,
		forward_sql TEXT,
		rollback_sql TEXT,
		applied_by TEXT
	)`
	const createLock = `CREATE TABLE IF NOT EXISTS public.migration_lock (
		id INT PRIMARY KEY CHECK (id = 1),
		locked BOOLEAN NOT NULL,
		locked_at TIMESTAMP,
		locked_by TEXT
	)`
	const seedLock = `INSERT INTO public.migration_lock (id, locked)
		VALUES (1, FALSE)
		ON CONFLICT (id) DO NOTHING`

	for _, stmt := range []string{createMigrations, createLock, seedLock} {
		if _, err := t.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap tracker tables: %w", err)
		}
	}
	return nil
}

// Applied returns tracker rows ordered by version.
func (t *Tracker) Applied(ctx context.Context) ([]domain.AppliedMigration, error) {
	const query = `SELECT version, COALESCE(description, ''), applied_at,
			COALESCE(execution_ms, 0), forward_checksum,
			COALESCE(forward_sql, ''), COALESCE(rollback_sql, ''), COALESCE(applied_by, '')
		FROM public.applied_migrations
		ORDER BY version`
	rows, err := t.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make([]domain.AppliedMigration, 0)
	for rows.Next() {
		var row domain.AppliedMigration
		if err := rows.Scan(
			&row.Version,
			&row.Description,
			&row.AppliedAt,
			&row.ExecutionMS,
			&row.ForwardChecksum,
			&row.ForwardSnapshot,
			&row.RollbackSnapshot,
			&row.AppliedBy,
		); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied = append(applied, row)
	}
	return applied, rows.Err()
}

// LockState reads the singleton lock row.
func (t *Tracker) LockState(ctx context.Context) (domain.LockInfo, error) {
	const query = `SELECT locked, locked_at, locked_by FROM public.migration_lock WHERE id = 1`
	row := t.pool.QueryRow(ctx, query)
	var (
		info     domain.LockInfo
		lockedAt *time.Time
		lockedBy *string
	)
	if err := row.Scan(&info.Locked, &lockedAt, &lockedBy); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LockInfo{}, nil
		}
		return domain.LockInfo{}, fmt.Errorf("read migration lock: %w", err)
	}
	if lockedAt != nil {
		info.LockedAt = *lockedAt
	}
	if lockedBy != nil {
		info.LockedBy = *lockedBy
	}
	return info, nil
}

// AcquireLock atomically takes the lock iff it is free. A held lock returns
// errs.LockHeld with holder and age; stale locks are not stolen here, the
// operator clears them explicitly through diagnostics.
func (t *Tracker) AcquireLock(ctx context.Context, holder string) error {
	const acquire = `UPDATE public.migration_lock
		SET locked = TRUE, locked_at = now(), locked_by = $1
		WHERE id = 1 AND locked = FALSE`
	tag, err := t.pool.Exec(ctx, acquire, holder)
	if err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	info, err := t.LockState(ctx)
	if err != nil {
		return err
	}
	return &errs.Error{
		Kind:    errs.LockHeld,
		Message: fmt.Sprintf("migration lock held by %s", info.LockedBy),
		Holder:  info.LockedBy,
		Since:   info.LockedAt,
	}
}

// ReleaseLock clears the lock row regardless of holder.
func (t *Tracker) ReleaseLock(ctx context.Context) error {
	const release = `UPDATE public.migration_lock
		SET locked = FALSE, locked_at = NULL, locked_by = NULL
		WHERE id = 1`
	if _, err := t.pool.Exec(ctx, release); err != nil {
		return fmt.Errorf("release migration lock: %w", err)
	}
	return nil
}

// ClearLock is the repair alias for ReleaseLock.
func (t *Tracker) ClearLock(ctx context.Context) error {
	return t.ReleaseLock(ctx)
}

// ApplyMigration executes the forward SQL and records the tracker row in one
// transaction, so observers only ever see fully applied migrations.
func (t *Tracker) ApplyMigration(ctx context.Context, m domain.Migration, appliedBy string) (int64, error) {
	tx, err := t.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin migration transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	start := time.Now()
	if _, err := tx.Exec(ctx, m.ForwardSQL); err != nil {
		return 0, fmt.Errorf("execute forward sql: %w", err)
	}
	execMS := time.Since(start).Milliseconds()

	const insert = `INSERT INTO public.applied_migrations
		(version, description, execution_ms, forward_checksum, forward_sql, rollback_sql, applied_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := tx.Exec(ctx, insert,
		m.Version,
		m.Description,
		execMS,
		m.ForwardChecksum,
		m.ForwardSQL,
		nilIfEmpty(m.RollbackSQL),
		appliedBy,
	); err != nil {
		return 0, fmt.Errorf("record applied migration: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit migration %s: %w", m.Version, err)
	}
	return execMS, nil
}

// RollbackMigration executes rollback SQL and deletes the tracker row in one
// transaction.
func (t *Tracker) RollbackMigration(ctx context.Context, version, rollbackSQL string) error {
	tx, err := t.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin rollback transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, rollbackSQL); err != nil {
		return fmt.Errorf("execute rollback sql: %w", err)
	}
	const remove = `DELETE FROM public.applied_migrations WHERE version = $1`
	if _, err := tx.Exec(ctx, remove, version); err != nil {
		return fmt.Errorf("remove applied migration row: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit rollback of %s: %w", version, err)
	}
	return nil
}

// InsertTracking records a row without executing any SQL; used by recovery.
func (t *Tracker) InsertTracking(ctx context.Context, row domain.AppliedMigration) error {
	const insert = `INSERT INTO public.applied_migrations
		(version, description, applied_at, execution_ms, forward_checksum, forward_sql, rollback_sql, applied_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (version) DO NOTHING`
	if _, err := t.pool.Exec(ctx, insert,
		row.Version,
		row.Description,
		row.AppliedAt,
		row.ExecutionMS,
		row.ForwardChecksum,
		nilIfEmpty(row.ForwardSnapshot),
		nilIfEmpty(row.RollbackSnapshot),
		row.AppliedBy,
	); err != nil {
		return fmt.Errorf("insert tracking row %s: %w", row.Version, err)
	}
	return nil
}

// UpdateChecksum overwrites the recorded forward checksum for a version.
func (t *Tracker) UpdateChecksum(ctx context.Context, version, checksum string) error {
	const update = `UPDATE public.applied_migrations SET forward_checksum = $2 WHERE version = $1`
	tag, err := t.pool.Exec(ctx, update, version, checksum)
	if err != nil {
		return fmt.Errorf("update checksum for %s: %w", version, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no tracker row for version %s", version)
	}
	return nil
}

// DeleteRecord removes a tracker row without touching the schema.
func (t *Tracker) DeleteRecord(ctx context.Context, version string) error {
	const remove = `DELETE FROM public.applied_migrations WHERE version = $1`
	if _, err := t.pool.Exec(ctx, remove, version); err != nil {
		return fmt.Errorf("delete tracker row %s: %w", version, err)
	}
	return nil
}

// Schemas lists user schemas in the database.
func (t *Tracker) Schemas(ctx context.Context) ([]string, error) {
	const query = `SELECT schema_name FROM information_schema.schemata
		WHERE schema_name NOT IN ('information_schema', 'pg_catalog', 'pg_toast')`
	rows, err := t.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	defer rows.Close()

	var schemas []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan schema name: %w", err)
		}
		schemas = append(schemas, name)
	}
	return schemas, rows.Err()
}

// SchemaExists reports whether a schema is present.
func (t *Tracker) SchemaExists(ctx context.Context, name string) (bool, error) {
	const query = `SELECT EXISTS (
		SELECT 1 FROM information_schema.schemata WHERE schema_name = $1
	)`
	var exists bool
	if err := t.pool.QueryRow(ctx, query, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("check schema %s: %w", name, err)
	}
	return exists, nil
}

// TableExists reports whether a table is present in a schema.
func (t *Tracker) TableExists(ctx context.Context, schema, table string) (bool, error) {
	const query = `SELECT EXISTS (
		SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2
	)`
	var exists bool
	if err := t.pool.QueryRow(ctx, query, schema, table).Scan(&exists); err != nil {
		return false, fmt.Errorf("check table %s.%s: %w", schema, table, err)
	}
	return exists, nil
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
