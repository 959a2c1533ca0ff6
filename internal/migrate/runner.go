package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lakowske/poststack/internal/domain"
	"github.com/lakowske/poststack/internal/errs"
)

// Tracker is the database side of the migration engine. The postgres
// implementation lives in migrate/postgres; tests substitute fakes.
type Tracker interface {
	// Bootstrap creates the tracker tables and the singleton lock row.
	// It is idempotent.
	Bootstrap(ctx context.Context) error

	// Applied returns tracker rows ordered by version.
	Applied(ctx context.Context) ([]domain.AppliedMigration, error)

	// LockState reads the lock row.
	LockState(ctx context.Context) (domain.LockInfo, error)

	// AcquireLock atomically takes the lock iff it is free. A held lock
	// yields an errs.LockHeld error carrying holder and age.
	AcquireLock(ctx context.Context, holder string) error

	// ReleaseLock clears the lock row. Safe to call on failure paths.
	ReleaseLock(ctx context.Context) error

	// ApplyMigration executes the forward SQL and inserts the tracker row
	// in a single transaction, returning the execution time recorded.
	ApplyMigration(ctx context.Context, m domain.Migration, appliedBy string) (int64, error)

	// RollbackMigration executes rollback SQL and deletes the tracker row
	// in a single transaction.
	RollbackMigration(ctx context.Context, version, rollbackSQL string) error
}

// Runner applies and rolls back migrations under the tracker lock.
type Runner struct {
	store     *Store
	tracker   Tracker
	appliedBy string
	log       *slog.Logger
}

// NewRunner wires the runner to a store and tracker.
func NewRunner(store *Store, tracker Tracker, appliedBy string, log *slog.Logger) (*Runner, error) {
	if store == nil {
		return nil, errors.New("nil store provided")
	}
	if tracker == nil {
		return nil, errors.New("nil tracker provided")
	}
	if appliedBy == "" {
		appliedBy = "unknown"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{store: store, tracker: tracker, appliedBy: appliedBy, log: log}, nil
}

// Status reports applied rows, pending migrations and the lock state.
func (r *Runner) Status(ctx context.Context) (domain.MigrationStatus, error) {
	if err := r.tracker.Bootstrap(ctx); err != nil {
		return domain.MigrationStatus{}, err
	}
	applied, err := r.tracker.Applied(ctx)
	if err != nil {
		return domain.MigrationStatus{}, err
	}
	pending, err := r.pending(applied)
	if err != nil {
		return domain.MigrationStatus{}, err
	}
	lock, err := r.tracker.LockState(ctx)
	if err != nil {
		return domain.MigrationStatus{}, err
	}
	status := domain.MigrationStatus{
		Applied:    applied,
		Pending:    pending,
		IsLocked:   lock.Locked,
		LockHolder: lock.LockedBy,
		LockedAt:   lock.LockedAt,
	}
	if len(applied) > 0 {
		status.CurrentVersion = applied[len(applied)-1].Version
	}
	return status, nil
}

// Migrate applies pending migrations in ascending order. With a target, only
// versions up to and including it are applied. The whole batch runs under the
// tracker lock; each migration commits in its own transaction, so a failure
// leaves every earlier migration applied and the failing one rolled back.
func (r *Runner) Migrate(ctx context.Context, target string) (int, error) {
	if err := r.tracker.Bootstrap(ctx); err != nil {
		return 0, err
	}
	applied, err := r.tracker.Applied(ctx)
	if err != nil {
		return 0, err
	}
	pending, err := r.pending(applied)
	if err != nil {
		return 0, err
	}
	if target != "" {
		filtered := pending[:0]
		for _, m := range pending {
			if !versionLess(target, m.Version) {
				filtered = append(filtered, m)
			}
		}
		pending = filtered
	}
	if len(pending) == 0 {
		r.log.Info("no pending migrations")
		return 0, nil
	}

	// A pending version below the applied head means history was rewritten
	// behind the tracker's back. Refuse rather than apply out of order.
	if len(applied) > 0 {
		head := applied[len(applied)-1].Version
		for _, m := range pending {
			if versionLess(m.Version, head) {
				return 0, &errs.Error{
					Kind:    errs.PartialMigration,
					Version: m.Version,
					Message: fmt.Sprintf("pending migration %s is older than applied head %s", m.Version, head),
				}
			}
		}
	}

	if err := r.tracker.AcquireLock(ctx, r.appliedBy); err != nil {
		return 0, err
	}
	defer func() {
		if err := r.tracker.ReleaseLock(context.WithoutCancel(ctx)); err != nil {
			r.log.Warn("failed to release migration lock", "error", err)
		}
	}()

	count := 0
	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return count, errs.Wrap(errs.Cancelled, err, "migration run cancelled before %s", m.Version)
		}
		r.log.Info("applying migration", "version", m.Version, "description", m.Description)
		start := time.Now()
		execMS, err := r.tracker.ApplyMigration(ctx, m, r.appliedBy)
		if err != nil {
			if ctx.Err() != nil {
				return count, errs.Wrap(errs.Cancelled, err, "migration %s cancelled", m.Version)
			}
			return count, &errs.Error{
				Kind:    errs.MigrationFailed,
				Version: m.Version,
				Message: fmt.Sprintf("migration %s failed", m.Version),
				Err:     err,
			}
		}
		if execMS == 0 {
			execMS = time.Since(start).Milliseconds()
		}
		r.log.Info("applied migration", "version", m.Version, "execution_ms", execMS)
		count++
	}
	return count, nil
}

// Rollback reverts applied migrations above the target version in descending
// order, one transaction each. The snapshot stored at apply time is
// authoritative; the on-disk rollback file is only a fallback for rows
// recorded before snapshots existed.
func (r *Runner) Rollback(ctx context.Context, target string) (int, error) {
	if err := r.tracker.Bootstrap(ctx); err != nil {
		return 0, err
	}
	applied, err := r.tracker.Applied(ctx)
	if err != nil {
		return 0, err
	}
	var toRevert []domain.AppliedMigration
	for i := len(applied) - 1; i >= 0; i-- {
		if target == "" || versionLess(target, applied[i].Version) {
			toRevert = append(toRevert, applied[i])
		}
	}
	if len(toRevert) == 0 {
		r.log.Info("nothing to roll back", "target", target)
		return 0, nil
	}

	byVersion, err := r.store.ByVersion()
	if err != nil {
		return 0, err
	}

	if err := r.tracker.AcquireLock(ctx, r.appliedBy); err != nil {
		return 0, err
	}
	defer func() {
		if err := r.tracker.ReleaseLock(context.WithoutCancel(ctx)); err != nil {
			r.log.Warn("failed to release migration lock", "error", err)
		}
	}()

	count := 0
	for _, row := range toRevert {
		if err := ctx.Err(); err != nil {
			return count, errs.Wrap(errs.Cancelled, err, "rollback cancelled before %s", row.Version)
		}
		sql := row.RollbackSnapshot
		if sql == "" {
			if m, ok := byVersion[row.Version]; ok {
				sql = m.RollbackSQL
			}
		}
		if sql == "" {
			return count, &errs.Error{
				Kind:    errs.MigrationFailed,
				Version: row.Version,
				Message: fmt.Sprintf("no rollback available for migration %s", row.Version),
			}
		}
		r.log.Info("rolling back migration", "version", row.Version)
		if err := r.tracker.RollbackMigration(ctx, row.Version, sql); err != nil {
			if ctx.Err() != nil {
				return count, errs.Wrap(errs.Cancelled, err, "rollback of %s cancelled", row.Version)
			}
			return count, &errs.Error{
				Kind:    errs.MigrationFailed,
				Version: row.Version,
				Message: fmt.Sprintf("rollback of %s failed", row.Version),
				Err:     err,
			}
		}
		count++
	}
	return count, nil
}

// Verify compares recorded checksums against current file content without
// mutating anything. It reports drift, missing files, and applied rows with
// no rollback path.
func (r *Runner) Verify(ctx context.Context) ([]domain.Issue, error) {
	if err := r.tracker.Bootstrap(ctx); err != nil {
		return nil, err
	}
	applied, err := r.tracker.Applied(ctx)
	if err != nil {
		return nil, err
	}
	byVersion, err := r.store.ByVersion()
	if err != nil {
		return nil, err
	}

	var issues []domain.Issue
	for _, row := range applied {
		m, ok := byVersion[row.Version]
		if !ok {
			issues = append(issues, domain.Issue{
				Kind:        domain.IssueMissingFile,
				Severity:    domain.SeverityHigh,
				Version:     row.Version,
				Description: fmt.Sprintf("migration %s is recorded as applied but its file is missing", row.Version),
				Details:     map[string]string{"recorded_checksum": row.ForwardChecksum},
				SuggestedFix: "restore the migration file or resolve via diagnose",
			})
			continue
		}
		if m.ForwardChecksum != row.ForwardChecksum {
			issues = append(issues, domain.Issue{
				Kind:        domain.IssueChecksumMismatch,
				Severity:    domain.SeverityMedium,
				Version:     row.Version,
				Description: fmt.Sprintf("migration %s content differs from the recorded checksum", row.Version),
				Details: map[string]string{
					"recorded_checksum": row.ForwardChecksum,
					"file_checksum":     m.ForwardChecksum,
				},
				SuggestedFix: "repair --kind checksum_mismatch to accept the current file",
				AutoFixable:  true,
			})
		}
		if row.RollbackSnapshot == "" && !m.HasRollback() {
			issues = append(issues, domain.Issue{
				Kind:        domain.IssueRollbackMissing,
				Severity:    domain.SeverityLow,
				Version:     row.Version,
				Description: fmt.Sprintf("migration %s has neither a rollback snapshot nor a rollback file", row.Version),
				SuggestedFix: "write a rollback file for future rollbacks",
			})
		}
	}
	return issues, nil
}

func (r *Runner) pending(applied []domain.AppliedMigration) ([]domain.Migration, error) {
	set, err := r.store.Discover()
	if err != nil {
		return nil, err
	}
	appliedVersions := make(map[string]bool, len(applied))
	for _, row := range applied {
		appliedVersions[row.Version] = true
	}
	var pending []domain.Migration
	for _, m := range set {
		if !appliedVersions[m.Version] {
			pending = append(pending, m)
		}
	}
	return pending, nil
}
