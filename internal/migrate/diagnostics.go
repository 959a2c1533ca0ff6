package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/lakowske/poststack/internal/domain"
	"github.com/lakowske/poststack/internal/errs"
)

// RepairStore is the mutating slice of the tracker used by repairs.
type RepairStore interface {
	InsertTracking(ctx context.Context, row domain.AppliedMigration) error
	UpdateChecksum(ctx context.Context, version, checksum string) error
	DeleteRecord(ctx context.Context, version string) error
	ClearLock(ctx context.Context) error
}

// Inspector reads the observable database schema.
type Inspector interface {
	Schemas(ctx context.Context) ([]string, error)
	SchemaExists(ctx context.Context, name string) (bool, error)
	TableExists(ctx context.Context, schema, table string) (bool, error)
}

// Diagnostics cross-checks the migration files, the tracker, and the live
// schema, classifying every inconsistency it finds.
type Diagnostics struct {
	store      *Store
	tracker    Tracker
	repair     RepairStore
	inspect    Inspector
	staleAfter time.Duration
	appliedBy  string
	now        func() time.Time
	log        *slog.Logger
}

// NewDiagnostics wires a diagnostics engine. staleAfter bounds how long a
// lock may be held before it counts as stuck.
func NewDiagnostics(store *Store, tracker Tracker, repair RepairStore, inspect Inspector, staleAfter time.Duration, appliedBy string, log *slog.Logger) (*Diagnostics, error) {
	if store == nil {
		return nil, errors.New("nil store provided")
	}
	if tracker == nil {
		return nil, errors.New("nil tracker provided")
	}
	if repair == nil {
		return nil, errors.New("nil repair store provided")
	}
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	if appliedBy == "" {
		appliedBy = "unknown"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Diagnostics{
		store:      store,
		tracker:    tracker,
		repair:     repair,
		inspect:    inspect,
		staleAfter: staleAfter,
		appliedBy:  appliedBy,
		now:        time.Now,
		log:        log,
	}, nil
}

// Diagnose computes the full issue list, ordered most severe first.
func (d *Diagnostics) Diagnose(ctx context.Context) ([]domain.Issue, error) {
	if err := d.tracker.Bootstrap(ctx); err != nil {
		return nil, err
	}

	var issues []domain.Issue

	set, err := d.store.Discover()
	if err != nil {
		if errs.IsKind(err, errs.ConfigInvalid) {
			issues = append(issues, domain.Issue{
				Kind:         domain.IssueDuplicateVersion,
				Severity:     domain.SeverityCritical,
				Description:  "migration directory contains conflicting files",
				Details:      map[string]string{"error": err.Error()},
				SuggestedFix: "rename or remove the conflicting migration files",
			})
			set = nil
		} else {
			return nil, err
		}
	}
	byVersion := make(map[string]domain.Migration, len(set))
	for _, m := range set {
		byVersion[m.Version] = m
	}

	applied, err := d.tracker.Applied(ctx)
	if err != nil {
		return nil, err
	}
	appliedVersions := make(map[string]bool, len(applied))
	for _, row := range applied {
		appliedVersions[row.Version] = true
	}

	issues = append(issues, d.detectMissingTracking(ctx, set, appliedVersions)...)
	issues = append(issues, d.detectRowIssues(applied, byVersion)...)
	issues = append(issues, d.detectStuckLock(ctx)...)
	issues = append(issues, d.detectOrphanedSchemas(ctx, set)...)
	issues = append(issues, d.detectMissingRollbacks(set, applied)...)

	sort.SliceStable(issues, func(i, j int) bool {
		return severityRank(issues[i].Severity) < severityRank(issues[j].Severity)
	})
	d.log.Info("diagnostics completed", "issues", len(issues))
	return issues, nil
}

// Repair applies fixes for the auto-fixable subset of issues. force enables
// the one destructive fix, deleting invalid_migration tracker rows; tracking
// inserts, checksum updates, lock clearing and partial-residue deletion run
// without it. With dryRun the action list is returned without touching state.
func (d *Diagnostics) Repair(ctx context.Context, issues []domain.Issue, force, dryRun bool) ([]domain.RepairAction, error) {
	ordered := make([]domain.Issue, len(issues))
	copy(ordered, issues)
	sort.SliceStable(ordered, func(i, j int) bool {
		return severityRank(ordered[i].Severity) < severityRank(ordered[j].Severity)
	})

	var actions []domain.RepairAction
	for _, issue := range ordered {
		action, destructive := d.planRepair(issue)
		if action == "" {
			continue
		}
		if destructive && !force {
			d.log.Info("skipping destructive repair without force", "kind", string(issue.Kind), "version", issue.Version)
			continue
		}
		if dryRun {
			actions = append(actions, domain.RepairAction{Issue: issue, Action: action})
			continue
		}
		if err := d.applyRepair(ctx, issue); err != nil {
			return actions, fmt.Errorf("repair %s for version %s: %w", issue.Kind, issue.Version, err)
		}
		d.log.Info("repaired issue", "kind", string(issue.Kind), "version", issue.Version)
		actions = append(actions, domain.RepairAction{Issue: issue, Action: action, Applied: true})
	}
	return actions, nil
}

// Recover runs the common applied-but-not-tracked pathway: diagnose, keep the
// missing_tracking issues, repair them.
func (d *Diagnostics) Recover(ctx context.Context, dryRun bool) ([]domain.RepairAction, error) {
	issues, err := d.Diagnose(ctx)
	if err != nil {
		return nil, err
	}
	var tracking []domain.Issue
	for _, issue := range issues {
		if issue.Kind == domain.IssueMissingTracking {
			tracking = append(tracking, issue)
		}
	}
	return d.Repair(ctx, tracking, false, dryRun)
}

func (d *Diagnostics) planRepair(issue domain.Issue) (action string, destructive bool) {
	switch issue.Kind {
	case domain.IssueMissingTracking:
		return fmt.Sprintf("insert tracking row for migration %s", issue.Version), false
	case domain.IssueChecksumMismatch:
		return fmt.Sprintf("update recorded checksum for migration %s", issue.Version), false
	case domain.IssueStuckLock:
		return "clear the migration lock", false
	case domain.IssuePartialMigration:
		return fmt.Sprintf("delete residue row for migration %s", issue.Version), false
	case domain.IssueInvalidMigration:
		return fmt.Sprintf("delete invalid tracker row %q", issue.Version), true
	default:
		return "", false
	}
}

func (d *Diagnostics) applyRepair(ctx context.Context, issue domain.Issue) error {
	switch issue.Kind {
	case domain.IssueMissingTracking:
		byVersion, err := d.store.ByVersion()
		if err != nil {
			return err
		}
		m, ok := byVersion[issue.Version]
		if !ok {
			return fmt.Errorf("migration file for version %s disappeared", issue.Version)
		}
		return d.repair.InsertTracking(ctx, domain.AppliedMigration{
			Version:          m.Version,
			Description:      "recovered: " + m.Description,
			AppliedAt:        d.now().UTC(),
			ForwardChecksum:  m.ForwardChecksum,
			ForwardSnapshot:  m.ForwardSQL,
			RollbackSnapshot: m.RollbackSQL,
			AppliedBy:        d.appliedBy,
		})
	case domain.IssueChecksumMismatch:
		return d.repair.UpdateChecksum(ctx, issue.Version, issue.Details["file_checksum"])
	case domain.IssueStuckLock:
		return d.repair.ClearLock(ctx)
	case domain.IssuePartialMigration, domain.IssueInvalidMigration:
		return d.repair.DeleteRecord(ctx, issue.Version)
	default:
		return fmt.Errorf("issue kind %s is not auto-fixable", issue.Kind)
	}
}

// detectMissingTracking flags pending migrations whose created objects are
// already present in the database.
func (d *Diagnostics) detectMissingTracking(ctx context.Context, set []domain.Migration, appliedVersions map[string]bool) []domain.Issue {
	if d.inspect == nil {
		return nil
	}
	var issues []domain.Issue
	for _, m := range set {
		if appliedVersions[m.Version] {
			continue
		}
		applied, err := d.appearsApplied(ctx, m)
		if err != nil {
			d.log.Warn("could not inspect schema for migration", "version", m.Version, "error", err)
			continue
		}
		if applied {
			issues = append(issues, domain.Issue{
				Kind:        domain.IssueMissingTracking,
				Severity:    domain.SeverityHigh,
				Version:     m.Version,
				Description: fmt.Sprintf("migration %s appears applied but is not tracked", m.Version),
				Details: map[string]string{
					"migration_file":    m.ForwardPath,
					"expected_checksum": m.ForwardChecksum,
				},
				SuggestedFix: "recover to insert the missing tracking rows",
				AutoFixable:  true,
			})
		}
	}
	return issues
}

func (d *Diagnostics) detectRowIssues(applied []domain.AppliedMigration, byVersion map[string]domain.Migration) []domain.Issue {
	var issues []domain.Issue
	for _, row := range applied {
		if row.Version == "" || len(row.ForwardChecksum) != 0 && len(row.ForwardChecksum) != 64 {
			issues = append(issues, domain.Issue{
				Kind:        domain.IssueCorruptedData,
				Severity:    domain.SeverityCritical,
				Version:     row.Version,
				Description: fmt.Sprintf("tracker row %q is unparseable", row.Version),
				Details: map[string]string{
					"checksum":        row.ForwardChecksum,
					"checksum_length": fmt.Sprintf("%d", len(row.ForwardChecksum)),
				},
				SuggestedFix: "inspect the tracker table by hand",
			})
			continue
		}
		if row.ForwardChecksum == "" {
			// An interrupted apply can leave a row without its checksum;
			// clearing the residue lets the migration retry cleanly.
			issues = append(issues, domain.Issue{
				Kind:        domain.IssuePartialMigration,
				Severity:    domain.SeverityHigh,
				Version:     row.Version,
				Description: fmt.Sprintf("migration %s left residue from an interrupted run", row.Version),
				SuggestedFix: "repair to clear the residue and retry",
				AutoFixable:  true,
			})
			continue
		}
		if numericVersion(row.Version) < 0 {
			issues = append(issues, domain.Issue{
				Kind:        domain.IssueInvalidMigration,
				Severity:    domain.SeverityMedium,
				Version:     row.Version,
				Description: fmt.Sprintf("tracker row %q violates the version format", row.Version),
				SuggestedFix: "repair --force to delete the row",
				AutoFixable:  true,
			})
			continue
		}
		m, ok := byVersion[row.Version]
		if !ok {
			issues = append(issues, domain.Issue{
				Kind:        domain.IssueMissingFile,
				Severity:    domain.SeverityHigh,
				Version:     row.Version,
				Description: fmt.Sprintf("migration %s is tracked but its file is missing", row.Version),
				Details:     map[string]string{"tracked_checksum": row.ForwardChecksum},
				SuggestedFix: "restore the file; rollback still works from the stored snapshot",
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
				SuggestedFix: "repair to accept the current file content",
				AutoFixable:  true,
			})
		}
	}
	return issues
}

func (d *Diagnostics) detectStuckLock(ctx context.Context) []domain.Issue {
	lock, err := d.tracker.LockState(ctx)
	if err != nil {
		d.log.Warn("could not read lock state", "error", err)
		return nil
	}
	if !lock.Stale(d.staleAfter, d.now()) {
		return nil
	}
	return []domain.Issue{{
		Kind:        domain.IssueStuckLock,
		Severity:    domain.SeverityHigh,
		Description: fmt.Sprintf("migration lock held by %s since %s", lock.LockedBy, lock.LockedAt.Format(time.RFC3339)),
		Details: map[string]string{
			"locked_by": lock.LockedBy,
			"locked_at": lock.LockedAt.Format(time.RFC3339),
		},
		SuggestedFix: "clear-locks",
		AutoFixable:  true,
	}}
}

func (d *Diagnostics) detectOrphanedSchemas(ctx context.Context, set []domain.Migration) []domain.Issue {
	if d.inspect == nil {
		return nil
	}
	declared := map[string]bool{}
	for _, m := range set {
		for _, schema := range schemasCreatedBy(m.ForwardSQL) {
			declared[schema] = true
		}
	}
	live, err := d.inspect.Schemas(ctx)
	if err != nil {
		d.log.Warn("could not list schemas", "error", err)
		return nil
	}
	var issues []domain.Issue
	for _, schema := range live {
		if declared[schema] || isSystemSchema(schema) {
			continue
		}
		issues = append(issues, domain.Issue{
			Kind:        domain.IssueOrphanedSchema,
			Severity:    domain.SeverityLow,
			Description: fmt.Sprintf("schema %s exists with no corresponding migration", schema),
			Details:     map[string]string{"schema": schema},
			SuggestedFix: "write a migration for the schema or drop it",
		})
	}
	return issues
}

func (d *Diagnostics) detectMissingRollbacks(set []domain.Migration, applied []domain.AppliedMigration) []domain.Issue {
	snapshots := map[string]bool{}
	for _, row := range applied {
		snapshots[row.Version] = row.RollbackSnapshot != ""
	}
	var issues []domain.Issue
	for _, m := range set {
		if m.HasRollback() || snapshots[m.Version] {
			continue
		}
		issues = append(issues, domain.Issue{
			Kind:        domain.IssueRollbackMissing,
			Severity:    domain.SeverityLow,
			Version:     m.Version,
			Description: fmt.Sprintf("migration %s has no rollback file", m.Version),
			Details:     map[string]string{"migration_file": m.ForwardPath},
			SuggestedFix: "write a rollback file for this migration",
		})
	}
	return issues
}

// appearsApplied checks whether the objects a migration creates already
// exist. Only migrations whose DDL is parseable contribute; anything else is
// treated as not applied.
func (d *Diagnostics) appearsApplied(ctx context.Context, m domain.Migration) (bool, error) {
	schemas := schemasCreatedBy(m.ForwardSQL)
	tables := tablesCreatedBy(m.ForwardSQL)
	if len(schemas) == 0 && len(tables) == 0 {
		return false, nil
	}
	for _, schema := range schemas {
		exists, err := d.inspect.SchemaExists(ctx, schema)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, nil
		}
	}
	for _, ref := range tables {
		exists, err := d.inspect.TableExists(ctx, ref[0], ref[1])
		if err != nil {
			return false, err
		}
		if !exists {
			return false, nil
		}
	}
	return true, nil
}

var (
	createSchemaPattern = regexp.MustCompile(`(?i)CREATE\s+SCHEMA\s+(?:IF\s+NOT\s+EXISTS\s+)?([A-Za-z_][A-Za-z0-9_]*)`)
	createTablePattern  = regexp.MustCompile(`(?i)CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?(?:([A-Za-z_][A-Za-z0-9_]*)\.)?([A-Za-z_][A-Za-z0-9_]*)`)
)

func schemasCreatedBy(sql string) []string {
	var schemas []string
	for _, groups := range createSchemaPattern.FindAllStringSubmatch(sql, -1) {
		schemas = append(schemas, strings.ToLower(groups[1]))
	}
	return schemas
}

func tablesCreatedBy(sql string) [][2]string {
	var tables [][2]string
	for _, groups := range createTablePattern.FindAllStringSubmatch(sql, -1) {
		schema := strings.ToLower(groups[1])
		if schema == "" {
			schema = "public"
		}
		tables = append(tables, [2]string{schema, strings.ToLower(groups[2])})
	}
	return tables
}

func isSystemSchema(name string) bool {
	switch name {
	case "public", "information_schema", "pg_catalog", "pg_toast":
		return true
	}
	return strings.HasPrefix(name, "pg_")
}

func severityRank(s domain.Severity) int {
	switch s {
	case domain.SeverityCritical:
		return 0
	case domain.SeverityHigh:
		return 1
	case domain.SeverityMedium:
		return 2
	default:
		return 3
	}
}
