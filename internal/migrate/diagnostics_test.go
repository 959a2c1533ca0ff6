package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/lakowske/poststack/internal/domain"
)

// RepairStore methods for the in-memory tracker fake.

func (f *fakeTracker) InsertTracking(ctx context.Context, row domain.AppliedMigration) error {
	if _, exists := f.rows[row.Version]; exists {
		return nil
	}
	f.rows[row.Version] = row
	return nil
}

func (f *fakeTracker) UpdateChecksum(ctx context.Context, version, checksum string) error {
	row, ok := f.rows[version]
	if !ok {
		return fmt.Errorf("no tracker row for version %s", version)
	}
	row.ForwardChecksum = checksum
	f.rows[version] = row
	return nil
}

func (f *fakeTracker) DeleteRecord(ctx context.Context, version string) error {
	delete(f.rows, version)
	return nil
}

func (f *fakeTracker) ClearLock(ctx context.Context) error {
	return f.ReleaseLock(ctx)
}

type fakeInspector struct {
	schemas map[string]bool
	tables  map[string]bool // "schema.table"
}

func (f *fakeInspector) Schemas(ctx context.Context) ([]string, error) {
	var out []string
	for s := range f.schemas {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeInspector) SchemaExists(ctx context.Context, name string) (bool, error) {
	return f.schemas[name], nil
}

func (f *fakeInspector) TableExists(ctx context.Context, schema, table string) (bool, error) {
	return f.tables[schema+"."+table], nil
}

func newTestDiagnostics(t *testing.T, store *Store, tracker *fakeTracker, inspect *fakeInspector) *Diagnostics {
	t.Helper()
	var inspector Inspector
	if inspect != nil {
		inspector = inspect
	}
	d, err := NewDiagnostics(store, tracker, tracker, inspector, 5*time.Minute, "tester", slog.Default())
	if err != nil {
		t.Fatalf("NewDiagnostics returned error: %v", err)
	}
	return d
}

func issuesOfKind(issues []domain.Issue, kind domain.IssueKind) []domain.Issue {
	var out []domain.Issue
	for _, issue := range issues {
		if issue.Kind == kind {
			out = append(out, issue)
		}
	}
	return out
}

func fourTableMigrations(t *testing.T) *Store {
	return writeMigrations(t, map[string]string{
		"001_users.sql":    "CREATE TABLE users (id INT);",
		"002_orders.sql":   "CREATE TABLE orders (id INT);",
		"003_payments.sql": "CREATE TABLE payments (id INT);",
		"004_audit.sql":    "CREATE TABLE audit (id INT);",
	})
}

func TestDiagnoseMissingTracking(t *testing.T) {
	store := fourTableMigrations(t)
	tracker := newFakeTracker()
	// Only 001 tracked, but every table exists in the database.
	tracker.rows["001"] = domain.AppliedMigration{
		Version:         "001",
		ForwardChecksum: Checksum([]byte("CREATE TABLE users (id INT);")),
	}
	inspect := &fakeInspector{
		schemas: map[string]bool{"public": true},
		tables: map[string]bool{
			"public.users": true, "public.orders": true,
			"public.payments": true, "public.audit": true,
		},
	}
	diags := newTestDiagnostics(t, store, tracker, inspect)

	issues, err := diags.Diagnose(context.Background())
	if err != nil {
		t.Fatalf("Diagnose returned error: %v", err)
	}
	missing := issuesOfKind(issues, domain.IssueMissingTracking)
	if len(missing) != 3 {
		t.Fatalf("expected 3 missing_tracking issues, got %d (%v)", len(missing), issues)
	}
	for _, issue := range missing {
		if !issue.AutoFixable {
			t.Fatalf("missing_tracking must be auto-fixable: %+v", issue)
		}
	}
}

func TestRecoverDryRunThenApply(t *testing.T) {
	store := fourTableMigrations(t)
	tracker := newFakeTracker()
	tracker.rows["001"] = domain.AppliedMigration{
		Version:         "001",
		ForwardChecksum: Checksum([]byte("CREATE TABLE users (id INT);")),
	}
	inspect := &fakeInspector{
		schemas: map[string]bool{"public": true},
		tables: map[string]bool{
			"public.users": true, "public.orders": true,
			"public.payments": true, "public.audit": true,
		},
	}
	diags := newTestDiagnostics(t, store, tracker, inspect)

	planned, err := diags.Recover(context.Background(), true)
	if err != nil {
		t.Fatalf("Recover dry-run returned error: %v", err)
	}
	if len(planned) != 3 {
		t.Fatalf("expected 3 planned inserts, got %d", len(planned))
	}
	for _, action := range planned {
		if action.Applied {
			t.Fatalf("dry-run must not apply anything: %+v", action)
		}
	}
	if len(tracker.rows) != 1 {
		t.Fatalf("dry-run mutated the tracker")
	}

	applied, err := diags.Recover(context.Background(), false)
	if err != nil {
		t.Fatalf("Recover returned error: %v", err)
	}
	if len(applied) != 3 {
		t.Fatalf("expected 3 applied actions, got %d", len(applied))
	}
	if len(tracker.rows) != 4 {
		t.Fatalf("expected 4 tracked rows after recover, got %d", len(tracker.rows))
	}
	row := tracker.rows["002"]
	if row.ForwardSnapshot == "" {
		t.Fatalf("recovered rows must snapshot the file contents")
	}
}

func TestDiagnoseChecksumMismatchAndRepair(t *testing.T) {
	store := writeMigrations(t, map[string]string{
		"001_users.sql": "CREATE TABLE users (id INT, email TEXT);",
	})
	tracker := newFakeTracker()
	tracker.rows["001"] = domain.AppliedMigration{
		Version:         "001",
		ForwardChecksum: Checksum([]byte("CREATE TABLE users (id INT);")),
	}
	diags := newTestDiagnostics(t, store, tracker, &fakeInspector{schemas: map[string]bool{"public": true}})

	issues, err := diags.Diagnose(context.Background())
	if err != nil {
		t.Fatalf("Diagnose returned error: %v", err)
	}
	drift := issuesOfKind(issues, domain.IssueChecksumMismatch)
	if len(drift) != 1 {
		t.Fatalf("expected 1 checksum_mismatch, got %v", issues)
	}

	if _, err := diags.Repair(context.Background(), drift, false, false); err != nil {
		t.Fatalf("Repair returned error: %v", err)
	}
	want := Checksum([]byte("CREATE TABLE users (id INT, email TEXT);"))
	if tracker.rows["001"].ForwardChecksum != want {
		t.Fatalf("repair should accept the current file checksum")
	}

	again, err := diags.Diagnose(context.Background())
	if err != nil {
		t.Fatalf("second Diagnose returned error: %v", err)
	}
	if len(issuesOfKind(again, domain.IssueChecksumMismatch)) != 0 {
		t.Fatalf("drift should be gone after repair, got %v", again)
	}
}

func TestDiagnoseStuckLockAndRepair(t *testing.T) {
	store := writeMigrations(t, map[string]string{"001_users.sql": "CREATE TABLE users (id INT);"})
	tracker := newFakeTracker()
	tracker.lock = domain.LockInfo{
		Locked:   true,
		LockedAt: time.Now().Add(-10 * time.Minute),
		LockedBy: "crashed-run",
	}
	diags := newTestDiagnostics(t, store, tracker, nil)

	issues, err := diags.Diagnose(context.Background())
	if err != nil {
		t.Fatalf("Diagnose returned error: %v", err)
	}
	stuck := issuesOfKind(issues, domain.IssueStuckLock)
	if len(stuck) != 1 {
		t.Fatalf("expected 1 stuck_lock, got %v", issues)
	}

	if _, err := diags.Repair(context.Background(), stuck, false, false); err != nil {
		t.Fatalf("Repair returned error: %v", err)
	}
	if tracker.lock.Locked {
		t.Fatalf("lock should be cleared after repair")
	}
}

func TestFreshLockIsNotStuck(t *testing.T) {
	store := writeMigrations(t, map[string]string{"001_users.sql": "CREATE TABLE users (id INT);"})
	tracker := newFakeTracker()
	tracker.lock = domain.LockInfo{Locked: true, LockedAt: time.Now(), LockedBy: "active-run"}
	diags := newTestDiagnostics(t, store, tracker, nil)

	issues, err := diags.Diagnose(context.Background())
	if err != nil {
		t.Fatalf("Diagnose returned error: %v", err)
	}
	if len(issuesOfKind(issues, domain.IssueStuckLock)) != 0 {
		t.Fatalf("a fresh lock must not be reported stuck")
	}
}

func TestDiagnoseMissingFile(t *testing.T) {
	store := writeMigrations(t, map[string]string{})
	tracker := newFakeTracker()
	tracker.rows["001"] = domain.AppliedMigration{
		Version:         "001",
		ForwardChecksum: Checksum([]byte("CREATE TABLE gone (id INT);")),
	}
	diags := newTestDiagnostics(t, store, tracker, nil)

	issues, err := diags.Diagnose(context.Background())
	if err != nil {
		t.Fatalf("Diagnose returned error: %v", err)
	}
	missing := issuesOfKind(issues, domain.IssueMissingFile)
	if len(missing) != 1 {
		t.Fatalf("expected 1 missing_file, got %v", issues)
	}
	if missing[0].AutoFixable {
		t.Fatalf("missing_file needs a human, must not be auto-fixable")
	}
}

func TestDiagnoseOrphanedSchema(t *testing.T) {
	store := writeMigrations(t, map[string]string{
		"001_app.sql": "CREATE SCHEMA app; CREATE TABLE app.users (id INT);",
	})
	tracker := newFakeTracker()
	tracker.rows["001"] = domain.AppliedMigration{
		Version:         "001",
		ForwardChecksum: Checksum([]byte("CREATE SCHEMA app; CREATE TABLE app.users (id INT);")),
	}
	inspect := &fakeInspector{
		schemas: map[string]bool{"public": true, "app": true, "legacy": true},
		tables:  map[string]bool{"app.users": true},
	}
	diags := newTestDiagnostics(t, store, tracker, inspect)

	issues, err := diags.Diagnose(context.Background())
	if err != nil {
		t.Fatalf("Diagnose returned error: %v", err)
	}
	orphaned := issuesOfKind(issues, domain.IssueOrphanedSchema)
	if len(orphaned) != 1 {
		t.Fatalf("expected 1 orphaned_schema, got %v", issues)
	}
	if orphaned[0].Details["schema"] != "legacy" {
		t.Fatalf("expected legacy schema flagged, got %+v", orphaned[0])
	}
}

func TestDiagnoseDuplicateVersionFiles(t *testing.T) {
	store := writeMigrations(t, map[string]string{
		"001_first.sql":  "SELECT 1;",
		"001_second.sql": "SELECT 2;",
	})
	diags := newTestDiagnostics(t, store, newFakeTracker(), nil)

	issues, err := diags.Diagnose(context.Background())
	if err != nil {
		t.Fatalf("Diagnose returned error: %v", err)
	}
	dupes := issuesOfKind(issues, domain.IssueDuplicateVersion)
	if len(dupes) != 1 {
		t.Fatalf("expected duplicate_version issue, got %v", issues)
	}
	if dupes[0].Severity != domain.SeverityCritical {
		t.Fatalf("duplicate_version must be critical")
	}
	if dupes[0].AutoFixable {
		t.Fatalf("duplicate_version must not be auto-fixable")
	}
}

func TestDiagnosePartialResidueAndRepair(t *testing.T) {
	store := writeMigrations(t, map[string]string{"002_orders.sql": "CREATE TABLE orders (id INT);"})
	tracker := newFakeTracker()
	tracker.rows["002"] = domain.AppliedMigration{Version: "002"} // no checksum: interrupted apply
	diags := newTestDiagnostics(t, store, tracker, nil)

	issues, err := diags.Diagnose(context.Background())
	if err != nil {
		t.Fatalf("Diagnose returned error: %v", err)
	}
	partial := issuesOfKind(issues, domain.IssuePartialMigration)
	if len(partial) != 1 {
		t.Fatalf("expected 1 partial_migration, got %v", issues)
	}

	actions, err := diags.Repair(context.Background(), partial, false, false)
	if err != nil {
		t.Fatalf("Repair returned error: %v", err)
	}
	if len(actions) != 1 || !actions[0].Applied {
		t.Fatalf("expected one applied action, got %v", actions)
	}
	if _, exists := tracker.rows["002"]; exists {
		t.Fatalf("residue row should be deleted so the migration can retry")
	}
}

func TestRepairInvalidMigrationRequiresForce(t *testing.T) {
	store := writeMigrations(t, map[string]string{})
	tracker := newFakeTracker()
	tracker.rows["abc"] = domain.AppliedMigration{
		Version:         "abc",
		ForwardChecksum: Checksum([]byte("SELECT 1;")),
	}
	diags := newTestDiagnostics(t, store, tracker, nil)

	issues, err := diags.Diagnose(context.Background())
	if err != nil {
		t.Fatalf("Diagnose returned error: %v", err)
	}
	invalid := issuesOfKind(issues, domain.IssueInvalidMigration)
	if len(invalid) != 1 {
		t.Fatalf("expected 1 invalid_migration, got %v", issues)
	}

	actions, err := diags.Repair(context.Background(), invalid, false, false)
	if err != nil {
		t.Fatalf("Repair returned error: %v", err)
	}
	if len(actions) != 0 {
		t.Fatalf("destructive repair must be skipped without force, got %v", actions)
	}
	if _, exists := tracker.rows["abc"]; !exists {
		t.Fatalf("row must survive repair without force")
	}

	if _, err := diags.Repair(context.Background(), invalid, true, false); err != nil {
		t.Fatalf("forced repair returned error: %v", err)
	}
	if _, exists := tracker.rows["abc"]; exists {
		t.Fatalf("forced repair should delete the invalid row")
	}
}

func TestDiagnoseCorruptedData(t *testing.T) {
	store := writeMigrations(t, map[string]string{})
	tracker := newFakeTracker()
	tracker.rows["003"] = domain.AppliedMigration{Version: "003", ForwardChecksum: "tooshort"}
	diags := newTestDiagnostics(t, store, tracker, nil)

	issues, err := diags.Diagnose(context.Background())
	if err != nil {
		t.Fatalf("Diagnose returned error: %v", err)
	}
	corrupted := issuesOfKind(issues, domain.IssueCorruptedData)
	if len(corrupted) != 1 {
		t.Fatalf("expected 1 corrupted_data, got %v", issues)
	}
	if corrupted[0].AutoFixable {
		t.Fatalf("corrupted_data must not be auto-fixable")
	}
}

func TestIssuesSortedBySeverity(t *testing.T) {
	store := writeMigrations(t, map[string]string{
		"001_users.sql": "CREATE TABLE users (id INT);",
	})
	tracker := newFakeTracker()
	tracker.rows["001"] = domain.AppliedMigration{
		Version:         "001",
		ForwardChecksum: Checksum([]byte("edited content")),
	}
	tracker.rows["bad"] = domain.AppliedMigration{Version: "bad", ForwardChecksum: "short"}
	diags := newTestDiagnostics(t, store, tracker, nil)

	issues, err := diags.Diagnose(context.Background())
	if err != nil {
		t.Fatalf("Diagnose returned error: %v", err)
	}
	if len(issues) < 2 {
		t.Fatalf("expected multiple issues, got %v", issues)
	}
	if issues[0].Severity != domain.SeverityCritical {
		t.Fatalf("critical issues must sort first, got %s", issues[0].Severity)
	}
}
