package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/lakowske/poststack/internal/domain"
	"github.com/lakowske/poststack/internal/errs"
)

// fakeTracker keeps tracker state in memory and mimics the transactional
// contract: a failing apply records nothing.
type fakeTracker struct {
	rows        map[string]domain.AppliedMigration
	lock        domain.LockInfo
	failApply   map[string]error
	failRoll    map[string]error
	applyOrder  []string
	rollOrder   []string
	acquires    int
	releases    int
	bootstraps  int
	acquireFail error
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		rows:      map[string]domain.AppliedMigration{},
		failApply: map[string]error{},
		failRoll:  map[string]error{},
	}
}

func (f *fakeTracker) Bootstrap(ctx context.Context) error {
	f.bootstraps++
	return nil
}

func (f *fakeTracker) Applied(ctx context.Context) ([]domain.AppliedMigration, error) {
	versions := make([]string, 0, len(f.rows))
	for v := range f.rows {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	out := make([]domain.AppliedMigration, 0, len(versions))
	for _, v := range versions {
		out = append(out, f.rows[v])
	}
	return out, nil
}

func (f *fakeTracker) LockState(ctx context.Context) (domain.LockInfo, error) {
	return f.lock, nil
}

func (f *fakeTracker) AcquireLock(ctx context.Context, holder string) error {
	if f.acquireFail != nil {
		return f.acquireFail
	}
	if f.lock.Locked {
		return &errs.Error{Kind: errs.LockHeld, Holder: f.lock.LockedBy, Since: f.lock.LockedAt,
			Message: fmt.Sprintf("migration lock held by %s", f.lock.LockedBy)}
	}
	f.lock = domain.LockInfo{Locked: true, LockedAt: time.Now(), LockedBy: holder}
	f.acquires++
	return nil
}

func (f *fakeTracker) ReleaseLock(ctx context.Context) error {
	f.lock = domain.LockInfo{}
	f.releases++
	return nil
}

func (f *fakeTracker) ApplyMigration(ctx context.Context, m domain.Migration, appliedBy string) (int64, error) {
	if err := f.failApply[m.Version]; err != nil {
		return 0, err
	}
	f.rows[m.Version] = domain.AppliedMigration{
		Version:          m.Version,
		Description:      m.Description,
		AppliedAt:        time.Now().UTC(),
		ExecutionMS:      1,
		ForwardChecksum:  m.ForwardChecksum,
		ForwardSnapshot:  m.ForwardSQL,
		RollbackSnapshot: m.RollbackSQL,
		AppliedBy:        appliedBy,
	}
	f.applyOrder = append(f.applyOrder, m.Version)
	return 1, nil
}

func (f *fakeTracker) RollbackMigration(ctx context.Context, version, rollbackSQL string) error {
	if err := f.failRoll[version]; err != nil {
		return err
	}
	delete(f.rows, version)
	f.rollOrder = append(f.rollOrder, version)
	return nil
}

func newTestRunner(t *testing.T, store *Store, tracker Tracker) *Runner {
	t.Helper()
	r, err := NewRunner(store, tracker, "tester", slog.Default())
	if err != nil {
		t.Fatalf("NewRunner returned error: %v", err)
	}
	return r
}

func threeMigrationStore(t *testing.T) *Store {
	return writeMigrations(t, map[string]string{
		"001_schema.sql":           "CREATE TABLE users (id INT);",
		"001_schema.rollback.sql":  "DROP TABLE users;",
		"002_indexes.sql":          "CREATE INDEX idx ON users (id);",
		"002_indexes.rollback.sql": "DROP INDEX idx;",
		"003_seed.sql":             "INSERT INTO users VALUES (1);",
		"003_seed.rollback.sql":    "DELETE FROM users WHERE id = 1;",
	})
}

func TestMigrateAppliesAllPendingInOrder(t *testing.T) {
	tracker := newFakeTracker()
	runner := newTestRunner(t, threeMigrationStore(t), tracker)

	count, err := runner.Migrate(context.Background(), "")
	if err != nil {
		t.Fatalf("Migrate returned error: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 applied, got %d", count)
	}
	want := []string{"001", "002", "003"}
	for i, v := range want {
		if tracker.applyOrder[i] != v {
			t.Fatalf("expected order %v, got %v", want, tracker.applyOrder)
		}
	}
	if tracker.releases != 1 {
		t.Fatalf("lock must be released exactly once, got %d", tracker.releases)
	}

	status, err := runner.Status(context.Background())
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if status.CurrentVersion != "003" {
		t.Fatalf("expected current version 003, got %q", status.CurrentVersion)
	}
	if len(status.Pending) != 0 {
		t.Fatalf("expected no pending migrations, got %d", len(status.Pending))
	}
}

func TestMigrateHonorsTarget(t *testing.T) {
	tracker := newFakeTracker()
	runner := newTestRunner(t, threeMigrationStore(t), tracker)

	count, err := runner.Migrate(context.Background(), "002")
	if err != nil {
		t.Fatalf("Migrate returned error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 applied, got %d", count)
	}
	if _, applied := tracker.rows["003"]; applied {
		t.Fatalf("003 must not be applied with target 002")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	tracker := newFakeTracker()
	runner := newTestRunner(t, threeMigrationStore(t), tracker)

	if _, err := runner.Migrate(context.Background(), ""); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	count, err := runner.Migrate(context.Background(), "")
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if count != 0 {
		t.Fatalf("second run should apply nothing, got %d", count)
	}
	if len(tracker.applyOrder) != 3 {
		t.Fatalf("no re-application expected, got %v", tracker.applyOrder)
	}
}

func TestMigrateFailureStopsAndReleasesLock(t *testing.T) {
	tracker := newFakeTracker()
	tracker.failApply["002"] = errors.New("syntax error at or near")
	runner := newTestRunner(t, threeMigrationStore(t), tracker)

	count, err := runner.Migrate(context.Background(), "")
	if !errs.IsKind(err, errs.MigrationFailed) {
		t.Fatalf("expected MigrationFailed, got %v", err)
	}
	var tagged *errs.Error
	if !errors.As(err, &tagged) || tagged.Version != "002" {
		t.Fatalf("error should carry the failing version, got %+v", tagged)
	}
	if count != 1 {
		t.Fatalf("001 should be committed before the failure, got %d", count)
	}
	if _, applied := tracker.rows["003"]; applied {
		t.Fatalf("003 must not run after a failure")
	}
	if tracker.releases != 1 {
		t.Fatalf("lock must be released on failure, got %d releases", tracker.releases)
	}
}

func TestMigrateFailsWhenLockHeld(t *testing.T) {
	tracker := newFakeTracker()
	tracker.lock = domain.LockInfo{Locked: true, LockedAt: time.Now().Add(-time.Minute), LockedBy: "other"}
	runner := newTestRunner(t, threeMigrationStore(t), tracker)

	_, err := runner.Migrate(context.Background(), "")
	if !errs.IsKind(err, errs.LockHeld) {
		t.Fatalf("expected LockHeld, got %v", err)
	}
	var tagged *errs.Error
	if !errors.As(err, &tagged) || tagged.Holder != "other" {
		t.Fatalf("LockHeld should carry the holder, got %+v", tagged)
	}
	if len(tracker.applyOrder) != 0 {
		t.Fatalf("nothing may be applied while locked")
	}
}

func TestMigrateRefusesOutOfOrderPending(t *testing.T) {
	tracker := newFakeTracker()
	store := threeMigrationStore(t)
	runner := newTestRunner(t, store, tracker)
	if _, err := runner.Migrate(context.Background(), ""); err != nil {
		t.Fatalf("setup migrate: %v", err)
	}

	// A new migration appears below the applied head.
	delete(tracker.rows, "002")
	_, err := runner.Migrate(context.Background(), "")
	if !errs.IsKind(err, errs.PartialMigration) {
		t.Fatalf("expected PartialMigration for out-of-order pending, got %v", err)
	}
}

func TestRollbackRevertsAboveTargetInDescendingOrder(t *testing.T) {
	tracker := newFakeTracker()
	runner := newTestRunner(t, threeMigrationStore(t), tracker)
	if _, err := runner.Migrate(context.Background(), ""); err != nil {
		t.Fatalf("setup migrate: %v", err)
	}

	count, err := runner.Rollback(context.Background(), "001")
	if err != nil {
		t.Fatalf("Rollback returned error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rolled back, got %d", count)
	}
	want := []string{"003", "002"}
	for i, v := range want {
		if tracker.rollOrder[i] != v {
			t.Fatalf("expected descending order %v, got %v", want, tracker.rollOrder)
		}
	}
	if _, ok := tracker.rows["001"]; !ok {
		t.Fatalf("001 must stay applied")
	}
}

func TestMigrateThenRollbackRestoresTracker(t *testing.T) {
	tracker := newFakeTracker()
	runner := newTestRunner(t, threeMigrationStore(t), tracker)

	before, _ := tracker.Applied(context.Background())
	if _, err := runner.Migrate(context.Background(), ""); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := runner.Rollback(context.Background(), ""); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	after, _ := tracker.Applied(context.Background())
	if len(before) != 0 || len(after) != 0 {
		t.Fatalf("rollback to base must restore the original tracker state, got %d rows", len(after))
	}
}

func TestRollbackUsesSnapshotWhenFileMissing(t *testing.T) {
	tracker := newFakeTracker()
	// Row recorded with a snapshot, but no file on disk at all.
	tracker.rows["001"] = domain.AppliedMigration{
		Version:          "001",
		ForwardChecksum:  "x",
		RollbackSnapshot: "DROP TABLE ghosts;",
	}
	store := writeMigrations(t, map[string]string{})
	runner := newTestRunner(t, store, tracker)

	count, err := runner.Rollback(context.Background(), "")
	if err != nil {
		t.Fatalf("Rollback returned error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 rolled back, got %d", count)
	}
}

func TestRollbackWithoutAnySQLFails(t *testing.T) {
	tracker := newFakeTracker()
	tracker.rows["001"] = domain.AppliedMigration{Version: "001", ForwardChecksum: "x"}
	store := writeMigrations(t, map[string]string{})
	runner := newTestRunner(t, store, tracker)

	_, err := runner.Rollback(context.Background(), "")
	if !errs.IsKind(err, errs.MigrationFailed) {
		t.Fatalf("expected MigrationFailed without rollback sql, got %v", err)
	}
}

func TestVerifyDetectsDrift(t *testing.T) {
	tracker := newFakeTracker()
	store := threeMigrationStore(t)
	runner := newTestRunner(t, store, tracker)
	if _, err := runner.Migrate(context.Background(), ""); err != nil {
		t.Fatalf("setup migrate: %v", err)
	}

	// Simulate an edit after apply by changing the recorded checksum.
	row := tracker.rows["002"]
	row.ForwardChecksum = "0000000000000000000000000000000000000000000000000000000000000000"
	tracker.rows["002"] = row

	issues, err := runner.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	var drift int
	for _, issue := range issues {
		if issue.Kind == domain.IssueChecksumMismatch {
			drift++
			if issue.Version != "002" {
				t.Fatalf("drift reported for wrong version %s", issue.Version)
			}
			if !issue.AutoFixable {
				t.Fatalf("checksum drift should be auto-fixable")
			}
		}
	}
	if drift != 1 {
		t.Fatalf("expected exactly one checksum_mismatch, got %d (%v)", drift, issues)
	}
}

func TestVerifyCleanAfterMigrate(t *testing.T) {
	tracker := newFakeTracker()
	runner := newTestRunner(t, threeMigrationStore(t), tracker)
	if _, err := runner.Migrate(context.Background(), ""); err != nil {
		t.Fatalf("setup migrate: %v", err)
	}
	issues, err := runner.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	for _, issue := range issues {
		if issue.Kind == domain.IssueChecksumMismatch || issue.Kind == domain.IssueMissingFile {
			t.Fatalf("unexpected issue after clean migrate: %+v", issue)
		}
	}
}

func TestStatusReportsLock(t *testing.T) {
	tracker := newFakeTracker()
	tracker.lock = domain.LockInfo{Locked: true, LockedAt: time.Now(), LockedBy: "ci"}
	runner := newTestRunner(t, threeMigrationStore(t), tracker)

	status, err := runner.Status(context.Background())
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if !status.IsLocked || status.LockHolder != "ci" {
		t.Fatalf("expected lock visible in status, got %+v", status)
	}
	if len(status.Pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(status.Pending))
	}
}
