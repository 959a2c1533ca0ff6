package domain

// IssueKind classifies a tracker/file inconsistency found by diagnostics.
type IssueKind string

const (
	IssueMissingTracking  IssueKind = "missing_tracking"
	IssueMissingFile      IssueKind = "missing_file"
	IssueChecksumMismatch IssueKind = "checksum_mismatch"
	IssueStuckLock        IssueKind = "stuck_lock"
	IssueOrphanedSchema   IssueKind = "orphaned_schema"
	IssuePartialMigration IssueKind = "partial_migration"
	IssueDuplicateVersion IssueKind = "duplicate_version"
	IssueRollbackMissing  IssueKind = "rollback_missing"
	IssueInvalidMigration IssueKind = "invalid_migration"
	IssueCorruptedData    IssueKind = "corrupted_data"
)

// Severity ranks how urgently an issue needs operator attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Issue is one inconsistency between the migration files, the tracker and the
// observable database schema.
type Issue struct {
	Kind         IssueKind
	Severity     Severity
	Version      string
	Description  string
	Details      map[string]string
	SuggestedFix string
	AutoFixable  bool
}

// RepairAction describes one mutation a repair run performed or, in dry-run
// mode, would perform.
type RepairAction struct {
	Issue   Issue
	Action  string
	Applied bool
}
