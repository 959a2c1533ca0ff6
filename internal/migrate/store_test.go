package migrate

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/lakowske/poststack/internal/errs"
)

func writeMigrations(t *testing.T, files map[string]string) *Store {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return NewStore(dir, slog.Default())
}

func TestDiscoverPairsForwardAndRollback(t *testing.T) {
	store := writeMigrations(t, map[string]string{
		"001_schema.sql":          "CREATE TABLE users (id INT);",
		"001_schema.rollback.sql": "DROP TABLE users;",
		"002_indexes.sql":         "CREATE INDEX idx ON users (id);",
	})

	set, err := store.Discover()
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(set) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(set))
	}
	if set[0].Version != "001" || set[1].Version != "002" {
		t.Fatalf("unexpected ordering: %s, %s", set[0].Version, set[1].Version)
	}
	if !set[0].HasRollback() {
		t.Fatalf("001 should have a rollback")
	}
	if set[1].HasRollback() {
		t.Fatalf("002 should not have a rollback")
	}
	if set[0].RollbackSQL != "DROP TABLE users;" {
		t.Fatalf("unexpected rollback content %q", set[0].RollbackSQL)
	}
}

func TestDiscoverOrdersNumerically(t *testing.T) {
	store := writeMigrations(t, map[string]string{
		"010_ten.sql":  "SELECT 10;",
		"002_two.sql":  "SELECT 2;",
		"001_one.sql":  "SELECT 1;",
		"100_hund.sql": "SELECT 100;",
	})
	set, err := store.Discover()
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	var got []string
	for _, m := range set {
		got = append(got, m.Version)
	}
	want := []string{"001", "002", "010", "100"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestDiscoverDuplicateVersionIsFatal(t *testing.T) {
	store := writeMigrations(t, map[string]string{
		"001_first.sql":  "SELECT 1;",
		"001_second.sql": "SELECT 2;",
	})
	_, err := store.Discover()
	if !errs.IsKind(err, errs.ConfigInvalid) {
		t.Fatalf("expected ConfigInvalid for duplicate versions, got %v", err)
	}
}

func TestDiscoverSkipsInvalidNames(t *testing.T) {
	store := writeMigrations(t, map[string]string{
		"001_good.sql":   "SELECT 1;",
		"notes.sql":      "SELECT 0;",
		"readme.md":      "docs",
		"_002_hidden.sq": "SELECT 2;",
	})
	set, err := store.Discover()
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(set) != 1 || set[0].Version != "001" {
		t.Fatalf("expected only 001, got %v", set)
	}
}

func TestDiscoverMissingDirectoryYieldsEmptySet(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "nope"), slog.Default())
	set, err := store.Discover()
	if err != nil {
		t.Fatalf("missing directory should not error, got %v", err)
	}
	if len(set) != 0 {
		t.Fatalf("expected empty set, got %d", len(set))
	}
}

func TestChecksumIgnoresTrailingNewlines(t *testing.T) {
	a := Checksum([]byte("SELECT 1;"))
	b := Checksum([]byte("SELECT 1;\n"))
	c := Checksum([]byte("SELECT 1;\n\n"))
	if a != b || b != c {
		t.Fatalf("trailing newlines must not change the checksum")
	}
	d := Checksum([]byte("SELECT 2;"))
	if a == d {
		t.Fatalf("different content must produce different checksums")
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got %d chars", len(a))
	}
}

func TestDescriptionFromSlugAndComment(t *testing.T) {
	store := writeMigrations(t, map[string]string{
		"001_initial_schema.sql": "CREATE TABLE t (id INT);",
		"002_seed-data.sql":      "-- Description: seed reference data\nINSERT INTO t VALUES (1);",
	})
	set, err := store.Discover()
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if set[0].Description != "initial schema" {
		t.Fatalf("expected humanized slug, got %q", set[0].Description)
	}
	if set[1].Description != "seed reference data" {
		t.Fatalf("expected comment description, got %q", set[1].Description)
	}
}
