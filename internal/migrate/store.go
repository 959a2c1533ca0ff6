// Package migrate implements the schema migration engine: discovery of the
// on-disk migration set, ordered forward/rollback application against the
// tracker, drift verification, and diagnostics over inconsistent state.
package migrate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/lakowske/poststack/internal/domain"
	"github.com/lakowske/poststack/internal/errs"
)

var filePattern = regexp.MustCompile(`^(\d+)_([A-Za-z0-9_-]+?)(\.rollback)?\.sql$`)

// Store is a read-only view of the migration directory.
type Store struct {
	dir string
	log *slog.Logger
}

// NewStore creates a store over the given migrations directory.
func NewStore(dir string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{dir: dir, log: log}
}

// Dir returns the migrations directory.
func (s *Store) Dir() string { return s.dir }

// Discover scans the directory and returns the migration set ordered by
// version. A missing directory yields an empty set; duplicate versions are a
// fatal configuration error.
func (s *Store) Discover() ([]domain.Migration, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		s.log.Warn("migrations directory not found", "dir", s.dir)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", s.dir, err)
	}

	type pair struct {
		forward  string
		rollback string
		slug     string
	}
	pairs := map[string]*pair{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		groups := filePattern.FindStringSubmatch(entry.Name())
		if groups == nil {
			if strings.HasSuffix(entry.Name(), ".sql") {
				s.log.Warn("skipping invalid migration filename", "file", entry.Name())
			}
			continue
		}
		version, isRollback := groups[1], groups[3] != ""
		p := pairs[version]
		if p == nil {
			p = &pair{}
			pairs[version] = p
		}
		if isRollback {
			if p.rollback != "" {
				return nil, errs.New(errs.ConfigInvalid,
					"duplicate rollback for version %s: %s and %s", version, p.rollback, entry.Name())
			}
			p.rollback = entry.Name()
		} else {
			if p.forward != "" {
				return nil, errs.New(errs.ConfigInvalid,
					"duplicate migration version %s: %s and %s", version, p.forward, entry.Name())
			}
			p.forward = entry.Name()
			p.slug = groups[2]
		}
	}

	versions := make([]string, 0, len(pairs))
	for v := range pairs {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool {
		return versionLess(versions[i], versions[j])
	})

	migrations := make([]domain.Migration, 0, len(versions))
	for _, version := range versions {
		p := pairs[version]
		if p.forward == "" {
			s.log.Warn("rollback file without forward migration", "version", version, "file", p.rollback)
			continue
		}
		m, err := s.load(version, p.slug, p.forward, p.rollback)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, m)
	}
	return migrations, nil
}

// ByVersion returns the discovered set keyed by version.
func (s *Store) ByVersion() (map[string]domain.Migration, error) {
	set, err := s.Discover()
	if err != nil {
		return nil, err
	}
	byVersion := make(map[string]domain.Migration, len(set))
	for _, m := range set {
		byVersion[m.Version] = m
	}
	return byVersion, nil
}

func (s *Store) load(version, slug, forward, rollback string) (domain.Migration, error) {
	forwardPath := filepath.Join(s.dir, forward)
	forwardSQL, err := os.ReadFile(forwardPath)
	if err != nil {
		return domain.Migration{}, fmt.Errorf("read migration %s: %w", forwardPath, err)
	}
	m := domain.Migration{
		Version:         version,
		Description:     describeMigration(slug, string(forwardSQL)),
		ForwardPath:     forwardPath,
		ForwardSQL:      string(forwardSQL),
		ForwardChecksum: Checksum(forwardSQL),
	}
	if rollback != "" {
		rollbackPath := filepath.Join(s.dir, rollback)
		rollbackSQL, err := os.ReadFile(rollbackPath)
		if err != nil {
			return domain.Migration{}, fmt.Errorf("read rollback %s: %w", rollbackPath, err)
		}
		m.RollbackPath = rollbackPath
		m.RollbackSQL = string(rollbackSQL)
		m.RollbackChecksum = Checksum(rollbackSQL)
	} else {
		s.log.Warn("migration has no rollback file", "version", version)
	}
	return m, nil
}

// Checksum hashes migration content with trailing newlines stripped, so a
// trailing-newline edit does not register as drift.
func Checksum(content []byte) string {
	trimmed := strings.TrimRight(string(content), "\n")
	sum := sha256.Sum256([]byte(trimmed))
	return hex.EncodeToString(sum[:])
}

// describeMigration prefers an explicit "-- Description:" comment near the
// top of the script and falls back to the humanized slug.
func describeMigration(slug, sql string) string {
	lines := strings.Split(sql, "\n")
	for i, line := range lines {
		if i >= 10 {
			break
		}
		trimmed := strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(trimmed, "-- Description:"); ok {
			return strings.TrimSpace(rest)
		}
	}
	return strings.ReplaceAll(strings.ReplaceAll(slug, "_", " "), "-", " ")
}

// versionLess orders versions by the numeric value of their prefix, falling
// back to string comparison for equal values with different padding.
func versionLess(a, b string) bool {
	na, nb := numericVersion(a), numericVersion(b)
	if na != nb {
		return na < nb
	}
	return a < b
}

func numericVersion(v string) int64 {
	var n int64
	for _, r := range v {
		if r < '0' || r > '9' {
			return -1
		}
		n = n*10 + int64(r-'0')
	}
	return n
}
