// Package index provides the sqlite-backed line index: the persisted mapping
// from (file, line) to the set of tests recorded as covering that line, plus
// per-file content hashes for staleness detection.
//
// The on-disk database is only ever replaced wholesale: build and refresh
// write to a staging file next to the live one and rename it into place as
// their final step, so an interrupted run never leaves a half-written index.
package index

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// DirName is the tool state directory at the project root.
const DirName = ".linetest"

// FileName is the index database file within DirName.
const FileName = "index.db"

// ErrMissing is returned when a query is attempted before any build.
var ErrMissing = errors.New("index database does not exist: run 'linetest build' first")

// SchemaMismatchError is returned when the on-disk format version is
// incompatible with this binary. The index must be rebuilt.
type SchemaMismatchError struct {
	Found int
	Want  int
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("index schema version %d is incompatible with this version of linetest (want %d): run 'linetest build' to rebuild",
		e.Found, e.Want)
}

// Store is an open index database, either live (read-only use) or staging
// (being written by a build or refresh).
type Store struct {
	db   *sql.DB
	path string
}

// FileRecord is the per-file staleness metadata.
type FileRecord struct {
	Path      string
	Hash      string
	LineCount int
	IndexedAt time.Time
}

// TestRecord names one test known to the index.
type TestRecord struct {
	ID   string
	Pkg  string
	Name string
}

// DefaultPath returns the index path under root's state directory.
func DefaultPath(root string) string {
	return filepath.Join(root, DirName, FileName)
}

// Open opens an existing index database for querying. It fails with
// ErrMissing when no database exists, and with SchemaMismatchError when the
// database was written by an incompatible version.
func Open(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMissing
		}
		return nil, fmt.Errorf("stat index db: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.checkSchemaVersion(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// CreateStaging creates a fresh, empty index database at path, replacing
// any leftover staging file from a previous interrupted run.
func CreateStaging(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale staging db: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("create staging db: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// CopyToStaging byte-copies the live database to stagingPath and opens the
// copy for writing. Refresh mutates the copy in per-file transactions and
// promotes it when done, leaving the live database untouched throughout.
func CopyToStaging(livePath, stagingPath string) (*Store, error) {
	src, err := os.Open(livePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMissing
		}
		return nil, fmt.Errorf("open live index db: %w", err)
	}
	defer src.Close()

	if err := os.Remove(stagingPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale staging db: %w", err)
	}
	dst, err := os.Create(stagingPath)
	if err != nil {
		return nil, fmt.Errorf("create staging db: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(stagingPath)
		return nil, fmt.Errorf("copy index db to staging: %w", err)
	}
	if err := dst.Close(); err != nil {
		return nil, fmt.Errorf("close staging db copy: %w", err)
	}

	db, err := sql.Open("sqlite", stagingPath)
	if err != nil {
		return nil, fmt.Errorf("open staging db: %w", err)
	}
	s := &Store{db: db, path: stagingPath}
	if err := s.checkSchemaVersion(); err != nil {
		db.Close()
		os.Remove(stagingPath)
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Discard closes a staging store and removes its file.
func (s *Store) Discard() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove staging db: %w", err)
	}
	return nil
}

// Promote closes a staging store and atomically renames it over livePath.
// This is the single publication step of a build or refresh.
func (s *Store) Promote(livePath string) error {
	if err := s.Close(); err != nil {
		return fmt.Errorf("close staging db: %w", err)
	}
	if err := os.Rename(s.path, livePath); err != nil {
		return fmt.Errorf("promote staging db: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) checkSchemaVersion() error {
	var value string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&value)
	if err != nil {
		// A database without a readable version marker is from an unknown
		// format; treat it the same as a version mismatch.
		return &SchemaMismatchError{Found: 0, Want: SchemaVersion}
	}
	found, err := strconv.Atoi(value)
	if err != nil || found != SchemaVersion {
		return &SchemaMismatchError{Found: found, Want: SchemaVersion}
	}
	return nil
}

// SetBuiltAt records the timestamp of the last full build.
func (s *Store) SetBuiltAt(t time.Time) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO meta (key, value) VALUES ('built_at', ?)`,
		t.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set built_at: %w", err)
	}
	return nil
}

// BuiltAt returns the timestamp of the last full build, or the zero time if
// none was recorded.
func (s *Store) BuiltAt() (time.Time, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'built_at'`).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get built_at: %w", err)
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse built_at: %w", err)
	}
	return t, nil
}

// InsertTests records tests in the index, replacing existing entries.
func (s *Store) InsertTests(tests []TestRecord) error {
	if len(tests) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO tests (id, pkg, name) VALUES (?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, test := range tests {
		if _, err := stmt.Exec(test.ID, test.Pkg, test.Name); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert test %s: %w", test.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Tests returns every test known to the index, ordered by id.
func (s *Store) Tests() ([]TestRecord, error) {
	rows, err := s.db.Query(`SELECT id, pkg, name FROM tests ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query tests: %w", err)
	}
	defer rows.Close()

	var tests []TestRecord
	for rows.Next() {
		var test TestRecord
		if err := rows.Scan(&test.ID, &test.Pkg, &test.Name); err != nil {
			return nil, fmt.Errorf("scan test row: %w", err)
		}
		tests = append(tests, test)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate test rows: %w", err)
	}
	return tests, nil
}

// ReplaceFile replaces a file's record and all of its line entries in a
// single transaction. Line entries for a file are only ever written together
// as a unit; there is no per-line update path.
func (s *Store) ReplaceFile(rec FileRecord, lineTests map[int][]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM line_tests WHERE path = ?`, rec.Path); err != nil {
		return fmt.Errorf("clear line entries for %s: %w", rec.Path, err)
	}

	indexedAt := rec.IndexedAt
	if indexedAt.IsZero() {
		indexedAt = time.Now()
	}
	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO files (path, hash, line_count, indexed_at) VALUES (?, ?, ?, ?)`,
		rec.Path, rec.Hash, rec.LineCount, indexedAt.UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("upsert file record %s: %w", rec.Path, err)
	}

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO line_tests (path, line, test_id) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for line, testIDs := range lineTests {
		for _, testID := range testIDs {
			if _, err := stmt.Exec(rec.Path, line, testID); err != nil {
				return fmt.Errorf("insert line entry %s:%d: %w", rec.Path, line, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// MergeFile adds line entries to a file without discarding the ones already
// recorded, updating the file's record in the same transaction. Used when
// extending an index with additional tests whose coverage supplements, rather
// than supersedes, what was collected before.
func (s *Store) MergeFile(rec FileRecord, lineTests map[int][]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	indexedAt := rec.IndexedAt
	if indexedAt.IsZero() {
		indexedAt = time.Now()
	}
	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO files (path, hash, line_count, indexed_at) VALUES (?, ?, ?, ?)`,
		rec.Path, rec.Hash, rec.LineCount, indexedAt.UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("upsert file record %s: %w", rec.Path, err)
	}

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO line_tests (path, line, test_id) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for line, testIDs := range lineTests {
		for _, testID := range testIDs {
			if _, err := stmt.Exec(rec.Path, line, testID); err != nil {
				return fmt.Errorf("insert line entry %s:%d: %w", rec.Path, line, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// DeleteFile removes a file's record and line entries.
func (s *Store) DeleteFile(path string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM line_tests WHERE path = ?`, path); err != nil {
		return fmt.Errorf("delete line entries for %s: %w", path, err)
	}
	if _, err := tx.Exec(`DELETE FROM files WHERE path = ?`, path); err != nil {
		return fmt.Errorf("delete file record %s: %w", path, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// File returns the record for path, or nil if the file is not indexed.
func (s *Store) File(path string) (*FileRecord, error) {
	var rec FileRecord
	var indexedAt string
	err := s.db.QueryRow(
		`SELECT path, hash, line_count, indexed_at FROM files WHERE path = ?`, path,
	).Scan(&rec.Path, &rec.Hash, &rec.LineCount, &indexedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file record %s: %w", path, err)
	}
	rec.IndexedAt, _ = time.Parse(time.RFC3339, indexedAt)
	return &rec, nil
}

// Files returns every file record, ordered by path.
func (s *Store) Files() ([]FileRecord, error) {
	rows, err := s.db.Query(`SELECT path, hash, line_count, indexed_at FROM files ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("query file records: %w", err)
	}
	defer rows.Close()

	var records []FileRecord
	for rows.Next() {
		var rec FileRecord
		var indexedAt string
		if err := rows.Scan(&rec.Path, &rec.Hash, &rec.LineCount, &indexedAt); err != nil {
			return nil, fmt.Errorf("scan file row: %w", err)
		}
		rec.IndexedAt, _ = time.Parse(time.RFC3339, indexedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file rows: %w", err)
	}
	return records, nil
}

// QueryLine returns the sorted test ids recorded as covering (path, line).
// An empty result is a valid answer; callers are responsible for checking
// that the file is indexed and the line is in range.
func (s *Store) QueryLine(path string, line int) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT test_id FROM line_tests WHERE path = ? AND line = ? ORDER BY test_id`,
		path, line,
	)
	if err != nil {
		return nil, fmt.Errorf("query line %s:%d: %w", path, line, err)
	}
	defer rows.Close()
	return scanTestIDs(rows)
}

// TestsForFile returns the distinct tests that cover any line of path. This
// is the re-collection set used by refresh when the file's content drifts.
func (s *Store) TestsForFile(path string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT test_id FROM line_tests WHERE path = ? ORDER BY test_id`, path,
	)
	if err != nil {
		return nil, fmt.Errorf("query tests for %s: %w", path, err)
	}
	defer rows.Close()
	return scanTestIDs(rows)
}

// TestsWithoutCoverage returns tests with no recorded line entries at all.
func (s *Store) TestsWithoutCoverage() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT id FROM tests
		WHERE id NOT IN (SELECT DISTINCT test_id FROM line_tests)
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query zero-coverage tests: %w", err)
	}
	defer rows.Close()
	return scanTestIDs(rows)
}

func scanTestIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan test id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate test ids: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}
