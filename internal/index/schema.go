package index

// SchemaVersion is the on-disk format version. A database written by a
// different version is rejected on open and must be rebuilt.
const SchemaVersion = 1

// schemaSQL defines the sqlite schema for the line index.
// Tables:
//   - meta: schema version and build timestamp
//   - files: one record per indexed source file with its content hash
//   - tests: every test known to the index
//   - line_tests: one row per (file, line, covering test)
//
// Covered lines are materialized as line_tests rows; a file record with no
// row for a line within its line_count is the explicit empty set for that
// line.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
    path TEXT PRIMARY KEY,
    hash TEXT NOT NULL,
    line_count INTEGER NOT NULL,
    indexed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tests (
    id TEXT PRIMARY KEY,
    pkg TEXT NOT NULL,
    name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS line_tests (
    path TEXT NOT NULL,
    line INTEGER NOT NULL,
    test_id TEXT NOT NULL,
    PRIMARY KEY (path, line, test_id)
);

CREATE INDEX IF NOT EXISTS idx_line_tests_path ON line_tests(path);
CREATE INDEX IF NOT EXISTS idx_line_tests_test ON line_tests(test_id);
`

// initSchema creates the tables and records the schema version.
func (s *Store) initSchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO meta (key, value) VALUES ('schema_version', ?)`,
		SchemaVersion,
	)
	return err
}
