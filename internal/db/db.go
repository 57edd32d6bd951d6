package db

import (
	"database/sql"
	"fmt"
	"regexp"

	"h2h-suppress/internal/logger"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite cube database. The path is fixed at Open time and
// threaded through this handle; no other code derives it.
type DB struct {
	sql  *sql.DB
	path string
}

// Open opens (or creates) the cube database at path and runs migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, &CubeUnreadableError{Path: path, Err: err}
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, &CubeUnreadableError{Path: path, Err: err}
	}
	d := &DB{sql: sqlDB, path: path}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	logger.Success("DB", fmt.Sprintf("Opened %s", path))
	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

// Path returns the database file path this handle was opened with.
func (d *DB) Path() string {
	return d.path
}

func (d *DB) migrate() error {
	version := 0
	d.sql.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS ingest_log (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				table_name  TEXT NOT NULL,
				dataset     TEXT NOT NULL,
				metric      TEXT NOT NULL,
				segment     TEXT NOT NULL,
				row_count   INTEGER NOT NULL,
				ingested_at TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_ingest_log_table ON ingest_log(table_name, ingested_at DESC);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		logger.Info("DB", "Applied migration v1 (ingest log)")
	}

	return nil
}

// Query runs a read-only SQL statement against the cube database. Callers own
// closing the returned rows.
func (d *DB) Query(query string, args ...interface{}) (*sql.Rows, error) {
	rows, err := d.sql.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("cube query: %w", err)
	}
	return rows, nil
}

// SqlDB returns the underlying *sql.DB for packages that need prepared
// statements or transactions of their own.
func (d *DB) SqlDB() *sql.DB {
	return d.sql
}

var identRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// CubeTable returns the canonical cube table name for a dataset, metric and
// mover segment, e.g. gamoshi_win_mover_cube. Identifier parts are validated
// because table names cannot be bound as SQL parameters.
func CubeTable(dataset, metric, segment string) (string, error) {
	for _, part := range []string{dataset, metric, segment} {
		if !identRe.MatchString(part) {
			return "", fmt.Errorf("invalid cube identifier %q", part)
		}
	}
	if metric != "win" && metric != "loss" {
		return "", fmt.Errorf("invalid cube metric %q (want win or loss)", metric)
	}
	return fmt.Sprintf("%s_%s_%s_cube", dataset, metric, segment), nil
}

// CensusCubeTable returns the census-block-grained variant table name.
func CensusCubeTable(dataset, metric, segment string) (string, error) {
	name, err := CubeTable(dataset, metric, segment)
	if err != nil {
		return "", err
	}
	return name + "_census", nil
}

func (d *DB) tableExists(tableName string) (bool, error) {
	var name string
	err := d.sql.QueryRow(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ? LIMIT 1`,
		tableName,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RequireTable verifies that a cube table exists, returning CubeMissingError
// when it does not. Every read path calls this before querying so a missing
// cube surfaces as a typed error rather than a raw SQLite failure.
func (d *DB) RequireTable(tableName string) error {
	ok, err := d.tableExists(tableName)
	if err != nil {
		return fmt.Errorf("check table %s: %w", tableName, err)
	}
	if !ok {
		return &CubeMissingError{Table: tableName, Path: d.path}
	}
	return nil
}
