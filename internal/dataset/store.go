// Copyright KnightForest, 2026. All rights reserved.

// Package dataset reads and records measurement runs in the SQLite layout
// used by the measurement framework: an experiments table, a runs table,
// parameter layouts with their dependencies, and one results table per run.
//
// The read side (Experiments, Runs, ParameterData) is what extraction
// consumes. The record side (NewExperiment, NewRun, AddResults, ...) is
// what sweeps write through.
package dataset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrUnknownParameter is returned when a name is not a parameter of the run.
	ErrUnknownParameter = errors.New("unknown parameter")

	// ErrInvalidParameters is returned by NewRun for duplicate names or
	// dependencies that do not name another parameter of the run.
	ErrInvalidParameters = errors.New("invalid parameter set")

	// ErrReadOnly is returned by record operations on a store opened with Open.
	ErrReadOnly = errors.New("dataset opened read-only")
)

// Store wraps a measurement database.
type Store struct {
	db       *sql.DB
	path     string
	readOnly bool
	now      func() time.Time
}

// Open opens an existing database read-only. Extraction uses this so it
// can run while a sweep in another connection keeps appending rows.
func Open(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	dsn, err := fileDSN(path, "mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return &Store{db: db, path: path, readOnly: true, now: time.Now}, nil
}

// Create opens or creates a writable database at path and makes sure the
// schema exists.
func Create(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn, err := fileDSN(path, "_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{db: db, path: path, now: time.Now}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

// fileDSN builds a file: URI for path so that characters such as '#', '?'
// and spaces stay part of the file name instead of starting a fragment or
// query.
func fileDSN(path, query string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving database path %s: %w", path, err)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs), RawQuery: query}
	return u.String(), nil
}

// Path returns the database file the store was opened on.
func (s *Store) Path() string {
	return s.path
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS experiments (
			exp_id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT,
			sample_name TEXT,
			start_time REAL,
			end_time REAL,
			format_string TEXT,
			run_counter INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id INTEGER PRIMARY KEY AUTOINCREMENT,
			exp_id INTEGER NOT NULL REFERENCES experiments(exp_id),
			name TEXT,
			result_table_name TEXT,
			result_counter INTEGER DEFAULT 0,
			run_timestamp REAL,
			completed_timestamp REAL,
			is_completed INTEGER DEFAULT 0,
			parameters TEXT,
			guid TEXT,
			run_description TEXT,
			snapshot TEXT,
			captured_run_id INTEGER,
			captured_counter INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS layouts (
			layout_id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL REFERENCES runs(run_id),
			parameter TEXT,
			label TEXT,
			unit TEXT,
			inferred_from TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS dependencies (
			dependent INTEGER REFERENCES layouts(layout_id),
			independent INTEGER REFERENCES layouts(layout_id),
			axis_num INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_exp_id ON runs(exp_id)`,
		`CREATE INDEX IF NOT EXISTS idx_layouts_run_id ON layouts(run_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// hasColumn reports whether table has a column called name. Metadata
// such as the run comment lives in columns added on demand.
func (s *Store) hasColumn(ctx context.Context, table, name string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return false, fmt.Errorf("reading columns of %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return false, err
		}
		if strings.EqualFold(col, name) {
			return true, nil
		}
	}
	return false, rows.Err()
}

// quoteIdent quotes a table or column name for interpolation into SQL.
// Result tables are named "results-<exp>-<counter>" and parameter names may
// contain any character, so every identifier goes through here.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnix(f float64) time.Time {
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).Round(time.Microsecond)
}
