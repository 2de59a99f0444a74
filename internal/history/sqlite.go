package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/cloud-shuttle/dray/pkg/types"
)

// SQLiteStore keeps history in a local SQLite file
type SQLiteStore struct {
	DB *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty sqlite path", ErrUnsupportedURL)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	s := &SQLiteStore{DB: db}
	if err := s.InitSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

// InitSchema creates the history tables
func (s *SQLiteStore) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS builds (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		roots TEXT NOT NULL,
		success INTEGER NOT NULL,
		exit_code INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS build_tasks (
		build_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		external INTEGER NOT NULL,
		state TEXT NOT NULL,
		runs INTEGER NOT NULL DEFAULT 0,
		run_failures INTEGER NOT NULL DEFAULT 0,
		checks INTEGER NOT NULL DEFAULT 0,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		failures TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (build_id, task_id),
		FOREIGN KEY (build_id) REFERENCES builds(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_builds_started ON builds(started_at DESC);
	`
	_, err := s.DB.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.DB.Close()
}

// RecordBuild implements Store
func (s *SQLiteStore) RecordBuild(ctx context.Context, rec *Record) error {
	roots, err := json.Marshal(rec.Roots)
	if err != nil {
		return fmt.Errorf("encoding roots: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO builds (id, started_at, finished_at, roots, success, exit_code)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.StartedAt.UnixMilli(), rec.FinishedAt.UnixMilli(), string(roots), rec.Success, rec.ExitCode)
	if err != nil {
		return fmt.Errorf("inserting build: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM build_tasks WHERE build_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("deleting prior tasks: %w", err)
	}

	for _, t := range rec.Tasks {
		failures, err := json.Marshal(t.Failures)
		if err != nil {
			return fmt.Errorf("encoding failures: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO build_tasks (build_id, task_id, kind, external, state, runs, run_failures,
				checks, consecutive_failures, reason, failures)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, t.ID, t.Kind, t.External, string(t.State), t.Runs, t.RunFailures,
			t.Checks, t.ConsecutiveFailures, t.Reason, string(failures))
		if err != nil {
			return fmt.Errorf("inserting task %s: %w", t.ID, err)
		}
	}

	return tx.Commit()
}

// GetBuild implements Store
func (s *SQLiteStore) GetBuild(ctx context.Context, id string) (*Record, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, roots, success, exit_code
		FROM builds WHERE id = ?`, id)
	rec, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting build: %w", err)
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT task_id, kind, external, state, runs, run_failures, checks,
			consecutive_failures, reason, failures
		FROM build_tasks WHERE build_id = ? ORDER BY task_id`, id)
	if err != nil {
		return nil, fmt.Errorf("listing build tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t        types.TaskOutcome
			state    string
			failures string
		)
		if err := rows.Scan(&t.ID, &t.Kind, &t.External, &state, &t.Runs, &t.RunFailures, &t.Checks,
			&t.ConsecutiveFailures, &t.Reason, &failures); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		t.State = types.TaskState(state)
		if err := json.Unmarshal([]byte(failures), &t.Failures); err != nil {
			return nil, fmt.Errorf("decoding failures: %w", err)
		}
		rec.Tasks = append(rec.Tasks, t)
	}
	return rec, rows.Err()
}

// ListBuilds implements Store
func (s *SQLiteStore) ListBuilds(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, started_at, finished_at, roots, success, exit_code
		FROM builds ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing builds: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning build: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBuild(row scanner) (*Record, error) {
	var (
		rec               Record
		started, finished int64
		roots             string
	)
	if err := row.Scan(&rec.ID, &started, &finished, &roots, &rec.Success, &rec.ExitCode); err != nil {
		return nil, err
	}
	rec.StartedAt = time.UnixMilli(started)
	rec.FinishedAt = time.UnixMilli(finished)
	if err := json.Unmarshal([]byte(roots), &rec.Roots); err != nil {
		return nil, fmt.Errorf("decoding roots: %w", err)
	}
	return &rec, nil
}
