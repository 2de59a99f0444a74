package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloud-shuttle/dray/pkg/types"
)

// PostgresStore keeps history in a shared Postgres database
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects and ensures the schema exists
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS builds (
			id TEXT PRIMARY KEY,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL,
			roots JSONB NOT NULL,
			success BOOLEAN NOT NULL,
			exit_code INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_builds_started ON builds (started_at DESC);`,
		`CREATE TABLE IF NOT EXISTS build_tasks (
			build_id TEXT NOT NULL REFERENCES builds(id) ON DELETE CASCADE,
			task_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			external BOOLEAN NOT NULL,
			state TEXT NOT NULL,
			runs INTEGER NOT NULL DEFAULT 0,
			run_failures INTEGER NOT NULL DEFAULT 0,
			checks INTEGER NOT NULL DEFAULT 0,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			failures JSONB NOT NULL DEFAULT '[]',
			PRIMARY KEY (build_id, task_id)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init history schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// Close releases the pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// RecordBuild implements Store
func (s *PostgresStore) RecordBuild(ctx context.Context, rec *Record) error {
	roots, err := json.Marshal(rec.Roots)
	if err != nil {
		return fmt.Errorf("encode roots: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO builds (id, started_at, finished_at, roots, success, exit_code)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET
			started_at=EXCLUDED.started_at,
			finished_at=EXCLUDED.finished_at,
			roots=EXCLUDED.roots,
			success=EXCLUDED.success,
			exit_code=EXCLUDED.exit_code`,
		rec.ID, rec.StartedAt, rec.FinishedAt, roots, rec.Success, rec.ExitCode,
	)
	if err != nil {
		return fmt.Errorf("upsert build: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM build_tasks WHERE build_id=$1`, rec.ID); err != nil {
		return fmt.Errorf("delete prior tasks: %w", err)
	}

	for _, t := range rec.Tasks {
		failures, err := json.Marshal(t.Failures)
		if err != nil {
			return fmt.Errorf("encode failures: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO build_tasks (
				build_id, task_id, kind, external, state, runs, run_failures, checks,
				consecutive_failures, reason, failures
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			rec.ID, t.ID, t.Kind, t.External, string(t.State), t.Runs, t.RunFailures, t.Checks,
			t.ConsecutiveFailures, t.Reason, failures,
		)
		if err != nil {
			return fmt.Errorf("insert build task: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetBuild implements Store
func (s *PostgresStore) GetBuild(ctx context.Context, id string) (*Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, started_at, finished_at, roots, success, exit_code FROM builds WHERE id=$1`, id)
	rec, err := scanPostgresBuild(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get build: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT task_id, kind, external, state, runs, run_failures, checks,
		        consecutive_failures, reason, failures
		   FROM build_tasks WHERE build_id=$1 ORDER BY task_id`, id)
	if err != nil {
		return nil, fmt.Errorf("list build tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t        types.TaskOutcome
			state    string
			failures []byte
		)
		if err := rows.Scan(&t.ID, &t.Kind, &t.External, &state, &t.Runs, &t.RunFailures, &t.Checks,
			&t.ConsecutiveFailures, &t.Reason, &failures); err != nil {
			return nil, fmt.Errorf("scan build task: %w", err)
		}
		t.State = types.TaskState(state)
		if err := json.Unmarshal(failures, &t.Failures); err != nil {
			return nil, fmt.Errorf("decode failures: %w", err)
		}
		rec.Tasks = append(rec.Tasks, t)
	}
	return rec, rows.Err()
}

// ListBuilds implements Store
func (s *PostgresStore) ListBuilds(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, started_at, finished_at, roots, success, exit_code
		   FROM builds ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanPostgresBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanPostgresBuild(row pgx.Row) (*Record, error) {
	var (
		rec   Record
		roots []byte
	)
	if err := row.Scan(&rec.ID, &rec.StartedAt, &rec.FinishedAt, &roots, &rec.Success, &rec.ExitCode); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(roots, &rec.Roots); err != nil {
		return nil, fmt.Errorf("decode roots: %w", err)
	}
	return &rec, nil
}
