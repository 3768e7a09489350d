// Package store persists job state in SQLite so the daemon survives
// restarts without losing the queue.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store wraps the jobs database.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := CheckLocalFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
  id           TEXT PRIMARY KEY,
  recipe       TEXT NOT NULL,
  cluster      TEXT NOT NULL,
  params       JSON,
  status       TEXT NOT NULL,
  priority     INTEGER NOT NULL DEFAULT 0,
  submitted_by TEXT NOT NULL,
  created_at   TEXT NOT NULL,
  started_at   TEXT,
  completed_at TEXT,
  last_error   TEXT
);`,
		`CREATE INDEX IF NOT EXISTS jobs_status_created_at_idx ON jobs(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS jobs_cluster_status_idx ON jobs(cluster, status);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}

// Submit records a new queued job and returns its id.
func (s *Store) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.Recipe == "" {
		return "", fmt.Errorf("recipe is empty")
	}
	if req.Cluster == "" {
		return "", fmt.Errorf("cluster is empty")
	}
	if req.SubmittedBy == "" {
		return "", fmt.Errorf("submitted_by is empty")
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var params any
	if len(req.Params) > 0 {
		params = string(req.Params)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs(id, recipe, cluster, params, status, priority, submitted_by, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, id, req.Recipe, req.Cluster, params, StatusQueued, req.Priority, req.SubmittedBy, now)
	if err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	return id, nil
}

// Get returns a single job by id.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE id = ?;
`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// List returns jobs matching the filter, newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// ClaimNext claims the highest-priority queued job and marks it running.
// Returns (nil, nil) if the queue is empty.
func (s *Store) ClaimNext(ctx context.Context) (*Job, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	row := s.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM jobs
  WHERE status = ?
  ORDER BY priority DESC, created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE jobs
SET status = ?, started_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING `+jobColumns+`;
`, StatusQueued, StatusRunning, now)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// Complete marks a running job terminal.
func (s *Store) Complete(ctx context.Context, id string, status Status, lastError *string) error {
	if id == "" {
		return fmt.Errorf("job id is empty")
	}
	if !status.Terminal() {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	completedAt := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = ?, completed_at = ?, last_error = ?
WHERE id = ? AND status = ?;
`, status, completedAt, lastError, id, StatusRunning)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Cancel moves a queued or running job to canceled. Terminal jobs return
// ErrNotCancelable.
func (s *Store) Cancel(ctx context.Context, id string) error {
	completedAt := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = ?, completed_at = ?
WHERE id = ? AND status IN (?, ?);
`, StatusCanceled, completedAt, id, StatusQueued, StatusRunning)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	// Distinguish missing from already finished.
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?;`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return ErrNotCancelable
}

// RecoverOrphans requeues jobs left running by a previous daemon process.
// Called once at startup, before the runner starts claiming.
func (s *Store) RecoverOrphans(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = ?, started_at = NULL
WHERE status = ?;
`, StatusQueued, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("recover orphans: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Depth returns how many jobs are waiting to run.
func (s *Store) Depth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?;`, StatusQueued).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

const jobColumns = `id, recipe, cluster, params, status, priority, submitted_by, created_at, started_at, completed_at, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j            Job
		params       sql.NullString
		statusS      string
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		lastError    sql.NullString
	)
	err := row.Scan(
		&j.ID, &j.Recipe, &j.Cluster, &params, &statusS, &j.Priority, &j.SubmittedBy,
		&createdAtS, &startedAtS, &completedAtS, &lastError,
	)
	if err != nil {
		return nil, err
	}

	j.Status = Status(statusS)
	if params.Valid {
		j.Params = []byte(params.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		j.CreatedAt = t
	}
	if startedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAtS.String); err == nil {
			j.StartedAt = &t
		}
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			j.CompletedAt = &t
		}
	}
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	return &j, nil
}
