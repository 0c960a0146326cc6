package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	status       TEXT NOT NULL CHECK (status IN ('pending','processing','completed','failed')),
	priority     INTEGER NOT NULL DEFAULT 0,
	payload      TEXT NOT NULL,
	result       TEXT,
	error        TEXT NOT NULL DEFAULT '',
	retry_count  INTEGER NOT NULL DEFAULT 0,
	max_retries  INTEGER NOT NULL DEFAULT 3,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	started_at   INTEGER,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_dequeue ON jobs(status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created_at ON jobs(status, created_at DESC);
`

const jobColumns = `id, type, status, priority, payload, result, error, retry_count, max_retries, created_at, updated_at, started_at, completed_at`

// SQLiteStore is the JobStore backed by a single sqlite table. Timestamps are
// stored as unix nanoseconds so ordering is exact.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLiteStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *SQLiteStore) CreateJob(ctx context.Context, id string, jobType Type, priority int, payload json.RawMessage, maxRetries int) (*Job, error) {
	j := newJob(id, jobType, priority, payload, maxRetries, s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		jobArgs(j)...,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("create job %s: %w", id, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("create job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) GetPendingJobs(ctx context.Context, limit int) ([]*Job, error) {
	jobs, err := s.query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ?
		 ORDER BY priority DESC, created_at ASC, rowid ASC LIMIT ?`,
		StatusPending, sqlLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("get pending jobs: %w", err)
	}
	return jobs, nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, id string, u Update) (*Job, error) {
	if err := u.validate(); err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	defer tx.Rollback()

	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	j.apply(u, s.now())

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, result = ?, error = ?, retry_count = ?,
		 updated_at = ?, started_at = ?, completed_at = ? WHERE id = ?`,
		j.Status, nullableJSON(j.Result), j.Error, j.RetryCount,
		j.UpdatedAt.UnixNano(), nullableTime(j.StartedAt), nullableTime(j.CompletedAt), j.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) GetJobByID(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) GetJobsByStatus(ctx context.Context, status Status, limit int) ([]*Job, error) {
	jobs, err := s.query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		status, sqlLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("get %s jobs: %w", status, err)
	}
	return jobs, nil
}

func (s *SQLiteStore) CleanupCompletedJobs(ctx context.Context, keepRecent int) (int, error) {
	if keepRecent < 0 {
		keepRecent = 0
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status = ? AND id NOT IN (
			SELECT id FROM jobs WHERE status = ?
			ORDER BY created_at DESC, rowid DESC LIMIT ?
		)`,
		StatusCompleted, StatusCompleted, keepRecent,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup completed jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) ResetProcessing(ctx context.Context) ([]string, error) {
	processing, err := s.GetJobsByStatus(ctx, StatusProcessing, 0)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(processing))
	for _, j := range processing {
		if _, err := s.UpdateJob(ctx, j.ID, Update{Status: StatusPending}); err != nil {
			return ids, err
		}
		ids = append(ids, j.ID)
	}
	return ids, nil
}

func (s *SQLiteStore) Counts(ctx context.Context) (Counts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return Counts{}, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, fmt.Errorf("count jobs: %w", err)
		}
		c.addN(status, n)
	}
	return c, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                      Job
		payload                string
		result                 sql.NullString
		created, updated       int64
		started, completedNano sql.NullInt64
	)
	err := row.Scan(&j.ID, &j.Type, &j.Status, &j.Priority, &payload, &result, &j.Error,
		&j.RetryCount, &j.MaxRetries, &created, &updated, &started, &completedNano)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	j.CreatedAt = time.Unix(0, created).UTC()
	j.UpdatedAt = time.Unix(0, updated).UTC()
	j.StartedAt = timeFromNull(started)
	j.CompletedAt = timeFromNull(completedNano)
	return &j, nil
}

func jobArgs(j *Job) []any {
	return []any{
		j.ID, j.Type, j.Status, j.Priority, string(j.Payload), nullableJSON(j.Result), j.Error,
		j.RetryCount, j.MaxRetries, j.CreatedAt.UnixNano(), j.UpdatedAt.UnixNano(),
		nullableTime(j.StartedAt), nullableTime(j.CompletedAt),
	}
}

func nullableJSON(raw json.RawMessage) sql.NullString {
	if raw == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timeFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

// sqlLimit maps "no limit" onto sqlite's LIMIT -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
}
