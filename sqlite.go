//go:build sqlite
// +build sqlite

package queuectl

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend implements the Backend interface using SQLite.
// It provides ACID transactions and is suitable for single-server deployments.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend creates a new SQLite backend.
// The database file will be created if it doesn't exist.
// dbPath is the path to the SQLite database file.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	// _txlock=immediate acquires the write lock at BEGIN, which makes the
	// claim transaction a single serializable read-modify-write.
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	backend := &SQLiteBackend{db: db}

	// Initialize schema
	if err := backend.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return backend, nil
}

// Close closes the database connection
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// initSchema initializes the database schema. Timestamps are stored as
// UnixNano so FIFO ordering survives sub-second submission bursts; rowid
// provides the insertion-order tie-break.
func (b *SQLiteBackend) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		error_message TEXT
	);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		max_retries INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		error_message TEXT,
		moved_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_moved_at ON dead_letters(moved_at);
	`

	_, err := b.db.Exec(schema)
	return err
}

// AddJob inserts a new job
func (b *SQLiteBackend) AddJob(ctx context.Context, job *Job) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	var exists int
	err = b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, job.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check existing job: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateJobID, job.ID)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO jobs (id, command, state, attempts, max_retries, created_at, updated_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.Command, job.State, job.Attempts, job.MaxRetries,
		job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano(), nullableString(job.ErrorMessage))
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (b *SQLiteBackend) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	row := b.db.QueryRowContext(ctx, `
		SELECT id, command, state, attempts, max_retries, created_at, updated_at, error_message
		FROM jobs
		WHERE id = ?
	`, jobID)
	return scanJob(row, jobID)
}

// ClaimNextPending atomically claims the oldest pending job. The immediate
// transaction holds the write lock across the select and the guarded update,
// so two racing claimers can never both succeed on the same row.
func (b *SQLiteBackend) ClaimNextPending(ctx context.Context) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var jobID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE state = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1
	`, JobStatePending).Scan(&jobID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pending job: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`, JobStateProcessing, time.Now().UTC().UnixNano(), jobID, JobStatePending)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check claim result: %w", err)
	}
	if affected == 0 {
		// Another claimer got the row first; a normal no-job outcome.
		return nil, nil
	}

	row := tx.QueryRowContext(ctx, `
		SELECT id, command, state, attempts, max_retries, created_at, updated_at, error_message
		FROM jobs
		WHERE id = ?
	`, jobID)
	job, err := scanJob(row, jobID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return job, nil
}

// UpdateJobState sets the job's state and error message
func (b *SQLiteBackend) UpdateJobState(ctx context.Context, jobID string, state JobState, errorMessage string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	res, err := b.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, updated_at = ?, error_message = ?
		WHERE id = ?
	`, state, time.Now().UTC().UnixNano(), nullableString(errorMessage), jobID)
	if err != nil {
		return fmt.Errorf("failed to update job state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return nil
}

// IncrementAttempts atomically increments the job's attempt counter and
// returns the new count
func (b *SQLiteBackend) IncrementAttempts(ctx context.Context, jobID string) (int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return 0, err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET attempts = attempts + 1, updated_at = ?
		WHERE id = ?
	`, time.Now().UTC().UnixNano(), jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to increment attempts: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return 0, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	var attempts int
	if err := tx.QueryRowContext(ctx, `SELECT attempts FROM jobs WHERE id = ?`, jobID).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("failed to read attempts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return attempts, nil
}

// MoveToDeadLetter atomically removes the job and archives it as a
// dead-letter entry
func (b *SQLiteBackend) MoveToDeadLetter(ctx context.Context, job *Job) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job is nil")
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, command, state, attempts, max_retries, created_at, updated_at, error_message
		FROM jobs
		WHERE id = ?
	`, job.ID)
	stored, err := scanJob(row, job.ID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, stored.ID); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dead_letters (id, command, state, attempts, max_retries, created_at, updated_at, error_message, moved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, stored.ID, stored.Command, JobStateDead, stored.Attempts, stored.MaxRetries,
		stored.CreatedAt.UnixNano(), stored.UpdatedAt.UnixNano(),
		nullableString(stored.ErrorMessage), time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert dead-letter entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListJobs returns jobs sorted by creation time descending
func (b *SQLiteBackend) ListJobs(ctx context.Context, state JobState, limit int) ([]*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	query := `
		SELECT id, command, state, attempts, max_retries, created_at, updated_at, error_message
		FROM jobs
	`
	var args []interface{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*Job, 0)
	for rows.Next() {
		job, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListDeadLetters returns dead-letter entries, most recently moved first
func (b *SQLiteBackend) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetterEntry, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	query := `
		SELECT id, command, state, attempts, max_retries, created_at, updated_at, error_message, moved_at
		FROM dead_letters
		ORDER BY moved_at DESC, rowid DESC
	`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	entries := make([]*DeadLetterEntry, 0)
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GetDeadLetter retrieves a dead-letter entry by ID
func (b *SQLiteBackend) GetDeadLetter(ctx context.Context, jobID string) (*DeadLetterEntry, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT id, command, state, attempts, max_retries, created_at, updated_at, error_message, moved_at
		FROM dead_letters
		WHERE id = ?
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead-letter entry: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to query dead-letter entry: %w", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, jobID)
	}
	return scanDeadLetter(rows)
}

// RetryDeadLetter moves a dead-letter entry back to the job table as a fresh
// pending job
func (b *SQLiteBackend) RetryDeadLetter(ctx context.Context, jobID string) (bool, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return false, err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var command string
	var maxRetries int
	var createdAt int64
	err = tx.QueryRowContext(ctx, `
		SELECT command, max_retries, created_at FROM dead_letters WHERE id = ?
	`, jobID).Scan(&command, &maxRetries, &createdAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query dead-letter entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, jobID); err != nil {
		return false, fmt.Errorf("failed to delete dead-letter entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, command, state, attempts, max_retries, created_at, updated_at, error_message)
		VALUES (?, ?, ?, 0, ?, ?, ?, NULL)
	`, jobID, command, JobStatePending, maxRetries, createdAt, time.Now().UTC().UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to re-insert job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// Stats returns a count per state plus the "dlq" total
func (b *SQLiteBackend) Stats(ctx context.Context) (map[string]int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	stats := make(map[string]int, len(jobStates)+1)
	for _, state := range jobStates {
		stats[string(state)] = 0
	}

	rows, err := b.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to query job stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats[state] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var dlqCount int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&dlqCount); err != nil {
		return nil, fmt.Errorf("failed to count dead letters: %w", err)
	}
	stats["dlq"] = dlqCount

	return stats, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJobFields(row rowScanner) (*Job, error) {
	job := &Job{}
	var createdAt, updatedAt int64
	var errorMessage sql.NullString

	err := row.Scan(
		&job.ID, &job.Command, &job.State, &job.Attempts, &job.MaxRetries,
		&createdAt, &updatedAt, &errorMessage,
	)
	if err != nil {
		return nil, err
	}

	job.CreatedAt = time.Unix(0, createdAt).UTC()
	job.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if errorMessage.Valid {
		job.ErrorMessage = errorMessage.String
	}
	return job, nil
}

func scanJob(row *sql.Row, jobID string) (*Job, error) {
	job, err := scanJobFields(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	return job, nil
}

func scanJobRows(rows *sql.Rows) (*Job, error) {
	job, err := scanJobFields(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	return job, nil
}

func scanDeadLetter(rows *sql.Rows) (*DeadLetterEntry, error) {
	entry := &DeadLetterEntry{}
	var createdAt, updatedAt, movedAt int64
	var errorMessage sql.NullString

	err := rows.Scan(
		&entry.ID, &entry.Command, &entry.State, &entry.Attempts, &entry.MaxRetries,
		&createdAt, &updatedAt, &errorMessage, &movedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan dead-letter entry: %w", err)
	}

	entry.CreatedAt = time.Unix(0, createdAt).UTC()
	entry.UpdatedAt = time.Unix(0, updatedAt).UTC()
	entry.MovedAt = time.Unix(0, movedAt).UTC()
	if errorMessage.Valid {
		entry.ErrorMessage = errorMessage.String
	}
	return entry, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
