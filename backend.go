package queuectl

import (
	"context"
)

// Backend represents the interface for job queue storage backends.
// Implementations must be thread-safe and support concurrent operations.
//
// Jobs and dead-letter entries returned by a Backend are independent copies:
// mutating a returned value never mutates stored state.
type Backend interface {
	// AddJob inserts a new job with whatever state and attempt count it
	// carries (normally pending/0). Returns ErrDuplicateJobID if the ID
	// already exists.
	AddJob(ctx context.Context, job *Job) error

	// GetJob retrieves a job by ID. Returns ErrJobNotFound if absent.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// ClaimNextPending finds the oldest pending job (created_at ascending,
	// ties broken by insertion order), atomically transitions it to
	// processing, and returns the post-transition record. If two callers
	// race, at most one observes a successful claim of a given job.
	// Returns (nil, nil) when no pending job exists.
	ClaimNextPending(ctx context.Context) (*Job, error)

	// UpdateJobState sets the job's state and error message ("" clears it)
	// and refreshes UpdatedAt. Transition legality is the caller's concern.
	UpdateJobState(ctx context.Context, jobID string, state JobState, errorMessage string) error

	// IncrementAttempts atomically increments the job's attempt counter,
	// refreshes UpdatedAt, and returns the new count.
	IncrementAttempts(ctx context.Context, jobID string) (int, error)

	// MoveToDeadLetter atomically removes the job from the job table and
	// inserts a dead-letter entry with MovedAt set to now. The archived
	// fields come from the stored record, so the argument only needs a valid
	// ID. A missing source row is a caller logic bug and reported as an
	// error, never silently.
	MoveToDeadLetter(ctx context.Context, job *Job) error

	// ListJobs returns jobs sorted by created_at descending. state "" means
	// all states; limit 0 means no limit.
	ListJobs(ctx context.Context, state JobState, limit int) ([]*Job, error)

	// ListDeadLetters returns dead-letter entries sorted by moved_at
	// descending. limit 0 means no limit.
	ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetterEntry, error)

	// GetDeadLetter retrieves a dead-letter entry by ID.
	// Returns ErrDeadLetterNotFound if absent.
	GetDeadLetter(ctx context.Context, jobID string) (*DeadLetterEntry, error)

	// RetryDeadLetter atomically removes the entry from the dead-letter table
	// and re-inserts a fresh pending job preserving the original ID, command,
	// max retries, and creation time, with attempts reset to 0 and the error
	// message cleared. Returns false when the ID is not in the DLQ.
	RetryDeadLetter(ctx context.Context, jobID string) (bool, error)

	// Stats returns a count per job state plus a synthetic "dlq" key for the
	// dead-letter table.
	Stats(ctx context.Context) (map[string]int, error)

	// Close closes the backend connection.
	Close() error
}
