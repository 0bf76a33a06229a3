// Package queuectl provides a single-node background job queue for shell
// commands with support for multiple storage backends (BadgerDB, SQLite) and
// a managed worker pool.
//
// The library supports:
//   - Durable FIFO job storage with an atomic claim operation
//   - A worker pool that executes job commands with a wall-clock timeout
//   - Exponential backoff retries with a configurable ceiling
//   - A dead-letter queue (DLQ) for jobs that exhaust their retry budget
//   - Manual replay of dead-lettered jobs
//
// Example usage:
//
//	backend, _ := queuectl.NewBadgerBackend("./queuectl-data", logger)
//	defer backend.Close()
//
//	job := queuectl.NewJob("echo hello", 3)
//	backend.AddJob(ctx, job)
//
//	manager := queuectl.NewManager(backend, settings, logger)
//	manager.StartWorkers(ctx, 2)
//	defer manager.StopWorkers()
package queuectl

import (
	"time"

	"github.com/google/uuid"
)

// JobState represents the lifecycle state of a job.
type JobState string

const (
	// JobStatePending indicates the job is waiting to be claimed by a worker.
	JobStatePending JobState = "pending"
	// JobStateProcessing indicates the job has been claimed and its command is running.
	JobStateProcessing JobState = "processing"
	// JobStateCompleted indicates the job's command exited successfully (terminal).
	JobStateCompleted JobState = "completed"
	// JobStateFailed indicates the last attempt failed; the job is waiting out
	// its backoff delay before returning to pending.
	JobStateFailed JobState = "failed"
	// JobStateDead indicates the job exhausted its retries. Dead jobs are
	// transferred to the dead-letter table and removed from the job table.
	JobStateDead JobState = "dead"
)

// jobStates lists all states in a stable order, used by Stats.
var jobStates = []JobState{
	JobStatePending,
	JobStateProcessing,
	JobStateCompleted,
	JobStateFailed,
	JobStateDead,
}

// Job represents a shell-command job in the queue.
type Job struct {
	ID           string    // Unique job identifier, immutable
	Command      string    // Shell command to execute, immutable
	State        JobState  // Current lifecycle state
	Attempts     int       // Number of execution attempts made so far
	MaxRetries   int       // Attempt ceiling before the job is dead-lettered
	CreatedAt    time.Time // When the job was created, immutable
	UpdatedAt    time.Time // Refreshed on every state or attempt mutation
	ErrorMessage string    // Last failure description ("" if none)
}

// DeadLetterEntry represents a job archived to the dead-letter queue after
// exhausting its retries. It carries the job's fields at the moment of the
// terminal failure plus the transfer timestamp.
type DeadLetterEntry struct {
	ID           string
	Command      string
	State        JobState // always JobStateDead
	Attempts     int
	MaxRetries   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ErrorMessage string
	MovedAt      time.Time // When the job was transferred to the DLQ
}

// NewJob creates a pending job for the given shell command with a fresh
// unique ID and UTC timestamps.
func NewJob(command string, maxRetries int) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:         uuid.NewString(),
		Command:    command,
		State:      JobStatePending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
