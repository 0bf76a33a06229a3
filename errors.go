package queuectl

import "errors"

// Sentinel errors returned by backends. They are always wrapped with
// additional context; match with errors.Is.
var (
	// ErrJobNotFound is returned when a job ID does not exist in the job table.
	ErrJobNotFound = errors.New("job not found")

	// ErrDeadLetterNotFound is returned when a job ID does not exist in the
	// dead-letter table.
	ErrDeadLetterNotFound = errors.New("dead-letter entry not found")

	// ErrDuplicateJobID is returned by AddJob when the job ID already exists.
	ErrDuplicateJobID = errors.New("job already exists")

	// ErrBackendClosed is returned for operations on a closed backend.
	ErrBackendClosed = errors.New("backend is closed")
)
