package queuectl

import (
	"context"
	"log/slog"
)

// DeadLetterManager is a thin façade over the backend's dead-letter
// operations: inspection and manual replay.
type DeadLetterManager struct {
	backend Backend
	logger  *slog.Logger
}

// NewDeadLetterManager creates a dead-letter manager for the given backend.
func NewDeadLetterManager(backend Backend, logger *slog.Logger) *DeadLetterManager {
	return &DeadLetterManager{backend: backend, logger: logger}
}

// List returns dead-letter entries, most recently moved first.
// limit 0 means no limit.
func (m *DeadLetterManager) List(ctx context.Context, limit int) ([]*DeadLetterEntry, error) {
	return m.backend.ListDeadLetters(ctx, limit)
}

// Retry moves a dead-letter entry back to the job queue as a fresh pending
// job. Returns false when the ID is not in the DLQ.
func (m *DeadLetterManager) Retry(ctx context.Context, jobID string) (bool, error) {
	found, err := m.backend.RetryDeadLetter(ctx, jobID)
	if err != nil {
		return false, err
	}
	if found {
		m.logger.Info("dead-letter job moved back to pending queue", "jobID", jobID)
	} else {
		m.logger.Info("job not found in dead-letter queue", "jobID", jobID)
	}
	return found, nil
}
