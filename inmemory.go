package queuectl

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemoryBackend implements the Backend interface using in-memory storage.
// It uses a single mutex for thread-safety and is suitable for testing.
type InMemoryBackend struct {
	mu      sync.Mutex
	jobs    map[string]*memJob
	dead    map[string]*DeadLetterEntry
	nextSeq uint64
	closed  bool
}

// memJob pairs a stored job with its insertion sequence, which breaks FIFO
// ties between jobs created at the same instant.
type memJob struct {
	job Job
	seq uint64
}

// NewInMemoryBackend creates a new in-memory backend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		jobs: make(map[string]*memJob),
		dead: make(map[string]*DeadLetterEntry),
	}
}

// Close closes the backend and prevents further operations.
func (b *InMemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *InMemoryBackend) ensureOpenLocked() error {
	if b.closed {
		return ErrBackendClosed
	}
	return nil
}

// AddJob inserts a new job.
func (b *InMemoryBackend) AddJob(ctx context.Context, job *Job) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}
	if _, exists := b.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJobID, job.ID)
	}

	b.nextSeq++
	b.jobs[job.ID] = &memJob{job: *job, seq: b.nextSeq}
	return nil
}

// GetJob retrieves a job by ID.
func (b *InMemoryBackend) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return nil, err
	}

	stored, ok := b.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	job := stored.job
	return &job, nil
}

// ClaimNextPending atomically claims the oldest pending job.
func (b *InMemoryBackend) ClaimNextPending(ctx context.Context) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return nil, err
	}

	var oldest *memJob
	for _, stored := range b.jobs {
		if stored.job.State != JobStatePending {
			continue
		}
		if oldest == nil || claimBefore(stored, oldest) {
			oldest = stored
		}
	}
	if oldest == nil {
		return nil, nil
	}

	oldest.job.State = JobStateProcessing
	oldest.job.UpdatedAt = time.Now().UTC()
	job := oldest.job
	return &job, nil
}

// claimBefore reports whether a should be claimed before b: older creation
// time first, insertion order on ties.
func claimBefore(a, b *memJob) bool {
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}

// UpdateJobState sets the job's state and error message.
func (b *InMemoryBackend) UpdateJobState(ctx context.Context, jobID string, state JobState, errorMessage string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}

	stored, ok := b.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	stored.job.State = state
	stored.job.ErrorMessage = errorMessage
	stored.job.UpdatedAt = time.Now().UTC()
	return nil
}

// IncrementAttempts atomically increments the job's attempt counter.
func (b *InMemoryBackend) IncrementAttempts(ctx context.Context, jobID string) (int, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return 0, err
	}

	stored, ok := b.jobs[jobID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	stored.job.Attempts++
	stored.job.UpdatedAt = time.Now().UTC()
	return stored.job.Attempts, nil
}

// MoveToDeadLetter atomically transfers a job to the dead-letter table.
func (b *InMemoryBackend) MoveToDeadLetter(ctx context.Context, job *Job) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job is nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}

	stored, ok := b.jobs[job.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
	}
	delete(b.jobs, job.ID)
	// Archive from the stored record, not the caller's copy, which may be
	// stale by the time the transfer happens.
	b.dead[job.ID] = &DeadLetterEntry{
		ID:           stored.job.ID,
		Command:      stored.job.Command,
		State:        JobStateDead,
		Attempts:     stored.job.Attempts,
		MaxRetries:   stored.job.MaxRetries,
		CreatedAt:    stored.job.CreatedAt,
		UpdatedAt:    stored.job.UpdatedAt,
		ErrorMessage: stored.job.ErrorMessage,
		MovedAt:      time.Now().UTC(),
	}
	return nil
}

// ListJobs returns jobs sorted by creation time descending.
func (b *InMemoryBackend) ListJobs(ctx context.Context, state JobState, limit int) ([]*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return nil, err
	}

	matched := make([]*memJob, 0, len(b.jobs))
	for _, stored := range b.jobs {
		if state != "" && stored.job.State != state {
			continue
		}
		matched = append(matched, stored)
	}
	sort.Slice(matched, func(i, j int) bool {
		return claimBefore(matched[j], matched[i]) // newest first
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	jobs := make([]*Job, 0, len(matched))
	for _, stored := range matched {
		job := stored.job
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// ListDeadLetters returns dead-letter entries, most recently moved first.
func (b *InMemoryBackend) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetterEntry, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return nil, err
	}

	entries := make([]*DeadLetterEntry, 0, len(b.dead))
	for _, entry := range b.dead {
		copied := *entry
		entries = append(entries, &copied)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].MovedAt.After(entries[j].MovedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// GetDeadLetter retrieves a dead-letter entry by ID.
func (b *InMemoryBackend) GetDeadLetter(ctx context.Context, jobID string) (*DeadLetterEntry, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return nil, err
	}

	entry, ok := b.dead[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, jobID)
	}
	copied := *entry
	return &copied, nil
}

// RetryDeadLetter moves a dead-letter entry back to the job table as a fresh
// pending job.
func (b *InMemoryBackend) RetryDeadLetter(ctx context.Context, jobID string) (bool, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return false, err
	}

	entry, ok := b.dead[jobID]
	if !ok {
		return false, nil
	}
	delete(b.dead, jobID)

	b.nextSeq++
	b.jobs[jobID] = &memJob{
		job: Job{
			ID:         entry.ID,
			Command:    entry.Command,
			State:      JobStatePending,
			Attempts:   0,
			MaxRetries: entry.MaxRetries,
			CreatedAt:  entry.CreatedAt,
			UpdatedAt:  time.Now().UTC(),
		},
		seq: b.nextSeq,
	}
	return true, nil
}

// Stats returns a count per state plus the "dlq" total.
func (b *InMemoryBackend) Stats(ctx context.Context) (map[string]int, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return nil, err
	}

	stats := make(map[string]int, len(jobStates)+1)
	for _, state := range jobStates {
		stats[string(state)] = 0
	}
	for _, stored := range b.jobs {
		stats[string(stored.job.State)]++
	}
	stats["dlq"] = len(b.dead)
	return stats, nil
}
