package queuectl

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerBackend implements the Backend interface using BadgerDB.
// It provides durable key-value storage without CGO and is the default
// backend for single-server deployments.
type BadgerBackend struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerBackend creates a new BadgerDB backend.
// The database directory will be created if it doesn't exist.
// dbPath is the path to the BadgerDB database directory.
// logger is the logger instance for logging backend operations.
// Note: BadgerDB uses its own logger interface, so its internal logging is disabled.
func NewBadgerBackend(dbPath string, logger *slog.Logger) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Disable BadgerDB's internal logging (uses different logger interface)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerBackend{db: db, logger: logger}, nil
}

// Close closes the database connection
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

// retryUpdate retries a BadgerDB update operation on transaction conflicts.
// This provides deterministic retry behavior suitable for tests (fixed delay, no jitter).
func (b *BadgerBackend) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = 1 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := b.db.Update(fn)
		if err == nil {
			return nil
		}

		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}

		return err
	}

	return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, lastErr)
}

// key prefixes
const (
	keyPrefixJob     = "job:"
	keyPrefixDead    = "dlq:"
	keyPrefixPending = "idx:pending:"
	keySeqCounter    = "meta:seq"
)

// storedJob is the persisted envelope for a job. Seq is the store-assigned
// insertion sequence used to break FIFO ties between jobs with identical
// creation times.
type storedJob struct {
	Job
	Seq uint64
}

// jobKey returns the key for a job
func jobKey(jobID string) []byte {
	return []byte(keyPrefixJob + jobID)
}

// deadLetterKey returns the key for a dead-letter entry
func deadLetterKey(jobID string) []byte {
	return []byte(keyPrefixDead + jobID)
}

// pendingIndexKey returns the FIFO index key for a pending job: big-endian
// creation time followed by big-endian insertion sequence, so lexicographic
// iteration yields oldest-first with a stable tie-break.
func pendingIndexKey(createdAt time.Time, seq uint64) []byte {
	key := make([]byte, 0, len(keyPrefixPending)+16)
	key = append(key, []byte(keyPrefixPending)...)
	tsBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBytes, uint64(createdAt.UnixNano()))
	key = append(key, tsBytes...)
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)
	key = append(key, seqBytes...)
	return key
}

// nextSeq increments and returns the persisted insertion sequence counter.
func nextSeq(txn *badger.Txn) (uint64, error) {
	var seq uint64
	item, err := txn.Get([]byte(keySeqCounter))
	if err == nil {
		value, err := item.ValueCopy(nil)
		if err != nil {
			return 0, fmt.Errorf("failed to read sequence counter: %w", err)
		}
		seq = binary.BigEndian.Uint64(value)
	} else if err != badger.ErrKeyNotFound {
		return 0, fmt.Errorf("failed to get sequence counter: %w", err)
	}

	seq++
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, seq)
	if err := txn.Set([]byte(keySeqCounter), value); err != nil {
		return 0, fmt.Errorf("failed to store sequence counter: %w", err)
	}
	return seq, nil
}

func getStoredJob(txn *badger.Txn, jobID string) (*storedJob, error) {
	item, err := txn.Get(jobKey(jobID))
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read job: %w", err)
	}
	var stored storedJob
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &stored, nil
}

func setStoredJob(txn *badger.Txn, stored *storedJob) error {
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := txn.Set(jobKey(stored.ID), data); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}

// AddJob inserts a new job
func (b *BadgerBackend) AddJob(ctx context.Context, job *Job) error {
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

	b.logger.Debug("AddJob", "jobID", job.ID, "state", job.State, "maxRetries", job.MaxRetries)

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := txn.Get(jobKey(job.ID)); err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicateJobID, job.ID)
		} else if err != badger.ErrKeyNotFound {
			return fmt.Errorf("failed to check existing job: %w", err)
		}

		seq, err := nextSeq(txn)
		if err != nil {
			return err
		}

		stored := &storedJob{Job: *job, Seq: seq}
		if err := setStoredJob(txn, stored); err != nil {
			return err
		}

		if stored.State == JobStatePending {
			if err := txn.Set(pendingIndexKey(stored.CreatedAt, seq), []byte(stored.ID)); err != nil {
				return fmt.Errorf("failed to index pending job: %w", err)
			}
		}
		return nil
	})
}

// GetJob retrieves a job by ID
func (b *BadgerBackend) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var job *Job
	err = b.db.View(func(txn *badger.Txn) error {
		stored, err := getStoredJob(txn, jobID)
		if err != nil {
			return err
		}
		copied := stored.Job
		job = &copied
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ClaimNextPending atomically claims the oldest pending job. BadgerDB's
// serializable transactions guarantee that two racing claimers conflict and
// only one commit succeeds; the loser retries and observes the next job or
// an empty queue.
func (b *BadgerBackend) ClaimNextPending(ctx context.Context) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var claimed *Job
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		claimed = nil

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixPending)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(keyPrefixPending)); it.Valid(); it.Next() {
			item := it.Item()
			jobIDBytes, err := item.ValueCopy(nil)
			if err != nil {
				continue
			}
			jobID := string(jobIDBytes)

			stored, err := getStoredJob(txn, jobID)
			if err != nil {
				// Stale index entry for a deleted job.
				_ = txn.Delete(item.KeyCopy(nil))
				continue
			}

			if stored.State != JobStatePending {
				_ = txn.Delete(item.KeyCopy(nil))
				continue
			}

			stored.State = JobStateProcessing
			stored.UpdatedAt = time.Now().UTC()
			if err := setStoredJob(txn, stored); err != nil {
				return err
			}
			if err := txn.Delete(item.KeyCopy(nil)); err != nil {
				return fmt.Errorf("failed to remove from pending index: %w", err)
			}

			copied := stored.Job
			claimed = &copied
			return nil
		}
		return nil
	})
	if err != nil {
		b.logger.Debug("ClaimNextPending: error", "error", err)
		return nil, err
	}
	if claimed != nil {
		b.logger.Debug("ClaimNextPending: claimed", "jobID", claimed.ID)
	}
	return claimed, nil
}

// UpdateJobState sets the job's state and error message and maintains the
// pending index across the transition.
func (b *BadgerBackend) UpdateJobState(ctx context.Context, jobID string, state JobState, errorMessage string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	b.logger.Debug("UpdateJobState", "jobID", jobID, "state", state)

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		stored, err := getStoredJob(txn, jobID)
		if err != nil {
			return err
		}

		wasPending := stored.State == JobStatePending
		stored.State = state
		stored.ErrorMessage = errorMessage
		stored.UpdatedAt = time.Now().UTC()

		if err := setStoredJob(txn, stored); err != nil {
			return err
		}

		if state == JobStatePending && !wasPending {
			if err := txn.Set(pendingIndexKey(stored.CreatedAt, stored.Seq), []byte(stored.ID)); err != nil {
				return fmt.Errorf("failed to index pending job: %w", err)
			}
		}
		if wasPending && state != JobStatePending {
			if err := txn.Delete(pendingIndexKey(stored.CreatedAt, stored.Seq)); err != nil {
				return fmt.Errorf("failed to remove from pending index: %w", err)
			}
		}
		return nil
	})
}

// IncrementAttempts atomically increments the job's attempt counter and
// returns the new count.
func (b *BadgerBackend) IncrementAttempts(ctx context.Context, jobID string) (int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return 0, err
	}

	var attempts int
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		stored, err := getStoredJob(txn, jobID)
		if err != nil {
			return err
		}
		stored.Attempts++
		stored.UpdatedAt = time.Now().UTC()
		attempts = stored.Attempts
		return setStoredJob(txn, stored)
	})
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

// MoveToDeadLetter atomically removes the job and archives it as a
// dead-letter entry. The archived fields come from the stored record, so the
// caller's copy only needs a valid ID.
func (b *BadgerBackend) MoveToDeadLetter(ctx context.Context, job *Job) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job is nil")
	}

	b.logger.Debug("MoveToDeadLetter", "jobID", job.ID, "attempts", job.Attempts)

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		stored, err := getStoredJob(txn, job.ID)
		if err != nil {
			return err
		}

		if err := txn.Delete(jobKey(stored.ID)); err != nil {
			return fmt.Errorf("failed to delete job: %w", err)
		}
		if stored.State == JobStatePending {
			if err := txn.Delete(pendingIndexKey(stored.CreatedAt, stored.Seq)); err != nil {
				return fmt.Errorf("failed to remove from pending index: %w", err)
			}
		}

		entry := DeadLetterEntry{
			ID:           stored.ID,
			Command:      stored.Command,
			State:        JobStateDead,
			Attempts:     stored.Attempts,
			MaxRetries:   stored.MaxRetries,
			CreatedAt:    stored.CreatedAt,
			UpdatedAt:    stored.UpdatedAt,
			ErrorMessage: stored.ErrorMessage,
			MovedAt:      time.Now().UTC(),
		}
		data, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("failed to marshal dead-letter entry: %w", err)
		}
		if err := txn.Set(deadLetterKey(entry.ID), data); err != nil {
			return fmt.Errorf("failed to store dead-letter entry: %w", err)
		}
		return nil
	})
}

// ListJobs returns jobs sorted by creation time descending
func (b *BadgerBackend) ListJobs(ctx context.Context, state JobState, limit int) ([]*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var matched []*storedJob
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixJob)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(keyPrefixJob)); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read job: %w", err)
			}
			var stored storedJob
			if err := json.Unmarshal(data, &stored); err != nil {
				return fmt.Errorf("failed to unmarshal job: %w", err)
			}
			if state != "" && stored.State != state {
				continue
			}
			matched = append(matched, &stored)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].Seq > matched[j].Seq
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	jobs := make([]*Job, 0, len(matched))
	for _, stored := range matched {
		copied := stored.Job
		jobs = append(jobs, &copied)
	}
	return jobs, nil
}

// ListDeadLetters returns dead-letter entries, most recently moved first
func (b *BadgerBackend) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetterEntry, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var entries []*DeadLetterEntry
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixDead)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(keyPrefixDead)); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read dead-letter entry: %w", err)
			}
			var entry DeadLetterEntry
			if err := json.Unmarshal(data, &entry); err != nil {
				return fmt.Errorf("failed to unmarshal dead-letter entry: %w", err)
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].MovedAt.After(entries[j].MovedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// GetDeadLetter retrieves a dead-letter entry by ID
func (b *BadgerBackend) GetDeadLetter(ctx context.Context, jobID string) (*DeadLetterEntry, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var entry *DeadLetterEntry
	err = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(deadLetterKey(jobID))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %s", ErrDeadLetterNotFound, jobID)
		}
		if err != nil {
			return fmt.Errorf("failed to get dead-letter entry: %w", err)
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("failed to read dead-letter entry: %w", err)
		}
		var decoded DeadLetterEntry
		if err := json.Unmarshal(data, &decoded); err != nil {
			return fmt.Errorf("failed to unmarshal dead-letter entry: %w", err)
		}
		entry = &decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// RetryDeadLetter moves a dead-letter entry back to the job table as a fresh
// pending job. The job keeps its original ID, command, retry ceiling, and
// creation time (so it retains queue seniority) but gets a new insertion
// sequence.
func (b *BadgerBackend) RetryDeadLetter(ctx context.Context, jobID string) (bool, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return false, err
	}

	found := false
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		found = false

		item, err := txn.Get(deadLetterKey(jobID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get dead-letter entry: %w", err)
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("failed to read dead-letter entry: %w", err)
		}
		var entry DeadLetterEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("failed to unmarshal dead-letter entry: %w", err)
		}

		if err := txn.Delete(deadLetterKey(jobID)); err != nil {
			return fmt.Errorf("failed to delete dead-letter entry: %w", err)
		}

		seq, err := nextSeq(txn)
		if err != nil {
			return err
		}
		stored := &storedJob{
			Job: Job{
				ID:         entry.ID,
				Command:    entry.Command,
				State:      JobStatePending,
				Attempts:   0,
				MaxRetries: entry.MaxRetries,
				CreatedAt:  entry.CreatedAt,
				UpdatedAt:  time.Now().UTC(),
			},
			Seq: seq,
		}
		if err := setStoredJob(txn, stored); err != nil {
			return err
		}
		if err := txn.Set(pendingIndexKey(stored.CreatedAt, seq), []byte(stored.ID)); err != nil {
			return fmt.Errorf("failed to index pending job: %w", err)
		}

		found = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// Stats returns a count per state plus the "dlq" total
func (b *BadgerBackend) Stats(ctx context.Context) (map[string]int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	stats := make(map[string]int, len(jobStates)+1)
	for _, state := range jobStates {
		stats[string(state)] = 0
	}
	stats["dlq"] = 0

	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixJob)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(keyPrefixJob)); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read job: %w", err)
			}
			var stored storedJob
			if err := json.Unmarshal(data, &stored); err != nil {
				return fmt.Errorf("failed to unmarshal job: %w", err)
			}
			stats[string(stored.State)]++
		}

		deadOpts := badger.DefaultIteratorOptions
		deadOpts.Prefix = []byte(keyPrefixDead)
		deadOpts.PrefetchValues = false

		dit := txn.NewIterator(deadOpts)
		defer dit.Close()

		for dit.Seek([]byte(keyPrefixDead)); dit.Valid(); dit.Next() {
			stats["dlq"]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
