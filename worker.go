package queuectl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// idlePollInterval is how long a worker waits before polling again when
	// the queue is empty.
	idlePollInterval = 500 * time.Millisecond

	// stopGracePeriod bounds how long StopWorkers waits for each worker.
	stopGracePeriod = 5 * time.Second
)

// Worker is a single claim-and-execute loop. Workers self-schedule by
// polling the backend; there is no central dispatcher.
type Worker struct {
	id       int
	backend  Backend
	settings *Settings
	executor *Executor
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newWorker(id int, backend Backend, settings *Settings, executor *Executor, logger *slog.Logger) *Worker {
	return &Worker{
		id:       id,
		backend:  backend,
		settings: settings,
		executor: executor,
		logger:   logger.With("worker", id),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// run is the main worker loop: claim a job, execute it, handle the outcome,
// repeat. It exits on the stop signal or when ctx is cancelled. Storage
// errors are transient faults: logged, then polling resumes.
func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.backend.ClaimNextPending(ctx)
		if err != nil {
			w.logger.Warn("failed to claim job", "error", err)
			w.idleWait()
			continue
		}
		if job == nil {
			w.idleWait()
			continue
		}

		w.processJob(ctx, job)
	}
}

// idleWait sleeps for the poll interval, interruptible by the stop signal.
func (w *Worker) idleWait() {
	timer := time.NewTimer(idlePollInterval)
	defer timer.Stop()
	select {
	case <-w.stopCh:
	case <-timer.C:
	}
}

// processJob runs one claimed job's command and applies the outcome.
// The command itself runs against a background-derived context: stopping the
// pool never kills an in-flight command, it only prevents new claims and
// shortens backoff waits.
func (w *Worker) processJob(ctx context.Context, job *Job) {
	w.logger.Info("processing job", "jobID", job.ID, "command", job.Command)

	runErr := w.executor.Run(context.Background(), job.Command)
	if runErr == nil {
		if err := w.backend.UpdateJobState(ctx, job.ID, JobStateCompleted, ""); err != nil {
			w.logger.Warn("failed to mark job completed", "jobID", job.ID, "error", err)
			return
		}
		w.logger.Info("job completed", "jobID", job.ID)
		return
	}

	w.handleFailure(ctx, job, runErr.Error())
}

// handleFailure applies the shared retry/DLQ logic for every failure outcome
// (non-zero exit, timeout, launch error).
func (w *Worker) handleFailure(ctx context.Context, job *Job, errorMessage string) {
	attempts, err := w.backend.IncrementAttempts(ctx, job.ID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			// Job raced away; nothing left to do.
			return
		}
		w.logger.Warn("failed to increment attempts", "jobID", job.ID, "error", err)
		return
	}

	updated, err := w.backend.GetJob(ctx, job.ID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return
		}
		w.logger.Warn("failed to re-read job", "jobID", job.ID, "error", err)
		return
	}

	if attempts >= updated.MaxRetries {
		if err := w.backend.UpdateJobState(ctx, job.ID, JobStateDead, errorMessage); err != nil {
			w.logger.Warn("failed to mark job dead", "jobID", job.ID, "error", err)
			return
		}
		if err := w.backend.MoveToDeadLetter(ctx, updated); err != nil {
			w.logger.Warn("failed to move job to dead-letter queue", "jobID", job.ID, "error", err)
			return
		}
		w.logger.Info("job moved to dead-letter queue", "jobID", job.ID, "attempts", attempts)
		return
	}

	delay := time.Duration(intPow(w.settings.BackoffBase(), attempts)) * time.Second
	if err := w.backend.UpdateJobState(ctx, job.ID, JobStateFailed, errorMessage); err != nil {
		w.logger.Warn("failed to mark job failed", "jobID", job.ID, "error", err)
		return
	}
	w.logger.Info("job failed, backing off",
		"jobID", job.ID, "attempt", attempts, "maxRetries", updated.MaxRetries, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-w.stopCh:
		// Stop requested during backoff: the job stays failed for a future
		// cycle or manual intervention.
		return
	case <-timer.C:
	}

	// The failure message is carried onto the re-pended job so the last
	// error stays visible while the job waits for its retry.
	if err := w.backend.UpdateJobState(ctx, job.ID, JobStatePending, errorMessage); err != nil {
		w.logger.Warn("failed to reset job to pending", "jobID", job.ID, "error", err)
	}
}

// intPow computes base^exp for non-negative exponents.
func intPow(base, exp int) int64 {
	result := int64(1)
	for i := 0; i < exp; i++ {
		result *= int64(base)
	}
	return result
}

// Manager supervises a pool of workers sharing one backend. A Manager is an
// explicitly constructed object owned by its caller; exactly one Manager
// should govern a given backend within a process.
type Manager struct {
	backend  Backend
	settings *Settings
	executor Executor
	logger   *slog.Logger

	mu      sync.Mutex
	workers []*Worker
	running bool
}

// NewManager creates a worker pool manager for the given backend and
// settings. The pool is idle until StartWorkers is called.
func NewManager(backend Backend, settings *Settings, logger *slog.Logger) *Manager {
	return &Manager{
		backend:  backend,
		settings: settings,
		logger:   logger,
	}
}

// SetCommandTimeout overrides the per-command wall-clock timeout.
// It must be called before StartWorkers.
func (m *Manager) SetCommandTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executor.Timeout = timeout
}

// StartWorkers spawns count independent workers. If the pool is already
// running this is a no-op that reports the current count.
func (m *Manager) StartWorkers(ctx context.Context, count int) error {
	if count <= 0 {
		return fmt.Errorf("worker count must be greater than 0, got %d", count)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		m.logger.Info("workers already running", "count", len(m.workers))
		return nil
	}

	m.running = true
	m.workers = make([]*Worker, 0, count)
	for i := 0; i < count; i++ {
		worker := newWorker(i+1, m.backend, m.settings, &m.executor, m.logger)
		m.workers = append(m.workers, worker)
		go worker.run(ctx)
	}

	m.logger.Info("workers started", "count", count)
	return nil
}

// StopWorkers signals every worker to stop and waits up to a bounded grace
// period per worker. Idle and backoff waits are interrupted; a command that
// is already executing is allowed to finish.
func (m *Manager) StopWorkers() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		m.logger.Info("no workers are running")
		return
	}

	for _, worker := range m.workers {
		close(worker.stopCh)
	}
	for _, worker := range m.workers {
		timer := time.NewTimer(stopGracePeriod)
		select {
		case <-worker.doneCh:
		case <-timer.C:
			m.logger.Warn("worker did not stop within grace period", "worker", worker.id)
		}
		timer.Stop()
	}

	m.workers = nil
	m.running = false
	m.logger.Info("all workers stopped")
}

// IsRunning reports whether the pool has active workers.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// WorkerCount returns the number of workers in the pool.
func (m *Manager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}
