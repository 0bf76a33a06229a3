package queuectl_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/VsevolodSauta/queuectl"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// testLogger creates a logger for tests (only shows errors)
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// pendingJob builds a pending job with a controlled creation time.
func pendingJob(id, command string, maxRetries int, createdAt time.Time) *queuectl.Job {
	return &queuectl.Job{
		ID:         id,
		Command:    command,
		State:      queuectl.JobStatePending,
		MaxRetries: maxRetries,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
}

// BackendTestSuite runs a comprehensive contract test suite against a
// Backend implementation.
func BackendTestSuite(backendFactory func() (queuectl.Backend, func())) {
	var backend queuectl.Backend
	var cleanup func()
	var ctx context.Context

	BeforeEach(func() {
		backend, cleanup = backendFactory()
		ctx = context.Background()
	})

	AfterEach(func() {
		if cleanup != nil {
			cleanup()
		}
	})

	Describe("AddJob", func() {
		It("should add a job and retrieve it", func() {
			job := pendingJob("job-1", "echo hello", 3, time.Now().UTC())
			Expect(backend.AddJob(ctx, job)).To(Succeed())

			retrieved, err := backend.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(retrieved.ID).To(Equal("job-1"))
			Expect(retrieved.Command).To(Equal("echo hello"))
			Expect(retrieved.State).To(Equal(queuectl.JobStatePending))
			Expect(retrieved.Attempts).To(Equal(0))
			Expect(retrieved.MaxRetries).To(Equal(3))
			Expect(retrieved.ErrorMessage).To(BeEmpty())
		})

		It("should return ErrDuplicateJobID for a duplicate ID", func() {
			job := pendingJob("job-1", "echo hello", 3, time.Now().UTC())
			Expect(backend.AddJob(ctx, job)).To(Succeed())

			err := backend.AddJob(ctx, job)
			Expect(err).To(MatchError(queuectl.ErrDuplicateJobID))
		})

		It("should return error for nil job", func() {
			Expect(backend.AddJob(ctx, nil)).To(HaveOccurred())
		})

		It("should return error for empty job ID", func() {
			job := pendingJob("", "echo hello", 3, time.Now().UTC())
			Expect(backend.AddJob(ctx, job)).To(HaveOccurred())
		})

		It("should handle context cancellation", func() {
			cancelCtx, cancel := context.WithCancel(ctx)
			cancel()

			job := pendingJob("job-1", "echo hello", 3, time.Now().UTC())
			err := backend.AddJob(cancelCtx, job)
			Expect(err).To(MatchError(context.Canceled))
		})

		It("should not mutate stored state through the caller's copy", func() {
			job := pendingJob("job-1", "echo hello", 3, time.Now().UTC())
			Expect(backend.AddJob(ctx, job)).To(Succeed())

			job.Command = "changed"
			job.State = queuectl.JobStateDead

			retrieved, err := backend.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(retrieved.Command).To(Equal("echo hello"))
			Expect(retrieved.State).To(Equal(queuectl.JobStatePending))
		})
	})

	Describe("GetJob", func() {
		It("should return ErrJobNotFound for unknown ID", func() {
			_, err := backend.GetJob(ctx, "missing")
			Expect(err).To(MatchError(queuectl.ErrJobNotFound))
		})
	})

	Describe("ClaimNextPending", func() {
		It("should return nil when no pending job exists", func() {
			job, err := backend.ClaimNextPending(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(job).To(BeNil())
		})

		It("should claim jobs in FIFO order by creation time", func() {
			base := time.Now().UTC().Add(-time.Minute)
			Expect(backend.AddJob(ctx, pendingJob("job-a", "echo a", 3, base))).To(Succeed())
			Expect(backend.AddJob(ctx, pendingJob("job-b", "echo b", 3, base.Add(time.Second)))).To(Succeed())
			Expect(backend.AddJob(ctx, pendingJob("job-c", "echo c", 3, base.Add(2*time.Second)))).To(Succeed())

			for _, want := range []string{"job-a", "job-b", "job-c"} {
				job, err := backend.ClaimNextPending(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(job).NotTo(BeNil())
				Expect(job.ID).To(Equal(want))
				Expect(job.State).To(Equal(queuectl.JobStateProcessing))
			}
		})

		It("should break creation-time ties by insertion order", func() {
			createdAt := time.Now().UTC()
			Expect(backend.AddJob(ctx, pendingJob("job-first", "echo 1", 3, createdAt))).To(Succeed())
			Expect(backend.AddJob(ctx, pendingJob("job-second", "echo 2", 3, createdAt))).To(Succeed())

			job, err := backend.ClaimNextPending(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.ID).To(Equal("job-first"))
		})

		It("should hide a claimed job from subsequent claims", func() {
			Expect(backend.AddJob(ctx, pendingJob("job-1", "echo hello", 3, time.Now().UTC()))).To(Succeed())

			first, err := backend.ClaimNextPending(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(first).NotTo(BeNil())

			second, err := backend.ClaimNextPending(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(BeNil())
		})

		It("should let exactly one of N concurrent claimers win a single job", func() {
			Expect(backend.AddJob(ctx, pendingJob("job-1", "echo hello", 3, time.Now().UTC()))).To(Succeed())

			const claimers = 8
			var wg sync.WaitGroup
			results := make(chan *queuectl.Job, claimers)
			for i := 0; i < claimers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					job, err := backend.ClaimNextPending(ctx)
					Expect(err).NotTo(HaveOccurred())
					results <- job
				}()
			}
			wg.Wait()
			close(results)

			claimed := 0
			for job := range results {
				if job != nil {
					claimed++
					Expect(job.ID).To(Equal("job-1"))
				}
			}
			Expect(claimed).To(Equal(1))
		})

		It("should claim a job reset back to pending", func() {
			Expect(backend.AddJob(ctx, pendingJob("job-1", "echo hello", 3, time.Now().UTC()))).To(Succeed())

			_, err := backend.ClaimNextPending(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.UpdateJobState(ctx, "job-1", queuectl.JobStateFailed, "boom")).To(Succeed())
			Expect(backend.UpdateJobState(ctx, "job-1", queuectl.JobStatePending, "boom")).To(Succeed())

			job, err := backend.ClaimNextPending(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(job).NotTo(BeNil())
			Expect(job.ID).To(Equal("job-1"))
		})

		It("should give a retried job seniority over jobs submitted after it", func() {
			base := time.Now().UTC().Add(-time.Minute)
			Expect(backend.AddJob(ctx, pendingJob("job-old", "echo old", 3, base))).To(Succeed())

			// Claim and fail the old job, then submit a newer one while the
			// old job is backing off.
			_, err := backend.ClaimNextPending(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.UpdateJobState(ctx, "job-old", queuectl.JobStateFailed, "boom")).To(Succeed())
			Expect(backend.AddJob(ctx, pendingJob("job-new", "echo new", 3, base.Add(30*time.Second)))).To(Succeed())
			Expect(backend.UpdateJobState(ctx, "job-old", queuectl.JobStatePending, "boom")).To(Succeed())

			job, err := backend.ClaimNextPending(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.ID).To(Equal("job-old"))
		})
	})

	Describe("UpdateJobState", func() {
		It("should set state and error message and refresh UpdatedAt", func() {
			createdAt := time.Now().UTC().Add(-time.Minute)
			Expect(backend.AddJob(ctx, pendingJob("job-1", "echo hello", 3, createdAt))).To(Succeed())

			Expect(backend.UpdateJobState(ctx, "job-1", queuectl.JobStateFailed, "command failed")).To(Succeed())

			job, err := backend.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.State).To(Equal(queuectl.JobStateFailed))
			Expect(job.ErrorMessage).To(Equal("command failed"))
			Expect(job.UpdatedAt.After(createdAt)).To(BeTrue())
		})

		It("should clear the error message with an empty string", func() {
			Expect(backend.AddJob(ctx, pendingJob("job-1", "echo hello", 3, time.Now().UTC()))).To(Succeed())
			Expect(backend.UpdateJobState(ctx, "job-1", queuectl.JobStateFailed, "boom")).To(Succeed())
			Expect(backend.UpdateJobState(ctx, "job-1", queuectl.JobStateCompleted, "")).To(Succeed())

			job, err := backend.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.State).To(Equal(queuectl.JobStateCompleted))
			Expect(job.ErrorMessage).To(BeEmpty())
		})

		It("should return ErrJobNotFound for unknown ID", func() {
			err := backend.UpdateJobState(ctx, "missing", queuectl.JobStateFailed, "boom")
			Expect(err).To(MatchError(queuectl.ErrJobNotFound))
		})
	})

	Describe("IncrementAttempts", func() {
		It("should atomically increment and return the new count", func() {
			Expect(backend.AddJob(ctx, pendingJob("job-1", "echo hello", 3, time.Now().UTC()))).To(Succeed())

			attempts, err := backend.IncrementAttempts(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(attempts).To(Equal(1))

			attempts, err = backend.IncrementAttempts(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(attempts).To(Equal(2))

			job, err := backend.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Attempts).To(Equal(2))
		})

		It("should return ErrJobNotFound for unknown ID", func() {
			_, err := backend.IncrementAttempts(ctx, "missing")
			Expect(err).To(MatchError(queuectl.ErrJobNotFound))
		})
	})

	Describe("MoveToDeadLetter", func() {
		It("should atomically transfer the job to the dead-letter table", func() {
			createdAt := time.Now().UTC().Add(-time.Minute)
			Expect(backend.AddJob(ctx, pendingJob("job-1", "exit 1", 2, createdAt))).To(Succeed())
			_, err := backend.ClaimNextPending(ctx)
			Expect(err).NotTo(HaveOccurred())
			_, err = backend.IncrementAttempts(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			_, err = backend.IncrementAttempts(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.UpdateJobState(ctx, "job-1", queuectl.JobStateDead, "boom")).To(Succeed())

			job, err := backend.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.MoveToDeadLetter(ctx, job)).To(Succeed())

			_, err = backend.GetJob(ctx, "job-1")
			Expect(err).To(MatchError(queuectl.ErrJobNotFound))

			entry, err := backend.GetDeadLetter(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.ID).To(Equal("job-1"))
			Expect(entry.Command).To(Equal("exit 1"))
			Expect(entry.State).To(Equal(queuectl.JobStateDead))
			Expect(entry.Attempts).To(Equal(2))
			Expect(entry.MaxRetries).To(Equal(2))
			Expect(entry.ErrorMessage).To(Equal("boom"))
			Expect(entry.MovedAt.IsZero()).To(BeFalse())
		})

		It("should archive the stored record rather than the caller's copy", func() {
			Expect(backend.AddJob(ctx, pendingJob("job-1", "exit 1", 1, time.Now().UTC()))).To(Succeed())

			stale, err := backend.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())

			// The stored row keeps changing after the caller's read.
			_, err = backend.IncrementAttempts(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.UpdateJobState(ctx, "job-1", queuectl.JobStateDead, "command failed")).To(Succeed())

			Expect(backend.MoveToDeadLetter(ctx, stale)).To(Succeed())

			entry, err := backend.GetDeadLetter(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.ErrorMessage).To(Equal("command failed"))
			Expect(entry.Attempts).To(Equal(1))
		})

		It("should report a missing source row as an error", func() {
			job := pendingJob("missing", "echo hello", 3, time.Now().UTC())
			err := backend.MoveToDeadLetter(ctx, job)
			Expect(err).To(MatchError(queuectl.ErrJobNotFound))
		})
	})

	Describe("ListJobs", func() {
		It("should list jobs newest first", func() {
			base := time.Now().UTC().Add(-time.Minute)
			for i := 0; i < 3; i++ {
				job := pendingJob(fmt.Sprintf("job-%d", i), "echo hello", 3, base.Add(time.Duration(i)*time.Second))
				Expect(backend.AddJob(ctx, job)).To(Succeed())
			}

			jobs, err := backend.ListJobs(ctx, "", 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(HaveLen(3))
			Expect(jobs[0].ID).To(Equal("job-2"))
			Expect(jobs[1].ID).To(Equal("job-1"))
			Expect(jobs[2].ID).To(Equal("job-0"))
		})

		It("should filter by state", func() {
			base := time.Now().UTC().Add(-time.Minute)
			Expect(backend.AddJob(ctx, pendingJob("job-0", "echo hello", 3, base))).To(Succeed())
			Expect(backend.AddJob(ctx, pendingJob("job-1", "echo hello", 3, base.Add(time.Second)))).To(Succeed())

			_, err := backend.ClaimNextPending(ctx)
			Expect(err).NotTo(HaveOccurred())

			pending, err := backend.ListJobs(ctx, queuectl.JobStatePending, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(1))
			Expect(pending[0].ID).To(Equal("job-1"))

			processing, err := backend.ListJobs(ctx, queuectl.JobStateProcessing, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(processing).To(HaveLen(1))
			Expect(processing[0].ID).To(Equal("job-0"))
		})

		It("should honor the limit", func() {
			base := time.Now().UTC().Add(-time.Minute)
			for i := 0; i < 5; i++ {
				job := pendingJob(fmt.Sprintf("job-%d", i), "echo hello", 3, base.Add(time.Duration(i)*time.Second))
				Expect(backend.AddJob(ctx, job)).To(Succeed())
			}

			jobs, err := backend.ListJobs(ctx, "", 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(HaveLen(2))
			Expect(jobs[0].ID).To(Equal("job-4"))
			Expect(jobs[1].ID).To(Equal("job-3"))
		})
	})

	Describe("dead-letter operations", func() {
		// deadLetter moves a fresh job straight to the DLQ.
		deadLetter := func(id string, createdAt time.Time) {
			Expect(backend.AddJob(ctx, pendingJob(id, "exit 1", 1, createdAt))).To(Succeed())
			Expect(backend.UpdateJobState(ctx, id, queuectl.JobStateDead, "boom")).To(Succeed())
			job, err := backend.GetJob(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.MoveToDeadLetter(ctx, job)).To(Succeed())
		}

		It("should list entries most recently moved first", func() {
			base := time.Now().UTC().Add(-time.Minute)
			deadLetter("job-0", base)
			time.Sleep(5 * time.Millisecond)
			deadLetter("job-1", base.Add(time.Second))

			entries, err := backend.ListDeadLetters(ctx, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(2))
			Expect(entries[0].ID).To(Equal("job-1"))
			Expect(entries[1].ID).To(Equal("job-0"))
		})

		It("should honor the list limit", func() {
			base := time.Now().UTC().Add(-time.Minute)
			deadLetter("job-0", base)
			time.Sleep(5 * time.Millisecond)
			deadLetter("job-1", base.Add(time.Second))

			entries, err := backend.ListDeadLetters(ctx, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].ID).To(Equal("job-1"))
		})

		It("should return ErrDeadLetterNotFound for unknown ID", func() {
			_, err := backend.GetDeadLetter(ctx, "missing")
			Expect(err).To(MatchError(queuectl.ErrDeadLetterNotFound))
		})

		It("should round-trip a retried entry back to a fresh pending job", func() {
			createdAt := time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)
			Expect(backend.AddJob(ctx, pendingJob("job-1", "exit 1", 2, createdAt))).To(Succeed())
			_, err := backend.IncrementAttempts(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			_, err = backend.IncrementAttempts(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.UpdateJobState(ctx, "job-1", queuectl.JobStateDead, "boom")).To(Succeed())
			job, err := backend.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.MoveToDeadLetter(ctx, job)).To(Succeed())

			found, err := backend.RetryDeadLetter(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())

			_, err = backend.GetDeadLetter(ctx, "job-1")
			Expect(err).To(MatchError(queuectl.ErrDeadLetterNotFound))

			revived, err := backend.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(revived.State).To(Equal(queuectl.JobStatePending))
			Expect(revived.Command).To(Equal("exit 1"))
			Expect(revived.MaxRetries).To(Equal(2))
			Expect(revived.Attempts).To(Equal(0))
			Expect(revived.ErrorMessage).To(BeEmpty())
			Expect(revived.CreatedAt.Equal(createdAt)).To(BeTrue())

			// The revived job is claimable again.
			claimed, err := backend.ClaimNextPending(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed).NotTo(BeNil())
			Expect(claimed.ID).To(Equal("job-1"))
		})

		It("should return false when retrying an absent entry", func() {
			found, err := backend.RetryDeadLetter(ctx, "missing")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeFalse())
		})
	})

	Describe("Stats", func() {
		It("should count every state plus the dlq", func() {
			base := time.Now().UTC().Add(-time.Minute)
			Expect(backend.AddJob(ctx, pendingJob("job-0", "echo hello", 3, base))).To(Succeed())
			Expect(backend.AddJob(ctx, pendingJob("job-1", "echo hello", 3, base.Add(time.Second)))).To(Succeed())
			Expect(backend.AddJob(ctx, pendingJob("job-2", "echo hello", 3, base.Add(2*time.Second)))).To(Succeed())

			_, err := backend.ClaimNextPending(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.UpdateJobState(ctx, "job-0", queuectl.JobStateCompleted, "")).To(Succeed())

			Expect(backend.UpdateJobState(ctx, "job-1", queuectl.JobStateDead, "boom")).To(Succeed())
			job, err := backend.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.MoveToDeadLetter(ctx, job)).To(Succeed())

			stats, err := backend.Stats(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats["completed"]).To(Equal(1))
			Expect(stats["pending"]).To(Equal(1))
			Expect(stats["processing"]).To(Equal(0))
			Expect(stats["failed"]).To(Equal(0))
			Expect(stats["dead"]).To(Equal(0))
			Expect(stats["dlq"]).To(Equal(1))

			// Totals across jobs and dlq equal every job ever submitted.
			total := 0
			for _, count := range stats {
				total += count
			}
			Expect(total).To(Equal(3))
		})
	})
}
