package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/clock"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxBackoff = time.Hour

// Handler processes one claimed job. A returned error sends the job back
// for another attempt with backoff until its attempt cap; nil completes it.
type Handler func(ctx context.Context, job Job) error

type RunnerParams struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Cfg   config.Config
	Clock clock.Clock
}

// Runner claims due jobs and drives registered handlers. Multiple runner
// processes share the table safely: claims are row-level and conditional.
type Runner struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	poll        time.Duration
	concurrency int
	backoffBase time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRunner(p RunnerParams) *Runner {
	return &Runner{
		db:          p.DB,
		log:         p.Log.Named("queue.runner"),
		clock:       p.Clock,
		poll:        p.Cfg.Dispatch.WorkerPollInterval,
		concurrency: p.Cfg.Dispatch.WorkerConcurrency,
		backoffBase: p.Cfg.Dispatch.BackoffBase,
		handlers:    make(map[string]Handler),
	}
}

// Register binds a handler to a job kind. Claimed jobs of unregistered
// kinds are released back to pending.
func (r *Runner) Register(kind string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
}

// RunForever polls for due jobs until the context is cancelled.
func (r *Runner) RunForever(ctx context.Context) {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil {
			r.log.Warn("queue poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims up to the concurrency limit of due jobs and processes
// them, returning the number processed.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	jobs, err := r.claim(ctx, r.concurrency)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			r.process(ctx, job)
		}(job)
	}
	wg.Wait()
	return len(jobs), nil
}

// claim transitions due pending jobs to running inside one transaction.
// On postgres the select takes row locks and skips rows claimed by a
// concurrent runner.
func (r *Runner) claim(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 1
	}
	now := r.clock.Now()

	var claimed []Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := fmt.Sprintf(
			`SELECT * FROM jobs
			 WHERE status = ? AND run_at <= ?
			 ORDER BY run_at ASC, id ASC
			 LIMIT ?%s`,
			lockSuffix(tx),
		)
		var due []Job
		if err := tx.WithContext(ctx).Raw(query, JobStatusPending, now, limit).Scan(&due).Error; err != nil {
			return err
		}

		for _, job := range due {
			result := tx.WithContext(ctx).Exec(
				`UPDATE jobs
				 SET status = ?, attempts = attempts + 1, updated_at = ?
				 WHERE id = ? AND status = ?`,
				JobStatusRunning,
				now,
				job.ID,
				JobStatusPending,
			)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				// Lost the claim race; another runner has it.
				continue
			}
			job.Status = JobStatusRunning
			job.Attempts++
			claimed = append(claimed, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *Runner) process(ctx context.Context, job Job) {
	r.mu.RLock()
	handler, ok := r.handlers[job.Kind]
	r.mu.RUnlock()
	if !ok {
		r.log.Error("no handler registered for job kind", zap.String("kind", job.Kind))
		r.release(ctx, job, fmt.Errorf("no handler for kind %s", job.Kind))
		return
	}

	if err := handler(ctx, job); err != nil {
		r.release(ctx, job, err)
		return
	}
	r.complete(ctx, job)
}

func (r *Runner) complete(ctx context.Context, job Job) {
	now := r.clock.Now()
	err := r.db.WithContext(ctx).Exec(
		`UPDATE jobs
		 SET status = ?, completed_at = ?, last_error = '', updated_at = ?
		 WHERE id = ? AND status = ?`,
		JobStatusCompleted,
		now,
		now,
		job.ID,
		JobStatusRunning,
	).Error
	if err != nil {
		r.log.Error("failed to mark job completed", zap.String("job_id", job.JobID), zap.Error(err))
	}
}

// release sends a failed attempt back to pending with exponential backoff,
// or to failed once attempts are exhausted.
func (r *Runner) release(ctx context.Context, job Job, cause error) {
	now := r.clock.Now()

	if job.Attempts >= job.MaxAttempts {
		err := r.db.WithContext(ctx).Exec(
			`UPDATE jobs
			 SET status = ?, last_error = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			JobStatusFailed,
			cause.Error(),
			now,
			job.ID,
			JobStatusRunning,
		).Error
		if err != nil {
			r.log.Error("failed to mark job failed", zap.String("job_id", job.JobID), zap.Error(err))
		}
		r.log.Warn("job exhausted its attempts",
			zap.String("job_id", job.JobID),
			zap.Int("attempts", job.Attempts),
			zap.Error(cause))
		return
	}

	delay := r.backoff(job.Attempts)
	err := r.db.WithContext(ctx).Exec(
		`UPDATE jobs
		 SET status = ?, run_at = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		JobStatusPending,
		now.Add(delay),
		cause.Error(),
		now,
		job.ID,
		JobStatusRunning,
	).Error
	if err != nil {
		r.log.Error("failed to reschedule job", zap.String("job_id", job.JobID), zap.Error(err))
	}
	r.log.Info("job rescheduled with backoff",
		zap.String("job_id", job.JobID),
		zap.Int("attempt", job.Attempts),
		zap.Duration("delay", delay),
		zap.Error(cause))
}

func (r *Runner) backoff(attempt int) time.Duration {
	delay := r.backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// lockSuffix returns the row-lock clause for dialects that support it.
// The sqlite used in tests serializes writers on its own.
func lockSuffix(tx *gorm.DB) string {
	if tx.Dialector.Name() == "postgres" {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}
