package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/docforge/api/internal/model"
	"github.com/docforge/api/internal/repository"
)

const TaskTypeSweep = "job:sweep"

// SweepOptions tune the recovery sweep
type SweepOptions struct {
	// PendingAfter is how long a job may sit in pending before it is dispatched again
	PendingAfter time.Duration
	// StaleAfter is how long after its claim a processing job is presumed abandoned
	StaleAfter time.Duration
	// Batch caps the jobs looked at per status and sweep
	Batch int
}

type SweepResult struct {
	Redispatched int
	Requeued     int
}

// Sweeper recovers jobs whose dispatch was lost or whose worker died mid-run
type Sweeper struct {
	jobs   repository.JobRepository
	queue  Queue
	opts   SweepOptions
	now    func() time.Time
	logger *slog.Logger
}

func NewSweeper(jobs repository.JobRepository, queue Queue, opts SweepOptions, logger *slog.Logger) *Sweeper {
	if opts.PendingAfter <= 0 {
		opts.PendingAfter = time.Minute
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 12 * time.Minute
	}
	if opts.Batch <= 0 {
		opts.Batch = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{jobs: jobs, queue: queue, opts: opts, now: time.Now, logger: logger}
}

// Sweep dispatches old pending jobs again and requeues abandoned processing jobs.
// A requeued job resumes from the placeholders already stored for its generation.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()

	pending, err := s.jobs.ListByStatus(ctx, model.JobStatusPending, now.Add(-s.opts.PendingAfter), s.opts.Batch)
	if err != nil {
		return res, err
	}
	for _, job := range pending {
		if err := s.queue.Enqueue(ctx, job.ID); err != nil {
			return res, fmt.Errorf("redispatch job %s: %w", job.ID, err)
		}
		res.Redispatched++
	}

	cutoff := now.Add(-s.opts.StaleAfter)
	stale, err := s.jobs.ListByStatus(ctx, model.JobStatusProcessing, cutoff, s.opts.Batch)
	if err != nil {
		return res, err
	}
	for _, job := range stale {
		err := s.jobs.Requeue(ctx, job.ID, cutoff)
		if errors.Is(err, model.ErrClaimConflict) || errors.Is(err, model.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return res, err
		}
		s.logger.Warn("job.requeued", "job_id", job.ID, "claimed_at", job.ClaimedAt)
		if err := s.queue.Enqueue(ctx, job.ID); err != nil {
			return res, fmt.Errorf("redispatch job %s: %w", job.ID, err)
		}
		res.Requeued++
	}

	if res.Redispatched > 0 || res.Requeued > 0 {
		s.logger.Info("sweep.done", "redispatched", res.Redispatched, "requeued", res.Requeued)
	}
	return res, nil
}

// Start sweeps every interval until ctx is done
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep.failed", "error", err)
			}
		}
	}
}

// ProcessTask runs one sweep from the asynq scheduler
func (s *Sweeper) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	_, err := s.Sweep(ctx)
	return err
}

// RegisterSweep schedules the periodic sweep task on an asynq scheduler
func RegisterSweep(scheduler *asynq.Scheduler, interval time.Duration, queue string) (string, error) {
	spec := fmt.Sprintf("@every %s", interval)
	return scheduler.Register(spec, asynq.NewTask(TaskTypeSweep, nil),
		asynq.Queue(queue),
		asynq.MaxRetry(0),
		asynq.Unique(interval),
	)
}
