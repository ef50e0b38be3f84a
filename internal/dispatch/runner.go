package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/docforge/api/internal/model"
	"github.com/docforge/api/internal/repository"
)

// JobRunner drives a claimed job to a terminal state
type JobRunner interface {
	Run(ctx context.Context, job *model.Job) error
}

// Runner claims a job and runs it. It is what every Queue implementation ends up calling.
type Runner struct {
	jobs   repository.JobRepository
	worker JobRunner
	logger *slog.Logger
}

func NewRunner(jobs repository.JobRepository, worker JobRunner, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{jobs: jobs, worker: worker, logger: logger}
}

// Process claims jobID (pending → processing) and runs it. Losing the claim is a no-op.
// Job failures are recorded on the job and not returned; only an interrupted run or a
// store error comes back, so the queue may redeliver.
func (r *Runner) Process(ctx context.Context, jobID string) error {
	log := r.logger.With("job_id", jobID)

	job, err := r.jobs.Claim(ctx, jobID)
	switch {
	case errors.Is(err, model.ErrClaimConflict):
		log.Info("job.claim_skipped")
		return nil
	case errors.Is(err, model.ErrJobNotFound):
		log.Warn("job.claim_missing")
		return nil
	case err != nil:
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}

	if err := r.worker.Run(ctx, job); err != nil {
		if ctx.Err() != nil {
			log.Warn("job.interrupted", "error", err)
			return ctx.Err()
		}
		log.Info("job.finished_with_failure", "error", err)
	}
	return nil
}
