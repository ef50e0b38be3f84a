package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/docforge/api/internal/model"
)

const jobColumns = `id, generation_id, status, total_placeholders, completed_placeholders,
	error_message, final_artifact_path, config, created_at, started_at, completed_at, claimed_at`

// SQLJobRepository stores jobs in Postgres or SQLite
type SQLJobRepository struct {
	db *sqlx.DB
}

// NewSQLJobRepository creates a new SQLJobRepository.
func NewSQLJobRepository(db *sqlx.DB) *SQLJobRepository {
	return &SQLJobRepository{db: db}
}

func (r *SQLJobRepository) Create(ctx context.Context, job *model.Job) error {
	if job.Status == "" {
		job.Status = model.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	// the partial unique index on generation_id rejects a second active job
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`INSERT INTO jobs (id, generation_id, status, total_placeholders, completed_placeholders, config, created_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`),
		job.ID, job.GenerationID, string(job.Status), job.TotalPlaceholders, job.Config, job.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrActiveJobExists
		}
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

func (r *SQLJobRepository) Get(ctx context.Context, jobID string) (*model.Job, error) {
	var job model.Job
	err := r.db.GetContext(ctx, &job, r.db.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrJobNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return &job, nil
}

func (r *SQLJobRepository) GetStatus(ctx context.Context, jobID string) (model.JobStatus, error) {
	var status string
	err := r.db.GetContext(ctx, &status, r.db.Rebind(`SELECT status FROM jobs WHERE id = ?`), jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", model.ErrJobNotFound
		}
		return "", fmt.Errorf("get job status %s: %w", jobID, err)
	}
	return model.JobStatus(status), nil
}

func (r *SQLJobRepository) Claim(ctx context.Context, jobID string) (*model.Job, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE jobs SET status = 'processing', started_at = COALESCE(started_at, ?), claimed_at = ?
		 WHERE id = ? AND status = 'pending'`),
		now, now, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if err := r.checkApplied(ctx, res, jobID, model.ErrClaimConflict); err != nil {
		return nil, err
	}
	return r.Get(ctx, jobID)
}

func (r *SQLJobRepository) UpdateProgress(ctx context.Context, jobID string, completed int) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE jobs SET completed_placeholders = ?
		 WHERE id = ? AND status = 'processing' AND ? BETWEEN 0 AND total_placeholders`),
		completed, jobID, completed,
	)
	if err != nil {
		return fmt.Errorf("update progress %s: %w", jobID, err)
	}
	return nil
}

func (r *SQLJobRepository) Complete(ctx context.Context, jobID, artifactPath string, completed int) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE jobs SET status = 'completed', final_artifact_path = ?, completed_placeholders = ?,
			error_message = NULL, completed_at = ?
		 WHERE id = ? AND status = 'processing'`),
		artifactPath, completed, time.Now().UTC(), jobID,
	)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	return r.checkApplied(ctx, res, jobID, model.ErrJobAlreadyFinal)
}

func (r *SQLJobRepository) Fail(ctx context.Context, jobID, message string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE jobs SET status = 'failed', error_message = ?, final_artifact_path = NULL, completed_at = ?
		 WHERE id = ? AND status = 'processing'`),
		message, time.Now().UTC(), jobID,
	)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	return r.checkApplied(ctx, res, jobID, model.ErrJobAlreadyFinal)
}

func (r *SQLJobRepository) Cancel(ctx context.Context, jobID string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE jobs SET status = 'cancelled', completed_at = ?
		 WHERE id = ? AND status IN ('pending', 'processing')`),
		time.Now().UTC(), jobID,
	)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	return r.checkApplied(ctx, res, jobID, model.ErrJobAlreadyFinal)
}

func (r *SQLJobRepository) Requeue(ctx context.Context, jobID string, claimedBefore time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE jobs SET status = 'pending'
		 WHERE id = ? AND status = 'processing' AND claimed_at < ?`),
		jobID, claimedBefore.UTC(),
	)
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", jobID, err)
	}
	return r.checkApplied(ctx, res, jobID, model.ErrClaimConflict)
}

func (r *SQLJobRepository) ListByStatus(ctx context.Context, status model.JobStatus, before time.Time, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var jobs []*model.Job
	err := r.db.SelectContext(ctx, &jobs, r.db.Rebind(
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = ? AND COALESCE(claimed_at, created_at) < ?
		 ORDER BY created_at ASC
		 LIMIT ?`),
		string(status), before.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status %s: %w", status, err)
	}
	return jobs, nil
}

// checkApplied maps a zero-row conditional update to ErrJobNotFound or conflict
func (r *SQLJobRepository) checkApplied(ctx context.Context, res sql.Result, jobID string, conflict error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := r.GetStatus(ctx, jobID); err != nil {
		return err
	}
	return conflict
}
