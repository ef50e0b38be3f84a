// Package repository persists jobs and generated placeholder content.
package repository

import (
	"context"
	"time"

	"github.com/docforge/api/internal/model"
)

// JobRepository is the durable job store. Every status change is a
// compare-and-set on the current status.
type JobRepository interface {
	// Create inserts a pending job; ErrActiveJobExists if its generation already has one
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, jobID string) (*model.Job, error)
	GetStatus(ctx context.Context, jobID string) (model.JobStatus, error)
	// Claim moves pending to processing; ErrClaimConflict when the job is not pending
	Claim(ctx context.Context, jobID string) (*model.Job, error)
	UpdateProgress(ctx context.Context, jobID string, completed int) error
	// Complete and Fail apply only while the job is processing; ErrJobAlreadyFinal otherwise
	Complete(ctx context.Context, jobID, artifactPath string, completed int) error
	Fail(ctx context.Context, jobID, message string) error
	// Cancel applies to pending or processing jobs
	Cancel(ctx context.Context, jobID string) error
	// Requeue moves a processing job claimed before the cutoff back to pending
	Requeue(ctx context.Context, jobID string, claimedBefore time.Time) error
	// ListByStatus returns jobs in status that entered it before the cutoff, oldest first
	ListByStatus(ctx context.Context, status model.JobStatus, before time.Time, limit int) ([]*model.Job, error)
}

// ContentStore keeps one generated text per (generation, placeholder)
type ContentStore interface {
	Upsert(ctx context.Context, generationID, placeholderID, content string) error
	GetAll(ctx context.Context, generationID string) (map[string]string, error)
	// DeleteAll drops every result of the generation
	DeleteAll(ctx context.Context, generationID string) error
}
