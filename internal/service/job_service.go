package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docforge/api/internal/client"
	"github.com/docforge/api/internal/dispatch"
	"github.com/docforge/api/internal/model"
	"github.com/docforge/api/internal/repository"
	"github.com/docforge/api/internal/sheet"
)

var ErrDuplicatePlaceholder = errors.New("duplicate placeholder id")

// InputError is a request that names data we cannot use (missing spreadsheet, bad row)
type InputError struct {
	Err error
}

func (e *InputError) Error() string { return e.Err.Error() }
func (e *InputError) Unwrap() error { return e.Err }

// JobService handles job management
type JobService struct {
	jobs      repository.JobRepository
	storage   client.StorageClient
	trigger   *dispatch.Trigger
	urlExpiry time.Duration
	logger    *slog.Logger
}

func NewJobService(jobs repository.JobRepository, storage client.StorageClient, trigger *dispatch.Trigger, urlExpiry time.Duration, logger *slog.Logger) *JobService {
	if urlExpiry <= 0 {
		urlExpiry = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JobService{
		jobs:      jobs,
		storage:   storage,
		trigger:   trigger,
		urlExpiry: urlExpiry,
		logger:    logger,
	}
}

// CreateJob snapshots the request into a pending job and dispatches it.
// The row comes from rowData or from one row of a stored spreadsheet.
func (s *JobService) CreateJob(ctx context.Context, req *model.CreateJobRequest) (*model.CreateJobResponse, error) {
	seen := make(map[string]bool, len(req.Instructions))
	for _, in := range req.Instructions {
		if seen[in.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePlaceholder, in.ID)
		}
		seen[in.ID] = true
	}

	row, err := s.resolveRow(ctx, req)
	if err != nil {
		return nil, err
	}

	job := &model.Job{
		ID:                uuid.New().String(),
		GenerationID:      req.GenerationID,
		Status:            model.JobStatusPending,
		TotalPlaceholders: len(req.Instructions),
		Config: model.JobConfig{
			TemplatePath: req.TemplatePath,
			ContextPath:  req.ContextPath,
			OutputPath:   req.OutputPath,
			RowData:      row,
			Instructions: req.Instructions,
		},
		CreatedAt: time.Now().UTC(),
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		if errors.Is(err, model.ErrActiveJobExists) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	// a lost dispatch is recovered by the sweeper, so the job stands either way
	if _, err := s.trigger.Handle(ctx, dispatch.JobCreated(job)); err != nil {
		s.logger.Error("dispatch.failed", "job_id", job.ID, "error", err)
	}

	return &model.CreateJobResponse{
		JobID:        job.ID,
		GenerationID: job.GenerationID,
		Status:       job.Status,
		CreatedAt:    job.CreatedAt,
	}, nil
}

func (s *JobService) resolveRow(ctx context.Context, req *model.CreateJobRequest) (model.RowData, error) {
	if req.SpreadsheetPath == "" {
		return model.RowData(req.RowData), nil
	}

	data, err := s.storage.Get(ctx, req.SpreadsheetPath)
	if err != nil {
		if errors.Is(err, client.ErrObjectNotFound) {
			return nil, &InputError{Err: fmt.Errorf("spreadsheet %s: %w", req.SpreadsheetPath, err)}
		}
		return nil, fmt.Errorf("failed to load spreadsheet: %w", err)
	}

	row, err := sheet.ReadRow(data, req.SheetName, req.RowIndex)
	if err != nil {
		return nil, &InputError{Err: err}
	}
	// inline values override spreadsheet cells
	for k, v := range req.RowData {
		row[k] = v
	}
	return row, nil
}

// GetStatus returns the current status of a job
func (s *JobService) GetStatus(ctx context.Context, jobID string) (*model.JobStatusResponse, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	resp := &model.JobStatusResponse{
		JobID:                 job.ID,
		GenerationID:          job.GenerationID,
		Status:                job.Status,
		Progress:              job.Progress(),
		TotalPlaceholders:     job.TotalPlaceholders,
		CompletedPlaceholders: job.CompletedPlaceholders,
		Error:                 job.ErrorMessage,
		FinalArtifactPath:     job.FinalArtifactPath,
		CreatedAt:             job.CreatedAt,
		StartedAt:             job.StartedAt,
		CompletedAt:           job.CompletedAt,
	}
	if job.Status == model.JobStatusFailed && job.ErrorMessage != nil {
		retryable := model.IsRetryableFailure(failureCode(*job.ErrorMessage))
		resp.Retryable = &retryable
	}
	return resp, nil
}

// GetResult returns a download link for a completed job's document
func (s *JobService) GetResult(ctx context.Context, jobID string) (*model.JobResultResponse, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusCompleted || job.FinalArtifactPath == nil {
		return nil, model.ErrJobNotCompleted
	}

	url, err := s.storage.GetSignedURL(ctx, *job.FinalArtifactPath, s.urlExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to sign result url: %w", err)
	}

	return &model.JobResultResponse{
		JobID:        job.ID,
		ArtifactPath: *job.FinalArtifactPath,
		DownloadURL:  url,
		ExpiresAt:    time.Now().UTC().Add(s.urlExpiry),
	}, nil
}

// CancelJob cancels a pending or processing job. A running worker stops at
// its next placeholder and its late writes are discarded.
func (s *JobService) CancelJob(ctx context.Context, jobID string) (*model.JobCancelResponse, error) {
	if err := s.jobs.Cancel(ctx, jobID); err != nil {
		return nil, err
	}
	s.logger.Info("job.cancelled", "job_id", jobID)

	return &model.JobCancelResponse{
		Success: true,
		JobID:   jobID,
		Status:  model.JobStatusCancelled,
	}, nil
}

// failureCode reads CODE back out of a "[CODE] detail" message
func failureCode(msg string) string {
	if !strings.HasPrefix(msg, "[") {
		return ""
	}
	end := strings.IndexByte(msg, ']')
	if end < 0 {
		return ""
	}
	return msg[1:end]
}
