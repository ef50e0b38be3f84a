package model

import "time"

// CreateJobRequest asks for one document to be generated from one row.
// Row values come either inline (rowData) or from a spreadsheet stored in the object store.
type CreateJobRequest struct {
	GenerationID    string            `json:"generationId" validate:"required,max=128"`
	TemplatePath    string            `json:"templatePath" validate:"required"`
	ContextPath     string            `json:"contextPath" validate:"omitempty"`
	OutputPath      string            `json:"outputPath" validate:"omitempty"`
	RowData         map[string]string `json:"rowData" validate:"required_without=SpreadsheetPath"`
	SpreadsheetPath string            `json:"spreadsheetPath" validate:"required_without=RowData"`
	SheetName       string            `json:"sheetName" validate:"omitempty"`
	RowIndex        int               `json:"rowIndex" validate:"omitempty,min=1"`
	Instructions    []Instruction     `json:"instructions" validate:"required,min=1,dive"`
}

// CreateJobResponse is returned once the job is persisted and handed to the dispatcher
type CreateJobResponse struct {
	JobID        string    `json:"jobId"`
	GenerationID string    `json:"generationId"`
	Status       JobStatus `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
}

// JobStatusResponse is the public view of a job record
type JobStatusResponse struct {
	JobID                 string     `json:"jobId"`
	GenerationID          string     `json:"generationId"`
	Status                JobStatus  `json:"status"`
	Progress              float64    `json:"progress"`
	TotalPlaceholders     int        `json:"totalPlaceholders"`
	CompletedPlaceholders int        `json:"completedPlaceholders"`
	Error                 *string    `json:"error,omitempty"`
	Retryable             *bool      `json:"retryable,omitempty"`
	FinalArtifactPath     *string    `json:"finalArtifactPath,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	StartedAt             *time.Time `json:"startedAt,omitempty"`
	CompletedAt           *time.Time `json:"completedAt,omitempty"`
}

// JobResultResponse points at the finished document
type JobResultResponse struct {
	JobID        string    `json:"jobId"`
	ArtifactPath string    `json:"artifactPath"`
	DownloadURL  string    `json:"downloadUrl"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// JobCancelResponse represents the response when cancelling a job
type JobCancelResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
}
