package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a generation job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job produces one output document from one input row
type Job struct {
	ID                    string     `json:"id" db:"id"`
	GenerationID          string     `json:"generationId" db:"generation_id"`
	Status                JobStatus  `json:"status" db:"status"`
	TotalPlaceholders     int        `json:"totalPlaceholders" db:"total_placeholders"`
	CompletedPlaceholders int        `json:"completedPlaceholders" db:"completed_placeholders"`
	ErrorMessage          *string    `json:"errorMessage,omitempty" db:"error_message"`
	FinalArtifactPath     *string    `json:"finalArtifactPath,omitempty" db:"final_artifact_path"`
	Config                JobConfig  `json:"config" db:"config"`
	CreatedAt             time.Time  `json:"createdAt" db:"created_at"`
	StartedAt             *time.Time `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt           *time.Time `json:"completedAt,omitempty" db:"completed_at"`
	ClaimedAt             *time.Time `json:"claimedAt,omitempty" db:"claimed_at"`
}

// Progress is completed/total. A job without placeholders reports 1 once completed.
func (j *Job) Progress() float64 {
	return ComputeProgress(j.CompletedPlaceholders, j.TotalPlaceholders, j.Status)
}

// Resumed reports whether the job was claimed again after a requeue. A first
// claim sets startedAt and claimedAt to the same instant.
func (j *Job) Resumed() bool {
	if j.StartedAt == nil || j.ClaimedAt == nil {
		return false
	}
	return j.ClaimedAt.After(*j.StartedAt)
}

// ComputeProgress derives the progress fraction from the counters
func ComputeProgress(completed, total int, status JobStatus) float64 {
	if total <= 0 {
		if status == JobStatusCompleted {
			return 1
		}
		return 0
	}
	if completed < 0 {
		completed = 0
	}
	if completed > total {
		completed = total
	}
	return float64(completed) / float64(total)
}

// Instruction is one placeholder of the template plus the directive that fills it
type Instruction struct {
	ID               string `json:"id" validate:"required,max=128"`
	Prompt           string `json:"prompt" validate:"required"`
	ParagraphContext string `json:"paragraphContext,omitempty"`
}

// RowData maps spreadsheet column names to cell values
type RowData map[string]string

// JobConfig is captured once at creation; processing never re-reads upstream state
type JobConfig struct {
	TemplatePath string        `json:"templatePath"`
	ContextPath  string        `json:"contextPath,omitempty"`
	OutputPath   string        `json:"outputPath,omitempty"`
	RowData      RowData       `json:"rowData"`
	Instructions []Instruction `json:"instructions"`
}

// PlaceholderIDs returns the instruction ids in declaration order
func (c JobConfig) PlaceholderIDs() []string {
	ids := make([]string, 0, len(c.Instructions))
	for _, in := range c.Instructions {
		ids = append(ids, in.ID)
	}
	return ids
}

// Value implements driver.Valuer so the snapshot is stored as JSON
func (c JobConfig) Value() (driver.Value, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (c *JobConfig) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*c = JobConfig{}
		return nil
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return fmt.Errorf("unsupported job config type %T", src)
	}
}

// PlaceholderResult is the generated text for one placeholder of one generation
type PlaceholderResult struct {
	GenerationID  string    `json:"generationId" db:"generation_id"`
	PlaceholderID string    `json:"placeholderId" db:"placeholder_id"`
	Content       string    `json:"content" db:"content"`
	UpdatedAt     time.Time `json:"updatedAt" db:"updated_at"`
}

// JobCompletion is broadcast to subscribers when a job finishes successfully
type JobCompletion struct {
	ArtifactPath          string `json:"artifactPath"`
	CompletedPlaceholders int    `json:"completedPlaceholders"`
	TotalPlaceholders     int    `json:"totalPlaceholders"`
}
