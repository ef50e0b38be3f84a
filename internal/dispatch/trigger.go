package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/docforge/api/internal/model"
)

const (
	OperationCreated = "created"
	EntityTypeJob    = "job"
)

var ErrInvalidEvent = errors.New("event record has no id")

// Event is a change notification emitted when a record is written
type Event struct {
	Operation  string      `json:"operation" validate:"required"`
	EntityType string      `json:"entityType" validate:"required"`
	Record     EventRecord `json:"record"`
}

type EventRecord struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	GenerationID string `json:"generationId,omitempty"`
}

// Queue hands a job id to whatever runs the orchestrator. Enqueue must not block on the run.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Trigger reacts to job creation events
type Trigger struct {
	queue  Queue
	logger *slog.Logger
}

func NewTrigger(queue Queue, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{queue: queue, logger: logger}
}

// Handle enqueues the job of a created/job/pending event and reports whether it did.
// Other events are ignored. Duplicate deliveries are safe: the claim in Runner decides.
func (t *Trigger) Handle(ctx context.Context, ev Event) (bool, error) {
	if ev.Operation != OperationCreated || ev.EntityType != EntityTypeJob {
		return false, nil
	}
	if ev.Record.Status != string(model.JobStatusPending) {
		t.logger.Debug("dispatch.ignored", "job_id", ev.Record.ID, "status", ev.Record.Status)
		return false, nil
	}
	if ev.Record.ID == "" {
		return false, ErrInvalidEvent
	}

	if err := t.queue.Enqueue(ctx, ev.Record.ID); err != nil {
		return false, fmt.Errorf("enqueue job %s: %w", ev.Record.ID, err)
	}
	t.logger.Info("dispatch.enqueued", "job_id", ev.Record.ID, "generation_id", ev.Record.GenerationID)
	return true, nil
}

// JobCreated builds the event a job insert produces
func JobCreated(job *model.Job) Event {
	return Event{
		Operation:  OperationCreated,
		EntityType: EntityTypeJob,
		Record: EventRecord{
			ID:           job.ID,
			Status:       string(job.Status),
			GenerationID: job.GenerationID,
		},
	}
}
