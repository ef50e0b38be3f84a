package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

const TaskTypeProcessJob = "job:process"

type jobTaskPayload struct {
	JobID string `json:"jobId"`
}

func newJobTask(jobID string) (*asynq.Task, error) {
	payload, err := json.Marshal(jobTaskPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeProcessJob, payload), nil
}

// AsynqQueue enqueues jobs as asynq tasks. The task id is the job id, so a
// redelivered event while the task is still queued or running is dropped.
type AsynqQueue struct {
	client     *asynq.Client
	queue      string
	maxRetries int
}

func NewAsynqQueue(client *asynq.Client, queue string) *AsynqQueue {
	if queue == "" {
		queue = "jobs"
	}
	return &AsynqQueue{client: client, queue: queue, maxRetries: 3}
}

func (q *AsynqQueue) Enqueue(ctx context.Context, jobID string) error {
	task, err := newJobTask(jobID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	_, err = q.client.EnqueueContext(ctx, task,
		asynq.Queue(q.queue),
		asynq.TaskID(jobID),
		asynq.MaxRetry(q.maxRetries),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// ProcessTask is the asynq handler for TaskTypeProcessJob
func (r *Runner) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload jobTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("task payload has no job id: %w", asynq.SkipRetry)
	}
	return r.Process(ctx, payload.JobID)
}

// NewServeMux routes job tasks to r and sweep tasks to s
func NewServeMux(r *Runner, s *Sweeper) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeProcessJob, r.ProcessTask)
	if s != nil {
		mux.HandleFunc(TaskTypeSweep, s.ProcessTask)
	}
	return mux
}
