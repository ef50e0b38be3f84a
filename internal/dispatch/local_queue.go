package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrQueueClosed = errors.New("queue is shutting down")

// Processor is the consumer side of a queue
type Processor interface {
	Process(ctx context.Context, jobID string) error
}

// LocalQueue runs jobs on a fixed set of in-process workers
type LocalQueue struct {
	proc    Processor
	logger  *slog.Logger
	workers int

	ch     chan string
	wg     sync.WaitGroup
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

type Option func(*LocalQueue)

func WithWorkers(n int) Option {
	return func(q *LocalQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(q *LocalQueue) {
		if n > 0 {
			q.ch = make(chan string, n)
		}
	}
}

func NewLocalQueue(proc Processor, logger *slog.Logger, opts ...Option) *LocalQueue {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &LocalQueue{
		proc:    proc,
		logger:  logger,
		workers: 4,
		ch:      make(chan string, 256),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *LocalQueue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				for jobID := range q.ch {
					if err := q.proc.Process(q.ctx, jobID); err != nil {
						q.logger.Error("job.process_failed", "worker_id", workerID, "job_id", jobID, "error", err)
					}
				}
			}(i + 1)
		}
	})
}

// Enqueue hands jobID to a worker. It waits for buffer space when the queue is full.
func (q *LocalQueue) Enqueue(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- jobID:
		return nil
	default:
	}
	q.logger.Warn("queue.full", "job_id", jobID)
	select {
	case q.ch <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting jobs and waits for queued ones to drain. When ctx
// expires first, running jobs are cancelled and left for the sweeper.
func (q *LocalQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.cancel()
		q.logger.Warn("queue.shutdown_interrupted")
	case <-done:
		q.cancel()
		q.logger.Info("queue.drained")
	}
}
