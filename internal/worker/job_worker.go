package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sourcegraph/conc/pool"

	"github.com/docforge/api/internal/assembler"
	"github.com/docforge/api/internal/client"
	"github.com/docforge/api/internal/model"
	"github.com/docforge/api/internal/repository"
	"github.com/docforge/api/internal/retry"
)

// PlaceholderExecutor generates and stores the text of one placeholder
type PlaceholderExecutor interface {
	Execute(ctx context.Context, generationID string, in model.Instruction, row model.RowData, documentContext string) (string, error)
}

// Notifier receives job events for live subscribers
type Notifier interface {
	BroadcastProgress(jobID string, completed, total int, status model.JobStatus, step string)
	BroadcastComplete(jobID string, result interface{})
	BroadcastError(jobID string, code, message string)
}

type Options struct {
	// Concurrency bounds parallel placeholder generation inside one job
	Concurrency int
	// JobTimeout bounds one run of a job; zero disables it
	JobTimeout time.Duration
	// PartialAssembly assembles failed placeholders as empty text instead of failing the job
	PartialAssembly bool
}

func DefaultOptions() Options {
	return Options{Concurrency: 4, JobTimeout: 10 * time.Minute}
}

// JobWorker runs one claimed job to a terminal state
type JobWorker struct {
	jobs      repository.JobRepository
	content   repository.ContentStore
	storage   client.StorageClient
	executor  PlaceholderExecutor
	assembler *assembler.Assembler
	notifier  Notifier
	opts      Options
	logger    *slog.Logger
}

// NewJobWorker creates a new job worker
func NewJobWorker(
	jobs repository.JobRepository,
	content repository.ContentStore,
	storage client.StorageClient,
	executor PlaceholderExecutor,
	asm *assembler.Assembler,
	notifier Notifier,
	opts Options,
	logger *slog.Logger,
) *JobWorker {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if asm == nil {
		asm = assembler.New(logger)
	}
	return &JobWorker{
		jobs:      jobs,
		content:   content,
		storage:   storage,
		executor:  executor,
		assembler: asm,
		notifier:  notifier,
		opts:      opts,
		logger:    logger,
	}
}

type runResult struct {
	artifactPath string
	completed    int
}

// Run processes a job already claimed by the caller. It returns nil when the
// job completed, ErrCancelled when a cancel won, and the failure otherwise.
// Failures are recorded on the job unless the parent context ended first,
// which leaves the job processing for the recovery sweep.
func (w *JobWorker) Run(ctx context.Context, job *model.Job) error {
	if job.Status != model.JobStatusProcessing {
		return fmt.Errorf("job %s is %s, not processing", job.ID, job.Status)
	}

	log := w.logger.With("job_id", job.ID, "generation_id", job.GenerationID)
	log.Info("job.start", "placeholders", job.TotalPlaceholders)
	start := time.Now()

	res, err := retry.WithDeadline(ctx, "job", w.opts.JobTimeout, func(ctx context.Context) (runResult, error) {
		return w.process(ctx, job, log)
	})

	if err == nil {
		if err := w.jobs.Complete(ctx, job.ID, res.artifactPath, res.completed); err != nil {
			if errors.Is(err, model.ErrJobAlreadyFinal) {
				log.Info("job.superseded", "reason", "status changed before completion")
				return model.ErrCancelled
			}
			log.Error("job.complete_failed", "error", err)
			return err
		}
		w.notifier.BroadcastComplete(job.ID, model.JobCompletion{
			ArtifactPath:          res.artifactPath,
			CompletedPlaceholders: res.completed,
			TotalPlaceholders:     job.TotalPlaceholders,
		})
		log.Info("job.completed",
			"artifact", res.artifactPath,
			"completed", res.completed,
			"total", job.TotalPlaceholders,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil
	}

	if errors.Is(err, model.ErrCancelled) {
		log.Info("job.cancelled", "elapsed_ms", time.Since(start).Milliseconds())
		return err
	}
	if ctx.Err() != nil {
		log.Warn("job.interrupted", "error", ctx.Err())
		return ctx.Err()
	}

	w.failJob(ctx, job.ID, err, log)
	return err
}

func (w *JobWorker) failJob(ctx context.Context, jobID string, cause error, log *slog.Logger) {
	code := model.FailureCode(cause)
	msg := model.FailureMessage(cause)

	if err := w.jobs.Fail(ctx, jobID, msg); err != nil {
		if errors.Is(err, model.ErrJobAlreadyFinal) {
			log.Info("job.fail_skipped", "reason", "status changed before failure was recorded")
			return
		}
		log.Error("job.fail_write_failed", "error", err, "cause", cause)
		return
	}
	w.notifier.BroadcastError(jobID, code, msg)
	log.Error("job.failed", "code", code, "error", cause, "retryable", model.IsRetryableFailure(code))
}

func (w *JobWorker) process(ctx context.Context, job *model.Job, log *slog.Logger) (runResult, error) {
	cfg := job.Config

	template, err := w.storage.Get(ctx, cfg.TemplatePath)
	if err != nil {
		return runResult{}, &model.StorageError{Op: "load template", Err: err}
	}
	if err := assembler.Validate(template); err != nil {
		return runResult{}, err
	}

	documentContext := w.loadContext(ctx, cfg.ContextPath, log)

	existing, err := w.priorResults(ctx, job, log)
	if err != nil {
		return runResult{}, err
	}

	total := len(cfg.Instructions)
	var todo []model.Instruction
	for _, in := range cfg.Instructions {
		if _, ok := existing[in.ID]; !ok {
			todo = append(todo, in)
		}
	}

	tracker := &progress{completed: total - len(todo), total: total, results: map[string]string{}}
	if tracker.completed > 0 {
		log.Info("job.resume", "already_done", tracker.completed)
		w.saveProgress(ctx, job.ID, tracker.completed, log)
	}
	w.notifier.BroadcastProgress(job.ID, tracker.completed, total, model.JobStatusProcessing, "generating")

	p := pool.New().WithContext(ctx).WithMaxGoroutines(w.opts.Concurrency)
	if !w.opts.PartialAssembly {
		p = p.WithCancelOnError().WithFirstError()
	}
	for _, in := range todo {
		p.Go(func(ctx context.Context) error {
			if err := w.checkProcessing(ctx, job.ID); err != nil {
				return err
			}

			text, err := w.executor.Execute(ctx, job.GenerationID, in, cfg.RowData, documentContext)
			if err != nil {
				var genErr *model.GenerationFailedError
				if w.opts.PartialAssembly && errors.As(err, &genErr) {
					log.Warn("job.placeholder_skipped", "placeholder_id", in.ID, "error", err)
					tracker.skip(in.ID)
					return nil
				}
				return err
			}

			tracker.advance(in.ID, text, func(n int) {
				w.saveProgress(ctx, job.ID, n, log)
				w.notifier.BroadcastProgress(job.ID, n, total, model.JobStatusProcessing, in.ID)
			})
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		// a cancel observed by one task surfaces as context errors in the others
		if errors.Is(err, model.ErrCancelled) {
			return runResult{}, model.ErrCancelled
		}
		return runResult{}, err
	}

	if err := w.checkProcessing(ctx, job.ID); err != nil {
		return runResult{}, err
	}

	snapshot, err := w.content.GetAll(ctx, job.GenerationID)
	if err != nil {
		return runResult{}, &model.StorageError{Op: "load placeholder results", Err: err}
	}
	results := tracker.merge(existing)
	for _, in := range cfg.Instructions {
		if tracker.skipped(in.ID) {
			continue
		}
		if _, ok := snapshot[in.ID]; !ok {
			return runResult{}, fmt.Errorf("placeholder %q has no stored result", in.ID)
		}
	}

	w.notifier.BroadcastProgress(job.ID, tracker.value(), total, model.JobStatusProcessing, "assembling")
	document, err := w.assembler.Assemble(template, results, cfg.RowData)
	if err != nil {
		return runResult{}, err
	}

	key := outputKey(job)
	if err := w.storage.Put(ctx, key, document, assembler.ContentTypeDocx); err != nil {
		return runResult{}, &model.StorageError{Op: "store artifact", Err: err}
	}

	return runResult{artifactPath: key, completed: tracker.value()}, nil
}

// priorResults returns the stored results a resumed run may reuse. A first
// run clears whatever earlier jobs of the generation left behind.
func (w *JobWorker) priorResults(ctx context.Context, job *model.Job, log *slog.Logger) (map[string]string, error) {
	if !job.Resumed() {
		if err := w.content.DeleteAll(ctx, job.GenerationID); err != nil {
			return nil, &model.StorageError{Op: "clear placeholder results", Err: err}
		}
		return map[string]string{}, nil
	}
	existing, err := w.content.GetAll(ctx, job.GenerationID)
	if err != nil {
		return nil, &model.StorageError{Op: "load placeholder results", Err: err}
	}
	log.Debug("job.prior_results", "count", len(existing))
	return existing, nil
}

// loadContext returns the reference document text, or "" when it cannot be read
func (w *JobWorker) loadContext(ctx context.Context, path string, log *slog.Logger) string {
	if path == "" {
		return ""
	}
	data, err := w.storage.Get(ctx, path)
	if err != nil {
		log.Warn("job.context_unavailable", "path", path, "error", err)
		return ""
	}
	text, err := assembler.ExtractText(data)
	if err == nil {
		return text
	}
	if utf8.Valid(data) {
		return string(data)
	}
	log.Warn("job.context_unreadable", "path", path, "error", err)
	return ""
}

// checkProcessing stops work once the job was cancelled or taken away
func (w *JobWorker) checkProcessing(ctx context.Context, jobID string) error {
	status, err := w.jobs.GetStatus(ctx, jobID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &model.StorageError{Op: "read job status", Err: err}
	}
	switch status {
	case model.JobStatusProcessing:
		return nil
	case model.JobStatusCancelled:
		return model.ErrCancelled
	default:
		return fmt.Errorf("job left processing (now %s): %w", status, model.ErrCancelled)
	}
}

func (w *JobWorker) saveProgress(ctx context.Context, jobID string, completed int, log *slog.Logger) {
	if err := w.jobs.UpdateProgress(ctx, jobID, completed); err != nil {
		log.Warn("job.progress_write_failed", "completed", completed, "error", err)
	}
}

func outputKey(job *model.Job) string {
	if job.Config.OutputPath != "" {
		return job.Config.OutputPath
	}
	return fmt.Sprintf("outputs/%s/%s.docx", job.GenerationID, job.ID)
}

// progress is the single writer of a job's completed counter. It also keeps the
// text this run generated and the placeholders it gave up on.
type progress struct {
	mu        sync.Mutex
	completed int
	total     int
	results   map[string]string
	failed    map[string]bool
}

// advance records text for id, increments the counter and publishes the new
// value while holding the lock, so stored and broadcast values never go backwards
func (p *progress) advance(id, text string, publish func(int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[id] = text
	if p.completed < p.total {
		p.completed++
	}
	publish(p.completed)
}

func (p *progress) skip(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed == nil {
		p.failed = map[string]bool{}
	}
	p.failed[id] = true
}

func (p *progress) skipped(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed[id]
}

// merge returns prior overlaid with this run's results
func (p *progress) merge(prior map[string]string) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(prior)+len(p.results))
	for k, v := range prior {
		out[k] = v
	}
	for k, v := range p.results {
		out[k] = v
	}
	return out
}

func (p *progress) value() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

type nopNotifier struct{}

func (nopNotifier) BroadcastProgress(string, int, int, model.JobStatus, string) {}

func (nopNotifier) BroadcastComplete(string, interface{}) {}

func (nopNotifier) BroadcastError(string, string, string) {}
