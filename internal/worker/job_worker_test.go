package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docforge/api/internal/assembler"
	"github.com/docforge/api/internal/client"
	"github.com/docforge/api/internal/generation"
	"github.com/docforge/api/internal/model"
	"github.com/docforge/api/internal/repository"
)

const templatePath = "templates/offer.docx"

// promptGenerator answers by looking up which instruction the prompt carries
type promptGenerator struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, prompt string, call int) (string, error)
}

func (g *promptGenerator) Generate(ctx context.Context, _, user string) (string, error) {
	prompt := user
	if rest, ok := strings.CutPrefix(user, "Instruction:\n"); ok {
		prompt, _, _ = strings.Cut(rest, "\n\n")
	}
	g.mu.Lock()
	if g.calls == nil {
		g.calls = map[string]int{}
	}
	g.calls[prompt]++
	call := g.calls[prompt]
	g.mu.Unlock()
	return g.fn(ctx, prompt, call)
}

func (g *promptGenerator) Calls(prompt string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[prompt]
}

type recordingNotifier struct {
	mu       sync.Mutex
	progress []float64
	complete int
	errors   []string
}

func (n *recordingNotifier) BroadcastProgress(_ string, completed, total int, status model.JobStatus, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, model.ComputeProgress(completed, total, status))
}

func (n *recordingNotifier) BroadcastComplete(string, interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.complete++
}

func (n *recordingNotifier) BroadcastError(_ string, code, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, code)
}

type harness struct {
	jobs     repository.JobRepository
	content  repository.ContentStore
	storage  *client.MemoryStorage
	gen      *promptGenerator
	notifier *recordingNotifier
	worker   *JobWorker
}

func newHarness(t *testing.T, opts Options, fn func(ctx context.Context, prompt string, call int) (string, error)) *harness {
	t.Helper()
	db, err := repository.Open(context.Background(), repository.Config{Driver: repository.DriverSQLite, DSN: ":memory:"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		jobs:     repository.NewSQLJobRepository(db),
		content:  repository.NewSQLContentStore(db),
		storage:  client.NewMemoryStorage(),
		gen:      &promptGenerator{fn: fn},
		notifier: &recordingNotifier{},
	}

	template, err := assembler.BuildDocx("Offer for [ROW:name]\n[AI:p1]\n[AI:p2]")
	require.NoError(t, err)
	require.NoError(t, h.storage.Put(context.Background(), templatePath, template, assembler.ContentTypeDocx))

	exec := generation.NewExecutor(h.gen, h.content, generation.Options{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		CallTimeout: time.Second,
	}, nil)
	h.worker = NewJobWorker(h.jobs, h.content, h.storage, exec, nil, h.notifier, opts, nil)
	return h
}

func (h *harness) claimedJob(t *testing.T) *model.Job {
	t.Helper()
	return h.claimJob(t, "gen-"+uuid.New().String(), []model.Instruction{
		{ID: "p1", Prompt: "prompt-p1"},
		{ID: "p2", Prompt: "prompt-p2"},
	})
}

func (h *harness) claimJob(t *testing.T, generationID string, instructions []model.Instruction) *model.Job {
	t.Helper()
	ctx := context.Background()
	job := &model.Job{
		ID:                uuid.New().String(),
		GenerationID:      generationID,
		TotalPlaceholders: len(instructions),
		Config: model.JobConfig{
			TemplatePath: templatePath,
			RowData:      model.RowData{"name": "Acme"},
			Instructions: instructions,
		},
	}
	require.NoError(t, h.jobs.Create(ctx, job))
	claimed, err := h.jobs.Claim(ctx, job.ID)
	require.NoError(t, err)
	return claimed
}

// reclaim requeues a claimed job and claims it again, as the recovery sweep does
func (h *harness) reclaim(t *testing.T, job *model.Job) *model.Job {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.jobs.Requeue(ctx, job.ID, time.Now().Add(time.Minute)))
	claimed, err := h.jobs.Claim(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, claimed.Resumed())
	return claimed
}

func (h *harness) artifactText(t *testing.T, jobID string) string {
	t.Helper()
	got := h.reload(t, jobID)
	require.NotNil(t, got.FinalArtifactPath)
	artifact, err := h.storage.Get(context.Background(), *got.FinalArtifactPath)
	require.NoError(t, err)
	text, err := assembler.ExtractText(artifact)
	require.NoError(t, err)
	return text
}

func (h *harness) reload(t *testing.T, jobID string) *model.Job {
	t.Helper()
	job, err := h.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

func echo(_ context.Context, prompt string, _ int) (string, error) {
	return "text for " + prompt, nil
}

func TestJobWorker_CompletesJob(t *testing.T) {
	h := newHarness(t, DefaultOptions(), echo)
	job := h.claimedJob(t)

	require.NoError(t, h.worker.Run(context.Background(), job))

	got := h.reload(t, job.ID)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, 2, got.CompletedPlaceholders)
	assert.Equal(t, 1.0, got.Progress())
	assert.Nil(t, got.ErrorMessage)
	require.NotNil(t, got.FinalArtifactPath)

	artifact, err := h.storage.Get(context.Background(), *got.FinalArtifactPath)
	require.NoError(t, err)
	text, err := assembler.ExtractText(artifact)
	require.NoError(t, err)
	assert.Equal(t, "Offer for Acme\ntext for prompt-p1\ntext for prompt-p2", text)
	assert.Equal(t, 1, h.notifier.complete)
}

func TestJobWorker_FailFast(t *testing.T) {
	opts := DefaultOptions()
	opts.Concurrency = 1
	h := newHarness(t, opts, func(ctx context.Context, prompt string, call int) (string, error) {
		if prompt == "prompt-p2" {
			return "", &model.TransientError{StatusCode: 503, Err: errors.New("unavailable")}
		}
		return echo(ctx, prompt, call)
	})
	job := h.claimedJob(t)

	err := h.worker.Run(context.Background(), job)
	require.Error(t, err)

	got := h.reload(t, job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, 1, got.CompletedPlaceholders)
	assert.Equal(t, 2, got.TotalPlaceholders)
	require.NotNil(t, got.ErrorMessage)
	assert.True(t, strings.HasPrefix(*got.ErrorMessage, "[GENERATION_FAILED]"), *got.ErrorMessage)
	assert.Nil(t, got.FinalArtifactPath)
	assert.Equal(t, 3, h.gen.Calls("prompt-p2"))

	_, err = h.storage.Get(context.Background(), outputKey(job))
	assert.ErrorIs(t, err, client.ErrObjectNotFound)
	assert.Equal(t, []string{model.CodeGenerationFailed}, h.notifier.errors)
}

func TestJobWorker_PartialAssembly(t *testing.T) {
	opts := DefaultOptions()
	opts.PartialAssembly = true
	h := newHarness(t, opts, func(ctx context.Context, prompt string, call int) (string, error) {
		if prompt == "prompt-p2" {
			return "", &model.PermanentError{StatusCode: 400, Err: errors.New("rejected")}
		}
		return echo(ctx, prompt, call)
	})
	job := h.claimedJob(t)

	require.NoError(t, h.worker.Run(context.Background(), job))

	got := h.reload(t, job.ID)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, 1, got.CompletedPlaceholders)
	assert.Equal(t, 0.5, got.Progress())
	require.NotNil(t, got.FinalArtifactPath)

	artifact, err := h.storage.Get(context.Background(), *got.FinalArtifactPath)
	require.NoError(t, err)
	text, err := assembler.ExtractText(artifact)
	require.NoError(t, err)
	assert.Equal(t, "Offer for Acme\ntext for prompt-p1", text)

	stored, err := h.content.GetAll(context.Background(), job.GenerationID)
	require.NoError(t, err)
	assert.NotContains(t, stored, "p2")
}

func TestJobWorker_ResumesFromStoredResults(t *testing.T) {
	h := newHarness(t, DefaultOptions(), echo)
	job := h.claimedJob(t)
	require.NoError(t, h.content.Upsert(context.Background(), job.GenerationID, "p1", "kept from earlier run"))
	job = h.reclaim(t, job)

	require.NoError(t, h.worker.Run(context.Background(), job))

	assert.Equal(t, 0, h.gen.Calls("prompt-p1"))
	assert.Equal(t, 1, h.gen.Calls("prompt-p2"))

	got := h.reload(t, job.ID)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, 2, got.CompletedPlaceholders)
	assert.Contains(t, h.artifactText(t, job.ID), "kept from earlier run")
}

func TestJobWorker_FirstRunIgnoresStaleResults(t *testing.T) {
	h := newHarness(t, DefaultOptions(), echo)
	job := h.claimedJob(t)
	require.NoError(t, h.content.Upsert(context.Background(), job.GenerationID, "p1", "left by another job"))
	require.NoError(t, h.content.Upsert(context.Background(), job.GenerationID, "gone", "unused"))

	require.NoError(t, h.worker.Run(context.Background(), job))

	assert.Equal(t, 1, h.gen.Calls("prompt-p1"))
	assert.Equal(t, "Offer for Acme\ntext for prompt-p1\ntext for prompt-p2", h.artifactText(t, job.ID))

	stored, err := h.content.GetAll(context.Background(), job.GenerationID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"p1": "text for prompt-p1", "p2": "text for prompt-p2"}, stored)
}

func TestJobWorker_NewJobForGenerationRegenerates(t *testing.T) {
	opts := DefaultOptions()
	opts.PartialAssembly = true
	var rejectP2 atomic.Bool
	rejectP2.Store(true)
	h := newHarness(t, opts, func(ctx context.Context, prompt string, call int) (string, error) {
		if prompt == "prompt-p2" && rejectP2.Load() {
			return "", &model.PermanentError{StatusCode: 400, Err: errors.New("rejected")}
		}
		return echo(ctx, prompt, call)
	})

	generationID := "gen-" + uuid.New().String()
	first := h.claimJob(t, generationID, []model.Instruction{
		{ID: "p1", Prompt: "prompt-p1"},
		{ID: "p2", Prompt: "prompt-p2"},
	})
	require.NoError(t, h.worker.Run(context.Background(), first))
	assert.Equal(t, 1, h.reload(t, first.ID).CompletedPlaceholders)

	rejectP2.Store(false)
	second := h.claimJob(t, generationID, []model.Instruction{
		{ID: "p1", Prompt: "revised-p1"},
		{ID: "p2", Prompt: "prompt-p2"},
	})
	require.NoError(t, h.worker.Run(context.Background(), second))

	assert.Equal(t, 1, h.gen.Calls("revised-p1"))
	assert.Equal(t, 2, h.gen.Calls("prompt-p2"))

	got := h.reload(t, second.ID)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, 2, got.CompletedPlaceholders)
	assert.Equal(t, "Offer for Acme\ntext for revised-p1\ntext for prompt-p2", h.artifactText(t, second.ID))
}

func TestJobWorker_CancellationBetweenPlaceholders(t *testing.T) {
	opts := DefaultOptions()
	opts.Concurrency = 1
	var h *harness
	var jobID string
	h = newHarness(t, opts, func(ctx context.Context, prompt string, call int) (string, error) {
		if prompt == "prompt-p1" {
			assert.NoError(t, h.jobs.Cancel(context.Background(), jobID))
		}
		return echo(ctx, prompt, call)
	})
	job := h.claimedJob(t)
	jobID = job.ID

	err := h.worker.Run(context.Background(), job)
	assert.ErrorIs(t, err, model.ErrCancelled)

	assert.Equal(t, 0, h.gen.Calls("prompt-p2"))
	got := h.reload(t, job.ID)
	assert.Equal(t, model.JobStatusCancelled, got.Status)
	assert.Nil(t, got.FinalArtifactPath)
	assert.Nil(t, got.ErrorMessage)
}

func TestJobWorker_JobTimeout(t *testing.T) {
	opts := DefaultOptions()
	opts.JobTimeout = 50 * time.Millisecond
	h := newHarness(t, opts, func(ctx context.Context, _ string, _ int) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	job := h.claimedJob(t)

	err := h.worker.Run(context.Background(), job)
	assert.ErrorIs(t, err, model.ErrDeadlineExceeded)

	got := h.reload(t, job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.True(t, strings.HasPrefix(*got.ErrorMessage, "[TIMEOUT]"), *got.ErrorMessage)
	assert.Nil(t, got.FinalArtifactPath)
}

func TestJobWorker_CorruptTemplate(t *testing.T) {
	h := newHarness(t, DefaultOptions(), echo)
	require.NoError(t, h.storage.Put(context.Background(), templatePath, []byte("not a document"), ""))
	job := h.claimedJob(t)

	err := h.worker.Run(context.Background(), job)
	require.Error(t, err)

	got := h.reload(t, job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.True(t, strings.HasPrefix(*got.ErrorMessage, "[CORRUPT_TEMPLATE]"), *got.ErrorMessage)
	assert.Nil(t, got.FinalArtifactPath)
	// rejected before any model call
	assert.Equal(t, 0, h.gen.Calls("prompt-p1"))
}

func TestJobWorker_MissingTemplateIsStorageFailure(t *testing.T) {
	h := newHarness(t, DefaultOptions(), echo)
	job := h.claimedJob(t)
	job.Config.TemplatePath = "templates/missing.docx"

	require.Error(t, h.worker.Run(context.Background(), job))

	got := h.reload(t, job.ID)
	require.NotNil(t, got.ErrorMessage)
	assert.True(t, strings.HasPrefix(*got.ErrorMessage, "[STORAGE_ERROR]"), *got.ErrorMessage)
}

func TestJobWorker_ProgressStaysInBounds(t *testing.T) {
	h := newHarness(t, DefaultOptions(), echo)
	job := h.claimedJob(t)

	require.NoError(t, h.worker.Run(context.Background(), job))

	require.NotEmpty(t, h.notifier.progress)
	prev := 0.0
	for _, p := range h.notifier.progress {
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 1.0)
		assert.GreaterOrEqual(t, p, prev)
		prev = p
	}
}

func TestJobWorker_RejectsUnclaimedJob(t *testing.T) {
	h := newHarness(t, DefaultOptions(), echo)
	job := h.claimedJob(t)
	job.Status = model.JobStatusPending

	assert.Error(t, h.worker.Run(context.Background(), job))
	assert.Equal(t, 0, h.gen.Calls("prompt-p1"))
}
