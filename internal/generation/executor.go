// Package generation turns one instruction into stored placeholder text.
package generation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/docforge/api/internal/model"
	"github.com/docforge/api/internal/repository"
	"github.com/docforge/api/internal/retry"
)

// ErrEmptyOutput is wrapped in a TransientError when the model returns only whitespace
var ErrEmptyOutput = errors.New("model returned empty output")

// Generator produces text for a prompt
type Generator interface {
	Generate(ctx context.Context, system, user string) (string, error)
}

type Options struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	CallTimeout     time.Duration
	MaxContextChars int
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts:     3,
		BaseDelay:       500 * time.Millisecond,
		CallTimeout:     60 * time.Second,
		MaxContextChars: MaxContextChars,
	}
}

// Executor calls the generator with retries and a per-call deadline, then
// persists the result. It never touches job progress.
type Executor struct {
	gen    Generator
	store  repository.ContentStore
	opts   Options
	logger *slog.Logger
}

func NewExecutor(gen Generator, store repository.ContentStore, opts Options, logger *slog.Logger) *Executor {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = def.BaseDelay
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = def.CallTimeout
	}
	if opts.MaxContextChars <= 0 {
		opts.MaxContextChars = def.MaxContextChars
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{gen: gen, store: store, opts: opts, logger: logger}
}

// Execute generates the text for one placeholder and upserts it before returning.
// Exhausted or permanent failures come back as *model.GenerationFailedError.
func (e *Executor) Execute(ctx context.Context, generationID string, in model.Instruction, row model.RowData, documentContext string) (string, error) {
	prompt := BuildPrompt(in, row, documentContext, e.opts.MaxContextChars)
	log := e.logger.With("generation_id", generationID, "placeholder_id", in.ID)

	policy := retry.Policy{
		MaxAttempts: e.opts.MaxAttempts,
		BaseDelay:   e.opts.BaseDelay,
		IsRetryable: retry.DefaultRetryable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			log.Warn("generation.retry", "attempt", attempt, "delay", delay, "error", err)
		},
	}

	start := time.Now()
	text, err := retry.Do(ctx, policy, func(ctx context.Context) (string, error) {
		return retry.WithDeadline(ctx, "generation call", e.opts.CallTimeout, func(ctx context.Context) (string, error) {
			out, err := e.gen.Generate(ctx, prompt.System, prompt.User)
			if err != nil {
				return "", err
			}
			out = strings.TrimSpace(out)
			if out == "" {
				return "", &model.TransientError{Err: ErrEmptyOutput}
			}
			return out, nil
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Error("generation.failed", "error", err, "elapsed", time.Since(start))
		return "", &model.GenerationFailedError{InstructionID: in.ID, Cause: err}
	}

	if err := e.store.Upsert(ctx, generationID, in.ID, text); err != nil {
		return "", &model.StorageError{Op: "store placeholder result", Err: err}
	}

	log.Debug("generation.done", "chars", len(text), "elapsed", time.Since(start))
	return text, nil
}
