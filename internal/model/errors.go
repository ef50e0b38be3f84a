package model

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrClaimConflict    = errors.New("job already claimed")
	ErrActiveJobExists  = errors.New("generation already has an active job")
	ErrJobNotCompleted  = errors.New("job not completed")
	ErrJobAlreadyFinal  = errors.New("job already finished")
	ErrCancelled        = errors.New("job cancelled")
	ErrDeadlineExceeded = errors.New("deadline exceeded")
)

// Failure codes recorded in front of a failed job's error message
const (
	CodeGenerationFailed   = "GENERATION_FAILED"
	CodeGenerationRejected = "GENERATION_REJECTED"
	CodeCorruptTemplate    = "CORRUPT_TEMPLATE"
	CodeTimeout            = "TIMEOUT"
	CodeStorage            = "STORAGE_ERROR"
	CodeInternal           = "INTERNAL"
)

// TransientError is an external failure worth retrying (network, 5xx, 429)
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient external error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient external error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a rejected request; retrying cannot change the outcome
type PermanentError struct {
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("permanent request error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("permanent request error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// GenerationFailedError means one placeholder could not be generated
type GenerationFailedError struct {
	InstructionID string
	Cause         error
}

func (e *GenerationFailedError) Error() string {
	return fmt.Sprintf("generation failed for placeholder %q: %v", e.InstructionID, e.Cause)
}

func (e *GenerationFailedError) Unwrap() error { return e.Cause }

// CorruptTemplateError means the template bytes are not a plausible document
type CorruptTemplateError struct {
	Reason string
}

func (e *CorruptTemplateError) Error() string {
	return "corrupt template: " + e.Reason
}

// DeadlineError is returned when an operation outlives its wall-clock budget
type DeadlineError struct {
	Scope string
	After time.Duration
}

func (e *DeadlineError) Error() string {
	return fmt.Sprintf("%s deadline exceeded after %s", e.Scope, e.After)
}

func (e *DeadlineError) Is(target error) bool { return target == ErrDeadlineExceeded }

// StorageError wraps object-store and durable-store failures hit by the worker
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// FailureCode classifies err for the job record
func FailureCode(err error) string {
	var (
		genErr     *GenerationFailedError
		permErr    *PermanentError
		corruptErr *CorruptTemplateError
		storeErr   *StorageError
	)
	switch {
	case errors.As(err, &corruptErr):
		return CodeCorruptTemplate
	// the model refused the request; only a changed instruction can help
	case errors.As(err, &genErr) && errors.As(genErr.Cause, &permErr):
		return CodeGenerationRejected
	// per-call timeouts inside a placeholder stay generation failures
	case errors.As(err, &genErr):
		return CodeGenerationFailed
	case errors.Is(err, ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.As(err, &storeErr):
		return CodeStorage
	default:
		return CodeInternal
	}
}

// FailureMessage renders err as "[CODE] detail"; never empty
func FailureMessage(err error) string {
	if err == nil {
		return "[" + CodeInternal + "] unknown error"
	}
	return fmt.Sprintf("[%s] %s", FailureCode(err), err.Error())
}

// IsRetryableFailure reports whether re-running a job that failed with code is worthwhile
func IsRetryableFailure(code string) bool {
	switch code {
	case CodeTimeout, CodeStorage, CodeGenerationFailed:
		return true
	}
	return false
}
