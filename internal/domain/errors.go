package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrJobNotFound is returned when neither a job record nor any of its artifacts exist
	ErrJobNotFound = errors.New("job not found")

	// ErrJobFinished is returned when a worker tries to claim a job already in a terminal state
	ErrJobFinished = errors.New("job already finished")

	// ErrResultNotReady is returned when the output artifact does not exist yet
	ErrResultNotReady = errors.New("result not found or still processing")

	// ErrInvalidPayload is returned when a task message cannot be decoded
	ErrInvalidPayload = errors.New("invalid task payload")

	// ErrMaxRetriesExceeded is returned when a task has used up its retry budget
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrInputMissing is returned when a task finds neither its input nor its output artifact
	ErrInputMissing = errors.New("input artifact missing")

	// ErrOverCapacity is returned when admission control rejects a submission
	ErrOverCapacity = errors.New("too many jobs in flight")
)

// ValidationError describes a rejected submission; nothing is persisted or enqueued
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError creates a validation error with a formatted message
func NewValidationError(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// StorageError wraps an artifact or record store failure
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// DispatchError wraps a broker publish failure
type DispatchError struct {
	Err error
}

func (e *DispatchError) Error() string {
	return "dispatch: " + e.Err.Error()
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// ProcessingError is raised inside a worker while decoding, enhancing or saving
type ProcessingError struct {
	Stage Stage
	Err   error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing (%s): %v", e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when a task exceeds its hard time limit
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task exceeded hard time limit of %s", e.Limit)
}

// RetryableError wraps transient errors that should trigger a redelivery
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
