// Package errors provides structured error types for pmrunner.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for pmrunner.
const (
	// Queue errors
	CodeTaskNotFound      Code = "TASK_NOT_FOUND"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeClaimConflict     Code = "CLAIM_CONFLICT"
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"

	// Validation errors
	CodeValidation Code = "VALIDATION"

	// Executor / supervisor errors
	CodeExecutorUnavailable Code = "EXECUTOR_UNAVAILABLE"
	CodeExecutorTimeout     Code = "EXECUTOR_TIMEOUT"
	CodeBuildFailed         Code = "BUILD_FAILED"
	CodeRunnerStopped       Code = "RUNNER_STOPPED"

	// Retry errors
	CodeMaxRetries Code = "MAX_RETRIES_EXCEEDED"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
	CodeConfigMissing Code = "CONFIG_MISSING"
)

// Category groups error codes for HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeTaskNotFound:        CategoryNotFound,
	CodeInvalidTransition:   CategoryConflict,
	CodeClaimConflict:       CategoryConflict,
	CodeStorageUnavailable:  CategoryUnavailable,
	CodeValidation:          CategoryBadRequest,
	CodeExecutorUnavailable: CategoryUnavailable,
	CodeExecutorTimeout:     CategoryTimeout,
	CodeBuildFailed:         CategoryInternal,
	CodeRunnerStopped:       CategoryConflict,
	CodeMaxRetries:          CategoryInternal,
	CodeConfigInvalid:       CategoryBadRequest,
	CodeConfigMissing:       CategoryBadRequest,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryTimeout:
		return 504
	case CategoryUnavailable:
		return 503
	default:
		return 500
	}
}

// RunnerError is the structured error type for pmrunner.
type RunnerError struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *RunnerError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *RunnerError) Unwrap() error {
	return e.Cause
}

// Category returns the error category for HTTP status mapping.
func (e *RunnerError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *RunnerError) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// MarshalJSON implements json.Marshaler.
func (e *RunnerError) MarshalJSON() ([]byte, error) {
	type alias RunnerError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is a RunnerError with the same code.
func (e *RunnerError) Is(target error) bool {
	t, ok := target.(*RunnerError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *RunnerError) WithCause(err error) *RunnerError {
	return &RunnerError{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Cause: err,
	}
}

// --- Error constructors ---

// ErrTaskNotFound returns an error when a task doesn't exist.
func ErrTaskNotFound(namespace, id string) *RunnerError {
	return &RunnerError{
		Code: CodeTaskNotFound,
		What: fmt.Sprintf("task %s not found", id),
		Why:  fmt.Sprintf("No task with this ID exists in namespace %q", namespace),
		Fix:  "Check the task ID, or list tasks with 'pmrunner status'",
	}
}

// ErrInvalidTransition returns an error for a disallowed status change.
func ErrInvalidTransition(id, from, to string) *RunnerError {
	return &RunnerError{
		Code: CodeInvalidTransition,
		What: fmt.Sprintf("Invalid status transition for task %s", id),
		Why:  fmt.Sprintf("Status %q cannot move to %q", from, to),
		Fix:  "Terminal tasks (COMPLETE, ERROR, CANCELLED) are immutable; re-enqueue instead",
	}
}

// ErrClaimConflict returns an error when another worker claimed the task first.
func ErrClaimConflict(id string) *RunnerError {
	return &RunnerError{
		Code: CodeClaimConflict,
		What: fmt.Sprintf("task %s was claimed by another worker", id),
		Why:  "The conditional status update found the task no longer QUEUED",
	}
}

// ErrStorageUnavailable returns an error when the queue store cannot be reached.
func ErrStorageUnavailable(err error) *RunnerError {
	return &RunnerError{
		Code:  CodeStorageUnavailable,
		What:  "queue storage is unavailable",
		Why:   "The underlying store rejected the operation",
		Fix:   "Check the state directory and database file permissions",
		Cause: err,
	}
}

// ErrValidation returns an error for invalid caller input.
func ErrValidation(field, reason string) *RunnerError {
	return &RunnerError{
		Code: CodeValidation,
		What: fmt.Sprintf("invalid request: %s", field),
		Why:  reason,
	}
}

// ErrExecutorUnavailable returns an error when the executor binary cannot run.
func ErrExecutorUnavailable(path string) *RunnerError {
	return &RunnerError{
		Code: CodeExecutorUnavailable,
		What: "executor is not available",
		Why:  fmt.Sprintf("Could not find or execute %q", path),
		Fix:  "Check executor.command in .pmrunner/config.yaml, or run 'pmrunner runner build'",
	}
}

// ErrExecutorTimeout returns an error when an executor invocation exceeds its deadline.
func ErrExecutorTimeout(taskID string, duration string) *RunnerError {
	return &RunnerError{
		Code: CodeExecutorTimeout,
		What: fmt.Sprintf("executor timed out on task %s", taskID),
		Why:  fmt.Sprintf("No completion after %s", duration),
		Fix:  "Increase the timeout profile for this task type, or split the task",
	}
}

// ErrBuildFailed returns an error when the executor build command fails.
func ErrBuildFailed(stderr string) *RunnerError {
	return &RunnerError{
		Code: CodeBuildFailed,
		What: "executor build failed",
		Why:  stderr,
		Fix:  "Fix the build and retry; the previous executable remains in place",
	}
}

// ErrRunnerStopped returns an error when an operation needs a running executor.
func ErrRunnerStopped() *RunnerError {
	return &RunnerError{
		Code: CodeRunnerStopped,
		What: "runner is not running",
		Fix:  "Start it with 'pmrunner run' or POST /api/runner/restart",
	}
}

// ErrMaxRetries returns an error when max retries are exceeded.
func ErrMaxRetries(taskID string, attempts int) *RunnerError {
	return &RunnerError{
		Code: CodeMaxRetries,
		What: fmt.Sprintf("task %s failed after %d attempts", taskID, attempts),
		Why:  "Maximum retry attempts exceeded without a passing result",
		Fix:  fmt.Sprintf("Inspect the trace with '/trace %s', then split the task or give more specific instructions", taskID),
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *RunnerError {
	return &RunnerError{
		Code: CodeConfigInvalid,
		What: fmt.Sprintf("invalid configuration: %s", field),
		Why:  reason,
		Fix:  "Check .pmrunner/config.yaml and fix the invalid field",
	}
}

// ErrConfigMissing returns an error for missing configuration.
func ErrConfigMissing(field string) *RunnerError {
	return &RunnerError{
		Code: CodeConfigMissing,
		What: fmt.Sprintf("missing required configuration: %s", field),
		Why:  "This field is required but not set in configuration",
		Fix:  fmt.Sprintf("Add %q to .pmrunner/config.yaml", field),
	}
}

// AsRunnerError attempts to convert an error to a RunnerError.
// Returns nil if the error is not a RunnerError.
func AsRunnerError(err error) *RunnerError {
	for err != nil {
		if re, ok := err.(*RunnerError); ok {
			return re
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = unwrapper.Unwrap()
	}
	return nil
}

// Wrap wraps a generic error into a RunnerError with unknown code.
func Wrap(err error, what string) *RunnerError {
	return &RunnerError{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
