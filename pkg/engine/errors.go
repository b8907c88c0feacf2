// Package engine implements the reactive orchestration core: the watch
// matcher that decides which procs fire for a change set, the proc registry
// with its aspect runtime (queries, polls, event handlers), and the task
// tree executor that converges hosts to the model.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a core error for recovery and reporting logic.
type ErrorClass string

const (
	// ClassMalformedModel indicates a structural model tree error, fatal to
	// the diff step.
	ClassMalformedModel ErrorClass = "malformed-model"

	// ClassExpression indicates an unresolvable required binding or an
	// invalid expression, fatal to the task or run block that used it.
	ClassExpression ErrorClass = "expression"

	// ClassRemoteExecution indicates a host-side command/script/file
	// failure. Recoverable via try/catch at the task-tree level.
	ClassRemoteExecution ErrorClass = "remote-execution"

	// ClassValidation indicates an explicitly thrown validation failure
	// (content mismatch, read-only violation). Same recoverability as
	// remote execution errors.
	ClassValidation ErrorClass = "validation"

	// ClassCacheComputation indicates a query body failure; the cache entry
	// is not populated and the error surfaces to the query caller.
	ClassCacheComputation ErrorClass = "cache-computation"

	// ClassInternal indicates an engine bug or an unclassified failure.
	ClassInternal ErrorClass = "internal"
)

// CoreError is a classified error with orchestration context.
type CoreError struct {
	// Class is the error classification.
	Class ErrorClass

	// Message is the human-readable error message.
	Message string

	// Host is the hostname the error occurred on, if any.
	Host string

	// Proc is the proc being executed, if any.
	Proc string

	// Task is the task label, if any.
	Task string

	// Path is the model path involved, if any.
	Path string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Proc != "" {
		msg += fmt.Sprintf(" (proc=%s)", e.Proc)
	}
	if e.Host != "" {
		msg += fmt.Sprintf(" (host=%s)", e.Host)
	}
	if e.Task != "" {
		msg += fmt.Sprintf(" (task=%s)", e.Task)
	}
	if e.Path != "" {
		msg += fmt.Sprintf(" (path=%s)", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *CoreError) Unwrap() error { return e.Err }

// Is matches on class so errors.Is can test categories.
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// WithHost adds host context.
func (e *CoreError) WithHost(host string) *CoreError {
	e.Host = host
	return e
}

// WithProc adds proc context.
func (e *CoreError) WithProc(proc string) *CoreError {
	e.Proc = proc
	return e
}

// WithTask adds task context.
func (e *CoreError) WithTask(task string) *CoreError {
	e.Task = task
	return e
}

// WithPath adds model path context.
func (e *CoreError) WithPath(path string) *CoreError {
	e.Path = path
	return e
}

// NewMalformedModelError creates a malformed-model error.
func NewMalformedModelError(message string, err error) *CoreError {
	return &CoreError{Class: ClassMalformedModel, Message: message, Err: err}
}

// NewExpressionError creates an expression error.
func NewExpressionError(message string, err error) *CoreError {
	return &CoreError{Class: ClassExpression, Message: message, Err: err}
}

// NewRemoteExecutionError creates a remote-execution error.
func NewRemoteExecutionError(message string, err error) *CoreError {
	return &CoreError{Class: ClassRemoteExecution, Message: message, Err: err}
}

// NewValidationError creates a validation error.
func NewValidationError(message string, err error) *CoreError {
	return &CoreError{Class: ClassValidation, Message: message, Err: err}
}

// NewCacheComputationError creates a cache-computation error.
func NewCacheComputationError(message string, err error) *CoreError {
	return &CoreError{Class: ClassCacheComputation, Message: message, Err: err}
}

// NewInternalError creates an internal error.
func NewInternalError(message string, err error) *CoreError {
	return &CoreError{Class: ClassInternal, Message: message, Err: err}
}

// ClassOf returns the error class, or ClassInternal for unclassified errors.
func ClassOf(err error) ErrorClass {
	var e *CoreError
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassInternal
}

// IsRecoverable reports whether a try/catch handler may recover from err.
// Remote execution and validation failures are recoverable; model,
// expression and internal errors are not.
func IsRecoverable(err error) bool {
	switch ClassOf(err) {
	case ClassRemoteExecution, ClassValidation:
		return true
	default:
		return false
	}
}
