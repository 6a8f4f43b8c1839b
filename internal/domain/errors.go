package domain

import (
	"errors"
	"fmt"
)

// ErrCancelled marks a chain or executable that was interrupted by a
// cooperative cancel request. Never subject to retry.
var ErrCancelled = errors.New("cancelled")

// WorkflowValidationError reports every invalid reference, type mismatch,
// and unresolvable for-each input found during a single decomposition
// pass, gathered before any process chain is emitted.
type WorkflowValidationError struct {
	Problems []string
}

func (e *WorkflowValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "workflow validation failed: " + e.Problems[0]
	}

	msg := fmt.Sprintf("workflow validation failed with %d problems:", len(e.Problems))
	for _, p := range e.Problems {
		msg += "\n  - " + p
	}

	return msg
}

// ExecutionError is raised when a runtime invocation fails, either by
// returning a non-zero/signaled exit, or by failing to enumerate output
// files afterward (in which case ExitCode is nil).
type ExecutionError struct {
	Message    string
	LastOutput string
	ExitCode   *int
}

func (e *ExecutionError) Error() string {
	if e.ExitCode == nil {
		return e.Message
	}

	return fmt.Sprintf("%s\n\nExit code: %d\n\n%s", e.Message, *e.ExitCode, e.LastOutput)
}

// NewExecutionError builds an ExecutionError carrying an exit code.
func NewExecutionError(message, lastOutput string, exitCode int) *ExecutionError {
	return &ExecutionError{Message: message, LastOutput: lastOutput, ExitCode: &exitCode}
}

// NewIOExecutionError builds an ExecutionError for output-enumeration
// failures, which never carry an exit code.
func NewIOExecutionError(message string) *ExecutionError {
	return &ExecutionError{Message: message}
}
