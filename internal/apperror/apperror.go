// Package apperror defines the domain error taxonomy shared by every layer.
//
// Services and stores return these errors; only the HTTP handlers translate
// them into status codes (see handler.writeError).
package apperror

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("Validation Error")

	// ErrSubmission marks an orchestrator that was unreachable or rejected a job.
	ErrSubmission = errors.New("submission failed")
	// ErrSandbox marks a command that exited abnormally inside the sandbox.
	ErrSandbox = errors.New("sandbox command failed")
	// ErrTransport marks a sandbox or network failure unrelated to the executed code.
	ErrTransport = errors.New("transport failure")
	ErrTimeout   = errors.New("timeout")
	// ErrStreamTerminated ends a stream whose peer went away. It is logged, never sent.
	ErrStreamTerminated = errors.New("stream terminated")
)

type AppError struct {
	Err     error    // sentinel
	Message string   // Human-readable error message
	Field   string   // Optional: field causing the error
	Details []string // Optional: every validation problem found
	Cause   error    // Optional: underlying error
}

func (e *AppError) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause to errors.Is / errors.As.
func (e *AppError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

// InvalidRequest collects several validation problems into one error.
func InvalidRequest(details []string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: "Invalid request",
		Details: details,
	}
}

// SubmissionFailed wraps an orchestrator failure, keeping its message.
func SubmissionFailed(cause error) *AppError {
	return &AppError{
		Err:     ErrSubmission,
		Message: fmt.Sprintf("failed to submit execution: %v", cause),
		Cause:   cause,
	}
}

// TransportFailed wraps a failure talking to the sandbox runtime or a store.
func TransportFailed(op string, cause error) *AppError {
	return &AppError{
		Err:     ErrTransport,
		Message: fmt.Sprintf("%s: %v", op, cause),
		Cause:   cause,
	}
}

func Timeout(message string) *AppError {
	return &AppError{
		Err:     ErrTimeout,
		Message: message,
	}
}

// IsNotFound reports whether err belongs to the not-found class. Errors that
// crossed a process boundary lose their sentinel, so the message is checked too.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404")
}
