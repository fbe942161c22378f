package phases

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an installation error for abort and reporting logic.
type ErrorClass string

const (
	// ErrorClassPrereq indicates a phase precondition was not satisfied.
	ErrorClassPrereq ErrorClass = "prereq_unmet"

	// ErrorClassExecution indicates a phase failed while doing its work.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassConfig indicates the configuration is invalid or incomplete.
	ErrorClassConfig ErrorClass = "config"

	// ErrorClassIO indicates a filesystem or persistence failure.
	ErrorClassIO ErrorClass = "io"

	// ErrorClassUnexpected indicates a failure outside the known taxonomy,
	// including recovered panics.
	ErrorClassUnexpected ErrorClass = "unexpected"
)

// InstallError represents a classified installation error with context.
type InstallError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Phase is the phase during which the error occurred, if applicable.
	Phase string `json:"phase,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *InstallError) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("[%s] %s (phase=%s)%s", e.Class, e.Message, e.Phase, e.unwrapSuffix())
	}
	return fmt.Sprintf("[%s] %s%s", e.Class, e.Message, e.unwrapSuffix())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *InstallError) Unwrap() error {
	return e.Err
}

func (e *InstallError) unwrapSuffix() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Is implements error equality for errors.Is.
func (e *InstallError) Is(target error) bool {
	t, ok := target.(*InstallError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// WithPhase adds phase context to an error.
func (e *InstallError) WithPhase(phase string) *InstallError {
	e.Phase = phase
	return e
}

// NewPrereqError creates an error for an unmet prerequisite.
func NewPrereqError(message string, err error) *InstallError {
	return &InstallError{Class: ErrorClassPrereq, Message: message, Err: err}
}

// NewExecutionError creates an error for a failed phase execution.
func NewExecutionError(message string, err error) *InstallError {
	return &InstallError{Class: ErrorClassExecution, Message: message, Err: err}
}

// NewConfigError creates an error for invalid configuration.
func NewConfigError(message string, err error) *InstallError {
	return &InstallError{Class: ErrorClassConfig, Message: message, Err: err}
}

// NewIOError creates an error for a filesystem or persistence failure.
func NewIOError(message string, err error) *InstallError {
	return &InstallError{Class: ErrorClassIO, Message: message, Err: err}
}

// NewUnexpectedError creates an error for failures outside the taxonomy.
func NewUnexpectedError(message string, err error) *InstallError {
	return &InstallError{Class: ErrorClassUnexpected, Message: message, Err: err}
}

// IsPrereq returns true if the error is an unmet prerequisite.
func IsPrereq(err error) bool { return hasClass(err, ErrorClassPrereq) }

// IsExecution returns true if the error is a failed phase execution.
func IsExecution(err error) bool { return hasClass(err, ErrorClassExecution) }

// IsConfig returns true if the error is an invalid configuration.
func IsConfig(err error) bool { return hasClass(err, ErrorClassConfig) }

// IsIO returns true if the error is a filesystem or persistence failure.
func IsIO(err error) bool { return hasClass(err, ErrorClassIO) }

// IsUnexpected returns true if the error is outside the taxonomy.
func IsUnexpected(err error) bool { return hasClass(err, ErrorClassUnexpected) }

func hasClass(err error, class ErrorClass) bool {
	var e *InstallError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}
