// Package engine provides the core types and the plan runner for the
// HostForge provisioning engine. A run walks a dependency-ordered plan of
// steps, probes each step's desired state, applies the ones that are not
// yet satisfied, checkpoints every outcome durably, and unwinds applied
// steps in reverse on failure when the abort policy is in effect.
package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a step-level failure for policy and exit-code decisions.
type ErrorKind string

const (
	// ErrorKindInvalidStepSpec indicates a malformed plan or step. Fatal
	// before any execution; maps to process exit code 2.
	ErrorKindInvalidStepSpec ErrorKind = "invalid_step_spec"

	// ErrorKindProbeError indicates the prober could not determine host
	// state (distinct from "state not satisfied"). Fatal for that step.
	ErrorKindProbeError ErrorKind = "probe_error"

	// ErrorKindExecutionFailed indicates a collaborator tool returned a
	// failure while applying a step.
	ErrorKindExecutionFailed ErrorKind = "execution_failed"

	// ErrorKindTimeout indicates a probe or apply exceeded the step's
	// configured timeout.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindConcurrentRun indicates another run holds the run lock.
	// Fatal; no mutation was attempted.
	ErrorKindConcurrentRun ErrorKind = "concurrent_run"

	// ErrorKindRollbackFailed indicates a rollback action failed. Logged
	// and recorded, but never fatal to the rest of the unwind.
	ErrorKindRollbackFailed ErrorKind = "rollback_failed"
)

// StepError is a classified error with step context. Step errors never
// propagate past the Runner: the runner is the sole decision point for
// abort vs. continue vs. rollback.
type StepError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// StepID is the step that caused the error, if applicable.
	StepID string `json:"step_id,omitempty"`

	// Operation is what was being done when the error occurred
	// (probe, apply, rollback, lock).
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *StepError) Error() string {
	switch {
	case e.StepID != "" && e.Operation != "":
		return fmt.Sprintf("[%s] %s (step=%s, op=%s): %s",
			e.Kind, e.Message, e.StepID, e.Operation, e.unwrapMessage())
	case e.StepID != "":
		return fmt.Sprintf("[%s] %s (step=%s): %s", e.Kind, e.Message, e.StepID, e.unwrapMessage())
	default:
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Message, e.unwrapMessage())
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *StepError) Unwrap() error {
	return e.Err
}

func (e *StepError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality for errors.Is: two StepErrors match when
// their kinds match.
func (e *StepError) Is(target error) bool {
	t, ok := target.(*StepError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithStep adds step context to an error.
func (e *StepError) WithStep(stepID string) *StepError {
	e.StepID = stepID
	return e
}

// WithOperation adds operation context to an error.
func (e *StepError) WithOperation(op string) *StepError {
	e.Operation = op
	return e
}

// NewInvalidStepSpec creates a new invalid-step-spec error.
func NewInvalidStepSpec(message string, err error) *StepError {
	return &StepError{Kind: ErrorKindInvalidStepSpec, Message: message, Err: err}
}

// NewProbeError creates a new probe error.
func NewProbeError(message string, err error) *StepError {
	return &StepError{Kind: ErrorKindProbeError, Message: message, Err: err, Operation: "probe"}
}

// NewExecutionFailed creates a new execution-failed error.
func NewExecutionFailed(message string, err error) *StepError {
	return &StepError{Kind: ErrorKindExecutionFailed, Message: message, Err: err, Operation: "apply"}
}

// NewTimeout creates a new timeout error.
func NewTimeout(message string, err error) *StepError {
	return &StepError{Kind: ErrorKindTimeout, Message: message, Err: err}
}

// NewConcurrentRun creates a new concurrent-run error.
func NewConcurrentRun(message string, err error) *StepError {
	return &StepError{Kind: ErrorKindConcurrentRun, Message: message, Err: err, Operation: "lock"}
}

// NewRollbackFailed creates a new rollback-failed error.
func NewRollbackFailed(message string, err error) *StepError {
	return &StepError{Kind: ErrorKindRollbackFailed, Message: message, Err: err, Operation: "rollback"}
}

func isKind(err error, kind ErrorKind) bool {
	var e *StepError
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsInvalidStepSpec reports whether err is classified as invalid_step_spec.
func IsInvalidStepSpec(err error) bool { return isKind(err, ErrorKindInvalidStepSpec) }

// IsProbeError reports whether err is classified as probe_error.
func IsProbeError(err error) bool { return isKind(err, ErrorKindProbeError) }

// IsExecutionFailed reports whether err is classified as execution_failed.
func IsExecutionFailed(err error) bool { return isKind(err, ErrorKindExecutionFailed) }

// IsTimeout reports whether err is classified as timeout.
func IsTimeout(err error) bool { return isKind(err, ErrorKindTimeout) }

// IsConcurrentRun reports whether err is classified as concurrent_run.
func IsConcurrentRun(err error) bool { return isKind(err, ErrorKindConcurrentRun) }

// IsRollbackFailed reports whether err is classified as rollback_failed.
func IsRollbackFailed(err error) bool { return isKind(err, ErrorKindRollbackFailed) }
