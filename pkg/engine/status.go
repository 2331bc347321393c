package engine

import "fmt"

// StepStatus tracks a step through the runner's state machine:
// pending -> probing -> {satisfied, unsatisfied} -> applying -> {applied, failed}.
// Steps whose dependency failed move straight to blocked.
type StepStatus string

const (
	// StepStatusPending means the step has not been probed yet.
	StepStatusPending StepStatus = "pending"

	// StepStatusProbing means the prober is inspecting host state.
	StepStatusProbing StepStatus = "probing"

	// StepStatusSatisfied means the probe found the desired state already
	// holds; the step is skipped.
	StepStatusSatisfied StepStatus = "satisfied"

	// StepStatusUnsatisfied means the probe found drift; the executor runs.
	StepStatusUnsatisfied StepStatus = "unsatisfied"

	// StepStatusApplying means the executor is mutating host state.
	StepStatusApplying StepStatus = "applying"

	// StepStatusApplied means the executor completed successfully.
	StepStatusApplied StepStatus = "applied"

	// StepStatusFailed means the probe or apply failed.
	StepStatusFailed StepStatus = "failed"

	// StepStatusBlocked means a dependency failed; the step never ran.
	StepStatusBlocked StepStatus = "blocked"
)

// IsTerminal reports whether the status is final for this run.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSatisfied || s == StepStatusApplied ||
		s == StepStatusFailed || s == StepStatusBlocked
}

// IsSuccess reports whether the status unblocks dependent steps.
func (s StepStatus) IsSuccess() bool {
	return s == StepStatusSatisfied || s == StepStatusApplied
}

// Validate checks the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusProbing, StepStatusSatisfied,
		StepStatusUnsatisfied, StepStatusApplying, StepStatusApplied,
		StepStatusFailed, StepStatusBlocked:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// Outcome is what gets written to the checkpoint log for a step.
type Outcome string

const (
	// OutcomeSatisfied records a skip: the desired state already held.
	OutcomeSatisfied Outcome = "satisfied"

	// OutcomeApplied records a successful mutation.
	OutcomeApplied Outcome = "applied"

	// OutcomeWouldApply records a dry-run step that drifted but was not
	// touched.
	OutcomeWouldApply Outcome = "would_apply"

	// OutcomeFailed records a probe or apply failure.
	OutcomeFailed Outcome = "failed"

	// OutcomeBlocked records a step skipped because a dependency failed.
	OutcomeBlocked Outcome = "skipped_blocked"

	// OutcomeRolledBack records a successful rollback of an applied step.
	OutcomeRolledBack Outcome = "rolled_back"

	// OutcomeRollbackFailed records a rollback that errored or that the
	// step does not support.
	OutcomeRollbackFailed Outcome = "rollback_failed"

	// OutcomeUnknown is returned when no record exists for a step.
	OutcomeUnknown Outcome = ""
)

// IsPrimary reports whether the outcome describes the step's own run
// (as opposed to a rollback entry appended during the unwind).
func (o Outcome) IsPrimary() bool {
	return o == OutcomeSatisfied || o == OutcomeApplied ||
		o == OutcomeWouldApply || o == OutcomeFailed || o == OutcomeBlocked
}

// Validate checks the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeSatisfied, OutcomeApplied, OutcomeWouldApply,
		OutcomeFailed, OutcomeBlocked, OutcomeRolledBack, OutcomeRollbackFailed:
		return nil
	default:
		return fmt.Errorf("invalid outcome: %s", o)
	}
}

// RunStatus is the overall status of a plan run.
type RunStatus string

const (
	// RunStatusRunning means the run is executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded means every step ended satisfied or applied.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed means at least one step failed.
	RunStatusFailed RunStatus = "failed"

	// RunStatusRolledBack means the run failed and applied steps were
	// unwound.
	RunStatusRolledBack RunStatus = "rolled_back"

	// RunStatusCancelled means an interrupt ended the run early.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run status is final.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusRolledBack || s == RunStatusCancelled
}

// Validate checks the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed,
		RunStatusRolledBack, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}
