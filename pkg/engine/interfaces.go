package engine

import (
	"context"
	"time"
)

// ProbeOutcome is the result of a read-only state probe.
type ProbeOutcome string

const (
	// ProbeSatisfied means the step's desired state already holds.
	ProbeSatisfied ProbeOutcome = "satisfied"

	// ProbeUnsatisfied means the step needs to be applied.
	ProbeUnsatisfied ProbeOutcome = "unsatisfied"
)

// Prober inspects current host state for a step without mutating anything.
// A non-nil error is a ProbeError: "cannot determine state", distinct from
// ProbeUnsatisfied.
type Prober interface {
	Probe(ctx context.Context, step *StepSpec, vars map[string]string) (ProbeOutcome, error)
}

// Executor applies a step's mutation through the collaborator tools. Side
// effects are confined to the resource named in the step's params, which is
// what keeps rollback well-defined. Executors never retry internally.
type Executor interface {
	// Apply brings the step's resource to its desired state. The returned
	// detail string carries captured tool output for the checkpoint log.
	Apply(ctx context.Context, step *StepSpec, vars map[string]string) (detail string, err error)

	// Rollback applies the step's inverse operation, best effort.
	Rollback(ctx context.Context, step *StepSpec, vars map[string]string) error

	// CanRollback reports whether the step has an inverse operation.
	CanRollback(step *StepSpec) bool
}

// StepFinalizer releases per-step scratch state, such as pre-apply file
// backups, once a run completes without unwinding. Executors implement
// it when an apply leaves material behind that only a rollback in the
// same run may consume.
type StepFinalizer interface {
	Finalize(ctx context.Context, step *StepSpec, vars map[string]string) error
}

// CheckpointStore persists the runner's append-only execution log and run
// rows. AppendRecord must be durable (flushed) before it returns: the
// runner will not schedule the next step until the current step's record
// is on disk.
type CheckpointStore interface {
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, run *Run) error
	AppendRecord(ctx context.Context, rec *ExecutionRecord) error
	ListRecords(ctx context.Context, runID string) ([]ExecutionRecord, error)
}

// RunObserver receives run and step lifecycle notifications for logging,
// metrics and event persistence. Implementations must not block the
// runner.
type RunObserver interface {
	RunStarted(run *Run)
	RunFinished(run *Run)
	StepProbed(step *StepSpec, outcome ProbeOutcome, d time.Duration)
	StepApplied(step *StepSpec, err error, d time.Duration)
	StepRolledBack(step *StepSpec, err error)
}

// NopObserver is a RunObserver that does nothing.
type NopObserver struct{}

func (NopObserver) RunStarted(*Run)                                   {}
func (NopObserver) RunFinished(*Run)                                  {}
func (NopObserver) StepProbed(*StepSpec, ProbeOutcome, time.Duration) {}
func (NopObserver) StepApplied(*StepSpec, error, time.Duration)       {}
func (NopObserver) StepRolledBack(*StepSpec, error)                   {}

// MultiObserver fans notifications out to several observers.
type MultiObserver []RunObserver

func (m MultiObserver) RunStarted(run *Run) {
	for _, o := range m {
		o.RunStarted(run)
	}
}

func (m MultiObserver) RunFinished(run *Run) {
	for _, o := range m {
		o.RunFinished(run)
	}
}

func (m MultiObserver) StepProbed(step *StepSpec, outcome ProbeOutcome, d time.Duration) {
	for _, o := range m {
		o.StepProbed(step, outcome, d)
	}
}

func (m MultiObserver) StepApplied(step *StepSpec, err error, d time.Duration) {
	for _, o := range m {
		o.StepApplied(step, err, d)
	}
}

func (m MultiObserver) StepRolledBack(step *StepSpec, err error) {
	for _, o := range m {
		o.StepRolledBack(step, err)
	}
}
