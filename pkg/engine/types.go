package engine

import (
	"encoding/json"
	"time"
)

// StepKind identifies the provisioning action a step performs.
type StepKind string

const (
	// KindPackageInstall ensures a set of packages is installed.
	KindPackageInstall StepKind = "pkg.install"

	// KindFileWrite renders a content template and ensures the target file
	// matches it byte for byte.
	KindFileWrite StepKind = "file.write"

	// KindFirewallRule ensures a firewall allow rule for a port/protocol.
	KindFirewallRule StepKind = "firewall.rule"

	// KindServiceEnsure ensures a service is in the desired run/enable state.
	KindServiceEnsure StepKind = "service.ensure"

	// KindComposeApply renders a compose file and ensures the stack is up.
	KindComposeApply StepKind = "compose.apply"

	// KindCertIssue ensures a TLS certificate exists for a domain.
	KindCertIssue StepKind = "cert.issue"
)

// Validate checks that the step kind is one of the enumerated set.
func (k StepKind) Validate() error {
	switch k {
	case KindPackageInstall, KindFileWrite, KindFirewallRule,
		KindServiceEnsure, KindComposeApply, KindCertIssue:
		return nil
	default:
		return NewInvalidStepSpec("unknown step kind: "+string(k), nil)
	}
}

// FailurePolicy controls what the runner does when a step fails.
type FailurePolicy string

const (
	// PolicyAbort stops scheduling on the first failure and rolls back
	// every step applied earlier in the run, in reverse checkpoint order.
	PolicyAbort FailurePolicy = "abort"

	// PolicyContinue keeps running steps that do not depend on the failed
	// one; dependents of the failure are blocked.
	PolicyContinue FailurePolicy = "continue"
)

// Validate checks that the failure policy is valid.
func (p FailurePolicy) Validate() error {
	switch p {
	case PolicyAbort, PolicyContinue:
		return nil
	default:
		return NewInvalidStepSpec("invalid failure policy: "+string(p), nil)
	}
}

// RollbackSpec describes the inverse operation for a step. When absent the
// executor falls back to the kind's default inverse, or records a no-op
// note if the kind has none.
type RollbackSpec struct {
	// Disabled marks the step as deliberately irreversible. The runner
	// logs a note instead of attempting an inverse.
	Disabled bool `json:"disabled,omitempty"`

	// Params override the inverse operation's parameters (kind-specific).
	Params json.RawMessage `json:"params,omitempty"`
}

// StepSpec is one declarative, idempotent provisioning action. It is
// validated on construction by pkg/plan and immutable afterwards.
type StepSpec struct {
	// ID is the step's unique identifier within the plan.
	ID string `json:"id"`

	// Kind selects the prober/executor pair for the step.
	Kind StepKind `json:"kind"`

	// Params is the kind-specific configuration, validated by pkg/plan
	// against the kind's parameter schema.
	Params json.RawMessage `json:"params"`

	// DependsOn lists step IDs that must reach a terminal success state
	// (satisfied or applied) before this step is probed.
	DependsOn []string `json:"depends_on,omitempty"`

	// Rollback optionally tunes the step's inverse operation.
	Rollback *RollbackSpec `json:"rollback,omitempty"`

	// OnFailure overrides the plan-level failure policy for this step.
	OnFailure FailurePolicy `json:"on_failure,omitempty"`

	// Timeout bounds a single probe or apply call. Zero means the plan
	// default applies.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Plan is a dependency-linked collection of steps plus global run config.
// Invariants (enforced by pkg/plan and re-checked by the graph builder):
// step IDs are unique, every depends_on resolves within the plan, and the
// dependency graph is acyclic.
type Plan struct {
	// Name identifies the plan in logs and the run store.
	Name string `json:"name"`

	// Steps are the plan's steps, in document order.
	Steps []StepSpec `json:"steps"`

	// OnFailure is the plan-level failure policy.
	OnFailure FailurePolicy `json:"on_failure"`

	// Vars are the variable bindings rendered into content templates at
	// probe and apply time. Probers and executors receive them explicitly;
	// nothing is read from the ambient environment.
	Vars map[string]string `json:"vars,omitempty"`

	// DefaultTimeout applies to steps without an explicit timeout.
	DefaultTimeout time.Duration `json:"default_timeout,omitempty"`
}

// Step returns the step with the given ID, or nil.
func (p *Plan) Step(id string) *StepSpec {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// PolicyFor returns the effective failure policy for a step.
func (p *Plan) PolicyFor(step *StepSpec) FailurePolicy {
	if step.OnFailure != "" {
		return step.OnFailure
	}
	if p.OnFailure != "" {
		return p.OnFailure
	}
	return PolicyAbort
}

// TimeoutFor returns the effective probe/apply timeout for a step.
func (p *Plan) TimeoutFor(step *StepSpec) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	if p.DefaultTimeout > 0 {
		return p.DefaultTimeout
	}
	return 5 * time.Minute
}

// ExecutionRecord is one entry of the append-only checkpoint log: a step's
// final outcome for a run. Records are immutable once written and are
// flushed to the store before the runner moves to the next step.
type ExecutionRecord struct {
	// RunID is the run this record belongs to.
	RunID string `json:"run_id"`

	// StepID is the step the record describes.
	StepID string `json:"step_id"`

	// Kind is the step's kind, denormalized for reporting.
	Kind StepKind `json:"kind"`

	// Outcome is the step's terminal outcome.
	Outcome Outcome `json:"outcome"`

	// Detail carries captured output or the failure reason.
	Detail string `json:"detail,omitempty"`

	// StartedAt is when the step entered probing.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the step reached its terminal state.
	CompletedAt time.Time `json:"completed_at"`
}

// Run describes one execution of a plan.
type Run struct {
	// ID is the run's unique identifier.
	ID string `json:"id"`

	// PlanName is the name of the executed plan.
	PlanName string `json:"plan_name"`

	// PlanPath is the plan file the run was started from, if any.
	PlanPath string `json:"plan_path,omitempty"`

	// Policy is the plan-level failure policy in effect.
	Policy FailurePolicy `json:"policy"`

	// DryRun marks runs that only probed and never applied.
	DryRun bool `json:"dry_run"`

	// Status is the run's overall status.
	Status RunStatus `json:"status"`

	// StartedAt is when the run acquired the run lock.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Summary counts step outcomes.
	Summary RunSummary `json:"summary"`
}

// RunSummary counts step outcomes for a run.
type RunSummary struct {
	// Total is the number of steps in the plan.
	Total int `json:"total"`

	// Satisfied is the number of steps already in their desired state.
	Satisfied int `json:"satisfied"`

	// Applied is the number of steps the executor mutated successfully.
	Applied int `json:"applied"`

	// Failed is the number of steps that failed to probe or apply.
	Failed int `json:"failed"`

	// Blocked is the number of steps skipped because a dependency failed.
	Blocked int `json:"blocked"`

	// RolledBack is the number of applied steps whose rollback succeeded.
	RolledBack int `json:"rolled_back"`

	// RollbackFailed is the number of rollback actions that failed or
	// were unavailable.
	RollbackFailed int `json:"rollback_failed"`
}

// Succeeded reports whether every step ended satisfied or applied.
func (s RunSummary) Succeeded() bool {
	return s.Failed == 0 && s.Blocked == 0
}

// RunReport is what the runner hands back to the caller: the run row plus
// the per-step records in checkpoint order.
type RunReport struct {
	Run     Run               `json:"run"`
	Records []ExecutionRecord `json:"records"`

	// RolledBack is true when the abort policy unwound applied steps.
	RolledBack bool `json:"rolled_back"`
}

// OutcomeOf returns the recorded outcome for a step, or OutcomeUnknown.
func (r *RunReport) OutcomeOf(stepID string) Outcome {
	// Rollback entries are appended after the step's primary record; scan
	// forward so the primary outcome wins.
	for i := range r.Records {
		rec := &r.Records[i]
		if rec.StepID == stepID && rec.Outcome.IsPrimary() {
			return rec.Outcome
		}
	}
	return OutcomeUnknown
}
