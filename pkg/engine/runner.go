package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hostforge/hostforge/pkg/telemetry"
)

// RunOptions configures a single plan run.
type RunOptions struct {
	// DryRun probes every step but never calls the executor.
	DryRun bool

	// OnFailure overrides the plan's failure policy when set.
	OnFailure FailurePolicy

	// PlanPath is recorded on the run row for audit.
	PlanPath string
}

// Runner executes a plan strictly one step at a time. It owns the
// checkpoint log exclusively; probers and executors are stateless
// functions over a step and live host facts.
type Runner struct {
	prober   Prober
	executor Executor
	store    CheckpointStore
	lock     *RunLock
	observer RunObserver
	logger   *telemetry.Logger

	// clock is swappable in tests.
	clock func() time.Time
}

// NewRunner creates a runner over the given prober, executor, checkpoint
// store and run lock.
func NewRunner(prober Prober, executor Executor, store CheckpointStore, lock *RunLock, logger *telemetry.Logger) *Runner {
	return &Runner{
		prober:   prober,
		executor: executor,
		store:    store,
		lock:     lock,
		observer: NopObserver{},
		logger:   logger.NewComponentLogger("runner"),
		clock:    time.Now,
	}
}

// WithObserver attaches a run observer (metrics, tracing, event log).
func (r *Runner) WithObserver(obs RunObserver) *Runner {
	r.observer = obs
	return r
}

// Run executes the plan to completion. A non-nil error is returned only
// for failures that prevented execution from starting (invalid plan,
// concurrent run, store failure); step failures are reported through the
// RunReport and never propagate as errors.
func (r *Runner) Run(ctx context.Context, plan *Plan, opts RunOptions) (*RunReport, error) {
	graph, err := BuildGraph(plan)
	if err != nil {
		return nil, err
	}

	if err := r.lock.Acquire(); err != nil {
		return nil, err
	}
	defer func() {
		if relErr := r.lock.Release(); relErr != nil {
			r.logger.WithError(relErr).Warn("failed to release run lock")
		}
	}()

	run := Run{
		ID:        uuid.New().String(),
		PlanName:  plan.Name,
		PlanPath:  opts.PlanPath,
		Policy:    r.effectivePlanPolicy(plan, opts),
		DryRun:    opts.DryRun,
		Status:    RunStatusRunning,
		StartedAt: r.clock(),
		Summary:   RunSummary{Total: len(plan.Steps)},
	}
	if err := r.store.CreateRun(ctx, &run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	r.observer.RunStarted(&run)

	log := r.logger.WithRunID(run.ID)
	log.WithField("plan", plan.Name).
		WithField("policy", string(run.Policy)).
		WithField("dry_run", opts.DryRun).
		Info("run started")

	st := &runState{
		run:    &run,
		plan:   plan,
		graph:  graph,
		opts:   opts,
		status: make(map[string]StepStatus, len(plan.Steps)),
	}
	for i := range plan.Steps {
		st.status[plan.Steps[i].ID] = StepStatusPending
	}

	r.executeLevels(ctx, st)

	// Interrupt or abort-policy failure: unwind applied steps in reverse
	// checkpoint order. Dry runs never applied anything, so never unwind.
	if st.unwind && !opts.DryRun {
		r.rollback(ctx, st)
	} else if !opts.DryRun {
		r.finalize(ctx, st)
	}

	run.Summary = st.summarize()
	completed := r.clock()
	run.CompletedAt = &completed
	run.Status = st.finalStatus(ctx)

	if err := r.store.FinishRun(context.WithoutCancel(ctx), &run); err != nil {
		log.WithError(err).Error("failed to persist final run state")
	}
	r.observer.RunFinished(&run)

	log.WithField("status", string(run.Status)).
		WithField("satisfied", run.Summary.Satisfied).
		WithField("applied", run.Summary.Applied).
		WithField("failed", run.Summary.Failed).
		WithField("blocked", run.Summary.Blocked).
		Info("run finished")

	return &RunReport{Run: run, Records: st.records, RolledBack: st.rolledBack}, nil
}

// runState carries the per-run bookkeeping the runner threads through a
// single Run call.
type runState struct {
	run   *Run
	plan  *Plan
	graph *StepGraph
	opts  RunOptions

	status     map[string]StepStatus
	records    []ExecutionRecord
	unwind     bool
	rolledBack bool
	stopped    bool
}

func (r *Runner) effectivePlanPolicy(plan *Plan, opts RunOptions) FailurePolicy {
	if opts.OnFailure != "" {
		return opts.OnFailure
	}
	if plan.OnFailure != "" {
		return plan.OnFailure
	}
	return PolicyAbort
}

// executeLevels walks the graph level by level, one step at a time.
func (r *Runner) executeLevels(ctx context.Context, st *runState) {
	for _, level := range st.graph.Levels {
		for _, id := range level {
			if st.stopped {
				r.blockStep(ctx, st, id, "run aborted before step was scheduled")
				continue
			}

			// An interrupt between steps stops scheduling; the step that
			// was executing has already finished.
			if ctx.Err() != nil {
				st.stopped = true
				st.unwind = true
				r.blockStep(ctx, st, id, "run interrupted")
				continue
			}

			step := st.plan.Step(id)
			if !r.dependenciesSatisfied(st, step) {
				r.blockStep(ctx, st, id, "dependency failed")
				continue
			}

			r.executeStep(ctx, st, step)
		}
	}
}

// dependenciesSatisfied reports whether every dependency reached a
// terminal success state.
func (r *Runner) dependenciesSatisfied(st *runState, step *StepSpec) bool {
	for _, dep := range step.DependsOn {
		if !st.status[dep].IsSuccess() {
			return false
		}
	}
	return true
}

// executeStep drives a single step through probe and, if unsatisfied,
// apply. Exactly one record is appended, and it is flushed before the
// runner returns to the scheduling loop.
func (r *Runner) executeStep(ctx context.Context, st *runState, step *StepSpec) {
	log := r.logger.WithRunID(st.run.ID).WithStepID(step.ID)
	started := r.clock()
	timeout := st.plan.TimeoutFor(step)

	st.status[step.ID] = StepStatusProbing

	probeCtx, cancelProbe := context.WithTimeout(ctx, timeout)
	probeStart := r.clock()
	outcome, probeErr := r.prober.Probe(probeCtx, step, st.plan.Vars)
	cancelProbe()
	r.observer.StepProbed(step, outcome, r.clock().Sub(probeStart))

	if probeErr != nil {
		probeErr = r.classify(probeErr, step, "probe")
		log.WithError(probeErr).Error("probe failed")
		st.status[step.ID] = StepStatusFailed
		r.appendRecord(ctx, st, step, OutcomeFailed, probeErr.Error(), started)
		r.applyFailurePolicy(ctx, st, step)
		return
	}

	if outcome == ProbeSatisfied {
		log.Debug("state already satisfied, skipping")
		st.status[step.ID] = StepStatusSatisfied
		r.appendRecord(ctx, st, step, OutcomeSatisfied, "", started)
		return
	}

	st.status[step.ID] = StepStatusUnsatisfied

	if st.opts.DryRun {
		log.Info("dry run: step would be applied")
		// Terminal for reporting purposes: dry-run steps count as
		// successes so dependents are probed too.
		st.status[step.ID] = StepStatusApplied
		r.appendRecord(ctx, st, step, OutcomeWouldApply, "", started)
		return
	}

	st.status[step.ID] = StepStatusApplying
	log.WithField("kind", string(step.Kind)).Info("applying step")

	// The apply context is detached from the parent so an interrupt lets
	// the in-flight mutation finish; only the timeout can end it early.
	applyCtx, cancelApply := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	applyStart := r.clock()
	detail, applyErr := r.executor.Apply(applyCtx, step, st.plan.Vars)
	cancelApply()
	r.observer.StepApplied(step, applyErr, r.clock().Sub(applyStart))

	if applyErr != nil {
		applyErr = r.classify(applyErr, step, "apply")
		log.WithError(applyErr).Error("apply failed")
		st.status[step.ID] = StepStatusFailed
		r.appendRecord(ctx, st, step, OutcomeFailed, applyErr.Error(), started)
		r.applyFailurePolicy(ctx, st, step)
		return
	}

	st.status[step.ID] = StepStatusApplied
	r.appendRecord(ctx, st, step, OutcomeApplied, detail, started)
	log.Info("step applied")
}

// classify wraps raw prober/executor errors into the step error taxonomy.
func (r *Runner) classify(err error, step *StepSpec, op string) error {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.WithStep(step.ID)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeout(fmt.Sprintf("%s exceeded step timeout", op), err).
			WithStep(step.ID).WithOperation(op)
	}
	if op == "probe" {
		return NewProbeError("cannot determine host state", err).WithStep(step.ID)
	}
	return NewExecutionFailed("collaborator tool failed", err).WithStep(step.ID)
}

// applyFailurePolicy reacts to a failed step: abort stops scheduling and
// flags the unwind; continue only blocks the step's transitive dependents
// (handled lazily by the dependency gate), which keeps independent steps
// running.
func (r *Runner) applyFailurePolicy(ctx context.Context, st *runState, step *StepSpec) {
	policy := st.plan.PolicyFor(step)
	if st.opts.OnFailure != "" {
		policy = st.opts.OnFailure
	}
	if st.opts.DryRun {
		// A dry run mutates nothing, so there is nothing to unwind; keep
		// probing the rest of the plan for a complete report.
		return
	}
	if policy == PolicyAbort {
		st.stopped = true
		st.unwind = true
	}
}

// blockStep records a step that never ran because a dependency failed or
// the run stopped.
func (r *Runner) blockStep(ctx context.Context, st *runState, id, reason string) {
	if st.status[id].IsTerminal() {
		return
	}
	step := st.plan.Step(id)
	st.status[id] = StepStatusBlocked
	now := r.clock()
	r.appendRecord(ctx, st, step, OutcomeBlocked, reason, now)
}

// rollback walks the checkpoint log strictly in reverse, invoking the
// inverse operation for every Applied entry exactly once. Satisfied
// entries changed nothing and are never unwound. A rollback failure is
// recorded and logged but does not stop the rest of the unwind.
func (r *Runner) rollback(ctx context.Context, st *runState) {
	log := r.logger.WithRunID(st.run.ID)
	log.Warn("unwinding applied steps in reverse checkpoint order")

	applied := make([]ExecutionRecord, 0)
	for _, rec := range st.records {
		if rec.Outcome == OutcomeApplied {
			applied = append(applied, rec)
		}
	}
	if len(applied) == 0 {
		return
	}
	st.rolledBack = true

	for i := len(applied) - 1; i >= 0; i-- {
		rec := applied[i]
		step := st.plan.Step(rec.StepID)
		started := r.clock()

		if (step.Rollback != nil && step.Rollback.Disabled) || !r.executor.CanRollback(step) {
			err := NewRollbackFailed("no rollback action for step; left as-is", nil).WithStep(step.ID)
			log.WithStepID(step.ID).Warn(err.Error())
			r.observer.StepRolledBack(step, err)
			r.appendRecord(ctx, st, step, OutcomeRollbackFailed, err.Error(), started)
			continue
		}

		// Rollback actions are not killed by the interrupt either.
		rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), st.plan.TimeoutFor(step))
		err := r.executor.Rollback(rbCtx, step, st.plan.Vars)
		cancel()
		r.observer.StepRolledBack(step, err)

		if err != nil {
			err = NewRollbackFailed("rollback action failed", err).WithStep(step.ID)
			log.WithStepID(step.ID).WithError(err).Error("rollback failed")
			r.appendRecord(ctx, st, step, OutcomeRollbackFailed, err.Error(), started)
			continue
		}

		log.WithStepID(step.ID).Info("step rolled back")
		r.appendRecord(ctx, st, step, OutcomeRolledBack, "", started)
	}
}

// finalize releases the scratch state applied steps left for a possible
// rollback. It runs only when the run kept its applies, so a stale
// backup can never leak into a later run's unwind.
func (r *Runner) finalize(ctx context.Context, st *runState) {
	fin, ok := r.executor.(StepFinalizer)
	if !ok {
		return
	}
	for _, rec := range st.records {
		if rec.Outcome != OutcomeApplied {
			continue
		}
		step := st.plan.Step(rec.StepID)
		if err := fin.Finalize(context.WithoutCancel(ctx), step, st.plan.Vars); err != nil {
			r.logger.WithRunID(st.run.ID).WithStepID(step.ID).
				WithError(err).Warn("failed to release step scratch state")
		}
	}
}

// appendRecord writes a checkpoint entry and flushes it before returning.
// This bounds the "applied but not yet logged" window to the inside of a
// single step.
func (r *Runner) appendRecord(ctx context.Context, st *runState, step *StepSpec, outcome Outcome, detail string, started time.Time) {
	rec := ExecutionRecord{
		RunID:       st.run.ID,
		StepID:      step.ID,
		Kind:        step.Kind,
		Outcome:     outcome,
		Detail:      detail,
		StartedAt:   started,
		CompletedAt: r.clock(),
	}
	st.records = append(st.records, rec)

	// Use a detached context: the checkpoint must land even when the run
	// was interrupted, or the rollback walk loses its source of truth.
	if err := r.store.AppendRecord(context.WithoutCancel(ctx), &rec); err != nil {
		r.logger.WithRunID(st.run.ID).WithStepID(step.ID).
			WithError(err).Error("failed to persist checkpoint record")
	}
}

func (st *runState) summarize() RunSummary {
	s := RunSummary{Total: len(st.plan.Steps)}
	for _, rec := range st.records {
		switch rec.Outcome {
		case OutcomeSatisfied:
			s.Satisfied++
		case OutcomeApplied, OutcomeWouldApply:
			s.Applied++
		case OutcomeFailed:
			s.Failed++
		case OutcomeBlocked:
			s.Blocked++
		case OutcomeRolledBack:
			s.RolledBack++
		case OutcomeRollbackFailed:
			s.RollbackFailed++
		}
	}
	return s
}

func (st *runState) finalStatus(ctx context.Context) RunStatus {
	s := st.summarize()
	switch {
	case ctx.Err() != nil:
		return RunStatusCancelled
	case st.rolledBack:
		return RunStatusRolledBack
	case s.Failed > 0 || s.Blocked > 0:
		return RunStatusFailed
	default:
		return RunStatusSucceeded
	}
}
