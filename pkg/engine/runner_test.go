package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hostforge/hostforge/pkg/telemetry"
)

// fakeHost scripts probe and apply outcomes per step ID and records
// every call the runner makes.
type fakeHost struct {
	mu sync.Mutex

	// satisfied marks steps whose probe reports the state already holds.
	satisfied map[string]bool

	// probeErr and applyErr inject failures per step ID.
	probeErr map[string]error
	applyErr map[string]error

	// rollbackErr injects rollback failures per step ID.
	rollbackErr map[string]error

	probes    []string
	applies   []string
	rollbacks []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		satisfied:   make(map[string]bool),
		probeErr:    make(map[string]error),
		applyErr:    make(map[string]error),
		rollbackErr: make(map[string]error),
	}
}

func (f *fakeHost) Probe(ctx context.Context, step *StepSpec, vars map[string]string) (ProbeOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes = append(f.probes, step.ID)
	if err := f.probeErr[step.ID]; err != nil {
		return ProbeUnsatisfied, err
	}
	if f.satisfied[step.ID] {
		return ProbeSatisfied, nil
	}
	return ProbeUnsatisfied, nil
}

func (f *fakeHost) Apply(ctx context.Context, step *StepSpec, vars map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applies = append(f.applies, step.ID)
	if err := f.applyErr[step.ID]; err != nil {
		return "", err
	}
	return "done", nil
}

func (f *fakeHost) Rollback(ctx context.Context, step *StepSpec, vars map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks = append(f.rollbacks, step.ID)
	return f.rollbackErr[step.ID]
}

func (f *fakeHost) CanRollback(step *StepSpec) bool { return true }

// memStore is an in-memory CheckpointStore.
type memStore struct {
	runs    map[string]*Run
	records []ExecutionRecord
}

func newMemStore() *memStore {
	return &memStore{runs: make(map[string]*Run)}
}

func (m *memStore) CreateRun(ctx context.Context, run *Run) error {
	copied := *run
	m.runs[run.ID] = &copied
	return nil
}

func (m *memStore) FinishRun(ctx context.Context, run *Run) error {
	copied := *run
	m.runs[run.ID] = &copied
	return nil
}

func (m *memStore) AppendRecord(ctx context.Context, rec *ExecutionRecord) error {
	m.records = append(m.records, *rec)
	return nil
}

func (m *memStore) ListRecords(ctx context.Context, runID string) ([]ExecutionRecord, error) {
	var out []ExecutionRecord
	for _, rec := range m.records {
		if rec.RunID == runID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "error",
		Format: "json",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger
}

func testRunner(t *testing.T, host *fakeHost, store CheckpointStore) *Runner {
	t.Helper()
	lock := NewRunLock(filepath.Join(t.TempDir(), "run.lock"))
	return NewRunner(host, host, store, lock, testLogger(t))
}

func testStep(id string, deps ...string) StepSpec {
	return StepSpec{
		ID:        id,
		Kind:      KindFileWrite,
		Params:    json.RawMessage(`{"path":"/tmp/x","content":"y"}`),
		DependsOn: deps,
	}
}

func testPlan(steps ...StepSpec) *Plan {
	return &Plan{
		Name:  "test-plan",
		Steps: steps,
	}
}

func TestRunAppliesUnsatisfiedSteps(t *testing.T) {
	host := newFakeHost()
	store := newMemStore()
	runner := testRunner(t, host, store)

	report, err := runner.Run(context.Background(), testPlan(
		testStep("a"), testStep("b", "a"),
	), RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if report.Run.Status != RunStatusSucceeded {
		t.Errorf("expected succeeded, got %s", report.Run.Status)
	}
	if len(host.applies) != 2 {
		t.Fatalf("expected 2 applies, got %v", host.applies)
	}
	if host.applies[0] != "a" || host.applies[1] != "b" {
		t.Errorf("applies out of dependency order: %v", host.applies)
	}
	if report.Run.Summary.Applied != 2 {
		t.Errorf("summary applied = %d, want 2", report.Run.Summary.Applied)
	}
}

func TestRunSkipsSatisfiedSteps(t *testing.T) {
	host := newFakeHost()
	host.satisfied["a"] = true
	host.satisfied["b"] = true
	store := newMemStore()
	runner := testRunner(t, host, store)

	report, err := runner.Run(context.Background(), testPlan(
		testStep("a"), testStep("b", "a"),
	), RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(host.applies) != 0 {
		t.Fatalf("satisfied steps must never reach the executor, got %v", host.applies)
	}
	if report.Run.Summary.Satisfied != 2 {
		t.Errorf("summary satisfied = %d, want 2", report.Run.Summary.Satisfied)
	}
	if report.Run.Status != RunStatusSucceeded {
		t.Errorf("expected succeeded, got %s", report.Run.Status)
	}
}

func TestRunDryRunNeverApplies(t *testing.T) {
	host := newFakeHost()
	host.satisfied["a"] = true
	store := newMemStore()
	runner := testRunner(t, host, store)

	report, err := runner.Run(context.Background(), testPlan(
		testStep("a"), testStep("b", "a"),
	), RunOptions{DryRun: true})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(host.applies) != 0 {
		t.Fatalf("dry run must not apply, got %v", host.applies)
	}
	if got := report.OutcomeOf("b"); got != OutcomeWouldApply {
		t.Errorf("step b outcome = %s, want %s", got, OutcomeWouldApply)
	}
	if got := report.OutcomeOf("a"); got != OutcomeSatisfied {
		t.Errorf("step a outcome = %s, want %s", got, OutcomeSatisfied)
	}
}

func TestRunAbortRollsBackInReverse(t *testing.T) {
	host := newFakeHost()
	host.applyErr["c"] = fmt.Errorf("tool exploded")
	store := newMemStore()
	runner := testRunner(t, host, store)

	report, err := runner.Run(context.Background(), testPlan(
		testStep("a"), testStep("b", "a"), testStep("c", "b"), testStep("d", "c"),
	), RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	// a and b applied, c failed, d blocked.
	if got := report.OutcomeOf("d"); got != OutcomeBlocked {
		t.Errorf("step d outcome = %s, want %s", got, OutcomeBlocked)
	}

	// Rollback must cover exactly the applied steps, newest first.
	if len(host.rollbacks) != 2 || host.rollbacks[0] != "b" || host.rollbacks[1] != "a" {
		t.Fatalf("expected rollback [b a], got %v", host.rollbacks)
	}
	if !report.RolledBack {
		t.Error("report should flag the rollback")
	}
	if report.Run.Status != RunStatusRolledBack {
		t.Errorf("run status = %s, want %s", report.Run.Status, RunStatusRolledBack)
	}
	if report.Run.Summary.RolledBack != 2 {
		t.Errorf("summary rolled back = %d, want 2", report.Run.Summary.RolledBack)
	}
}

func TestRunSatisfiedStepsAreNotRolledBack(t *testing.T) {
	host := newFakeHost()
	host.satisfied["a"] = true
	host.applyErr["b"] = fmt.Errorf("boom")
	store := newMemStore()
	runner := testRunner(t, host, store)

	_, err := runner.Run(context.Background(), testPlan(
		testStep("a"), testStep("b", "a"),
	), RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(host.rollbacks) != 0 {
		t.Errorf("satisfied steps changed nothing and must not be unwound, got %v", host.rollbacks)
	}
}

func TestRunContinueBlocksOnlyDependents(t *testing.T) {
	host := newFakeHost()
	host.applyErr["a"] = fmt.Errorf("boom")
	store := newMemStore()
	runner := testRunner(t, host, store)

	// b depends on a (blocked); c is independent (runs).
	report, err := runner.Run(context.Background(), testPlan(
		testStep("a"), testStep("b", "a"), testStep("c"),
	), RunOptions{OnFailure: PolicyContinue})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if got := report.OutcomeOf("b"); got != OutcomeBlocked {
		t.Errorf("step b outcome = %s, want %s", got, OutcomeBlocked)
	}
	if got := report.OutcomeOf("c"); got != OutcomeApplied {
		t.Errorf("step c outcome = %s, want %s", got, OutcomeApplied)
	}
	if len(host.rollbacks) != 0 {
		t.Errorf("continue policy must not roll back, got %v", host.rollbacks)
	}
	if report.Run.Status != RunStatusFailed {
		t.Errorf("run status = %s, want %s", report.Run.Status, RunStatusFailed)
	}
}

func TestRunRollbackFailureIsRecordedAndContinues(t *testing.T) {
	host := newFakeHost()
	host.applyErr["c"] = fmt.Errorf("boom")
	host.rollbackErr["b"] = fmt.Errorf("rollback tool missing")
	store := newMemStore()
	runner := testRunner(t, host, store)

	report, err := runner.Run(context.Background(), testPlan(
		testStep("a"), testStep("b", "a"), testStep("c", "b"),
	), RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	// b's rollback failed but a's still ran.
	if len(host.rollbacks) != 2 {
		t.Fatalf("expected both rollbacks attempted, got %v", host.rollbacks)
	}
	if report.Run.Summary.RollbackFailed != 1 {
		t.Errorf("summary rollback failed = %d, want 1", report.Run.Summary.RollbackFailed)
	}
	if report.Run.Summary.RolledBack != 1 {
		t.Errorf("summary rolled back = %d, want 1", report.Run.Summary.RolledBack)
	}
}

func TestRunRollbackDisabledStepIsLeftAsIs(t *testing.T) {
	host := newFakeHost()
	host.applyErr["b"] = fmt.Errorf("boom")
	store := newMemStore()
	runner := testRunner(t, host, store)

	noRollback := testStep("a")
	noRollback.Rollback = &RollbackSpec{Disabled: true}

	report, err := runner.Run(context.Background(), testPlan(
		noRollback, testStep("b", "a"),
	), RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(host.rollbacks) != 0 {
		t.Errorf("rollback-disabled step must not be unwound, got %v", host.rollbacks)
	}
	if report.Run.Summary.RollbackFailed != 1 {
		t.Errorf("the gap must be recorded, rollback failed = %d, want 1",
			report.Run.Summary.RollbackFailed)
	}
}

func TestRunProbeErrorFailsStep(t *testing.T) {
	host := newFakeHost()
	host.probeErr["a"] = fmt.Errorf("cannot talk to dpkg")
	store := newMemStore()
	runner := testRunner(t, host, store)

	report, err := runner.Run(context.Background(), testPlan(
		testStep("a"), testStep("b", "a"),
	), RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if got := report.OutcomeOf("a"); got != OutcomeFailed {
		t.Errorf("step a outcome = %s, want %s", got, OutcomeFailed)
	}
	if len(host.applies) != 0 {
		t.Errorf("a step whose probe failed must not apply, got %v", host.applies)
	}
	if got := report.OutcomeOf("b"); got != OutcomeBlocked {
		t.Errorf("step b outcome = %s, want %s", got, OutcomeBlocked)
	}
}

func TestRunEveryStepCheckpointed(t *testing.T) {
	host := newFakeHost()
	host.satisfied["a"] = true
	host.applyErr["c"] = fmt.Errorf("boom")
	store := newMemStore()
	runner := testRunner(t, host, store)

	report, err := runner.Run(context.Background(), testPlan(
		testStep("a"), testStep("b"), testStep("c", "b"), testStep("d", "c"),
	), RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	records, err := store.ListRecords(context.Background(), report.Run.ID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}

	// a satisfied, b applied, c failed, d blocked, b rolled back.
	if len(records) != 5 {
		t.Fatalf("expected 5 checkpoint records, got %d: %+v", len(records), records)
	}
	for _, rec := range records {
		if rec.RunID != report.Run.ID {
			t.Errorf("record %s has wrong run id %s", rec.StepID, rec.RunID)
		}
		if err := rec.Outcome.Validate(); err != nil {
			t.Errorf("record %s has invalid outcome: %v", rec.StepID, err)
		}
	}
}

func TestRunSecondRunIsIdempotent(t *testing.T) {
	host := newFakeHost()
	store := newMemStore()
	runner := testRunner(t, host, store)
	p := testPlan(testStep("a"), testStep("b", "a"))

	if _, err := runner.Run(context.Background(), p, RunOptions{}); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	// The first run converged the host.
	host.satisfied["a"] = true
	host.satisfied["b"] = true
	host.applies = nil

	report, err := runner.Run(context.Background(), p, RunOptions{})
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if len(host.applies) != 0 {
		t.Errorf("second run must apply nothing, got %v", host.applies)
	}
	if report.Run.Summary.Satisfied != 2 {
		t.Errorf("second run satisfied = %d, want 2", report.Run.Summary.Satisfied)
	}
}

func TestRunConcurrentRunRefused(t *testing.T) {
	host := newFakeHost()
	store := newMemStore()

	lockPath := filepath.Join(t.TempDir(), "run.lock")
	first := NewRunLock(lockPath)
	if err := first.Acquire(); err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	defer first.Release()

	runner := NewRunner(host, host, store, NewRunLock(lockPath), testLogger(t))

	_, err := runner.Run(context.Background(), testPlan(testStep("a")), RunOptions{})
	if !IsConcurrentRun(err) {
		t.Fatalf("expected concurrent run error, got %v", err)
	}
	if len(host.probes) != 0 || len(host.applies) != 0 {
		t.Error("a refused run must not touch the host")
	}
	if len(store.records) != 0 {
		t.Error("a refused run must not write checkpoint records")
	}
}

func TestRunInterruptStopsBetweenSteps(t *testing.T) {
	host := newFakeHost()
	store := newMemStore()
	runner := testRunner(t, host, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := runner.Run(ctx, testPlan(testStep("a"), testStep("b", "a")), RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(host.applies) != 0 {
		t.Errorf("cancelled run must not start new steps, got %v", host.applies)
	}
	if report.Run.Status != RunStatusCancelled {
		t.Errorf("run status = %s, want %s", report.Run.Status, RunStatusCancelled)
	}
}

func TestRunStepTimeout(t *testing.T) {
	host := newFakeHost()
	store := newMemStore()

	slow := &slowExecutor{fakeHost: host, delay: 50 * time.Millisecond}
	lock := NewRunLock(filepath.Join(t.TempDir(), "run.lock"))
	runner := NewRunner(host, slow, store, lock, testLogger(t))

	step := testStep("a")
	step.Timeout = time.Millisecond

	report, err := runner.Run(context.Background(), testPlan(step), RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if got := report.OutcomeOf("a"); got != OutcomeFailed {
		t.Errorf("step a outcome = %s, want %s", got, OutcomeFailed)
	}
}

// slowExecutor delays applies past the step timeout.
type slowExecutor struct {
	*fakeHost
	delay time.Duration
}

func (s *slowExecutor) Apply(ctx context.Context, step *StepSpec, vars map[string]string) (string, error) {
	select {
	case <-time.After(s.delay):
		return "done", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// finalizingHost records which steps the runner releases after the run
// keeps its applies.
type finalizingHost struct {
	*fakeHost
	finalized []string
}

func (f *finalizingHost) Finalize(ctx context.Context, step *StepSpec, vars map[string]string) error {
	f.finalized = append(f.finalized, step.ID)
	return nil
}

func TestRunFinalizesAppliedStepsOnSuccess(t *testing.T) {
	host := &finalizingHost{fakeHost: newFakeHost()}
	host.satisfied["a"] = true
	store := newMemStore()
	lock := NewRunLock(filepath.Join(t.TempDir(), "run.lock"))
	runner := NewRunner(host, host, store, lock, testLogger(t))

	p := testPlan(testStep("a"), testStep("b"), testStep("c", "b"))
	report, err := runner.Run(context.Background(), p, RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Run.Status != RunStatusSucceeded {
		t.Fatalf("run status = %s", report.Run.Status)
	}

	// Satisfied steps left nothing behind; only applies are released.
	if len(host.finalized) != 2 || host.finalized[0] != "b" || host.finalized[1] != "c" {
		t.Errorf("expected finalize [b c], got %v", host.finalized)
	}
}

func TestRunUnwoundRunIsNotFinalized(t *testing.T) {
	host := &finalizingHost{fakeHost: newFakeHost()}
	host.applyErr["b"] = fmt.Errorf("disk full")
	store := newMemStore()
	lock := NewRunLock(filepath.Join(t.TempDir(), "run.lock"))
	runner := NewRunner(host, host, store, lock, testLogger(t))

	p := testPlan(testStep("a"), testStep("b", "a"))
	report, err := runner.Run(context.Background(), p, RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !report.RolledBack {
		t.Fatal("expected the run to unwind")
	}

	// The rollback consumes the scratch state itself.
	if len(host.finalized) != 0 {
		t.Errorf("unwound run must not be finalized, got %v", host.finalized)
	}
}

func TestRunDryRunIsNotFinalized(t *testing.T) {
	host := &finalizingHost{fakeHost: newFakeHost()}
	store := newMemStore()
	lock := NewRunLock(filepath.Join(t.TempDir(), "run.lock"))
	runner := NewRunner(host, host, store, lock, testLogger(t))

	_, err := runner.Run(context.Background(), testPlan(testStep("a")), RunOptions{DryRun: true})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(host.finalized) != 0 {
		t.Errorf("dry run applied nothing, got finalize %v", host.finalized)
	}
}
