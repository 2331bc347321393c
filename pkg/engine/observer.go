package engine

import (
	"context"
	"errors"
	"time"

	"github.com/hostforge/hostforge/pkg/telemetry"
)

// MetricsObserver publishes step outcomes to the Prometheus collector.
type MetricsObserver struct {
	metrics *telemetry.Metrics
}

// NewMetricsObserver wraps a metrics collector as a RunObserver.
func NewMetricsObserver(m *telemetry.Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) RunStarted(run *Run) {
	o.metrics.RecordRunStarted(string(run.Policy), run.DryRun)
}

func (o *MetricsObserver) RunFinished(run *Run) {
	var d time.Duration
	if run.CompletedAt != nil {
		d = run.CompletedAt.Sub(run.StartedAt)
	}
	o.metrics.RecordRunCompleted(string(run.Status), d)
}

func (o *MetricsObserver) StepProbed(step *StepSpec, outcome ProbeOutcome, d time.Duration) {
	o.metrics.RecordProbe(string(step.Kind), d)
}

func (o *MetricsObserver) StepApplied(step *StepSpec, err error, d time.Duration) {
	o.metrics.RecordApply(string(step.Kind), d)
	if err != nil {
		o.metrics.RecordStep(string(step.Kind), string(OutcomeFailed))
		o.metrics.RecordError(string(errorKindOf(err)))
		return
	}
	o.metrics.RecordStep(string(step.Kind), string(OutcomeApplied))
}

// errorKindOf mirrors the runner's classification for raw executor errors.
func errorKindOf(err error) ErrorKind {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}
	return ErrorKindExecutionFailed
}

func (o *MetricsObserver) StepRolledBack(step *StepSpec, err error) {
	o.metrics.RecordRollback(string(step.Kind), err == nil)
}
