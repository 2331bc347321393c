package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/hostforge/hostforge/pkg/engine"
	"github.com/hostforge/hostforge/pkg/telemetry"
)

// EventObserver persists run lifecycle notifications to the events
// table. Persistence failures are logged and swallowed; the event trail
// is advisory, the checkpoint log is the source of truth.
type EventObserver struct {
	store  Store
	runID  string
	logger *telemetry.Logger
}

// NewEventObserver creates an event-persisting observer. The run ID is
// captured from the RunStarted notification.
func NewEventObserver(store Store, logger *telemetry.Logger) *EventObserver {
	return &EventObserver{
		store:  store,
		logger: logger.NewComponentLogger("events"),
	}
}

func (o *EventObserver) RunStarted(run *engine.Run) {
	o.runID = run.ID
	o.append("", "run.started",
		fmt.Sprintf("plan %s with policy %s", run.PlanName, run.Policy))
}

func (o *EventObserver) RunFinished(run *engine.Run) {
	o.append("", "run.finished", fmt.Sprintf("status %s", run.Status))
}

func (o *EventObserver) StepProbed(step *engine.StepSpec, outcome engine.ProbeOutcome, d time.Duration) {
	o.append(step.ID, "step.probed",
		fmt.Sprintf("probe returned %s in %s", outcome, d.Round(time.Millisecond)))
}

func (o *EventObserver) StepApplied(step *engine.StepSpec, err error, d time.Duration) {
	if err != nil {
		o.append(step.ID, "step.failed",
			fmt.Sprintf("apply failed after %s: %v", d.Round(time.Millisecond), err))
		return
	}
	o.append(step.ID, "step.applied",
		fmt.Sprintf("applied in %s", d.Round(time.Millisecond)))
}

func (o *EventObserver) StepRolledBack(step *engine.StepSpec, err error) {
	if err != nil {
		o.append(step.ID, "step.rollback_failed", err.Error())
		return
	}
	o.append(step.ID, "step.rolled_back", "inverse operation applied")
}

func (o *EventObserver) append(stepID, eventType, message string) {
	event := &Event{
		RunID:   o.runID,
		StepID:  stepID,
		Type:    eventType,
		Message: message,
	}
	if err := o.store.AppendEvent(context.Background(), event); err != nil {
		o.logger.WithError(err).WithStepID(stepID).Warn("failed to persist event")
	}
}
