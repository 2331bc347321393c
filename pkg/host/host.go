// Package host probes and mutates the local machine. It implements the
// engine's Prober and Executor over the host's native tooling: the
// package manager, systemd, ufw, docker compose and certbot.
package host

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hostforge/hostforge/pkg/engine"
	"github.com/hostforge/hostforge/pkg/plan"
	"github.com/hostforge/hostforge/pkg/telemetry"
)

// stepHandler is the per-kind probe/apply/rollback triple. Params arrive
// already decoded into the kind's typed struct.
type stepHandler interface {
	Probe(ctx context.Context, params interface{}, vars map[string]string) (bool, error)
	Apply(ctx context.Context, params interface{}, vars map[string]string) (string, error)
	Rollback(ctx context.Context, params interface{}, vars map[string]string) error
	CanRollback() bool
}

// Local dispatches steps to kind handlers on the machine hostforge runs
// on. It is both the engine's Prober and its Executor.
type Local struct {
	handlers map[engine.StepKind]stepHandler
	logger   *telemetry.Logger
}

// NewLocal creates a Local host over the given Commander.
func NewLocal(cmd Commander, logger *telemetry.Logger) *Local {
	return &Local{
		handlers: map[engine.StepKind]stepHandler{
			engine.KindPackageInstall: &packageHandler{cmd: cmd},
			engine.KindFileWrite:      &fileHandler{},
			engine.KindFirewallRule:   &firewallHandler{cmd: cmd},
			engine.KindServiceEnsure:  &serviceHandler{cmd: cmd},
			engine.KindComposeApply:   &composeHandler{cmd: cmd},
			engine.KindCertIssue:      &certHandler{cmd: cmd},
		},
		logger: logger.NewComponentLogger("host"),
	}
}

func (l *Local) handler(kind engine.StepKind) (stepHandler, error) {
	h, ok := l.handlers[kind]
	if !ok {
		return nil, engine.NewInvalidStepSpec(fmt.Sprintf("unknown step kind %q", kind), nil)
	}
	return h, nil
}

// Probe reports whether the step's desired state already holds.
func (l *Local) Probe(ctx context.Context, step *engine.StepSpec, vars map[string]string) (engine.ProbeOutcome, error) {
	h, err := l.handler(step.Kind)
	if err != nil {
		return engine.ProbeUnsatisfied, err
	}

	params, err := plan.DecodeParams(step.Kind, step.Params)
	if err != nil {
		return engine.ProbeUnsatisfied, engine.NewInvalidStepSpec(err.Error(), err)
	}

	satisfied, err := h.Probe(ctx, params, vars)
	if err != nil {
		return engine.ProbeUnsatisfied, err
	}
	if satisfied {
		return engine.ProbeSatisfied, nil
	}
	return engine.ProbeUnsatisfied, nil
}

// Apply drives the host toward the step's desired state.
func (l *Local) Apply(ctx context.Context, step *engine.StepSpec, vars map[string]string) (string, error) {
	h, err := l.handler(step.Kind)
	if err != nil {
		return "", err
	}

	params, err := plan.DecodeParams(step.Kind, step.Params)
	if err != nil {
		return "", engine.NewInvalidStepSpec(err.Error(), err)
	}

	l.logger.WithStepID(step.ID).WithKind(string(step.Kind)).Debug("applying")
	return h.Apply(ctx, params, vars)
}

// Rollback runs the step's inverse operation. A rollback params override
// on the step replaces the forward params.
func (l *Local) Rollback(ctx context.Context, step *engine.StepSpec, vars map[string]string) error {
	h, err := l.handler(step.Kind)
	if err != nil {
		return err
	}

	raw := step.Params
	if step.Rollback != nil && len(step.Rollback.Params) > 0 {
		raw = l.mergeRollbackParams(step.Params, step.Rollback.Params)
	}

	params, err := plan.DecodeParams(step.Kind, raw)
	if err != nil {
		return engine.NewInvalidStepSpec(err.Error(), err)
	}

	l.logger.WithStepID(step.ID).WithKind(string(step.Kind)).Debug("rolling back")
	return h.Rollback(ctx, params, vars)
}

// stepFinalizer is implemented by handlers whose apply leaves scratch
// state behind for rollback.
type stepFinalizer interface {
	Finalize(ctx context.Context, params interface{}, vars map[string]string) error
}

// Finalize releases scratch state an applied step left for rollback,
// once the run no longer can unwind it.
func (l *Local) Finalize(ctx context.Context, step *engine.StepSpec, vars map[string]string) error {
	h, err := l.handler(step.Kind)
	if err != nil {
		return err
	}
	f, ok := h.(stepFinalizer)
	if !ok {
		return nil
	}

	params, err := plan.DecodeParams(step.Kind, step.Params)
	if err != nil {
		return engine.NewInvalidStepSpec(err.Error(), err)
	}
	return f.Finalize(ctx, params, vars)
}

// CanRollback reports whether the step kind has an inverse operation.
func (l *Local) CanRollback(step *engine.StepSpec) bool {
	h, ok := l.handlers[step.Kind]
	if !ok {
		return false
	}
	return h.CanRollback()
}

// mergeRollbackParams overlays rollback overrides on the forward params
// so an override only has to name the fields it changes.
func (l *Local) mergeRollbackParams(forward, override json.RawMessage) json.RawMessage {
	var base, over map[string]interface{}
	if err := json.Unmarshal(forward, &base); err != nil {
		return override
	}
	if err := json.Unmarshal(override, &over); err != nil {
		return forward
	}
	for k, v := range over {
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return forward
	}
	return merged
}
