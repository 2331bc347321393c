package host

import (
	"context"
	"fmt"
	"strings"

	"github.com/hostforge/hostforge/pkg/plan"
)

// serviceHandler manages systemd units.
type serviceHandler struct {
	cmd Commander
}

// unitState reads the active and enabled state of a unit. systemctl
// exits non-zero for inactive/disabled units, so command errors are
// folded into the returned state.
func (h *serviceHandler) unitState(ctx context.Context, name string) (active bool, enabled bool, err error) {
	if ctx.Err() != nil {
		return false, false, ctx.Err()
	}

	out, _ := h.cmd.Run(ctx, "systemctl", "is-active", name)
	active = out == "active"

	out, _ = h.cmd.Run(ctx, "systemctl", "is-enabled", name)
	enabled = out == "enabled"

	return active, enabled, ctx.Err()
}

func (h *serviceHandler) Probe(ctx context.Context, raw interface{}, vars map[string]string) (bool, error) {
	params := raw.(*plan.ServiceEnsureParams)

	// A restart is an action, not a state; it is never already satisfied.
	if params.State == "restarted" {
		return false, nil
	}

	active, enabled, err := h.unitState(ctx, params.Name)
	if err != nil {
		return false, err
	}

	switch params.State {
	case "started":
		if !active {
			return false, nil
		}
	case "stopped":
		if active {
			return false, nil
		}
	}

	if params.Enabled != nil && *params.Enabled != enabled {
		return false, nil
	}
	return true, nil
}

func (h *serviceHandler) Apply(ctx context.Context, raw interface{}, vars map[string]string) (string, error) {
	params := raw.(*plan.ServiceEnsureParams)

	var verb string
	switch params.State {
	case "started":
		verb = "start"
	case "stopped":
		verb = "stop"
	case "restarted":
		verb = "restart"
	}

	if _, err := h.cmd.Run(ctx, "systemctl", verb, params.Name); err != nil {
		return "", fmt.Errorf("failed to %s %s: %w", verb, params.Name, err)
	}

	detail := fmt.Sprintf("%s %s", pastTense(verb), params.Name)

	if params.Enabled != nil {
		enableVerb := "enable"
		if !*params.Enabled {
			enableVerb = "disable"
		}
		if _, err := h.cmd.Run(ctx, "systemctl", enableVerb, params.Name); err != nil {
			return "", fmt.Errorf("failed to %s %s: %w", enableVerb, params.Name, err)
		}
		detail += ", " + pastTense(enableVerb)
	}

	return detail, nil
}

// Rollback inverts the run state change. Started units are stopped and
// stopped units are started; a restart has no inverse and is left alone.
func (h *serviceHandler) Rollback(ctx context.Context, raw interface{}, vars map[string]string) error {
	params := raw.(*plan.ServiceEnsureParams)

	var verb string
	switch params.State {
	case "started":
		verb = "stop"
	case "stopped":
		verb = "start"
	case "restarted":
		return nil
	}

	if _, err := h.cmd.Run(ctx, "systemctl", verb, params.Name); err != nil {
		return fmt.Errorf("failed to %s %s: %w", verb, params.Name, err)
	}

	if params.Enabled != nil {
		enableVerb := "disable"
		if !*params.Enabled {
			enableVerb = "enable"
		}
		if _, err := h.cmd.Run(ctx, "systemctl", enableVerb, params.Name); err != nil {
			return fmt.Errorf("failed to %s %s: %w", enableVerb, params.Name, err)
		}
	}
	return nil
}

func (h *serviceHandler) CanRollback() bool { return true }

func pastTense(verb string) string {
	if verb == "stop" {
		return "stopped"
	}
	if strings.HasSuffix(verb, "e") {
		return verb + "d"
	}
	return verb + "ed"
}
