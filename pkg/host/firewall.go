package host

import (
	"context"
	"fmt"
	"strings"

	"github.com/hostforge/hostforge/pkg/plan"
)

// firewallHandler manages ufw rules.
type firewallHandler struct {
	cmd Commander
}

// ruleSpec formats a rule the way ufw accepts and reports it, e.g.
// "443/tcp".
func ruleSpec(params *plan.FirewallRuleParams) string {
	return fmt.Sprintf("%d/%s", params.Port, params.Proto)
}

func ruleAction(params *plan.FirewallRuleParams) string {
	if params.Action == "" {
		return "allow"
	}
	return params.Action
}

// hasRule parses `ufw status` output for an exact port/proto/action match.
func hasRule(status string, params *plan.FirewallRuleParams) bool {
	spec := ruleSpec(params)
	want := strings.ToUpper(ruleAction(params))

	for _, line := range strings.Split(status, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if fields[0] == spec && strings.ToUpper(fields[1]) == want {
			return true
		}
	}
	return false
}

func (h *firewallHandler) Probe(ctx context.Context, raw interface{}, vars map[string]string) (bool, error) {
	params := raw.(*plan.FirewallRuleParams)

	status, err := h.cmd.Run(ctx, "ufw", "status")
	if err != nil {
		return false, fmt.Errorf("failed to read firewall status: %w", err)
	}
	if strings.Contains(status, "Status: inactive") {
		return false, nil
	}
	return hasRule(status, params), nil
}

func (h *firewallHandler) Apply(ctx context.Context, raw interface{}, vars map[string]string) (string, error) {
	params := raw.(*plan.FirewallRuleParams)

	spec := ruleSpec(params)
	action := ruleAction(params)

	status, err := h.cmd.Run(ctx, "ufw", "status")
	if err != nil {
		return "", fmt.Errorf("failed to read firewall status: %w", err)
	}

	if _, err := h.cmd.Run(ctx, "ufw", action, spec); err != nil {
		return "", fmt.Errorf("failed to add firewall rule: %w", err)
	}
	detail := fmt.Sprintf("%s %s", action, spec)

	// A rule added to an inactive firewall enforces nothing and never
	// shows up in `ufw status`. The rule goes in first so enabling the
	// default-deny policy cannot cut the connection it protects.
	if strings.Contains(status, "Status: inactive") {
		if _, err := h.cmd.Run(ctx, "ufw", "--force", "enable"); err != nil {
			return "", fmt.Errorf("failed to enable firewall: %w", err)
		}
		detail += ", enabled ufw"
	}
	return detail, nil
}

func (h *firewallHandler) Rollback(ctx context.Context, raw interface{}, vars map[string]string) error {
	params := raw.(*plan.FirewallRuleParams)

	if _, err := h.cmd.Run(ctx, "ufw", "--force", "delete", ruleAction(params), ruleSpec(params)); err != nil {
		return fmt.Errorf("failed to delete firewall rule: %w", err)
	}
	return nil
}

func (h *firewallHandler) CanRollback() bool { return true }
