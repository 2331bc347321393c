package host

import (
	"context"
	"fmt"
	"strings"

	"github.com/hostforge/hostforge/pkg/plan"
)

// composeHandler manages docker compose projects.
type composeHandler struct {
	cmd Commander
}

// composeArgs builds the invocation prefix shared by every compose
// subcommand.
func composeArgs(params *plan.ComposeApplyParams) []string {
	args := []string{"compose", "-f", params.Path}
	if params.ProjectName != "" {
		args = append(args, "-p", params.ProjectName)
	}
	if params.EnvFile != "" {
		args = append(args, "--env-file", params.EnvFile)
	}
	return args
}

// Probe compares the project definition against what is running. The
// project is satisfied when every defined service has a running
// container built from the current configuration, matched through the
// config-hash label compose stamps on its containers. A container left
// over from an older compose file carries a stale hash and reads as
// unsatisfied.
func (h *composeHandler) Probe(ctx context.Context, raw interface{}, vars map[string]string) (bool, error) {
	params := raw.(*plan.ComposeApplyParams)
	base := composeArgs(params)

	desired, err := h.cmd.Run(ctx, "docker", append(base, "config", "--hash", "*")...)
	if err != nil {
		return false, fmt.Errorf("failed to read compose project: %w", err)
	}
	want := parseServiceHashes(desired)

	ids, err := h.cmd.Run(ctx, "docker", append(base, "ps", "-q", "--status", "running")...)
	if err != nil {
		return false, fmt.Errorf("failed to list compose containers: %w", err)
	}
	containers := strings.Fields(ids)
	if len(containers) == 0 {
		return len(want) == 0, nil
	}

	inspectArgs := append([]string{"inspect", "--format", composeHashFormat}, containers...)
	out, err := h.cmd.Run(ctx, "docker", inspectArgs...)
	if err != nil {
		return false, fmt.Errorf("failed to inspect compose containers: %w", err)
	}
	running := parseServiceHashes(out)

	for svc, hash := range want {
		if running[svc] != hash {
			return false, nil
		}
	}
	return true, nil
}

// composeHashFormat extracts the service name and config hash compose
// records on every container it creates.
const composeHashFormat = `{{index .Config.Labels "com.docker.compose.service"}} {{index .Config.Labels "com.docker.compose.config-hash"}}`

// parseServiceHashes reads "service hash" lines as emitted by both
// `compose config --hash` and the inspect format above.
func parseServiceHashes(out string) map[string]string {
	hashes := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 {
			hashes[fields[0]] = fields[1]
		}
	}
	return hashes
}

func (h *composeHandler) Apply(ctx context.Context, raw interface{}, vars map[string]string) (string, error) {
	params := raw.(*plan.ComposeApplyParams)

	args := append(composeArgs(params), "up", "-d", "--remove-orphans")
	if params.Pull {
		args = append(args, "--pull", "always")
	}

	if _, err := h.cmd.Run(ctx, "docker", args...); err != nil {
		return "", fmt.Errorf("failed to bring compose project up: %w", err)
	}
	return fmt.Sprintf("compose project %s up", params.Path), nil
}

func (h *composeHandler) Rollback(ctx context.Context, raw interface{}, vars map[string]string) error {
	params := raw.(*plan.ComposeApplyParams)

	if _, err := h.cmd.Run(ctx, "docker", append(composeArgs(params), "down")...); err != nil {
		return fmt.Errorf("failed to bring compose project down: %w", err)
	}
	return nil
}

func (h *composeHandler) CanRollback() bool { return true }
