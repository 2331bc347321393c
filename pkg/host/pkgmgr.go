package host

import (
	"context"
	"fmt"
	"strings"

	"github.com/hostforge/hostforge/pkg/plan"
)

// packageHandler installs packages through the host's native package
// manager.
type packageHandler struct {
	cmd Commander
}

// detectPackageManager finds the first supported package manager on PATH.
func detectPackageManager(cmd Commander) (string, error) {
	managers := []string{"apt", "dnf", "yum", "zypper"}
	for _, mgr := range managers {
		if _, err := cmd.LookPath(mgr); err == nil {
			return mgr, nil
		}
	}
	return "", fmt.Errorf("no supported package manager found")
}

// queryArgs returns the command that reports an installed package's
// version, exiting non-zero when the package is absent.
func queryArgs(manager, pkg string) (string, []string) {
	switch manager {
	case "apt":
		return "dpkg-query", []string{"-W", "-f=${Version}", pkg}
	default: // dnf, yum, zypper are all rpm-backed
		return "rpm", []string{"-q", "--queryformat", "%{VERSION}-%{RELEASE}", pkg}
	}
}

// installArgs returns the non-interactive install invocation.
func installArgs(manager string, pkgs []string) (string, []string) {
	switch manager {
	case "zypper":
		return manager, append([]string{"install", "-y", "--no-confirm"}, pkgs...)
	default: // apt, dnf, yum
		return manager, append([]string{"install", "-y"}, pkgs...)
	}
}

// removeArgs returns the non-interactive remove invocation.
func removeArgs(manager string, pkgs []string) (string, []string) {
	return manager, append([]string{"remove", "-y"}, pkgs...)
}

func (h *packageHandler) manager(params *plan.PackageInstallParams) (string, error) {
	if params.Manager != "" {
		return params.Manager, nil
	}
	return detectPackageManager(h.cmd)
}

// missingPackages returns the subset of params.Packages not yet installed.
func (h *packageHandler) missingPackages(ctx context.Context, manager string, pkgs []string) ([]string, error) {
	var missing []string
	for _, pkg := range pkgs {
		name, args := queryArgs(manager, pkg)
		if _, err := h.cmd.Run(ctx, name, args...); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Query failure means the package is not installed.
			missing = append(missing, pkg)
		}
	}
	return missing, nil
}

func (h *packageHandler) Probe(ctx context.Context, raw interface{}, vars map[string]string) (bool, error) {
	params := raw.(*plan.PackageInstallParams)
	manager, err := h.manager(params)
	if err != nil {
		return false, err
	}
	missing, err := h.missingPackages(ctx, manager, params.Packages)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

func (h *packageHandler) Apply(ctx context.Context, raw interface{}, vars map[string]string) (string, error) {
	params := raw.(*plan.PackageInstallParams)
	manager, err := h.manager(params)
	if err != nil {
		return "", err
	}

	missing, err := h.missingPackages(ctx, manager, params.Packages)
	if err != nil {
		return "", err
	}
	if len(missing) == 0 {
		return "all packages already installed", nil
	}

	name, args := installArgs(manager, missing)
	if _, err := h.cmd.Run(ctx, name, args...); err != nil {
		return "", fmt.Errorf("failed to install packages: %w", err)
	}
	return fmt.Sprintf("installed %s via %s", strings.Join(missing, ", "), manager), nil
}

// Rollback removes the step's packages. Packages that were already
// present before the run are removed too; a plan that shares packages
// across steps should disable rollback on the later step.
func (h *packageHandler) Rollback(ctx context.Context, raw interface{}, vars map[string]string) error {
	params := raw.(*plan.PackageInstallParams)
	manager, err := h.manager(params)
	if err != nil {
		return err
	}
	name, args := removeArgs(manager, params.Packages)
	if _, err := h.cmd.Run(ctx, name, args...); err != nil {
		return fmt.Errorf("failed to remove packages: %w", err)
	}
	return nil
}

func (h *packageHandler) CanRollback() bool { return true }
