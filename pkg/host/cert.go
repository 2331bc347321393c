package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hostforge/hostforge/pkg/plan"
)

// letsEncryptLiveDir is where certbot symlinks the active certificate.
const letsEncryptLiveDir = "/etc/letsencrypt/live"

// certHandler issues certificates through certbot.
type certHandler struct {
	cmd Commander

	// liveDir is overridable in tests.
	liveDir string
}

func (h *certHandler) live() string {
	if h.liveDir != "" {
		return h.liveDir
	}
	return letsEncryptLiveDir
}

// Probe checks for an existing live certificate under the primary
// domain's lineage. Renewal is certbot's own timer's job.
func (h *certHandler) Probe(ctx context.Context, raw interface{}, vars map[string]string) (bool, error) {
	params := raw.(*plan.CertIssueParams)

	chain := filepath.Join(h.live(), params.Domains[0], "fullchain.pem")
	if _, err := os.Stat(chain); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check certificate: %w", err)
	}
	return true, nil
}

func (h *certHandler) Apply(ctx context.Context, raw interface{}, vars map[string]string) (string, error) {
	params := raw.(*plan.CertIssueParams)

	args := []string{
		"certonly",
		"--non-interactive",
		"--agree-tos",
		"-m", params.Email,
	}
	if params.Webroot != "" {
		args = append(args, "--webroot", "-w", params.Webroot)
	} else {
		args = append(args, "--standalone")
	}
	if params.Staging {
		args = append(args, "--staging")
	}
	for _, d := range params.Domains {
		args = append(args, "-d", d)
	}

	if _, err := h.cmd.Run(ctx, "certbot", args...); err != nil {
		return "", fmt.Errorf("failed to issue certificate: %w", err)
	}
	return fmt.Sprintf("issued certificate for %s", params.Domains[0]), nil
}

func (h *certHandler) Rollback(ctx context.Context, raw interface{}, vars map[string]string) error {
	params := raw.(*plan.CertIssueParams)

	_, err := h.cmd.Run(ctx, "certbot", "delete",
		"--non-interactive", "--cert-name", params.Domains[0])
	if err != nil {
		return fmt.Errorf("failed to delete certificate: %w", err)
	}
	return nil
}

func (h *certHandler) CanRollback() bool { return true }
