package host

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/hostforge/hostforge/pkg/plan"
)

// backupSuffix is appended to the previous file content before an
// overwrite so rollback can restore it.
const backupSuffix = ".hostforge.bak"

// fileHandler writes managed files with backup and checksum probing.
type fileHandler struct{}

// desiredContent resolves the literal or templated content of the step.
func (h *fileHandler) desiredContent(params *plan.FileWriteParams, vars map[string]string) (string, error) {
	if params.Template != "" {
		return plan.RenderString(params.Path, params.Template, vars)
	}
	return params.Content, nil
}

func (h *fileHandler) Probe(ctx context.Context, raw interface{}, vars map[string]string) (bool, error) {
	params := raw.(*plan.FileWriteParams)

	content, err := h.desiredContent(params, vars)
	if err != nil {
		return false, err
	}

	existing, err := os.ReadFile(params.Path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", params.Path, err)
	}

	if sha256.Sum256(existing) != sha256.Sum256([]byte(content)) {
		return false, nil
	}

	if params.Mode != "" {
		info, err := os.Stat(params.Path)
		if err != nil {
			return false, fmt.Errorf("failed to stat %s: %w", params.Path, err)
		}
		want, err := strconv.ParseUint(params.Mode, 8, 32)
		if err != nil {
			return false, fmt.Errorf("invalid mode %q: %w", params.Mode, err)
		}
		if info.Mode().Perm() != os.FileMode(want).Perm() {
			return false, nil
		}
	}

	return true, nil
}

func (h *fileHandler) Apply(ctx context.Context, raw interface{}, vars map[string]string) (string, error) {
	params := raw.(*plan.FileWriteParams)

	content, err := h.desiredContent(params, vars)
	if err != nil {
		return "", err
	}

	existed := false
	if prev, err := os.ReadFile(params.Path); err == nil {
		existed = true
		if err := os.WriteFile(params.Path+backupSuffix, prev, 0600); err != nil {
			return "", fmt.Errorf("failed to back up %s: %w", params.Path, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(params.Path), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	mode := os.FileMode(0644)
	if params.Mode != "" {
		parsed, err := strconv.ParseUint(params.Mode, 8, 32)
		if err != nil {
			return "", fmt.Errorf("invalid mode %q: %w", params.Mode, err)
		}
		mode = os.FileMode(parsed)
	}

	if err := os.WriteFile(params.Path, []byte(content), mode); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", params.Path, err)
	}
	// WriteFile only applies the mode on create.
	if err := os.Chmod(params.Path, mode); err != nil {
		return "", fmt.Errorf("failed to set mode on %s: %w", params.Path, err)
	}

	if params.Owner != "" || params.Group != "" {
		if err := chownNames(params.Path, params.Owner, params.Group); err != nil {
			return "", err
		}
	}

	action := "created"
	if existed {
		action = "updated"
	}
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%s %s (sha256 %x)", action, params.Path, sum[:8]), nil
}

// Rollback restores the pre-apply backup, or removes the file when no
// backup exists because the apply created it.
func (h *fileHandler) Rollback(ctx context.Context, raw interface{}, vars map[string]string) error {
	params := raw.(*plan.FileWriteParams)

	backup := params.Path + backupSuffix
	prev, err := os.ReadFile(backup)
	if os.IsNotExist(err) {
		if err := os.Remove(params.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", params.Path, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read backup %s: %w", backup, err)
	}

	if err := os.WriteFile(params.Path, prev, 0644); err != nil {
		return fmt.Errorf("failed to restore %s: %w", params.Path, err)
	}
	return os.Remove(backup)
}

func (h *fileHandler) CanRollback() bool { return true }

// Finalize drops the pre-apply backup once the run ends without an
// unwind. A backup that outlives its run would let a later rollback
// restore stale content.
func (h *fileHandler) Finalize(ctx context.Context, raw interface{}, vars map[string]string) error {
	params := raw.(*plan.FileWriteParams)

	if err := os.Remove(params.Path + backupSuffix); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove backup for %s: %w", params.Path, err)
	}
	return nil
}

// chownNames resolves user and group names to IDs and applies them.
func chownNames(path, owner, group string) error {
	uid, gid := -1, -1

	if owner != "" {
		u, err := user.Lookup(owner)
		if err != nil {
			return fmt.Errorf("unknown owner %q: %w", owner, err)
		}
		uid, _ = strconv.Atoi(u.Uid)
	}
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return fmt.Errorf("unknown group %q: %w", group, err)
		}
		gid, _ = strconv.Atoi(g.Gid)
	}

	if err := os.Chown(path, uid, gid); err != nil {
		return fmt.Errorf("failed to set ownership on %s: %w", path, err)
	}
	return nil
}
