package host

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Commander runs host commands. The single implementation shells out;
// tests substitute a fake to exercise handlers without touching the host.
type Commander interface {
	// Run executes a command and returns its trimmed stdout.
	Run(ctx context.Context, name string, args ...string) (string, error)

	// LookPath reports whether a binary is on PATH.
	LookPath(name string) (string, error)
}

// execCommander is the production Commander backed by os/exec.
type execCommander struct{}

// NewCommander returns the exec-backed Commander.
func NewCommander() Commander {
	return execCommander{}
}

func (execCommander) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg != "" {
			return "", fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, msg)
		}
		return "", fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

func (execCommander) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}
