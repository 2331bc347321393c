package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hostforge/hostforge/pkg/config"
	"github.com/hostforge/hostforge/pkg/telemetry"
)

// Exit codes.
const (
	exitOK     = 0 // every step satisfied or applied
	exitFailed = 1 // one or more steps failed, were blocked, or were rolled back
	exitUsage  = 2 // invalid plan, concurrent run, or other pre-execution error
)

// errRunFailed signals that the run executed but some step did not
// succeed. It maps to exit code 1 instead of 2.
var errRunFailed = errors.New("run finished with failures")

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context, version, commit, buildDate string) int {
	rootCmd := newRootCommand(version, commit, buildDate)
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	if errors.Is(err, errRunFailed) {
		return exitFailed
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return exitUsage
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hostforge",
		Short: "HostForge - declarative host provisioning",
		Long: `HostForge converges a single host onto a declared state.

A plan is a YAML file of steps (packages, files, firewall rules,
services, compose projects, certificates) with dependencies. Every step
is probed before it is applied, so a plan that already holds changes
nothing, and every mutation is checkpointed so a failed run can be
rolled back in reverse order.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newFactsCommand())
	rootCmd.AddCommand(newRunsCommand())

	return rootCmd
}

// newLogger builds the logger from settings and the --verbose flag.
func newLogger(settings *config.Settings) (*telemetry.Logger, error) {
	cfg := telemetry.LoggingConfig{
		Level:  settings.Logging.Level,
		Format: settings.Logging.Format,
		Output: settings.Logging.Output,
	}
	if verbose {
		cfg.Level = "debug"
	}
	return telemetry.NewLogger(cfg)
}

// loadSettings reads the config file named by --config.
func loadSettings() (*config.Settings, error) {
	return config.Load(configPath)
}
