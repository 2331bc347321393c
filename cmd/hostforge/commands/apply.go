package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hostforge/hostforge/pkg/engine"
	"github.com/hostforge/hostforge/pkg/host"
	"github.com/hostforge/hostforge/pkg/plan"
	"github.com/hostforge/hostforge/pkg/policy"
	"github.com/hostforge/hostforge/pkg/stores"
	"github.com/hostforge/hostforge/pkg/telemetry"
)

func newApplyCommand() *cobra.Command {
	var (
		planFile  string
		onFailure string
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Converge the host onto a plan",
		Long: `Execute a plan against the local host.

Every step is probed first and skipped when its desired state already
holds. Steps run one at a time in dependency order, and each one is
checkpointed before the next starts. On failure the abort policy rolls
applied steps back in reverse order; the continue policy keeps running
steps that do not depend on the failure.`,
		Example: `  # Converge onto a plan
  hostforge apply --plan web.yaml

  # Report drift without mutating anything
  hostforge apply --plan web.yaml --dry-run

  # Keep going past independent failures
  hostforge apply --plan web.yaml --on-failure continue`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(cmd.Context(), planFile, onFailure, dryRun)
		},
	}

	cmd.Flags().StringVarP(&planFile, "plan", "p", "", "plan file to execute")
	cmd.Flags().StringVar(&onFailure, "on-failure", "", "failure policy override (abort, continue)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "probe only, apply nothing")
	_ = cmd.MarkFlagRequired("plan")

	return cmd
}

func runApply(ctx context.Context, planFile, onFailure string, dryRun bool) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	logger, err := newLogger(settings)
	if err != nil {
		return err
	}

	policyOverride := engine.FailurePolicy(onFailure)
	if onFailure != "" {
		if err := policyOverride.Validate(); err != nil {
			return err
		}
	}

	p, err := plan.Load(planFile)
	if err != nil {
		return err
	}
	if p.DefaultTimeout == 0 {
		p.DefaultTimeout = settings.Timeout()
	}

	// Policy gate before anything touches the host.
	policyEngine := policy.NewEngine(logger)
	if err := policyEngine.LoadPaths(settings.PolicyPaths); err != nil {
		return err
	}
	result, err := policyEngine.Evaluate(ctx, p)
	if err != nil {
		return err
	}
	for _, w := range result.Warnings {
		logger.WithField("policy", w.Policy).WithField("step", w.StepID).Warn(w.Message)
	}
	if !result.Allowed {
		for _, v := range result.Violations {
			logger.WithField("policy", v.Policy).WithField("step", v.StepID).Error(v.Message)
		}
		return fmt.Errorf("plan rejected by %d policy violation(s)", len(result.Violations))
	}

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
		Enabled:       settings.Metrics.Enabled,
		ListenAddress: settings.Metrics.ListenAddress,
		Path:          "/metrics",
		Namespace:     "hostforge",
	})
	if err != nil {
		return err
	}
	if err := metrics.StartMetricsServer(); err != nil {
		return err
	}

	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
		Enabled:      settings.Tracing.Enabled,
		Exporter:     settings.Tracing.Exporter,
		Endpoint:     settings.Tracing.Endpoint,
		SamplingRate: 1.0,
		Insecure:     true,
	}, "hostforge", "dev", "production")
	if err != nil {
		return err
	}
	defer func() {
		_ = tracer.Shutdown(context.WithoutCancel(ctx))
	}()

	if err := os.MkdirAll(settings.StateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: settings.DatabasePath()})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	local := host.NewLocal(host.NewCommander(), logger)
	lock := engine.NewRunLock(settings.LockPath())

	runner := engine.NewRunner(local, local, store, lock, logger).
		WithObserver(engine.MultiObserver{
			engine.NewMetricsObserver(metrics),
			stores.NewEventObserver(store, logger),
		})

	runCtx, span := tracer.Start(ctx, "plan.apply")
	report, err := runner.Run(runCtx, p, engine.RunOptions{
		DryRun:    dryRun,
		OnFailure: policyOverride,
		PlanPath:  planFile,
	})
	if err != nil {
		if engine.IsConcurrentRun(err) {
			metrics.RecordLockContention()
		}
		telemetry.RecordError(span, err)
		span.End()
		return err
	}
	telemetry.RecordSuccess(span)
	span.End()

	if err := printReport(report); err != nil {
		return err
	}

	if !report.Run.Summary.Succeeded() {
		return errRunFailed
	}
	return nil
}

// printReport renders the run outcome, as JSON when --json is set.
func printReport(report *engine.RunReport) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tKIND\tOUTCOME\tDETAIL")
	for _, rec := range report.Records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.StepID, rec.Kind, rec.Outcome, rec.Detail)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	s := report.Run.Summary
	fmt.Printf("\nRun %s: %s (%d satisfied, %d applied, %d failed, %d blocked",
		report.Run.ID, report.Run.Status, s.Satisfied, s.Applied, s.Failed, s.Blocked)
	if report.RolledBack {
		fmt.Printf(", %d rolled back, %d rollback failures", s.RolledBack, s.RollbackFailed)
	}
	fmt.Println(")")

	return nil
}
