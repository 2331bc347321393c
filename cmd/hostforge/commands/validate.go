package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hostforge/hostforge/pkg/engine"
	"github.com/hostforge/hostforge/pkg/plan"
	"github.com/hostforge/hostforge/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var planFile string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a plan without executing it",
		Long: `Check a plan file: YAML structure, step parameters, the
dependency graph, and the built-in and configured policies. Nothing on
the host is probed or changed.`,
		Example: `  hostforge validate --plan web.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			logger, err := newLogger(settings)
			if err != nil {
				return err
			}

			p, err := plan.Load(planFile)
			if err != nil {
				return err
			}

			// A plan that parses can still have a broken graph.
			if _, err := engine.BuildGraph(p); err != nil {
				return err
			}

			policyEngine := policy.NewEngine(logger)
			if err := policyEngine.LoadPaths(settings.PolicyPaths); err != nil {
				return err
			}
			result, err := policyEngine.Evaluate(cmd.Context(), p)
			if err != nil {
				return err
			}

			for _, w := range result.Warnings {
				fmt.Fprintf(os.Stderr, "warning: %s: %s\n", w.Policy, w.Message)
			}
			if !result.Allowed {
				for _, v := range result.Violations {
					fmt.Fprintf(os.Stderr, "violation: %s: %s\n", v.Policy, v.Message)
				}
				return fmt.Errorf("plan rejected by %d policy violation(s)", len(result.Violations))
			}

			fmt.Printf("Plan %s is valid: %d steps\n", p.Name, len(p.Steps))
			return nil
		},
	}

	cmd.Flags().StringVarP(&planFile, "plan", "p", "", "plan file to validate")
	_ = cmd.MarkFlagRequired("plan")

	return cmd
}
