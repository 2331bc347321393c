package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hostforge/hostforge/pkg/engine"
	"github.com/hostforge/hostforge/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect run history",
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())

	return cmd
}

func newRunsListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List past runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tPLAN\tSTATUS\tSTARTED\tSTEPS")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
					run.ID, run.PlanName, run.Status,
					run.StartedAt.Format(time.RFC3339), run.Summary.Total)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")

	return cmd
}

func newRunsShowCommand() *cobra.Command {
	var showEvents bool

	cmd := &cobra.Command{
		Use:   "show [run-id]",
		Short: "Show one run's checkpoint records",
		Long: `Show a run's checkpoint log in append order. With no run ID
the latest run is shown.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			var run *engine.Run
			if len(args) == 1 {
				run, err = store.GetRun(cmd.Context(), args[0])
			} else {
				run, err = store.LatestRun(cmd.Context())
			}
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("no runs recorded yet")
			}

			records, err := store.ListRecords(cmd.Context(), run.ID)
			if err != nil {
				return err
			}

			if jsonOutput {
				report := engine.RunReport{Run: *run, Records: records}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			fmt.Printf("Run %s  plan=%s  status=%s  started=%s\n\n",
				run.ID, run.PlanName, run.Status, run.StartedAt.Format(time.RFC3339))

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STEP\tKIND\tOUTCOME\tDETAIL")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.StepID, rec.Kind, rec.Outcome, rec.Detail)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if showEvents {
				events, err := store.ListEvents(cmd.Context(), run.ID)
				if err != nil {
					return err
				}
				fmt.Println()
				for _, ev := range events {
					fmt.Printf("%s  %-20s %s\n",
						ev.CreatedAt.Format(time.RFC3339), ev.Type, ev.Message)
				}
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&showEvents, "events", false, "include the event trail")

	return cmd
}

// openStore opens the run database read-side for history commands.
func openStore(ctx context.Context) (stores.Store, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: settings.DatabasePath()})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
