package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/autoschematic-sh/autoschematic/pkg/config"
	"github.com/autoschematic-sh/autoschematic/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the run history",
		Long: `Inspect recorded plan, apply and import runs.

Run history lives in the SQLite database under the data directory. Each
run carries per-resource outcomes and an append-only event log.`,
	}

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())

	return cmd
}

// openHistoryStore opens the run history database without spinning up the
// full runtime; history commands never spawn connectors.
func openHistoryStore(cmd *cobra.Command) (stores.Store, error) {
	settings, err := config.LoadSettings()
	if err != nil {
		return nil, err
	}
	return openStore(cmd.Context(), settings)
}

func newHistoryListCommand() *cobra.Command {
	var (
		prefix string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, most recent first",
		Example: `  # List the last 20 runs
  autoschematic history list

  # List runs against one prefix
  autoschematic history list --prefix prod --limit 50`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistoryStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			var prefixFilter *string
			if prefix != "" {
				prefixFilter = &prefix
			}
			runs, err := store.ListRuns(cmd.Context(), prefixFilter, limit, offset)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(runs)
			}

			if len(runs) == 0 {
				fmt.Println("No runs recorded.")
				return nil
			}
			fmt.Printf("%-36s %-10s %-8s %-10s %s\n", "RUN", "PREFIX", "KIND", "STATUS", "STARTED")
			for _, run := range runs {
				fmt.Printf("%-36s %-10s %-8s %-10s %s\n",
					run.ID, run.Prefix, run.Kind, run.Status,
					run.StartedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "filter runs by prefix")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	var (
		events bool
	)

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its per-resource outcomes",
		Example: `  # Show a run
  autoschematic history show 7cbb0a2e-...

  # Include the run's event log
  autoschematic history show 7cbb0a2e-... --events`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]

			store, err := openHistoryStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			run, err := store.GetRun(ctx, runID)
			if err != nil {
				return err
			}
			results, err := store.ListResourceResultsByRun(ctx, runID)
			if err != nil {
				return err
			}

			if jsonOutput {
				out := map[string]interface{}{
					"run":       run,
					"resources": results,
				}
				if events {
					evs, err := store.GetEvents(ctx, &runID, nil, nil, 1000, 0)
					if err != nil {
						return err
					}
					out["events"] = evs
				}
				return printJSON(out)
			}

			fmt.Printf("Run %s: %s %s on prefix %s, started %s\n",
				run.ID, run.Status, run.Kind, run.Prefix,
				run.StartedAt.Format("2006-01-02 15:04:05"))
			if run.PlanID != nil {
				fmt.Printf("Plan: %s\n", *run.PlanID)
			}
			if run.Error != nil {
				fmt.Printf("Error: %s\n", *run.Error)
			}
			for _, res := range results {
				line := fmt.Sprintf("  %s: %s (%d op(s))", res.Addr, res.State, res.Ops)
				if res.Error != nil {
					line += " error: " + *res.Error
				}
				fmt.Println(line)
			}

			if events {
				evs, err := store.GetEvents(ctx, &runID, nil, nil, 1000, 0)
				if err != nil {
					return err
				}
				for _, ev := range evs {
					addr := ""
					if ev.Addr != nil {
						addr = " " + *ev.Addr
					}
					fmt.Printf("  [%s] %s%s: %s\n",
						ev.Level, ev.Timestamp.Format("15:04:05"), addr, ev.Message)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "include the run's event log")

	return cmd
}
