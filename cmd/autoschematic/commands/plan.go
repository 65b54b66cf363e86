package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autoschematic-sh/autoschematic/pkg/engine"
	"github.com/autoschematic-sh/autoschematic/pkg/policy"
	"github.com/autoschematic-sh/autoschematic/pkg/telemetry"
)

func newPlanCommand() *cobra.Command {
	var (
		prefix      string
		outFile     string
		environment string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Generate an execution plan",
		Long: `Generate an execution plan by comparing desired state files against
remote state reported by connectors.

The plan:
  - Discovers desired state files and deletion candidates per prefix
  - Routes each address to its owning connector
  - Resolves physical addresses and templated output references
  - Computes the operations that reconcile current to desired
  - Evaluates the result against loaded policies
  - Records the run in the history database`,
		Example: `  # Plan every configured prefix
  autoschematic plan

  # Plan a single prefix and save the report
  autoschematic plan --prefix prod --out plan.json

  # Evaluate production policies during planning
  autoschematic plan --prefix prod --env production`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			prefixes := rt.eng.Prefixes()
			if prefix != "" {
				prefixes = []string{prefix}
			}

			blocked := false
			var reports []*engine.PlanReport
			for _, p := range prefixes {
				files, err := rt.eng.DiscoverFiles(p)
				if err != nil {
					return err
				}
				log.Info().
					Str("prefix", p).
					Int("files", len(files.Modified)).
					Int("deletions", len(files.Deleted)).
					Msg("Planning prefix")

				plan, err := rt.eng.Plan(ctx, p, files)
				if err != nil {
					return fmt.Errorf("plan %s: %w", p, err)
				}

				runCtx := telemetry.WithRunContext(ctx, plan.ID, p, "plan")

				result, err := rt.policies.EvaluatePlan(runCtx, plan, &policy.Context{
					Prefix:      p,
					Environment: environment,
					Operation:   "plan",
					DryRun:      true,
				})
				if err != nil {
					telemetry.EndRunContext(runCtx, plan.ID, p, "plan", "failed", err)
					return fmt.Errorf("policy evaluation for %s: %w", p, err)
				}

				if err := rt.recordPlanRun(runCtx, plan, result); err != nil {
					telemetry.EndRunContext(runCtx, plan.ID, p, "plan", "failed", err)
					return err
				}

				status := "succeeded"
				if !result.Allowed {
					status = "failed"
					blocked = true
				}
				telemetry.EndRunContext(runCtx, plan.ID, p, "plan", status, nil)

				if !jsonOutput {
					printPlan(plan, result)
				}
				reports = append(reports, plan)
			}

			if jsonOutput {
				if err := printJSON(reports); err != nil {
					return err
				}
			}

			if outFile != "" {
				buf, err := json.MarshalIndent(reports, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(outFile, buf, 0o644); err != nil {
					return fmt.Errorf("failed to write plan file: %w", err)
				}
				fmt.Printf("Plan written to %s\n", outFile)
			}

			if blocked {
				return fmt.Errorf("plan blocked by policy violations")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "plan a single prefix (default all)")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the plan report to a file")
	cmd.Flags().StringVar(&environment, "env", "", "environment name for policy evaluation")

	return cmd
}

// printPlan renders a plan report and its policy result for humans.
func printPlan(plan *engine.PlanReport, result *policy.Result) {
	fmt.Printf("\nPlan %s for prefix %s:\n", plan.ID, plan.Prefix)
	for _, res := range plan.Resources {
		switch res.State {
		case engine.StateNoDrift:
			fmt.Printf("  = %s (no drift)\n", res.Addr)
		case engine.StateDeferred:
			fmt.Printf("  ? %s (deferred, %d missing output(s))\n", res.Addr, len(res.MissingReads))
		case engine.StateFailed:
			fmt.Printf("  ! %s: %s\n", res.Addr, res.Error)
		default:
			verb := "~"
			if res.Deleted {
				verb = "-"
			} else if res.PhyAddr == "" {
				verb = "+"
			}
			fmt.Printf("  %s %s (%d op(s) via %s)\n", verb, res.Addr, len(res.Ops), res.Connector)
		}
	}
	fmt.Printf("Summary: %d total, %d to change, %d to delete, %d no drift, %d deferred\n",
		plan.Summary.Total, plan.Summary.ToChange, plan.Summary.ToDelete,
		plan.Summary.NoDrift, plan.Summary.Deferred)

	for i := range result.Violations {
		v := &result.Violations[i]
		if v.Addr != "" {
			fmt.Printf("Policy %s [%s] %s: %s\n", v.Policy, v.Severity, v.Addr, v.Message)
		} else {
			fmt.Printf("Policy %s [%s]: %s\n", v.Policy, v.Severity, v.Message)
		}
	}
	if !result.Allowed {
		fmt.Println("Plan is blocked by policy violations.")
	}
}
