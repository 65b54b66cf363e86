package commands

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autoschematic-sh/autoschematic/pkg/engine"
	"github.com/autoschematic-sh/autoschematic/pkg/policy"
	"github.com/autoschematic-sh/autoschematic/pkg/telemetry"
)

func newApplyCommand() *cobra.Command {
	var (
		prefix      string
		planFile    string
		environment string
		autoApprove bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Plan and execute changes",
		Long: `Execute the operations that reconcile desired state files with remote
state.

By default apply re-plans each prefix and executes the fresh plan. A
previously saved plan file can be supplied instead with --plan; deferred
resources in it are re-planned during execution once their outputs
publish.

Before execution the plan is evaluated against loaded policies; error or
critical violations refuse the apply. Unless --auto-approve is set, a
summary is shown and confirmation is read from stdin.`,
		Example: `  # Plan and apply every prefix
  autoschematic apply --auto-approve

  # Apply a single prefix against production policies
  autoschematic apply --prefix prod --env production

  # Execute a previously saved plan
  autoschematic apply --plan plan.json --auto-approve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			var plans []*engine.PlanReport
			if planFile != "" {
				buf, err := os.ReadFile(planFile)
				if err != nil {
					return fmt.Errorf("failed to read plan file: %w", err)
				}
				if err := json.Unmarshal(buf, &plans); err != nil {
					return fmt.Errorf("failed to parse plan file: %w", err)
				}
			} else {
				prefixes := rt.eng.Prefixes()
				if prefix != "" {
					prefixes = []string{prefix}
				}
				for _, p := range prefixes {
					files, err := rt.eng.DiscoverFiles(p)
					if err != nil {
						return err
					}
					plan, err := rt.eng.Plan(ctx, p, files)
					if err != nil {
						return fmt.Errorf("plan %s: %w", p, err)
					}
					plans = append(plans, plan)
				}
			}

			failed := false
			for _, plan := range plans {
				if prefix != "" && plan.Prefix != prefix {
					continue
				}

				result, err := rt.policies.EvaluatePlan(ctx, plan, &policy.Context{
					Prefix:      plan.Prefix,
					Environment: environment,
					Operation:   "apply",
				})
				if err != nil {
					return fmt.Errorf("policy evaluation for %s: %w", plan.Prefix, err)
				}
				if !jsonOutput {
					printPlan(plan, result)
				}
				if !result.Allowed {
					return fmt.Errorf("apply of prefix %s refused by policy", plan.Prefix)
				}

				if plan.Summary.ToChange == 0 && plan.Summary.ToDelete == 0 && plan.Summary.Deferred == 0 {
					log.Info().Str("prefix", plan.Prefix).Msg("Nothing to apply")
					continue
				}

				if !autoApprove {
					ok, err := confirm(fmt.Sprintf("Apply prefix %s?", plan.Prefix))
					if err != nil {
						return err
					}
					if !ok {
						fmt.Println("Apply cancelled.")
						continue
					}
				}

				runCtx := telemetry.WithRunContext(ctx, plan.ID, plan.Prefix, "apply")
				report, err := rt.eng.Apply(runCtx, plan.Prefix, plan)
				if err != nil {
					telemetry.EndRunContext(runCtx, plan.ID, plan.Prefix, "apply", "failed", err)
					return fmt.Errorf("apply %s: %w", plan.Prefix, err)
				}
				if err := rt.recordApplyRun(runCtx, report); err != nil {
					telemetry.EndRunContext(runCtx, plan.ID, plan.Prefix, "apply", string(report.Status), err)
					return err
				}
				telemetry.EndRunContext(runCtx, plan.ID, plan.Prefix, "apply", string(report.Status), nil)

				if jsonOutput {
					if err := printJSON(report); err != nil {
						return err
					}
				} else {
					printApply(report)
				}
				if report.Status != engine.RunSucceeded {
					failed = true
				}
			}

			if failed {
				return fmt.Errorf("apply completed with failures")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "apply a single prefix (default all)")
	cmd.Flags().StringVar(&planFile, "plan", "", "execute a previously saved plan file")
	cmd.Flags().StringVar(&environment, "env", "", "environment name for policy evaluation")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip approval prompt")

	return cmd
}

// confirm reads a yes/no answer from stdin.
func confirm(prompt string) (bool, error) {
	fmt.Printf("%s Only 'yes' will be accepted: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(line) == "yes", nil
}

// printApply renders an apply report for humans.
func printApply(report *engine.ApplyReport) {
	fmt.Printf("\nRun %s for prefix %s: %s in %s\n",
		report.RunID, report.Prefix, report.Status, report.Duration.Round(timeRound))
	for _, res := range report.Results {
		switch res.State {
		case engine.StateApplied:
			fmt.Printf("  ✓ %s (%d op(s))\n", res.Addr, len(res.Ops))
		case engine.StateSkipped:
			fmt.Printf("  - %s (skipped)\n", res.Addr)
		default:
			fmt.Printf("  ✗ %s: %s\n", res.Addr, res.Error)
		}
	}
}
