package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autoschematic-sh/autoschematic/pkg/stores"
	"github.com/autoschematic-sh/autoschematic/pkg/telemetry"
)

func newImportCommand() *cobra.Command {
	var (
		prefix        string
		connectorName string
		subpath       string
		overwrite     bool
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import remote resources into local files",
		Long: `List remote resources through a connector and materialize each as a
desired state file under the prefix directory.

Existing local files are left alone unless --overwrite is set; the
report marks them as skipped.`,
		Example: `  # Import everything the connector can list
  autoschematic import --prefix prod --connector kvstore

  # Import a subtree only
  autoschematic import --prefix prod --connector kvstore --subpath aws/s3

  # Overwrite local files with remote state
  autoschematic import --prefix prod --connector kvstore --overwrite`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			runID := uuid.NewString()
			log.Info().
				Str("prefix", prefix).
				Str("connector", connectorName).
				Str("subpath", subpath).
				Bool("overwrite", overwrite).
				Msg("Importing remote resources")

			runCtx := telemetry.WithRunContext(ctx, runID, prefix, "import")
			report, err := rt.eng.Import(runCtx, prefix, connectorName, subpath, overwrite)
			if err != nil {
				telemetry.EndRunContext(runCtx, runID, prefix, "import", "failed", err)
				return fmt.Errorf("import: %w", err)
			}
			telemetry.EndRunContext(runCtx, runID, prefix, "import", "succeeded", nil)

			summary, err := json.Marshal(report)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			run := &stores.Run{
				ID:        runID,
				Prefix:    prefix,
				Kind:      stores.RunKindImport,
				Status:    stores.RunStatusSucceeded,
				StartedAt: now,
				Summary:   string(summary),
			}
			if err := rt.store.CreateRun(ctx, run); err != nil {
				return err
			}
			for i, res := range report.Resources {
				state := "imported"
				if res.Skipped {
					state = "skipped"
				}
				record := &stores.ResourceResult{
					ID:        fmt.Sprintf("%s-%d", runID, i),
					RunID:     runID,
					Addr:      res.VirtAddr,
					Connector: connectorName,
					PhyAddr:   &report.Resources[i].PhyAddr,
					State:     state,
					CreatedAt: now,
				}
				if err := rt.store.CreateResourceResult(ctx, record); err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(report)
			}
			imported := 0
			for _, res := range report.Resources {
				if res.Skipped {
					fmt.Printf("  - %s (exists, skipped)\n", res.VirtAddr)
					continue
				}
				imported++
				fmt.Printf("  + %s <- %s\n", res.VirtAddr, res.PhyAddr)
			}
			fmt.Printf("Imported %d resource(s), %d skipped.\n",
				imported, len(report.Resources)-imported)
			return nil
		},
	}

	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "prefix to import into")
	cmd.Flags().StringVar(&connectorName, "connector", "", "connector to list remote resources with")
	cmd.Flags().StringVar(&subpath, "subpath", "", "limit the listing to a subtree")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "overwrite existing local files")
	cmd.MarkFlagRequired("prefix")
	cmd.MarkFlagRequired("connector")

	return cmd
}
