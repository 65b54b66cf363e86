package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newSkeletonsCommand() *cobra.Command {
	var (
		prefix        string
		connectorName string
		outDir        string
	)

	cmd := &cobra.Command{
		Use:   "skeletons",
		Short: "Fetch starter resource files from a connector",
		Long: `Ask a connector for skeleton resource files: example desired state
bodies for each resource type it manages.

Without --out-dir the skeletons are printed; with it each skeleton is
written under the directory at its suggested address, skipping files
that already exist.`,
		Example: `  # Print the skeletons a connector offers
  autoschematic skeletons --prefix prod --connector kvstore

  # Materialize skeletons under the prefix directory
  autoschematic skeletons --prefix prod --connector kvstore --out-dir ./prod`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			skeletons, err := rt.eng.Skeletons(ctx, prefix, connectorName)
			if err != nil {
				return fmt.Errorf("skeletons: %w", err)
			}

			if jsonOutput {
				return printJSON(skeletons)
			}

			if outDir == "" {
				for _, sk := range skeletons {
					fmt.Printf("--- %s ---\n%s\n", sk.Addr, sk.Body)
				}
				return nil
			}

			for _, sk := range skeletons {
				path := filepath.Join(outDir, filepath.FromSlash(sk.Addr))
				if _, err := os.Stat(path); err == nil {
					log.Warn().Str("path", path).Msg("File exists, skipping skeleton")
					continue
				}
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return err
				}
				if err := os.WriteFile(path, sk.Body, 0o644); err != nil {
					return err
				}
				fmt.Printf("  + %s\n", path)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "prefix whose connector to ask")
	cmd.Flags().StringVar(&connectorName, "connector", "", "connector to fetch skeletons from")
	cmd.Flags().StringVar(&outDir, "out-dir", "", "write skeleton files under this directory")
	cmd.MarkFlagRequired("prefix")
	cmd.MarkFlagRequired("connector")

	return cmd
}
