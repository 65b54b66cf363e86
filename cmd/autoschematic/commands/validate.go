package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autoschematic-sh/autoschematic/pkg/config"
	"github.com/autoschematic-sh/autoschematic/pkg/connector"
)

func newValidateCommand() *cobra.Command {
	var (
		diag bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the root configuration",
		Long: `Validate the root configuration file and, optionally, every desired
state file in the repository.

Configuration validation checks:
  - YAML syntax and required fields
  - At least one prefix with at least one connector
  - Unique connector and task names per prefix

With --diag, each discovered desired state file is additionally sent to
its owning connector for static validation. This spawns connector
processes.`,
		Example: `  # Validate the root config only
  autoschematic validate

  # Validate config and run connector diagnostics on every file
  autoschematic validate --diag`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := configPath
			if cfgPath == "" {
				root, err := filepath.Abs(rootDir)
				if err != nil {
					return err
				}
				cfgPath = filepath.Join(root, config.DefaultConfigFile)
			}

			log.Info().
				Str("config", cfgPath).
				Bool("diag", diag).
				Msg("Validating configuration")

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			for prefix, pc := range cfg.Prefixes {
				fmt.Printf("prefix %s: %d connector(s), %d task(s)\n",
					prefix, len(pc.Connectors), len(pc.Tasks))
			}
			fmt.Println("Configuration is valid.")

			if !diag {
				return nil
			}

			rt, ctx, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			findings := 0
			errors := 0
			for _, prefix := range rt.eng.Prefixes() {
				files, err := rt.eng.DiscoverFiles(prefix)
				if err != nil {
					return err
				}
				for _, addr := range files.Modified {
					body, err := os.ReadFile(filepath.Join(rt.root, prefix, filepath.FromSlash(addr)))
					if err != nil {
						return err
					}
					diags, err := rt.eng.Diag(ctx, prefix, addr, body)
					if err != nil {
						return fmt.Errorf("diag %s/%s: %w", prefix, addr, err)
					}
					for _, d := range diags {
						findings++
						fmt.Printf("%s/%s:%d:%d: %s: %s\n",
							prefix, addr, d.Span.StartLine+1, d.Span.StartCol+1, d.Severity, d.Message)
						if d.Severity == connector.DiagnosticError {
							errors++
						}
					}
				}
			}
			if findings == 0 {
				fmt.Println("No diagnostics reported.")
			}
			if errors > 0 {
				return fmt.Errorf("validation failed with %d error(s)", errors)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&diag, "diag", false, "run connector diagnostics on every desired state file")

	return cmd
}
