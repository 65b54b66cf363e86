package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autoschematic-sh/autoschematic/pkg/config"
	"github.com/autoschematic-sh/autoschematic/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var (
		prefix string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize an autoschematic repository",
		Long: `Initialize a repository with a root configuration, a starter prefix
directory and the run history database.

The generated autoschematic.yaml declares one prefix with a placeholder
connector definition; edit it to point at real connector binaries.`,
		Example: `  # Initialize the current directory
  autoschematic init

  # Initialize with a named starter prefix
  autoschematic init --prefix prod`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Str("root", rootDir).
				Str("prefix", prefix).
				Msg("Initializing repository")

			ctx := context.Background()

			root, err := filepath.Abs(rootDir)
			if err != nil {
				return err
			}

			// Step 1: Create the prefix and data directories
			settings, err := config.LoadSettings()
			if err != nil {
				return err
			}
			dirs := []string{
				filepath.Join(root, prefix),
				settings.DataDir,
			}
			for _, dir := range dirs {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Printf("✓ Created directory: %s\n", dir)
			}

			// Step 2: Initialize the run history database
			dbPath := filepath.Join(settings.DataDir, "autoschematic.db")
			store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
			if err != nil {
				return fmt.Errorf("failed to create store: %w", err)
			}
			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			defer store.Close()
			fmt.Printf("✓ Initialized run history database: %s\n", dbPath)

			// Step 3: Write the root config, unless one already exists
			cfgPath := configPath
			if cfgPath == "" {
				cfgPath = filepath.Join(root, config.DefaultConfigFile)
			}
			if _, err := os.Stat(cfgPath); err == nil {
				fmt.Printf("✓ Config file already exists: %s\n", cfgPath)
				return nil
			}

			starter := fmt.Sprintf(`# Autoschematic root configuration.
#
# Each prefix names a repository subdirectory holding desired state files.
# Connectors are tried in declaration order; the first one that claims an
# address owns it.
prefixes:
  %s:
    connectors:
      - name: kvstore
        binary: ./bin/kvstore-connector
`, prefix)

			if err := os.WriteFile(cfgPath, []byte(starter), 0o644); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Printf("✓ Created config file: %s\n", cfgPath)

			return nil
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "default", "name of the starter prefix")

	return cmd
}
