package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/swarm-dev/swarm/internal/storage"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the swarm config and ticket database",
	Long: `Initialize swarm in the current directory.

This creates:
  - .swarm/config.yaml (defaults; edit or override with SWARM_* variables)
  - .swarm/swarm.db (SQLite ticket store, unless database.backend is postgres)

Example:
  swarm init
  SWARM_DATABASE_BACKEND=postgres SWARM_DATABASE_DSN=postgres://... swarm init`,
	Annotations: map[string]string{skipStoreAnnotation: "true"},
	Args:        cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		_, err := os.Stat(configPath)
		switch {
		case err == nil && !initForce:
			fmt.Fprintf(out, "%s %s already exists (use --force to overwrite)\n", yellow("!"), configPath)
		case err == nil || errors.Is(err, os.ErrNotExist):
			if err := cfg.WriteFile(configPath); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s Wrote %s\n", green("✓"), cyan(configPath))
		default:
			return fmt.Errorf("failed to stat %s: %w", configPath, err)
		}

		// opening the store applies the schema migrations
		store, err := storage.NewStorage(rootCtx, cfg.StorageConfig())
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		_ = store.Close()

		where := cfg.Database.Path
		if cfg.Database.Backend == storage.BackendPostgres {
			where = "postgres"
		}
		fmt.Fprintf(out, "%s Initialized ticket store: %s\n\n", green("✓"), cyan(where))
		fmt.Fprintf(out, "  %s\n", gray("Next: swarm ticket create --title ... --criterion ac-1:\"...\" --activate"))
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}
