package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/pmrunner/internal/config"
	"github.com/randalmurphal/pmrunner/internal/db"
)

// newInitCmd creates the init command.
func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize pmrunner in the current project",
		Long: `Creates the .pmrunner state directory with a default config.yaml
and an empty task queue database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("determine working directory: %w", err)
			}

			cfgPath := filepath.Join(wd, config.StateDirName, config.ConfigFileName)
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}

			cfg := config.Default()
			if err := cfg.Save(cfgPath); err != nil {
				return err
			}

			// Opening the database runs the schema migration.
			database, err := db.Open(filepath.Join(wd, config.StateDirName, queueDBName))
			if err != nil {
				return err
			}
			if err := database.Close(); err != nil {
				return err
			}

			fmt.Printf("Initialized pmrunner in %s\n", filepath.Join(wd, config.StateDirName))
			fmt.Printf("  config:   %s\n", cfgPath)
			fmt.Printf("  queue db: %s\n", filepath.Join(wd, config.StateDirName, queueDBName))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing configuration")
	return cmd
}
