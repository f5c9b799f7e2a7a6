package cmd

import (
	"fmt"

	"tether/internal/store"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the backend database schema",
	}
	migrateCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrate(cmd, store.Up)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back all migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrate(cmd, store.Down)
			},
		},
	)
	return migrateCmd
}

func runMigrate(cmd *cobra.Command, dir store.Direction) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if err := store.Migrate(cfg.Database.Driver, cfg.Database.DSN, dir); err != nil {
		return err
	}
	direction := "applied"
	if dir == store.Down {
		direction = "rolled back"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Migrations %s on %s database.\n", direction, cfg.Database.Driver)
	return nil
}
