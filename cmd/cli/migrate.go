package cli

import (
	"github.com/spf13/cobra"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/app"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := app.OpenDatabase(cfg)
		if err != nil {
			return err
		}
		logger.Info("Starting database migration...")
		if err := app.Migrate(db); err != nil {
			return err
		}
		logger.Info("Database migration completed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
