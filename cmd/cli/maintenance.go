package cli

import (
	"github.com/spf13/cobra"
)

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Housekeeping tasks",
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete delivered outbox messages past retention and expired idempotency records",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		result, err := a.Maintenance.Purge(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	},
}

func init() {
	maintenanceCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(maintenanceCmd)
}
