package cli

import (
	"github.com/spf13/cobra"
)

var proposalsCmd = &cobra.Command{
	Use:   "proposals",
	Short: "Print the current proposals with their policy verdicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		views, err := a.Automation.ListProposals(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, views)
	},
}

func init() {
	rootCmd.AddCommand(proposalsCmd)
}
