package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/apartmentbotsystem/apartmentbotsystem-sub001/internal/handlers"
)

var (
	Commit    = "none"
	BuildTime = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of apartmentbot",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\nCommit: %s\nBuildTime: %s\n", handlers.Version, Commit, BuildTime)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
