package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	flagLimit  int
	flagDryRun bool
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and drive the outbound message queue",
}

var outboxProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Deliver one batch of eligible messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		limit := flagLimit
		if limit <= 0 {
			limit = a.Config.Outbox.BatchSize
		}
		if flagDryRun {
			previews, err := a.Outbox.DryRunBatch(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, previews)
		}
		result, err := a.Outbox.ProcessBatch(cmd.Context(), limit)
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	},
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Requeue a FAILED message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil || id == 0 {
			return fmt.Errorf("invalid message id %q", args[0])
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		msg, err := a.Outbox.Retry(cmd.Context(), uint(id))
		if err != nil {
			return err
		}
		return printJSON(cmd, msg)
	},
}

func init() {
	outboxProcessCmd.Flags().IntVar(&flagLimit, "limit", 0, "maximum messages to process (default outbox.batch_size)")
	outboxProcessCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "show what would be sent without sending")
	outboxCmd.AddCommand(outboxProcessCmd, outboxRetryCmd)
	rootCmd.AddCommand(outboxCmd)
}
