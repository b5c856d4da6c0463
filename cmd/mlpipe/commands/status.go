package commands

import (
	"context"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <pipeline-id>",
		Short: "Show the status of a pipeline",
		Long: `Show the persisted record of a pipeline: its deployment unit, the
per-environment instances of a fan-out and the lifecycle history.`,
		Example: `  mlpipe status pl-3f2a9c41d0b7e6a1
  mlpipe status my-endpoint --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				rec, err := a.tracker.GetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printRecord(cmd.OutOrStdout(), rec)
			})
		},
	}
	return cmd
}
