package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newTerminateCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "terminate <pipeline-id>",
		Short: "Mark a pipeline terminated",
		Long: `Mark a pipeline terminated. The record is kept for inspection but can no
longer be updated; the substrate resources are not deleted.`,
		Example: `  mlpipe terminate my-endpoint --reason "replaced by my-endpoint-v2"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				log.Info().Str("pipeline_id", args[0]).Str("reason", reason).Msg("Terminating pipeline")

				rec, err := a.tracker.Terminate(ctx, args[0], reason)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), rec)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Pipeline %s terminated (status %s)\n", rec.PipelineID, rec.Status())
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "terminated via cli", "reason recorded in the pipeline history")
	return cmd
}
