package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/mlpipe/pkg/engine"
)

func newListCommand() *cobra.Command {
	var (
		pipelineType string
		status       string
		all          bool
		outstanding  bool
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pipelines",
		Long:  `List pipeline summaries ordered by pipeline ID. Terminated pipelines are hidden unless --all is set.`,
		Example: `  # Every active realtime endpoint
  mlpipe list --type realtime-inference

  # Pipelines the reconciler still has to resolve
  mlpipe list --outstanding`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := engine.PipelineFilter{
				PipelineType:      pipelineType,
				Status:            engine.DeploymentStatus(status),
				IncludeTerminated: all,
				OutstandingOnly:   outstanding,
				Limit:             limit,
			}
			if filter.Status != "" {
				if err := filter.Status.Validate(); err != nil {
					return err
				}
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				pipelines, err := a.tracker.ListPipelines(ctx, filter)
				if err != nil {
					return err
				}
				if jsonOutput {
					if pipelines == nil {
						pipelines = []engine.PipelineSummary{}
					}
					return printJSON(cmd.OutOrStdout(), pipelines)
				}
				if len(pipelines) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No pipelines found")
					return nil
				}

				tw := newTable(cmd.OutOrStdout(), "PIPELINE", "TYPE", "OPTION", "KIND", "STATUS", "TARGETS", "UPDATED")
				for _, p := range pipelines {
					targets := "-"
					if p.Targets > 0 {
						targets = fmt.Sprintf("%d (%d failed)", p.Targets, p.FailedTargets)
					}
					st := string(p.Status)
					if p.Terminated {
						st += " (terminated)"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						p.PipelineID, p.PipelineType, p.Option, p.Kind, st, targets, p.UpdatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&pipelineType, "type", "", "filter by pipeline type")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (requested, in_progress, succeeded, failed, unknown)")
	cmd.Flags().BoolVar(&all, "all", false, "include terminated pipelines")
	cmd.Flags().BoolVar(&outstanding, "outstanding", false, "only pipelines awaiting an outcome")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of pipelines (0 for no limit)")

	return cmd
}
