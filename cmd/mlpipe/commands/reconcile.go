package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/mlpipe/pkg/telemetry"
)

func newReconcileCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile outstanding pipelines against the substrate",
		Long: `Describe every outstanding submission on the substrate and apply the result.
Submissions outstanding for longer than reconcile.stale_after are marked unknown.

With --watch the reconciler keeps sweeping at reconcile.interval and applies
completion signals as they arrive, until interrupted.`,
		Example: `  # One sweep
  mlpipe reconcile

  # Keep reconciling
  mlpipe reconcile --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if watch {
					return a.runReconciler(ctx)
				}

				op := telemetry.StartOperation(ctx, "reconcile.sweep")
				report, err := a.reconciler.Sweep(op.Ctx)
				op.End(err)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), report)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Swept %d pipelines (%d targets)\n", report.Pipelines, report.Targets)
				fmt.Fprintf(cmd.OutOrStdout(), "  Resolved:        %d\n", report.Resolved)
				fmt.Fprintf(cmd.OutOrStdout(), "  Marked unknown:  %d\n", report.MarkedStale)
				fmt.Fprintf(cmd.OutOrStdout(), "  Describe errors: %d\n", report.DescribeErrors)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep reconciling until interrupted")
	return cmd
}

// runReconciler sweeps periodically and consumes completion signals until
// ctx is done.
func (a *app) runReconciler(ctx context.Context) error {
	signals, err := a.signals.Signals(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.reconciler.Run(ctx) })
	g.Go(func() error { return a.reconciler.Consume(ctx, signals) })

	log.Info().Msg("Reconciler running")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
