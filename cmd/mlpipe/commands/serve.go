package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/mlpipe/pkg/api"
)

func newServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the provisioning API and the reconciler",
		Long: `Serve the HTTP API and run the reconciler in one process.

The API accepts provisioning requests, answers status queries and exposes
Prometheus metrics on /metrics. The reconciler applies completion signals
and sweeps outstanding submissions at reconcile.interval. When policy.watch
is set, policy files under policy.dirs are reloaded on change.`,
		Example: `  # Serve with the default configuration
  mlpipe serve

  # Serve on another address with a config file
  mlpipe serve --config /etc/mlpipe/mlpipe.yaml --listen :9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				cfg := a.cfg
				if listen != "" {
					cfg.API.Listen = listen
				}

				server, err := api.NewServer(api.Config{
					Listen:          cfg.API.Listen,
					ReadTimeout:     cfg.API.ReadTimeout,
					WriteTimeout:    cfg.API.WriteTimeout,
					ShutdownTimeout: cfg.API.ShutdownTimeout,
				}, api.Deps{
					Provisioner: a.coordinator,
					Status:      a.tracker,
					Blueprints:  a.registry,
					Recorder:    a.tel.Metrics,
					Metrics:     a.tel.Metrics.Handler(),
					Health:      a.health,
				}, a.logger)
				if err != nil {
					return err
				}

				if a.policy != nil && cfg.Policy.Watch && len(cfg.Policy.Dirs) > 0 {
					if err := a.policy.Watch(ctx, cfg.Policy.Dirs); err != nil {
						return err
					}
					log.Info().Strs("dirs", cfg.Policy.Dirs).Msg("Watching policy files")
				}
				if cfg.Telemetry.Metrics.ListenAddress != cfg.API.Listen {
					if err := a.tel.StartMetricsServer(ctx); err != nil {
						return err
					}
				}

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error { return server.ListenAndServe(ctx) })
				g.Go(func() error { return a.runReconciler(ctx) })

				log.Info().
					Str("listen", cfg.API.Listen).
					Str("store", cfg.Store.Driver).
					Str("substrate", cfg.Substrate.Driver).
					Msg("Serving mlpipe API")
				return g.Wait()
			})
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "API listen address (overrides api.listen)")
	return cmd
}
