package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/mlpipe/pkg/substrate"
	"github.com/openfroyo/mlpipe/pkg/telemetry"
)

func newSubstrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "substrate",
		Short: "Substrate development tools",
	}
	cmd.AddCommand(newSubstrateSimulateCommand())
	return cmd
}

func newSubstrateSimulateCommand() *cobra.Command {
	var (
		latency       time.Duration
		rejectUnits   map[string]string
		failUnits     map[string]string
		rejectRegions []string
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Serve a simulated substrate over NATS",
		Long: `Answer substrate submit and describe requests on <nats.substrate_prefix>.*
with an in-process simulator and publish its completion signals.

Run an engine with substrate.driver=nats against the same NATS server to
exercise the full request/reply path without a real provisioning service.`,
		Example: `  # Complete every submission after five seconds
  mlpipe substrate simulate --latency 5s

  # Reject one unit and fail another
  mlpipe substrate simulate --reject-unit mlpipe-bad="template not found" \
    --fail-unit mlpipe-flaky="quota exceeded"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
			if err != nil {
				return fmt.Errorf("failed to initialize telemetry: %w", err)
			}
			defer tel.Shutdown(context.Background())
			logger := tel.Logger.Zerolog()

			nc, err := substrate.DialNATS(cfg.NATS.URL, cfg.NATS.Name+"-simulator", cfg.NATS.RequestTimeout, logger)
			if err != nil {
				return err
			}
			defer nc.Close()

			sim := substrate.NewSimulator(substrate.SimulatorConfig{
				Latency:       latency,
				RejectUnits:   rejectUnits,
				RejectRegions: rejectRegions,
				FailUnits:     failUnits,
			}, logger)
			defer sim.Stop()

			log.Info().
				Str("url", cfg.NATS.URL).
				Str("prefix", cfg.NATS.SubstratePrefix).
				Dur("latency", latency).
				Msg("Simulated substrate serving")

			responder := substrate.NewResponder(substrate.NewNATSTransport(nc), cfg.NATS.SubstratePrefix, sim, sim, logger)
			return responder.Serve(cmd.Context())
		},
	}

	cmd.Flags().DurationVar(&latency, "latency", 2*time.Second, "delay before a submission completes")
	cmd.Flags().StringToStringVar(&rejectUnits, "reject-unit", nil, "reject submissions for unit=reason")
	cmd.Flags().StringToStringVar(&failUnits, "fail-unit", nil, "complete unit=reason as failed")
	cmd.Flags().StringSliceVar(&rejectRegions, "reject-region", nil, "regions where the substrate is unavailable")
	return cmd
}
