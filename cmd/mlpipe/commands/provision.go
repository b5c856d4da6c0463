package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/mlpipe/pkg/engine"
	"github.com/openfroyo/mlpipe/pkg/telemetry"
)

func newProvisionCommand() *cobra.Command {
	var (
		file      string
		overrides map[string]string
		wait      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision or update a pipeline",
		Long: `Submit a provisioning request read from a YAML or JSON file.

The request names a pipeline type, an optional option and its parameters.
Target environments turn the request into a multi-environment fan-out.
Set is_update to update an existing pipeline in place.

With --wait the command follows completion signals and reconciles until the
pipeline reaches a terminal status or the wait expires.`,
		Example: `  # Provision a realtime inference endpoint
  mlpipe provision -f endpoint.yaml

  # Read the request from stdin and override a parameter
  cat endpoint.json | mlpipe provision -f - --set inference_instance=ml.m5.xlarge

  # Wait up to ten minutes for the substrate to finish
  mlpipe provision -f endpoint.yaml --wait 10m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readRequest(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			if len(overrides) > 0 && raw.Parameters == nil {
				raw.Parameters = make(map[string]string, len(overrides))
			}
			for k, v := range overrides {
				raw.Parameters[k] = v
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				log.Info().
					Str("pipeline_type", raw.PipelineType).
					Str("option", raw.Option).
					Bool("update", raw.IsUpdate).
					Int("targets", len(raw.TargetEnvironments)).
					Msg("Submitting provisioning request")

				ctx = telemetry.WithPipelineContext(ctx, raw.PipelineID, raw.PipelineType, raw.RequestID)
				op := telemetry.StartOperation(ctx, "cli.provision",
					telemetry.AttrPipelineType.String(raw.PipelineType),
					telemetry.AttrRequestID.String(raw.RequestID))
				out, err := a.coordinator.Handle(op.Ctx, raw)
				op.End(err)
				if err != nil {
					return err
				}
				if err := printOutcome(cmd.OutOrStdout(), out); err != nil {
					return err
				}
				if wait <= 0 || out.Status.IsTerminal() {
					return nil
				}

				rec, err := a.waitForPipeline(ctx, out.PipelineID, wait)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout())
				return printRecord(cmd.OutOrStdout(), rec)
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "request file (YAML or JSON, - for stdin)")
	cmd.Flags().StringToStringVar(&overrides, "set", nil, "override request parameters (key=value)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait for a terminal status up to this long")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// readRequest decodes a provisioning request. YAML is a superset of JSON, so
// one decoder reads both.
func readRequest(stdin io.Reader, file string) (*engine.RawRequest, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read request: %w", err)
	}

	var raw engine.RawRequest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse request %s: %w", file, err)
	}
	return &raw, nil
}

// waitForPipeline applies completion signals and reconciles until the
// pipeline leaves its outstanding states or the timeout expires.
func (a *app) waitForPipeline(ctx context.Context, pipelineID string, timeout time.Duration) (*engine.PipelineRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	signals, err := a.signals.Signals(ctx)
	if err != nil {
		return nil, err
	}
	go func() {
		_ = a.reconciler.Consume(ctx, signals)
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		rec, err := a.tracker.GetStatus(ctx, pipelineID)
		switch {
		case err == nil && !rec.DeploymentUnit.HasOutstanding():
			return rec, nil
		case err != nil && ctx.Err() == nil:
			return nil, err
		}

		select {
		case <-ctx.Done():
			log.Warn().Str("pipeline_id", pipelineID).Dur("wait", timeout).Msg("Pipeline still outstanding")
			return a.tracker.GetStatus(context.WithoutCancel(ctx), pipelineID)
		case <-ticker.C:
			if _, err := a.reconciler.Sweep(ctx); err != nil {
				log.Debug().Err(err).Msg("Reconcile sweep failed")
			}
		}
	}
}
