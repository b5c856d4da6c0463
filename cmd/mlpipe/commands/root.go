package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Persistent flags.
var (
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs mlpipe with the process arguments.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mlpipe",
		Short: "mlpipe - ML pipeline provisioning engine",
		Long: `mlpipe provisions machine learning pipelines from a blueprint catalog.

A provisioning request names a pipeline type, an option and its parameters.
The engine validates it against the blueprint, checks admission policies and
submits one deployment unit to the provisioning substrate, or one instance
per target environment for multi-account requests. Completion is tracked
asynchronously and reconciled against the substrate.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				log.Logger = log.Logger.Level(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newProvisionCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newTerminateCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newBlueprintsCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newSubstrateCommand())

	return rootCmd
}
