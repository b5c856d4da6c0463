package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/mlpipe/pkg/config"
	"github.com/openfroyo/mlpipe/pkg/stores"
)

const samplePolicy = `# Training jobs in the sandbox account use a single instance.
# severity: warning
# tags: cost
package mlpipe.admission.sandbox

import rego.v1

deny contains msg if {
	input.request.pipeline_type == "model-training"
	input.request.parameters.instance_count != "1"
	msg := "sandbox training jobs should use a single instance"
}
`

func newInitCommand() *cobra.Command {
	var (
		dataDir string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize an mlpipe workspace",
		Long: `Initialize the configuration file, the policy directory and the SQLite
record store. An existing config file is left untouched unless --force is set.`,
		Example: `  # Initialize in the default locations
  mlpipe init

  # Keep everything next to a custom config file
  mlpipe init --config ./mlpipe.yaml --data-dir ./data`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfgFile := configPath
			if cfgFile == "" {
				cfgFile = filepath.Join(config.ConfigDir(), "mlpipe.yaml")
			}
			if dataDir == "" {
				dataDir = config.DataDir()
			}
			policyDir := filepath.Join(filepath.Dir(cfgFile), "policies")

			log.Info().
				Str("config", cfgFile).
				Str("data_dir", dataDir).
				Msg("Initializing workspace")

			for _, dir := range []string{filepath.Dir(cfgFile), dataDir, policyDir} {
				if err := os.MkdirAll(dir, 0o750); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Printf("✓ Created directory: %s\n", dir)
			}

			dbPath := filepath.Join(dataDir, "mlpipe.db")
			storeCfg := config.Default().StoreOptions()
			storeCfg.Path = dbPath
			store, err := stores.Open(ctx, storeCfg)
			if err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if err := store.Close(); err != nil {
				return fmt.Errorf("failed to close store: %w", err)
			}
			fmt.Printf("✓ Initialized SQLite database: %s\n", dbPath)

			samplePath := filepath.Join(policyDir, "sandbox.rego")
			if _, err := os.Stat(samplePath); os.IsNotExist(err) {
				if err := os.WriteFile(samplePath, []byte(samplePolicy), 0o644); err != nil {
					return fmt.Errorf("failed to write sample policy: %w", err)
				}
				fmt.Printf("✓ Wrote sample policy: %s\n", samplePath)
			}

			if _, err := os.Stat(cfgFile); err == nil && !force {
				fmt.Printf("✓ Config file already exists: %s\n", cfgFile)
			} else {
				v := config.NewViper(cfgFile)
				v.Set("store.path", dbPath)
				v.Set("policy.dirs", []string{policyDir})
				if err := v.WriteConfigAs(cfgFile); err != nil {
					return fmt.Errorf("failed to write config file: %w", err)
				}
				fmt.Printf("✓ Created config file: %s\n", cfgFile)
			}

			fmt.Printf("\n✅ Workspace initialized successfully!\n\n")
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. List the blueprint catalog:\n")
			fmt.Printf("     mlpipe blueprints\n\n")
			fmt.Printf("  2. Provision a pipeline:\n")
			fmt.Printf("     mlpipe provision -f endpoint.yaml --wait 1m\n\n")
			fmt.Printf("  3. Serve the API:\n")
			fmt.Printf("     mlpipe serve\n\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for the SQLite database")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}
