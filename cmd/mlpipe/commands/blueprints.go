package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newBlueprintsCommand() *cobra.Command {
	var pipelineType string

	cmd := &cobra.Command{
		Use:   "blueprints",
		Short: "List the blueprint catalog",
		Long: `List every registered blueprint: the built-in catalog plus the entries of
blueprints.catalog, with the parameters each one accepts.`,
		Example: `  mlpipe blueprints
  mlpipe blueprints --type realtime-inference --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(_ context.Context, a *app) error {
				blueprints := a.registry.List()
				if pipelineType != "" {
					n := 0
					for _, bp := range blueprints {
						if bp.PipelineType == pipelineType {
							blueprints[n] = bp
							n++
						}
					}
					blueprints = blueprints[:n]
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), blueprints)
				}

				tw := newTable(cmd.OutOrStdout(), "TYPE", "OPTION", "TEMPLATE", "REQUIRED", "OPTIONAL")
				for _, bp := range blueprints {
					var required, optional []string
					for _, p := range bp.ParameterSchema.Parameters {
						if p.Required {
							required = append(required, p.Name)
						} else {
							optional = append(optional, p.Name)
						}
					}
					option := bp.Option
					if bp.Default {
						option += " (default)"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", bp.PipelineType, option, bp.TemplateID,
						dash(strings.Join(required, ",")), dash(strings.Join(optional, ",")))
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&pipelineType, "type", "", "only blueprints of this pipeline type")
	return cmd
}
