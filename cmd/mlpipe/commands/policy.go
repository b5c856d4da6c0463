package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/mlpipe/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and test admission policies",
	}
	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyCheckCommand())
	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded admission policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(_ context.Context, a *app) error {
				if a.policy == nil {
					return fmt.Errorf("admission policies are disabled (policy.enabled=false)")
				}
				policies := a.policy.ListPolicies()
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), policies)
				}

				tw := newTable(cmd.OutOrStdout(), "NAME", "SEVERITY", "ENABLED", "SOURCE", "TAGS", "DESCRIPTION")
				for _, p := range policies {
					fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n", p.Name, p.Severity, p.Enabled, p.Source,
						dash(strings.Join(p.Tags, ",")), dash(p.Description))
				}
				return tw.Flush()
			})
		},
	}
}

func newPolicyCheckCommand() *cobra.Command {
	var (
		file    string
		disable []string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate admission policies against a request without provisioning",
		Long: `Validate a provisioning request, resolve its blueprint and evaluate every
enabled admission policy. Nothing is submitted and no record is written.
The command fails when a blocking violation is found.`,
		Example: `  mlpipe policy check -f endpoint.yaml
  mlpipe policy check -f endpoint.yaml --disable encryption-at-rest`,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readRequest(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if a.policy == nil {
					return fmt.Errorf("admission policies are disabled (policy.enabled=false)")
				}
				for _, name := range disable {
					if err := a.policy.DisablePolicy(name); err != nil {
						return err
					}
				}

				req, err := a.validator.Validate(raw)
				if err != nil {
					return err
				}
				bp, err := a.registry.Resolve(req.PipelineType, req.Option)
				if err != nil {
					return err
				}
				result, err := a.policy.Evaluate(ctx, policy.NewInput(req, bp))
				if err != nil {
					return err
				}

				if jsonOutput {
					if err := printJSON(cmd.OutOrStdout(), result); err != nil {
						return err
					}
				} else {
					printPolicyResult(cmd, result)
				}
				if !result.Allowed {
					return fmt.Errorf("request denied by %d policy violation(s)", len(result.Violations))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "request file (YAML or JSON, - for stdin)")
	cmd.Flags().StringSliceVar(&disable, "disable", nil, "policies to skip")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func printPolicyResult(cmd *cobra.Command, result *policy.Result) {
	w := cmd.OutOrStdout()
	if result.Allowed {
		fmt.Fprintf(w, "✓ Allowed (%d policies evaluated in %s)\n", len(result.EvaluatedPolicies), result.Duration)
	} else {
		fmt.Fprintf(w, "✗ Denied (%d policies evaluated in %s)\n", len(result.EvaluatedPolicies), result.Duration)
	}
	for _, v := range result.Violations {
		fmt.Fprintf(w, "  [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
	}
	for _, v := range result.Warnings {
		fmt.Fprintf(w, "  [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
	}
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  [evaluation error] %s\n", e)
	}
}
