package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/mlpipe/pkg/engine"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	return tw
}

func printOutcome(w io.Writer, out *engine.ProvisioningOutcome) error {
	if jsonOutput {
		return printJSON(w, out)
	}

	verb := "Updated"
	if out.Created {
		verb = "Created"
	}
	fmt.Fprintf(w, "✓ %s pipeline %s (request %s)\n", verb, out.PipelineID, out.RequestID)
	fmt.Fprintf(w, "  Status: %s\n", out.Status)
	if out.Fanout != nil {
		fmt.Fprintf(w, "  Fan-out: %s across %d environments\n", out.Fanout.Result, len(out.Fanout.Targets))
	}
	fmt.Fprintln(w)

	tw := newTable(w, "UNIT", "ENVIRONMENT", "STATUS", "OPERATION", "ERROR")
	for _, u := range out.DeploymentUnits {
		env := "-"
		if u.Environment != nil {
			env = u.Environment.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", u.UnitName, env, u.Status, dash(u.OperationID), dash(u.Error))
	}
	return tw.Flush()
}

func printRecord(w io.Writer, rec *engine.PipelineRecord) error {
	if jsonOutput {
		return printJSON(w, rec)
	}

	unit := rec.DeploymentUnit
	fmt.Fprintf(w, "Pipeline:   %s\n", rec.PipelineID)
	fmt.Fprintf(w, "Type:       %s (%s)\n", rec.PipelineType, rec.Option)
	fmt.Fprintf(w, "Unit:       %s [%s]\n", unit.UnitName, unit.Kind)
	fmt.Fprintf(w, "Status:     %s\n", rec.Status())
	if rec.Terminated {
		fmt.Fprintln(w, "Terminated: yes")
	}
	if unit.LastError != "" {
		fmt.Fprintf(w, "Last error: %s\n", unit.LastError)
	}
	fmt.Fprintf(w, "Version:    %d\n", rec.Version)
	fmt.Fprintf(w, "Updated:    %s\n", rec.UpdatedAt.Format(time.RFC3339))

	if len(unit.Instances) > 0 {
		fmt.Fprintln(w, "\nInstances:")
		tw := newTable(w, "ENVIRONMENT", "STATUS", "OPERATION", "ERROR")
		for _, inst := range unit.Instances {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", inst.Environment, inst.Status, dash(inst.LastOperationID), dash(inst.LastError))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(w, "\nHistory:")
	tw := newTable(w, "#", "TIME", "FROM", "TO", "ENVIRONMENT", "DETAIL")
	for _, ev := range rec.History {
		env := "-"
		if ev.Environment != nil {
			env = ev.Environment.String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			ev.Sequence, ev.Timestamp.Format(time.RFC3339), dash(string(ev.FromState)), ev.ToState, env, dash(ev.Detail))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
