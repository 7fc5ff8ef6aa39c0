package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gogpu/chartgpu/compat"
)

func newCompatCmd(a *app) *cobra.Command {
	var (
		format   string
		baseline string
		minLevel string
	)
	cmd := &cobra.Command{
		Use:   "compat",
		Short: "Run the compatibility suite",
		Long: `Run every compatibility test case and print the report.

With --baseline, changes against a previously saved JSON report are listed
after it. With --min-level, the command fails when the overall level is
below the given one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var floor compat.Level
			if minLevel != "" {
				l, err := compat.ParseLevel(strings.ToUpper(minLevel))
				if err != nil {
					return err
				}
				floor = l
			}

			m, err := a.manager()
			if err != nil {
				return err
			}
			defer a.cleanup(m)

			rep, err := m.RunCompatibilityTest(cmd.Context())
			if err != nil {
				return err
			}
			a.logger.Info("compatibility suite finished", "level", rep.Level, "score", rep.Score, "duration", rep.Duration)

			out := cmd.OutOrStdout()
			if err := encode(out, format, rep, func(w io.Writer) error {
				return writeReport(w, rep)
			}); err != nil {
				return err
			}

			if baseline != "" {
				prev, err := readReport(baseline)
				if err != nil {
					return err
				}
				changes := compat.Diff(prev, rep)
				if err := encode(out, format, changes, func(w io.Writer) error {
					return writeChanges(w, changes)
				}); err != nil {
					return err
				}
			}

			if floor != "" && !rep.Level.AtLeast(floor) {
				return fmt.Errorf("compatibility level %s is below %s", rep.Level, floor)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&format, "format", "f", "text", "output format: text, json or yaml")
	f.StringVar(&baseline, "baseline", "", "JSON report to compare against")
	f.StringVar(&minLevel, "min-level", "", "fail below this level (excellent, good, fair, poor)")
	return cmd
}

func readReport(path string) (compat.Report, error) {
	var rep compat.Report
	data, err := os.ReadFile(path)
	if err != nil {
		return rep, err
	}
	if err := json.Unmarshal(data, &rep); err != nil {
		return rep, fmt.Errorf("baseline %s: %w", path, err)
	}
	return rep, nil
}

func writeReport(w io.Writer, rep compat.Report) error {
	fmt.Fprintf(w, "overall: %s (score %.1f) in %v\n\n", rep.Level, rep.Score, rep.Duration)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BACKEND\tLEVEL\tSCORE")
	for _, b := range rep.Backends {
		fmt.Fprintf(tw, "%s\t%s\t%.1f\n", b.Backend, b.Level, b.Score)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "TEST\tCATEGORY\tOUTCOME\tSCORE\tMESSAGE")
	for _, r := range rep.Results {
		id := r.ID
		if r.Critical {
			id += " *"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f\t%s\n", id, r.Category, r.Outcome, r.Score(), r.Message)
	}
	return tw.Flush()
}

func writeChanges(w io.Writer, changes []compat.Change) error {
	if len(changes) == 0 {
		_, err := fmt.Fprintln(w, "\nno changes against baseline")
		return err
	}
	fmt.Fprintf(w, "\n%d changes against baseline:\n", len(changes))
	for _, c := range changes {
		fmt.Fprintf(w, "  %s: %s -> %s\n", c.ID, c.Before, c.After)
	}
	return nil
}
