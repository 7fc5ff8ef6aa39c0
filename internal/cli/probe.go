package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gogpu/chartgpu/capability"
)

func newProbeCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Detect which rendering backends this machine supports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}
			defer a.cleanup(m)

			res := m.Probe(cmd.Context())
			a.logger.Info("probe finished", "best", res.Best, "duration", res.Duration)
			return encode(cmd.OutOrStdout(), format, res, func(w io.Writer) error {
				return writeProbe(w, res)
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "text", "output format: text, json or yaml")
	return cmd
}

func writeProbe(w io.Writer, res capability.Result) error {
	h := res.Host
	printer.Fprintf(w, "host:  %s/%s %s, %s (%d cores), %d MiB RAM, %s\n",
		h.OS, h.Arch, h.Kernel, h.CPUBrand, h.LogicalCores, h.TotalMemory>>20, h.GoVersion)
	if len(h.SIMD) > 0 {
		fmt.Fprintf(w, "simd:  %s\n", strings.Join(h.SIMD, " "))
	}
	best := res.Best
	if best == "" {
		best = "none"
	}
	fmt.Fprintf(w, "best:  %s\n\n", best)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BACKEND\tTIER\tSUPPORTED\tVENDOR\tRENDERER\tFEATURES\tREASON")
	for _, c := range res.Capabilities {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\t%s\n",
			c.Backend, c.Tier, c.Supported, c.Vendor, c.Renderer, c.Features, c.Reason)
	}
	return tw.Flush()
}
