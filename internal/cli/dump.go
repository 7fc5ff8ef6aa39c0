package cli

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func newDumpCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Initialize the renderer and write a diagnostic dump",
		Long: `Initialize the renderer and write a diagnostic dump for bug reports.

The dump is brotli-compressed JSON. With -o - it is written to stdout as
plain JSON instead. A failed initialization is logged and still dumped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			m, err := a.manager()
			if err != nil {
				return err
			}
			defer a.cleanup(m)

			if res, err := m.Initialize(cmd.Context()); err != nil {
				a.logger.Warn("initialize failed", "error", err)
			} else {
				a.logger.Info("initialized", "backend", res.Backend, "state", res.State)
			}

			if output == "-" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(m.Diagnostics())
			}

			f, err := os.Create(output)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, f.Close()) }()
			if err := m.WriteDiagnostics(f); err != nil {
				return err
			}
			a.logger.Info("diagnostics written", "path", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "chartgpu-diag.json.br", "output file, or - for JSON on stdout")
	return cmd
}
