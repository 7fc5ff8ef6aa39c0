package cli

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/spf13/cobra"

	"github.com/gogpu/chartgpu"
	"github.com/gogpu/chartgpu/bench"
	"github.com/gogpu/chartgpu/pipeline"
)

func newBenchCmd(a *app) *cobra.Command {
	var (
		format   string
		backends []string
		cfg      bench.Config
		series   int
		points   int
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark backends on a synthetic chart",
		Long: `Render the same synthetic chart on each backend and rank them by
composite score (frame rate, memory and p95 frame time). Without
--backends every backend detection reports usable is measured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if series <= 0 || points <= 0 {
				return fmt.Errorf("--series and --points must be positive")
			}
			m, err := a.manager()
			if err != nil {
				return err
			}
			defer a.cleanup(m)

			if len(backends) == 0 {
				m.Probe(cmd.Context())
			}
			w := syntheticWorkload(series, points)
			cfg.Workload = printer.Sprintf("%d series x %d points", series, points)
			cfg.Logger = a.logger

			cmp, err := m.Benchmark(cmd.Context(), w, backends, cfg)
			if err != nil {
				return err
			}
			return encode(cmd.OutOrStdout(), format, cmp, func(w io.Writer) error {
				return writeComparison(w, cmp)
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&format, "format", "f", "text", "output format: text, json or yaml")
	f.StringSliceVarP(&backends, "backends", "b", nil, "backends to measure (default: all usable)")
	f.DurationVar(&cfg.Duration, "duration", 0, "measure for this long per backend")
	f.IntVar(&cfg.Frames, "frames", 0, "stop after this many measured frames")
	f.IntVar(&cfg.WarmupFrames, "warmup", 0, "frames discarded first (negative for none)")
	f.DurationVar(&cfg.SampleInterval, "sample-interval", 0, "memory sampling interval")
	f.IntVar(&series, "series", 3, "number of series")
	f.IntVar(&points, "points", 10000, "points per series")
	return cmd
}

// syntheticWorkload builds a chart with one series of each kind in turn,
// shaped as offset sine waves.
func syntheticWorkload(series, points int) chartgpu.Workload {
	kinds := []chartgpu.Series{
		{Kind: chartgpu.KindLine, Priority: pipeline.PriorityHigh},
		{Kind: chartgpu.KindArea, Priority: pipeline.PriorityMedium},
		{Kind: chartgpu.KindBars, Priority: pipeline.PriorityLow},
		{Kind: chartgpu.KindScatter, Priority: pipeline.PriorityLow},
	}
	w := chartgpu.Workload{Series: make([]chartgpu.Series, series)}
	for i := range w.Series {
		s := kinds[i%len(kinds)]
		s.ID = fmt.Sprintf("s%d", i)
		s.Color = chartgpu.DefaultTheme.Palette[i%len(chartgpu.DefaultTheme.Palette)]
		s.Y = make([]float64, points)
		phase := float64(i) * math.Pi / 4
		for j := range s.Y {
			t := float64(j) / float64(points) * 8 * math.Pi
			s.Y[j] = 100 + 10*float64(i) + 5*math.Sin(t+phase) + math.Sin(7*t)
		}
		w.Series[i] = s
	}
	return w
}

func writeComparison(w io.Writer, cmp bench.Comparison) error {
	printer.Fprintf(w, "workload: %s\n\n", cmp.Workload)
	for _, r := range cmp.Results {
		printer.Fprintf(w, "%d. %-9s score %5.1f  %9.1f fps  avg %-10v p95 %-10v peak %d B  (%d frames)\n",
			r.Rank, r.Backend, r.Score, r.FrameRate,
			r.AvgFrameTime.Round(time.Microsecond), r.InputLatency.Round(time.Microsecond),
			r.MemoryPeak, r.Frames)
	}
	if len(cmp.Deltas) > 0 {
		fmt.Fprintln(w)
		for _, d := range cmp.Deltas {
			fmt.Fprintf(w, "%s vs %s: fps %+.1f%%, memory %+.1f%%, latency %+.1f%%\n",
				d.A, d.B, d.FrameRate, d.Memory, d.Latency)
		}
	}
	for name, msg := range cmp.Errors {
		fmt.Fprintf(w, "%s: failed: %s\n", name, msg)
	}
	return nil
}
