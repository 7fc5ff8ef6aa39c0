// Package bench measures rendering throughput of chart backends.
//
// Run drives a render function for a fixed duration and/or frame count,
// discarding a warm-up window, and samples memory and GPU usage
// periodically through a Sampler. Compare runs identical workloads across
// backends and ranks them.
package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
)

// Benchmark errors.
var (
	// ErrNoFrames is returned when the measured window rendered nothing.
	ErrNoFrames = errors.New("bench: no frames measured")

	// ErrRender wraps a failing render function.
	ErrRender = errors.New("bench: render failed")

	// ErrNoCandidates is returned by Compare when no candidate finished.
	ErrNoCandidates = errors.New("bench: no candidate completed")
)

// Defaults.
const (
	DefaultDuration       = 5 * time.Second
	DefaultWarmupFrames   = 10
	DefaultSampleInterval = 250 * time.Millisecond
)

// RenderFunc renders one frame.
type RenderFunc func(ctx context.Context) error

// Config configures a run. When both Duration and Frames are set the run
// stops at whichever comes first; when neither is set Duration defaults to
// DefaultDuration.
type Config struct {
	Duration time.Duration `yaml:"duration"`
	Frames   int           `yaml:"frames"`

	// WarmupFrames are rendered and discarded first. Zero means
	// DefaultWarmupFrames; negative disables warm-up.
	WarmupFrames   int           `yaml:"warmup_frames"`
	SampleInterval time.Duration `yaml:"sample_interval"`

	// Workload labels the metrics.
	Workload string `yaml:"workload"`

	// Sampler defaults to RuntimeSampler.
	Sampler Sampler `yaml:"-"`

	Clock  clock.Clock  `yaml:"-"`
	Logger *slog.Logger `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.Duration <= 0 && c.Frames <= 0 {
		c.Duration = DefaultDuration
	}
	switch {
	case c.WarmupFrames == 0:
		c.WarmupFrames = DefaultWarmupFrames
	case c.WarmupFrames < 0:
		c.WarmupFrames = 0
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.Sampler == nil {
		c.Sampler = RuntimeSampler{}
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// Metrics summarizes a measured run.
type Metrics struct {
	Backend  string `json:"backend" yaml:"backend"`
	Workload string `json:"workload" yaml:"workload"`

	FrameRate    float64       `json:"frame_rate" yaml:"frame_rate"`
	AvgFrameTime time.Duration `json:"avg_frame_time" yaml:"avg_frame_time"`

	MemoryPeak uint64 `json:"memory_peak" yaml:"memory_peak"`
	MemoryMean uint64 `json:"memory_mean" yaml:"memory_mean"`

	// GPUUtilization is nil when no sample reported it.
	GPUUtilization *float64 `json:"gpu_utilization" yaml:"gpu_utilization"`

	// InputLatency is the 95th percentile frame time.
	InputLatency time.Duration `json:"input_latency" yaml:"input_latency"`

	Frames       int           `json:"frames" yaml:"frames"`
	Samples      int           `json:"samples" yaml:"samples"`
	SampleErrors int           `json:"sample_errors,omitempty" yaml:"sample_errors,omitempty"`
	Elapsed      time.Duration `json:"elapsed" yaml:"elapsed"`
	Timestamp    time.Time     `json:"timestamp" yaml:"timestamp"`
}

// Run benchmarks render on the named backend.
func Run(ctx context.Context, render RenderFunc, backend string, cfg Config) (Metrics, error) {
	cfg = cfg.withDefaults()
	clk := cfg.Clock
	m := Metrics{Backend: backend, Workload: cfg.Workload, Timestamp: clk.Now()}

	for i := 0; i < cfg.WarmupFrames; i++ {
		if err := ctx.Err(); err != nil {
			return m, err
		}
		if err := render(ctx); err != nil {
			return m, fmt.Errorf("%w: warm-up frame %d: %w", ErrRender, i, err)
		}
	}

	var (
		times   []time.Duration
		samples sampleSet
		start   = clk.Now()
		last    = start
	)
	samples.take(ctx, cfg.Sampler)

	for {
		if cfg.Frames > 0 && len(times) >= cfg.Frames {
			break
		}
		if cfg.Duration > 0 && clk.Since(start) >= cfg.Duration {
			break
		}
		if err := ctx.Err(); err != nil {
			return m, err
		}

		t0 := clk.Now()
		if err := render(ctx); err != nil {
			return m, fmt.Errorf("%w: frame %d: %w", ErrRender, len(times), err)
		}
		now := clk.Now()
		times = append(times, now.Sub(t0))

		if now.Sub(last) >= cfg.SampleInterval {
			samples.take(ctx, cfg.Sampler)
			last = now
		}
	}
	samples.take(ctx, cfg.Sampler)

	if len(times) == 0 {
		return m, ErrNoFrames
	}

	m.Elapsed = clk.Since(start)
	m.Frames = len(times)
	var total time.Duration
	for _, d := range times {
		total += d
	}
	m.AvgFrameTime = total / time.Duration(len(times))
	if m.Elapsed > 0 {
		m.FrameRate = float64(m.Frames) / m.Elapsed.Seconds()
	}
	m.InputLatency = percentile(times, 0.95)
	m.MemoryPeak, m.MemoryMean, m.GPUUtilization = samples.summary()
	m.Samples, m.SampleErrors = samples.n, samples.failed

	cfg.Logger.Debug("bench: run complete",
		"backend", backend,
		"workload", cfg.Workload,
		"frames", m.Frames,
		"fps", m.FrameRate,
		"p95", m.InputLatency,
		"samples", m.Samples)
	return m, nil
}

// percentile returns the nearest-rank percentile of ds.
func percentile(ds []time.Duration, p float64) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	s := slices.Clone(ds)
	slices.Sort(s)
	i := int(math.Ceil(p*float64(len(s)))) - 1
	return s[max(0, min(i, len(s)-1))]
}
