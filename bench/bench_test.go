package bench

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// steady returns a render function that advances mock by the next duration
// in frames, cycling.
func steady(mock *clock.Mock, frames ...time.Duration) RenderFunc {
	i := 0
	return func(context.Context) error {
		mock.Add(frames[i%len(frames)])
		i++
		return nil
	}
}

func TestRunFrameCount(t *testing.T) {
	mock := clock.NewMock()
	calls := 0
	render := func(ctx context.Context) error {
		calls++
		return steady(mock, 10*time.Millisecond)(ctx)
	}

	m, err := Run(context.Background(), render, "software", Config{
		Frames:       50,
		WarmupFrames: 5,
		Workload:     "line-10k",
		Clock:        mock,
		Sampler:      SamplerFunc(func(context.Context) (Sample, error) { return Sample{MemoryBytes: 1 << 20}, nil }),
	})
	require.NoError(t, err)

	assert.Equal(t, 55, calls)
	assert.Equal(t, 50, m.Frames)
	assert.Equal(t, "software", m.Backend)
	assert.Equal(t, "line-10k", m.Workload)
	assert.Equal(t, 10*time.Millisecond, m.AvgFrameTime)
	assert.InDelta(t, 100.0, m.FrameRate, 1e-9)
	assert.Equal(t, 500*time.Millisecond, m.Elapsed)
	assert.Equal(t, uint64(1<<20), m.MemoryPeak)
	assert.Nil(t, m.GPUUtilization)
}

func TestRunSamplesPeriodically(t *testing.T) {
	mock := clock.NewMock()
	n := 0
	gpu := 0.5
	sampler := SamplerFunc(func(context.Context) (Sample, error) {
		n++
		return Sample{MemoryBytes: uint64(n) * 1000, GPUUtilization: &gpu}, nil
	})

	m, err := Run(context.Background(), steady(mock, 10*time.Millisecond), "gles", Config{
		Frames:         100,
		WarmupFrames:   -1,
		SampleInterval: 50 * time.Millisecond,
		Sampler:        sampler,
		Clock:          mock,
	})
	require.NoError(t, err)

	// One at start, one every fifth frame, one at the end.
	assert.Equal(t, 22, m.Samples)
	assert.Equal(t, uint64(22000), m.MemoryPeak)
	assert.Equal(t, uint64(11500), m.MemoryMean)
	require.NotNil(t, m.GPUUtilization)
	assert.InDelta(t, 0.5, *m.GPUUtilization, 1e-9)
}

func TestRunSamplerErrorsAreSkipped(t *testing.T) {
	mock := clock.NewMock()
	sampler := SamplerFunc(func(context.Context) (Sample, error) { return Sample{}, errors.New("no counters") })

	m, err := Run(context.Background(), steady(mock, time.Millisecond), "native", Config{
		Frames: 3, WarmupFrames: -1, Sampler: sampler, Clock: mock,
	})
	require.NoError(t, err)
	assert.Zero(t, m.Samples)
	assert.Equal(t, 2, m.SampleErrors)
	assert.Zero(t, m.MemoryPeak)
}

func TestRunLatencyPercentile(t *testing.T) {
	mock := clock.NewMock()
	// Nineteen fast frames then one slow one, repeated.
	frames := make([]time.Duration, 20)
	for i := range frames {
		frames[i] = 10 * time.Millisecond
	}
	frames[19] = 100 * time.Millisecond

	m, err := Run(context.Background(), steady(mock, frames...), "software", Config{
		Duration: 2900 * time.Millisecond, WarmupFrames: -1, Clock: mock,
		Sampler: RuntimeSampler{},
	})
	require.NoError(t, err)
	assert.Equal(t, 200, m.Frames)
	assert.Equal(t, 10*time.Millisecond, m.InputLatency)
	assert.Equal(t, 14500*time.Microsecond, m.AvgFrameTime)
}

func TestRunRenderError(t *testing.T) {
	boom := errors.New("device lost")
	frames := 0
	render := func(context.Context) error {
		frames++
		if frames == 3 {
			return boom
		}
		return nil
	}
	_, err := Run(context.Background(), render, "native", Config{Frames: 10, WarmupFrames: -1, Clock: clock.NewMock()})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRender)
	assert.ErrorIs(t, err, boom)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, func(context.Context) error { return nil }, "software", Config{Frames: 10})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompareIdenticalWorkload(t *testing.T) {
	// Same 10,000-point workload over 30 s; gles renders twice as fast.
	points := make([]float32, 10_000)
	mock := clock.NewMock()
	frame := func(d time.Duration) RenderFunc {
		return func(context.Context) error {
			var sum float32
			for _, p := range points {
				sum += p
			}
			_ = sum
			mock.Add(d)
			return nil
		}
	}
	mem := func(b uint64) Sampler {
		return SamplerFunc(func(context.Context) (Sample, error) { return Sample{MemoryBytes: b}, nil })
	}

	cmp, err := Compare(context.Background(), []Candidate{
		{Backend: "software", Render: frame(200 * time.Millisecond), Sampler: mem(64 << 20)},
		{Backend: "gles", Render: frame(100 * time.Millisecond), Sampler: mem(128 << 20)},
	}, Config{Duration: 30 * time.Second, WarmupFrames: -1, Workload: "10k-points", Clock: mock})
	require.NoError(t, err)
	require.Len(t, cmp.Results, 2)

	best, ok := cmp.Best()
	require.True(t, ok)
	assert.Equal(t, "gles", best.Backend)
	assert.Equal(t, 1, best.Rank)

	gles, sw := cmp.Results[0], cmp.Results[1]
	assert.InDelta(t, 10.0, gles.FrameRate, 1e-9)
	assert.InDelta(t, 5.0, sw.FrameRate, 1e-9)

	// gles: 0.5*1 + 0.3*0.5 + 0.2*1; software: 0.5*0.5 + 0.3*1 + 0.2*0.5.
	assert.InDelta(t, 85.0, gles.Score, 1e-9)
	assert.InDelta(t, 65.0, sw.Score, 1e-9)

	require.Len(t, cmp.Deltas, 1)
	d := cmp.Deltas[0]
	assert.Equal(t, "gles", d.A)
	assert.Equal(t, "software", d.B)
	assert.InDelta(t, (gles.FrameRate/sw.FrameRate-1)*100, d.FrameRate, 1e-9)
	assert.InDelta(t, 100.0, d.FrameRate, 1e-9)
	assert.InDelta(t, 100.0, d.Memory, 1e-9)
	assert.InDelta(t, -50.0, d.Latency, 1e-9)
}

func TestCompareFailures(t *testing.T) {
	mock := clock.NewMock()
	bad := func(context.Context) error { return errors.New("no adapter") }
	cfg := Config{Frames: 5, WarmupFrames: -1, Clock: mock}

	cmp, err := Compare(context.Background(), []Candidate{
		{Backend: "native", Render: bad},
		{Backend: "software", Render: steady(mock, time.Millisecond)},
	}, cfg)
	require.NoError(t, err)
	require.Len(t, cmp.Results, 1)
	assert.Contains(t, cmp.Errors["native"], "no adapter")
	assert.Empty(t, cmp.Deltas)

	_, err = Compare(context.Background(), []Candidate{{Backend: "native", Render: bad}}, cfg)
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestPercentile(t *testing.T) {
	ms := func(v ...int) []time.Duration {
		out := make([]time.Duration, len(v))
		for i, x := range v {
			out[i] = time.Duration(x) * time.Millisecond
		}
		return out
	}
	tests := []struct {
		in   []time.Duration
		p    float64
		want time.Duration
	}{
		{nil, 0.95, 0},
		{ms(7), 0.95, 7 * time.Millisecond},
		{ms(5, 1, 4, 2, 3), 0.5, 3 * time.Millisecond},
		{ms(5, 1, 4, 2, 3), 0.95, 5 * time.Millisecond},
		{ms(5, 1, 4, 2, 3), 0, 1 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, percentile(tt.in, tt.p))
	}
}
