package bench

import (
	"context"
	"runtime"
)

// Sample is one point-in-time resource reading.
type Sample struct {
	MemoryBytes uint64
	// GPUUtilization is in [0, 1]; nil when the source cannot tell.
	GPUUtilization *float64
}

// Sampler reads resource usage during a run.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) (Sample, error)

// Sample calls f.
func (f SamplerFunc) Sample(ctx context.Context) (Sample, error) { return f(ctx) }

// RuntimeSampler reports the Go heap in use. It has no GPU view.
type RuntimeSampler struct{}

// Sample reads runtime memory statistics.
func (RuntimeSampler) Sample(context.Context) (Sample, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Sample{MemoryBytes: ms.HeapInuse}, nil
}

type sampleSet struct {
	n      int
	peak   uint64
	sum    uint64
	gpuN   int
	gpuSum float64
	failed int
}

// take records one sample. Sampler errors are counted and skipped.
func (s *sampleSet) take(ctx context.Context, sm Sampler) {
	v, err := sm.Sample(ctx)
	if err != nil {
		s.failed++
		return
	}
	s.n++
	s.peak = max(s.peak, v.MemoryBytes)
	s.sum += v.MemoryBytes
	if v.GPUUtilization != nil {
		s.gpuN++
		s.gpuSum += *v.GPUUtilization
	}
}

func (s *sampleSet) summary() (peak, mean uint64, gpu *float64) {
	if s.n == 0 {
		return 0, 0, nil
	}
	if s.gpuN > 0 {
		g := s.gpuSum / float64(s.gpuN)
		gpu = &g
	}
	return s.peak, s.sum / uint64(s.n), gpu
}
