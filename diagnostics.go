package chartgpu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/gogpu/chartgpu/backend"
	"github.com/gogpu/chartgpu/bench"
	"github.com/gogpu/chartgpu/capability"
	"github.com/gogpu/chartgpu/compat"
	"github.com/gogpu/chartgpu/internal/cache"
	"github.com/gogpu/chartgpu/memory"
	"github.com/gogpu/chartgpu/pipeline"
	"github.com/gogpu/chartgpu/recovery"
)

// Detection returns the capability result of the last Initialize or
// RunCompatibilityTest.
func (m *Manager) Detection() (capability.Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.detection == nil {
		return capability.Result{}, false
	}
	return *m.detection, true
}

// CompatibilityReport returns the last compatibility report.
func (m *Manager) CompatibilityReport() (compat.Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.report == nil {
		return compat.Report{}, false
	}
	return *m.report, true
}

// ErrorHistory returns recorded recovery events, oldest first.
func (m *Manager) ErrorHistory() []recovery.Event {
	return m.recovery.History()
}

// ErrorCounts returns handled errors per category since creation.
func (m *Manager) ErrorCounts() map[recovery.Category]uint64 {
	return m.recovery.Counts()
}

// Probe re-runs capability detection and stores the result. The stored
// compatibility report is left as is.
func (m *Manager) Probe(ctx context.Context) capability.Result {
	det := m.detector.Refresh(ctx)
	m.mu.Lock()
	m.detection = &det
	m.mu.Unlock()
	return det
}

// RunCompatibilityTest re-detects capabilities and runs the suite without
// changing the active backend. The result replaces the stored report.
func (m *Manager) RunCompatibilityTest(ctx context.Context) (compat.Report, error) {
	det := m.detector.Refresh(ctx)
	rep := m.suite.RunAll(ctx, compat.NewEnvironment(det))
	if err := ctx.Err(); err != nil {
		return rep, err
	}

	m.mu.Lock()
	m.detection, m.report = &det, &rep
	m.mu.Unlock()
	return rep, nil
}

// Benchmark renders w on each named backend and ranks them. Empty backends
// means every backend detection found usable.
//
// Each candidate runs on a throwaway instance with its own memory manager,
// so the active backend and its allocations are untouched. Memory samples
// report the candidate's live GPU allocations.
func (m *Manager) Benchmark(ctx context.Context, w Workload, backends []string, cfg bench.Config) (bench.Comparison, error) {
	if err := w.Validate(); err != nil {
		return bench.Comparison{}, err
	}

	m.mu.Lock()
	q := m.quality
	if len(backends) == 0 {
		if m.detection != nil {
			backends = m.detection.Supported()
		} else {
			backends = m.registry.Names()
		}
	}
	m.mu.Unlock()

	width, height := w.Width, w.Height
	if width == 0 {
		width = m.cfg.Width
	}
	if height == 0 {
		height = m.cfg.Height
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}

	var (
		cands   []bench.Candidate
		closers error
	)
	defer func() {
		if closers != nil {
			m.logger.Warn("chartgpu: closing benchmark backends", "error", closers)
		}
	}()

	for _, name := range backends {
		c, closer, err := m.benchCandidate(ctx, name, w, width, height, q)
		if err != nil {
			c = bench.Candidate{
				Backend: name,
				Render:  func(context.Context) error { return err },
			}
		}
		if closer != nil {
			defer func() { closers = multierr.Append(closers, closer()) }()
		}
		cands = append(cands, c)
	}
	if len(cands) == 0 {
		return bench.Comparison{}, ErrNoBackend
	}
	return bench.Compare(ctx, cands, cfg)
}

func (m *Manager) benchCandidate(ctx context.Context, name string, w Workload, width, height int, q backend.Quality) (bench.Candidate, func() error, error) {
	mem := memory.NewManager(memory.Config{
		BudgetBytes: m.cfg.MemoryBudget,
		TTL:         m.cfg.GCTTL,
		Logger:      m.logger,
	})
	opt := pipeline.New(mem, pipeline.Config{
		MaxBatchSize: m.cfg.MaxBatchSize,
		// Deferral would skew frame times between candidates.
		FrameBudget: time.Hour,
		Logger:      m.logger,
	})

	// Candidates never share the host device or the live shader cache.
	env := m.env(name)
	env.Resources = mem
	env.Provider = nil
	env.Shaders = cache.NewShaderCache(len(backend.Pipelines) * 2)
	b, err := m.registry.New(name, env)
	if err != nil {
		return bench.Candidate{}, nil, err
	}
	if err := b.Init(ctx); err != nil {
		_ = b.Close()
		return bench.Candidate{}, nil, fmt.Errorf("chartgpu: init %s: %w", name, err)
	}
	mem.SetBacking(b.Backing())
	r := newRenderer(name, b, mem, opt, m.logger.With("bench", name))

	return bench.Candidate{
			Backend: name,
			Render: func(ctx context.Context) error {
				_, err := r.frame(ctx, w, width, height, q)
				return err
			},
			Sampler: bench.SamplerFunc(func(context.Context) (bench.Sample, error) {
				return bench.Sample{MemoryBytes: mem.Statistics().UsedBytes}, nil
			}),
		}, func() error {
			err := r.close()
			mem.Close()
			return err
		}, nil
}

// Dump is a self-contained diagnostic snapshot for bug reports.
type Dump struct {
	ID        string             `json:"id"`
	Timestamp time.Time          `json:"timestamp"`
	Version   string             `json:"version"`
	Status    Status             `json:"status"`
	Config    Config             `json:"config"`
	Detection *capability.Result `json:"detection,omitempty"`
	Report    *compat.Report     `json:"compatibility,omitempty"`
	Errors    []recovery.Event   `json:"errors"`
}

// Diagnostics collects a Dump.
func (m *Manager) Diagnostics() Dump {
	d := Dump{
		ID:      uuid.NewString(),
		Version: Version,
		Status:  m.Status(),
		Errors:  m.recovery.History(),
	}

	m.mu.Lock()
	d.Timestamp = m.clock.Now()
	d.Config = m.cfg
	d.Detection, d.Report = m.detection, m.report
	m.mu.Unlock()
	return d
}

// WriteDiagnostics writes a brotli-compressed JSON Dump to w.
func (m *Manager) WriteDiagnostics(w io.Writer) error {
	bw := brotli.NewWriterLevel(w, brotli.DefaultCompression)
	enc := json.NewEncoder(bw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m.Diagnostics()); err != nil {
		_ = bw.Close()
		return fmt.Errorf("chartgpu: encode diagnostics: %w", err)
	}
	return bw.Close()
}

// ReadDiagnostics decodes a Dump written by WriteDiagnostics.
func ReadDiagnostics(r io.Reader) (Dump, error) {
	var d Dump
	if err := json.NewDecoder(brotli.NewReader(r)).Decode(&d); err != nil {
		return d, fmt.Errorf("chartgpu: decode diagnostics: %w", err)
	}
	return d, nil
}
