package chartgpu

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/gogpu/gpucontext"
	_ "github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/chartgpu/backend"
	"github.com/gogpu/chartgpu/bench"
	"github.com/gogpu/chartgpu/capability"
	"github.com/gogpu/chartgpu/compat"
	"github.com/gogpu/chartgpu/pipeline"
	"github.com/gogpu/chartgpu/recovery"
)

func testHost() capability.HostInfo {
	return capability.HostInfo{
		OS:           "linux",
		Arch:         "amd64",
		Kernel:       "6.1.0-18-amd64",
		LogicalCores: 8,
		SIMD:         []string{"SSE2", "AVX2"},
		TotalMemory:  16 << 30,
		GoVersion:    "go1.25.1",
	}
}

// newTestManager builds a manager over the default registry with a fixed
// host and a mock clock. The noop HAL makes the emulated backend the best
// available one.
func newTestManager(t *testing.T, cfg Config, opts ...Option) *Manager {
	t.Helper()
	base := []Option{
		WithClock(clock.NewMock()),
		WithHost(testHost),
	}
	m, err := NewManager(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Cleanup() })
	return m
}

func softwareOnly() *backend.Registry {
	r := backend.NewRegistry()
	e, _ := backend.DefaultRegistry().Get(backend.NameSoftware)
	r.Register(e)
	return r
}

func lineWorkload() Workload {
	return Workload{
		Width:  64,
		Height: 48,
		Series: []Series{
			{ID: "close", Kind: KindLine, Y: []float64{3, 5, 4, 8, 6, 9}},
			{ID: "volume", Kind: KindBars, Y: []float64{1, 2, 1, 3, 2, 2}, Priority: pipeline.PriorityHigh},
		},
	}
}

// faultWrapper wraps backend name in a FaultInjector and records the
// latest instance.
type faultWrapper struct {
	name string
	last *backend.FaultInjector
}

func (f *faultWrapper) wrap(name string, b backend.Backend) backend.Backend {
	if name != f.name {
		return b
	}
	f.last = backend.NewFaultInjector(b)
	return f.last
}

func TestNewManagerValidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Width = 0
	if _, err := NewManager(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("NewManager(width 0) error = %v, want ErrInvalidConfig", err)
	}

	cfg = DefaultConfig()
	cfg.Backends = []string{"metal2"}
	_, err := NewManager(cfg)
	if !errors.Is(err, ErrInvalidConfig) || !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("NewManager(unknown backend) error = %v", err)
	}
}

func TestRenderBeforeInitialize(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	if _, err := m.Render(context.Background(), lineWorkload()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Render() error = %v, want ErrNotInitialized", err)
	}
	if _, err := m.SwitchBackend(context.Background(), backend.NameSoftware); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("SwitchBackend() error = %v, want ErrNotInitialized", err)
	}
	if s := m.Status(); s.State != StateUninitialized || s.PerformanceLevel != PerformanceNone {
		t.Errorf("Status() = %+v", s)
	}
}

func TestInitializeSelectsBestBackend(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	res, err := m.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if res.Backend != backend.NameEmulated || res.State != StateActive {
		t.Errorf("Initialize() = %s/%s, want emulated/active", res.Backend, res.State)
	}
	if res.Report == nil {
		t.Fatal("Initialize() did not run the compatibility suite")
	}
	if a, ok := res.Report.Assessment(backend.NameNative); !ok || a.Level != compat.LevelUnsupported {
		t.Errorf("native assessment = %+v", a)
	}
	want := []string{backend.NameEmulated, backend.NameSoftware}
	if len(res.Candidates) != len(want) || res.Candidates[0] != want[0] || res.Candidates[1] != want[1] {
		t.Errorf("Candidates = %v, want %v", res.Candidates, want)
	}

	if _, err := m.Initialize(context.Background()); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Initialize() error = %v", err)
	}
}

// A failed common case pulls every backend down to POOR, so none qualifies
// at FAIR and the lowest tier is taken as last resort.
func TestInitializeNonCriticalFailureFallsThrough(t *testing.T) {
	old := func() capability.HostInfo {
		h := testHost()
		h.Kernel = "3.10.0-1160.el7"
		return h
	}
	m := newTestManager(t, DefaultConfig(), WithHost(old))
	res, err := m.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if a, ok := res.Report.Assessment(backend.NameEmulated); !ok || a.Level != compat.LevelPoor {
		t.Errorf("emulated assessment = %+v, want POOR", a)
	}
	if len(res.Candidates) != 0 {
		t.Errorf("Candidates = %v, want none", res.Candidates)
	}
	if res.Backend != backend.NameSoftware || res.State != StateDegraded {
		t.Errorf("Initialize() = %s/%s, want software/degraded", res.Backend, res.State)
	}
}

// Only the software tier is available: the manager renders DEGRADED
// instead of failing.
func TestInitializeSoftwareOnlyIsDegraded(t *testing.T) {
	m := newTestManager(t, DefaultConfig(), WithRegistry(softwareOnly()))
	res, err := m.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if res.Backend != backend.NameSoftware || res.State != StateDegraded {
		t.Fatalf("Initialize() = %s/%s, want software/degraded", res.Backend, res.State)
	}

	r, err := m.Render(context.Background(), lineWorkload())
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if r.Image == nil || r.Image.Bounds().Dx() != 64 || r.Image.Bounds().Dy() != 48 {
		t.Errorf("Render() image bounds = %v", r.Image.Bounds())
	}
	if r.State != StateDegraded || r.Frame.Draws != 2 {
		t.Errorf("Render() = %s, %d draws", r.State, r.Frame.Draws)
	}
	if s := m.Status(); s.PerformanceLevel != PerformanceMinimal {
		t.Errorf("PerformanceLevel = %s, want minimal", s.PerformanceLevel)
	}
}

// No candidate passes the compatibility floor: the lowest-tier backend is
// taken as last resort.
func TestInitializeLastResort(t *testing.T) {
	failing := []compat.Case{{
		ID:       "hardware.gpu",
		Category: compat.CategoryHardware,
		Critical: true,
		Run: func(context.Context, compat.Environment) compat.TestResult {
			return compat.TestResult{Outcome: compat.Failed, Message: "blocked"}
		},
	}}
	m := newTestManager(t, DefaultConfig(), WithCompatCases(failing))
	res, err := m.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if len(res.Candidates) != 0 {
		t.Errorf("Candidates = %v, want none", res.Candidates)
	}
	if res.Backend != backend.NameSoftware || res.State != StateDegraded {
		t.Errorf("Initialize() = %s/%s, want software/degraded", res.Backend, res.State)
	}
}

func TestInitializeForceBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Debug.ForceBackend = backend.NameSoftware
	cfg.Debug.SkipCompat = true
	m := newTestManager(t, cfg)
	res, err := m.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if res.Backend != backend.NameSoftware || res.Report != nil {
		t.Errorf("Initialize() = %+v", res)
	}
}

// Three consecutive device losses: retry, then recreate on the same
// backend, then a switch to the next backend.
func TestRenderDeviceLostEscalation(t *testing.T) {
	fw := &faultWrapper{name: backend.NameEmulated}
	m := newTestManager(t, DefaultConfig(), WithBackendWrapper(fw.wrap))
	if _, err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		strategy recovery.Strategy
		backend  string
	}{
		{recovery.StrategyRetry, backend.NameEmulated},
		{recovery.StrategyRecreate, backend.NameEmulated},
		{recovery.StrategySwitchBackend, backend.NameSoftware},
	}
	for i, step := range steps {
		fw.last.Inject(backend.OpSubmit, backend.ErrDeviceLost, 1)
		r, err := m.Render(context.Background(), lineWorkload())
		if err != nil {
			t.Fatalf("render %d: error = %v", i+1, err)
		}
		if r.Recovery == nil || r.Recovery.Category != recovery.CategoryDeviceLost {
			t.Fatalf("render %d: Recovery = %+v", i+1, r.Recovery)
		}
		if r.Recovery.Strategy != step.strategy {
			t.Errorf("render %d: strategy = %s, want %s", i+1, r.Recovery.Strategy, step.strategy)
		}
		if r.Backend != step.backend || r.State != StateActive {
			t.Errorf("render %d: %s/%s, want %s/active", i+1, r.Backend, r.State, step.backend)
		}
		if r.Image == nil {
			t.Errorf("render %d: no image", i+1)
		}
	}

	s := m.Status()
	if s.ErrorCount != 3 || s.Backend != backend.NameSoftware {
		t.Errorf("Status() = %+v", s)
	}
	if h := m.ErrorHistory(); len(h) != 3 {
		t.Errorf("ErrorHistory() has %d events, want 3", len(h))
	}
}

func TestRenderOutOfMemoryDegrades(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BreakerThreshold = 0
	fw := &faultWrapper{name: backend.NameSoftware}
	m := newTestManager(t, cfg, WithRegistry(softwareOnly()), WithBackendWrapper(fw.wrap))
	if _, err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	// clear-cache succeeds but the next frame fails again. That failure goes
	// back to recovery, where clear-cache is spent and quality drops.
	fw.last.Inject(backend.OpSubmit, backend.ErrOutOfMemory, 2)
	r, err := m.Render(context.Background(), lineWorkload())
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if r.Recovery == nil || r.Recovery.Strategy != recovery.StrategyReduceQuality {
		t.Fatalf("Recovery = %+v", r.Recovery)
	}
	if r.Quality != backend.QualityMedium || r.State != StateDegraded {
		t.Errorf("Render() = %s/%s, want medium/degraded", r.Quality, r.State)
	}
	if r.Image == nil {
		t.Error("Render() returned no image")
	}

	h := m.ErrorHistory()
	if len(h) != 2 {
		t.Fatalf("ErrorHistory() has %d events, want 2", len(h))
	}
	if h[0].Result.Strategy != recovery.StrategyClearCache || h[1].Result.Strategy != recovery.StrategyReduceQuality {
		t.Errorf("strategies = %s, %s", h[0].Result.Strategy, h[1].Result.Strategy)
	}
	if h[1].Attempts[0].Strategy != recovery.StrategyClearCache || h[1].Attempts[0].Outcome != recovery.OutcomeSkipped {
		t.Errorf("second event attempts = %+v", h[1].Attempts)
	}
}

func TestRenderExhaustedFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowFallback = false
	cfg.BreakerThreshold = 0
	fw := &faultWrapper{name: backend.NameSoftware}
	m := newTestManager(t, cfg, WithRegistry(softwareOnly()), WithBackendWrapper(fw.wrap))
	if _, err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	// retry fails, recreate succeeds, the frame after it fails again and
	// the second round has nothing left to try.
	fw.last.Inject(backend.OpSubmit, backend.ErrDeviceLost, 10)
	r, err := m.Render(context.Background(), lineWorkload())
	if !errors.Is(err, ErrFailed) || !errors.Is(err, backend.ErrDeviceLost) {
		t.Fatalf("Render() error = %v, want ErrFailed wrapping the device loss", err)
	}
	if r.State != StateFailed || r.Recovery == nil || r.Recovery.Success {
		t.Errorf("Render() = %+v", r)
	}
	if h := m.ErrorHistory(); len(h) != 2 || h[0].Result.Strategy != recovery.StrategyRecreate || h[1].Result.Success {
		t.Errorf("ErrorHistory() = %+v", h)
	}
	if _, err := m.Render(context.Background(), lineWorkload()); !errors.Is(err, ErrFailed) {
		t.Errorf("Render() in FAILED error = %v", err)
	}

	res, err := m.Reinitialize(context.Background())
	if err != nil {
		t.Fatalf("Reinitialize() error = %v", err)
	}
	if res.State != StateDegraded {
		t.Errorf("Reinitialize() state = %s", res.State)
	}
	if _, err := m.Render(context.Background(), lineWorkload()); err != nil {
		t.Errorf("Render() after Reinitialize error = %v", err)
	}
}

func TestRenderInvalidWorkloadSkipsRecovery(t *testing.T) {
	m := newTestManager(t, DefaultConfig(), WithRegistry(softwareOnly()))
	if _, err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	w := Workload{Series: []Series{{X: []float64{1}, Y: []float64{1, 2}}}}
	if _, err := m.Render(context.Background(), w); !errors.Is(err, ErrInvalidWorkload) {
		t.Errorf("Render() error = %v, want ErrInvalidWorkload", err)
	}
	if n := m.Status().ErrorCount; n != 0 {
		t.Errorf("ErrorCount = %d, want 0", n)
	}
}

func TestSwitchBackend(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	if _, err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	res, err := m.SwitchBackend(context.Background(), backend.NameSoftware)
	if err != nil {
		t.Fatalf("SwitchBackend() error = %v", err)
	}
	if res.Previous != backend.NameEmulated || res.Backend != backend.NameSoftware || res.State != StateDegraded {
		t.Errorf("SwitchBackend() = %+v", res)
	}

	if _, err := m.SwitchBackend(context.Background(), "metal2"); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("SwitchBackend(unknown) error = %v", err)
	}
	if s := m.Status(); s.Backend != backend.NameSoftware {
		t.Errorf("failed switch changed backend to %s", s.Backend)
	}

	res, err = m.SwitchBackend(context.Background(), backend.NameEmulated)
	if err != nil || res.State != StateActive {
		t.Errorf("SwitchBackend(emulated) = %+v, %v", res, err)
	}
	if _, err := m.Render(context.Background(), lineWorkload()); err != nil {
		t.Errorf("Render() after switch error = %v", err)
	}
}

func TestCleanupReleasesEverything(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	if _, err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Render(context.Background(), lineWorkload()); err != nil {
		t.Fatal(err)
	}
	if m.Status().MemoryUsage.Allocations == 0 {
		t.Fatal("no allocations after a frame")
	}

	if err := m.Cleanup(); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	s := m.Status()
	if s.State != StateUninitialized || s.MemoryUsage.UsedBytes != 0 || s.Backend != "" {
		t.Errorf("Status() after Cleanup = %+v", s)
	}

	if _, err := m.Initialize(context.Background()); err != nil {
		t.Errorf("Initialize() after Cleanup error = %v", err)
	}
}

func TestStatusReportsFrames(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	if _, err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	for range 3 {
		if _, err := m.Render(context.Background(), lineWorkload()); err != nil {
			t.Fatal(err)
		}
	}
	s := m.Status()
	if s.Frames != 3 || s.Switches != 1 {
		t.Errorf("Frames = %d, Switches = %d", s.Frames, s.Switches)
	}
	if s.PerformanceLevel != PerformanceLow {
		t.Errorf("PerformanceLevel = %s, want low", s.PerformanceLevel)
	}
	if s.Device == "" || s.LastFrame.Draws != 2 {
		t.Errorf("Status() = %+v", s)
	}
}

func TestPerformanceOf(t *testing.T) {
	tests := []struct {
		tier backend.Tier
		q    backend.Quality
		want PerformanceLevel
	}{
		{backend.TierNative, backend.QualityHigh, PerformanceHigh},
		{backend.TierNative, backend.QualityLow, PerformanceLow},
		{backend.TierGL, backend.QualityHigh, PerformanceMedium},
		{backend.TierSoftware, backend.QualityHigh, PerformanceMinimal},
	}
	for _, tt := range tests {
		if got := performanceOf(tt.tier, tt.q); got != tt.want {
			t.Errorf("performanceOf(%s, %s) = %s, want %s", tt.tier, tt.q, got, tt.want)
		}
	}
}

func TestRunCompatibilityTestKeepsBackend(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	if _, err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	first, _ := m.CompatibilityReport()

	rep, err := m.RunCompatibilityTest(context.Background())
	if err != nil {
		t.Fatalf("RunCompatibilityTest() error = %v", err)
	}
	if rep.Level != first.Level || rep.ID == first.ID {
		t.Errorf("report level %s (id %s), first %s (id %s)", rep.Level, rep.ID, first.Level, first.ID)
	}
	if s := m.Status(); s.Backend != backend.NameEmulated || s.State != StateActive {
		t.Errorf("Status() = %s/%s", s.Backend, s.State)
	}
}

func TestBenchmark(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	if _, err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := m.Status().MemoryUsage

	cmp, err := m.Benchmark(context.Background(), lineWorkload(),
		[]string{backend.NameEmulated, backend.NameSoftware, backend.NameNative},
		bench.Config{Frames: 3, WarmupFrames: -1})
	if err != nil {
		t.Fatalf("Benchmark() error = %v", err)
	}
	if len(cmp.Results) != 2 {
		t.Fatalf("Results = %+v", cmp.Results)
	}
	if _, ok := cmp.Errors[backend.NameNative]; !ok {
		t.Errorf("Errors = %v, want native failure", cmp.Errors)
	}
	for _, r := range cmp.Results {
		if r.Frames != 3 || r.MemoryPeak == 0 {
			t.Errorf("%s: frames %d, peak %d", r.Backend, r.Frames, r.MemoryPeak)
		}
	}
	if after := m.Status().MemoryUsage; after.UsedBytes != before.UsedBytes {
		t.Errorf("benchmark touched live allocations: %d -> %d", before.UsedBytes, after.UsedBytes)
	}
}

// countingProvider exposes no usable HAL device, so backends fall back to
// their own; it only counts who asked.
type countingProvider struct {
	gpucontext.DeviceProvider
	calls atomic.Int32
}

func (p *countingProvider) HalDevice() any { p.calls.Add(1); return nil }
func (p *countingProvider) HalQueue() any  { return nil }

func TestBenchmarkUsesPrivateDevice(t *testing.T) {
	p := &countingProvider{}
	m := newTestManager(t, DefaultConfig(), WithDeviceProvider(p))
	if _, err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	live := p.calls.Load()
	if live == 0 {
		t.Fatal("active backend never asked the provider")
	}

	_, err := m.Benchmark(context.Background(), lineWorkload(),
		[]string{backend.NameEmulated}, bench.Config{Frames: 1, WarmupFrames: -1})
	if err != nil {
		t.Fatalf("Benchmark() error = %v", err)
	}
	if n := p.calls.Load(); n != live {
		t.Errorf("benchmark asked the host provider %d times", n-live)
	}
}

func TestDiagnosticsRoundTrip(t *testing.T) {
	fw := &faultWrapper{name: backend.NameEmulated}
	m := newTestManager(t, DefaultConfig(), WithBackendWrapper(fw.wrap))
	if _, err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	fw.last.Inject(backend.OpSubmit, backend.ErrDeviceLost, 1)
	if _, err := m.Render(context.Background(), lineWorkload()); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := m.WriteDiagnostics(&buf); err != nil {
		t.Fatalf("WriteDiagnostics() error = %v", err)
	}
	d, err := ReadDiagnostics(&buf)
	if err != nil {
		t.Fatalf("ReadDiagnostics() error = %v", err)
	}
	if d.Version != Version || d.ID == "" {
		t.Errorf("dump header = %q %q", d.Version, d.ID)
	}
	if d.Status.Backend != backend.NameEmulated || d.Status.State != StateActive {
		t.Errorf("dump status = %+v", d.Status)
	}
	if d.Report == nil || d.Detection == nil {
		t.Fatal("dump lacks compatibility data")
	}
	if len(d.Errors) != 1 || d.Errors[0].Category != recovery.CategoryDeviceLost {
		t.Errorf("dump errors = %+v", d.Errors)
	}
	if _, err := ReadDiagnostics(bytes.NewReader([]byte("not brotli"))); err == nil {
		t.Error("ReadDiagnostics(garbage) succeeded")
	}
}
