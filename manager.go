package chartgpu

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/gogpu/chartgpu/backend"
	"github.com/gogpu/chartgpu/capability"
	"github.com/gogpu/chartgpu/compat"
	"github.com/gogpu/chartgpu/internal/cache"
	"github.com/gogpu/chartgpu/memory"
	"github.com/gogpu/chartgpu/pipeline"
	"github.com/gogpu/chartgpu/recovery"
)

// Manager errors.
var (
	// ErrNotInitialized is returned by Render and SwitchBackend before
	// Initialize succeeded.
	ErrNotInitialized = errors.New("chartgpu: not initialized")

	// ErrAlreadyInitialized is returned by a second Initialize.
	ErrAlreadyInitialized = errors.New("chartgpu: already initialized")

	// ErrFailed is returned once recovery is exhausted. Call Reinitialize.
	ErrFailed = errors.New("chartgpu: renderer failed")

	// ErrNoBackend means no backend could be activated.
	ErrNoBackend = errors.New("chartgpu: no usable backend")

	// ErrUnknownBackend is returned for names missing from the registry.
	ErrUnknownBackend = errors.New("chartgpu: unknown backend")

	// ErrCircuitOpen means the backend failed too often recently.
	ErrCircuitOpen = errors.New("chartgpu: backend circuit open")
)

// PerformanceLevel summarizes what the active backend and quality deliver.
type PerformanceLevel string

const (
	PerformanceNone    PerformanceLevel = "none"
	PerformanceMinimal PerformanceLevel = "minimal"
	PerformanceLow     PerformanceLevel = "low"
	PerformanceMedium  PerformanceLevel = "medium"
	PerformanceHigh    PerformanceLevel = "high"
)

var performanceLevels = [...]PerformanceLevel{PerformanceMinimal, PerformanceLow, PerformanceMedium, PerformanceHigh}

// performanceOf is the lower of the tier rank and the quality rank.
func performanceOf(t backend.Tier, q backend.Quality) PerformanceLevel {
	i := min(int(t), int(q), len(performanceLevels)-1)
	return performanceLevels[i]
}

// InitResult describes the outcome of Initialize.
type InitResult struct {
	Backend    string            `json:"backend"`
	Tier       backend.Tier      `json:"tier"`
	State      State             `json:"state"`
	Quality    backend.Quality   `json:"quality"`
	Candidates []string          `json:"candidates"`
	Detection  capability.Result `json:"detection"`
	Report     *compat.Report    `json:"report,omitempty"`
	Duration   time.Duration     `json:"duration"`
}

// RenderResult describes one rendered frame.
type RenderResult struct {
	Image    *image.RGBA        `json:"-"`
	Backend  string             `json:"backend"`
	State    State              `json:"state"`
	Quality  backend.Quality    `json:"quality"`
	Frame    backend.FrameStats `json:"frame"`
	Pipeline pipeline.Stats     `json:"pipeline"`

	// Recovery is set when the frame needed error recovery.
	Recovery *recovery.Result `json:"recovery,omitempty"`

	Duration time.Duration `json:"duration"`
}

// SwitchResult describes a manual backend switch.
type SwitchResult struct {
	Previous string        `json:"previous"`
	Backend  string        `json:"backend"`
	State    State         `json:"state"`
	Duration time.Duration `json:"duration"`
}

// Status is a point-in-time report for the chart layer.
type Status struct {
	Backend          string             `json:"backend"`
	Tier             backend.Tier       `json:"tier"`
	State            State              `json:"state"`
	PerformanceLevel PerformanceLevel   `json:"performance_level"`
	Quality          backend.Quality    `json:"quality"`
	MemoryUsage      memory.Statistics  `json:"memory_usage"`
	ErrorCount       uint64             `json:"error_count"`
	Frames           uint64             `json:"frames"`
	Switches         uint64             `json:"switches"`
	Device           string             `json:"device,omitempty"`
	LastFrame        backend.FrameStats `json:"last_frame"`
	Breakers         map[string]string  `json:"breakers,omitempty"`
}

// Manager owns the active rendering backend and moves it through the
// lifecycle: UNINITIALIZED, PROBING, SELECTING, ACTIVE or DEGRADED, and
// FAILED.
//
// Every mutating entry point is serialized behind one mutex, so render,
// switch, recovery and cleanup never interleave. Diagnostics that use
// throwaway backends (RunCompatibilityTest, Benchmark) do not take it for
// their whole run.
type Manager struct {
	mu sync.Mutex

	cfg    Config
	opts   options
	logger *slog.Logger
	clock  clock.Clock

	registry *backend.Registry
	detector *capability.Detector
	suite    *compat.Suite
	recovery *recovery.Manager
	mem      *memory.Manager
	opt      *pipeline.Optimizer
	shaders  *cache.ShaderCache
	breakers *breakers

	state      State
	active     *renderer
	activeTier backend.Tier
	quality    backend.Quality
	detection  *capability.Result
	report     *compat.Report

	frames   uint64
	switches uint64
	last     backend.FrameStats
}

// NewManager creates a manager. It does not touch any GPU until Initialize.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.MinCompatLevel == "" {
		cfg.MinCompatLevel = compat.LevelFair
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = backend.DefaultRegistry()
	}
	for _, name := range append(slices.Clone(cfg.Backends), cfg.Debug.ForceBackend) {
		if name != "" && !o.registry.IsRegistered(name) {
			return nil, fmt.Errorf("%w: %w %q", ErrInvalidConfig, ErrUnknownBackend, name)
		}
	}

	m := &Manager{
		cfg:      cfg,
		opts:     o,
		logger:   o.logger,
		clock:    o.clock,
		registry: o.registry,
		shaders:  cache.NewShaderCache(16),
		quality:  cfg.Quality,
	}
	m.mem = memory.NewManager(memory.Config{
		BudgetBytes: cfg.MemoryBudget,
		TTL:         cfg.GCTTL,
		Clock:       o.clock,
		Logger:      o.logger,
	})
	m.mem.OnEvict(func(a memory.Allocation, reason memory.EvictReason) {
		if reason != memory.EvictReset {
			m.logger.Debug("chartgpu: allocation evicted",
				"kind", a.Kind, "size", a.Size, "priority", a.Priority, "reason", reason)
		}
	})
	m.opt = pipeline.New(m.mem, pipeline.Config{
		MaxBatchSize: cfg.MaxBatchSize,
		FrameBudget:  cfg.FrameBudget,
		Clock:        o.clock,
		Logger:       o.logger,
	})
	m.detector = capability.NewDetector(o.registry, capability.Config{
		ProbeTimeout: cfg.ProbeTimeout,
		Host:         o.host,
		Clock:        o.clock,
		Logger:       o.logger,
	})
	m.suite = compat.NewSuite(compat.Config{
		Weights: cfg.CompatWeights,
		Cases:   o.cases,
		Shaders: m.shaders,
		Clock:   o.clock,
		Logger:  o.logger,
	})
	m.recovery = recovery.New(recovery.Config{
		HistorySize: cfg.HistorySize,
		QuietWindow: cfg.QuietWindow,
		Clock:       o.clock,
		Logger:      o.logger,
	})
	m.breakers = newBreakers(cfg.BreakerThreshold, cfg.BreakerCooldown, o.logger)
	return m, nil
}

// Initialize probes the environment, runs the compatibility suite and
// activates the best qualifying backend.
//
// Selection walks the preference order and takes the first backend that
// meets its tier minimum, passes compatibility at MinCompatLevel and
// initializes. The software tier, or a backend taken as last resort when
// nothing qualifies, leaves the manager DEGRADED rather than FAILED.
func (m *Manager) Initialize(ctx context.Context) (InitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateUninitialized {
		return InitResult{State: m.state}, ErrAlreadyInitialized
	}
	return m.initializeLocked(ctx)
}

func (m *Manager) initializeLocked(ctx context.Context) (InitResult, error) {
	start := m.clock.Now()
	res := InitResult{}

	m.setStateLocked(StateProbing)
	det := m.detector.Detect(ctx)
	m.detection = &det
	res.Detection = det
	if !m.cfg.Debug.SkipCompat {
		rep := m.suite.RunAll(ctx, compat.NewEnvironment(det))
		m.report = &rep
		res.Report = &rep
	}
	if err := ctx.Err(); err != nil {
		m.setStateLocked(StateUninitialized)
		res.State = m.state
		return res, err
	}

	m.setStateLocked(StateSelecting)
	cands, lastResort := m.candidatesLocked()
	res.Candidates = cands

	var errs error
	chosen, degraded := "", false
	for _, name := range cands {
		if err := m.activateLocked(ctx, name); err != nil {
			errs = multierr.Append(errs, err)
			m.logger.Warn("chartgpu: backend activation failed", "backend", name, "error", err)
			continue
		}
		chosen = name
		break
	}
	if chosen == "" && lastResort != "" && !slices.Contains(cands, lastResort) {
		if err := m.activateLocked(ctx, lastResort); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			chosen, degraded = lastResort, true
		}
	}

	res.Duration = m.clock.Since(start)
	if chosen == "" {
		m.setStateLocked(StateFailed)
		res.State = m.state
		if errs == nil {
			return res, ErrNoBackend
		}
		return res, fmt.Errorf("%w: %w", ErrNoBackend, errs)
	}

	m.quality = m.cfg.Quality
	m.recovery.ResetBudgets()
	if degraded {
		m.setStateLocked(StateDegraded)
	} else {
		m.setStateLocked(m.settledStateLocked())
	}

	res.Backend, res.Tier, res.State, res.Quality = chosen, m.activeTier, m.state, m.quality
	m.logger.Info("chartgpu: backend selected",
		"backend", chosen,
		"tier", m.activeTier,
		"state", m.state,
		"quality", m.quality,
		"candidates", cands,
		"duration", res.Duration)
	return res, nil
}

// candidatesLocked returns the qualifying backends in preference order and
// the lowest-tier registered backend as last resort.
func (m *Manager) candidatesLocked() ([]string, string) {
	if f := m.cfg.Debug.ForceBackend; f != "" {
		return []string{f}, ""
	}

	var out []string
	for _, name := range m.preferenceLocked() {
		if !m.supportedLocked(name) || m.breakers.open(name) {
			continue
		}
		if m.report != nil {
			a, ok := m.report.Assessment(name)
			if !ok || !a.Level.AtLeast(m.cfg.MinCompatLevel) {
				continue
			}
		}
		out = append(out, name)
	}

	entries := m.registry.Entries()
	lastResort := ""
	if len(entries) > 0 {
		lastResort = entries[len(entries)-1].Name
	}
	return out, lastResort
}

func (m *Manager) preferenceLocked() []string {
	if len(m.cfg.Backends) > 0 {
		return m.cfg.Backends
	}
	return m.registry.Names()
}

// supportedLocked reports whether detection found name usable. Before any
// detection every registered backend counts.
func (m *Manager) supportedLocked(name string) bool {
	if !m.registry.IsRegistered(name) {
		return false
	}
	if m.detection == nil {
		return true
	}
	c, ok := m.detection.Capability(name)
	return ok && c.Meets()
}

// fallbacksLocked lists recovery candidates in preference order.
func (m *Manager) fallbacksLocked() []string {
	if !m.cfg.AllowFallback {
		return nil
	}
	var out []string
	for _, name := range m.preferenceLocked() {
		if m.supportedLocked(name) && !m.breakers.open(name) {
			out = append(out, name)
		}
	}
	return out
}

func (m *Manager) env(name string) backend.Env {
	return backend.Env{
		Resources: m.mem,
		Shaders:   m.shaders,
		Provider:  m.opts.provider,
		Workers:   m.cfg.Workers,
		Logger:    m.logger.With("backend", name),
	}
}

// activateLocked creates and initializes name, then retires the previous
// backend. On failure the previous backend stays active.
func (m *Manager) activateLocked(ctx context.Context, name string) error {
	entry, ok := m.registry.Get(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	done, err := m.breakers.allow(name)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCircuitOpen, name, err)
	}

	b, err := m.registry.New(name, m.env(name))
	if err != nil {
		done(false)
		return err
	}
	if m.opts.wrap != nil {
		b = m.opts.wrap(name, b)
	}
	if err := b.Init(ctx); err != nil {
		done(false)
		_ = b.Close()
		return fmt.Errorf("chartgpu: init %s: %w", name, err)
	}
	done(true)

	prev := ""
	if m.active != nil {
		prev = m.active.name
		if err := m.active.close(); err != nil {
			m.logger.Warn("chartgpu: closing previous backend", "backend", prev, "error", err)
		}
	}
	m.mem.SetBacking(b.Backing())
	m.active = newRenderer(name, b, m.mem, m.opt, m.logger)
	m.activeTier = entry.Tier
	m.switches++

	m.logger.Debug("chartgpu: backend activated", "backend", name, "previous", prev, "device", b.Status().Device)
	return nil
}

// settledStateLocked is ACTIVE unless the active backend is the software
// tier or quality is below the configured default.
func (m *Manager) settledStateLocked() State {
	if m.activeTier == backend.TierSoftware || m.quality < m.cfg.Quality {
		return StateDegraded
	}
	return StateActive
}

func (m *Manager) setStateLocked(s State) {
	if s != m.state {
		m.logger.Debug("chartgpu: state changed", "from", m.state, "to", s)
		m.state = s
	}
}

// Render draws one frame. Rendering failures go to the recovery manager;
// the returned state reflects what recovery did.
func (m *Manager) Render(ctx context.Context, w Workload) (RenderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.state == StateFailed:
		return RenderResult{State: m.state}, ErrFailed
	case !m.state.CanRender():
		return RenderResult{State: m.state}, ErrNotInitialized
	}

	start := m.clock.Now()
	width, height := w.Width, w.Height
	if width == 0 {
		width = m.cfg.Width
	}
	if height == 0 {
		height = m.cfg.Height
	}
	m.mem.GarbageCollect()

	fr, err := m.frameLocked(ctx, w, width, height)
	if err != nil && ctx.Err() == nil && !errors.Is(err, ErrInvalidWorkload) {
		return m.recoverLocked(ctx, w, width, height, err, start)
	}
	if err != nil {
		return RenderResult{Backend: m.active.name, State: m.state, Quality: m.quality}, err
	}
	return m.resultLocked(fr, nil, start), nil
}

func (m *Manager) frameLocked(ctx context.Context, w Workload, width, height int) (frameResult, error) {
	r := m.active
	done, err := m.breakers.allow(r.name)
	if err != nil {
		return frameResult{}, fmt.Errorf("%w: %s: %w", backend.ErrUnsupported, r.name, err)
	}
	fr, err := r.frame(ctx, w, width, height, m.quality)
	done(err == nil)
	if err != nil {
		return fr, err
	}

	m.frames++
	m.last = fr.stats
	if m.cfg.Debug.LogFrames {
		m.logger.Debug("chartgpu: frame",
			"backend", r.name,
			"size", fmt.Sprintf("%dx%d", width, height),
			"draws", fr.stats.Draws,
			"batches", fr.stats.Batches,
			"vertices", fr.stats.Vertices,
			"deferred", fr.pipeline.Deferred)
	}
	return fr, nil
}

// maxRecoveryRounds bounds how often one Render feeds a failing frame back
// into recovery. Attempt budgets normally end the loop much earlier.
const maxRecoveryRounds = 16

// recoverLocked hands a failed frame to the recovery manager and applies
// the outcome: same backend keeps the state, a new backend is ACTIVE, a
// quality reduction is DEGRADED and exhaustion is FAILED.
//
// A strategy only counts once the frame renders. When the frame after a
// successful strategy fails again, that failure is handled as a new error,
// so every failure is recorded and the loop ends rendered or FAILED.
// Backends left during this call are not offered as fallbacks again.
func (m *Manager) recoverLocked(ctx context.Context, w Workload, width, height int, cause error, start time.Time) (RenderResult, error) {
	visited := []string{m.active.name}
	var res recovery.Result
	for round := 0; ; round++ {
		if round == maxRecoveryRounds {
			return m.failLocked(&res, cause)
		}

		var retried *frameResult
		rc := recovery.RendererContext{
			Backend: m.active.name,
			Quality: m.quality,
			Fallbacks: slices.DeleteFunc(m.fallbacksLocked(), func(name string) bool {
				return slices.Contains(visited, name)
			}),
			SwitchEngine: func(ctx context.Context, name string) error {
				return m.activateLocked(ctx, name)
			},
			ApplyQuality: func(_ context.Context, q backend.Quality) error {
				m.quality = q
				return nil
			},
			RecreateDevice: func(ctx context.Context) error {
				m.active.release()
				return m.active.b.RecreateDevice(ctx)
			},
			ClearCaches: func(context.Context) error {
				n := m.shaders.Clear()
				m.active.release()
				gc := m.mem.GarbageCollect()
				m.logger.Debug("chartgpu: caches cleared", "shaders", n, "collected", gc)
				return nil
			},
			Retry: func(ctx context.Context) error {
				fr, err := m.frameLocked(ctx, w, width, height)
				if err == nil {
					retried = &fr
				}
				return err
			},
		}

		res = m.recovery.HandleError(ctx, "render", cause, rc)
		if !res.Success {
			return m.failLocked(&res, cause)
		}

		switch {
		case res.NewBackend != "":
			visited = append(visited, res.NewBackend)
			m.setStateLocked(StateActive)
		case res.NewQuality != nil:
			m.setStateLocked(StateDegraded)
		}
		m.logger.Warn("chartgpu: recovered",
			"category", res.Category, "strategy", res.Strategy, "backend", m.active.name, "state", m.state)

		if retried != nil {
			return m.resultLocked(*retried, &res, start), nil
		}
		fr, err := m.frameLocked(ctx, w, width, height)
		if err == nil {
			return m.resultLocked(fr, &res, start), nil
		}
		if ctx.Err() != nil {
			return RenderResult{Backend: m.active.name, State: m.state, Quality: m.quality, Recovery: &res}, err
		}
		m.logger.Warn("chartgpu: frame failed after recovery", "strategy", res.Strategy, "error", err)
		cause = err
	}
}

// failLocked moves to FAILED after recovery ran out of strategies.
func (m *Manager) failLocked(res *recovery.Result, cause error) (RenderResult, error) {
	m.opt.CancelAll()
	m.setStateLocked(StateFailed)
	m.logger.Error("chartgpu: recovery exhausted", "backend", m.active.name, "error", cause)
	return RenderResult{Backend: m.active.name, State: m.state, Quality: m.quality, Recovery: res},
		fmt.Errorf("%w: %w", ErrFailed, cause)
}

func (m *Manager) resultLocked(fr frameResult, rec *recovery.Result, start time.Time) RenderResult {
	return RenderResult{
		Image:    fr.image,
		Backend:  m.active.name,
		State:    m.state,
		Quality:  m.quality,
		Frame:    fr.stats,
		Pipeline: fr.pipeline,
		Recovery: rec,
		Duration: m.clock.Since(start),
	}
}

// Status reports the current backend, state and resource usage.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		State:            m.state,
		PerformanceLevel: PerformanceNone,
		Quality:          m.quality,
		MemoryUsage:      m.mem.Statistics(),
		ErrorCount:       m.recovery.ErrorCount(),
		Frames:           m.frames,
		Switches:         m.switches,
		LastFrame:        m.last,
		Breakers:         m.breakers.states(),
	}
	if m.active != nil {
		s.Backend = m.active.name
		s.Tier = m.activeTier
		s.Device = m.active.b.Status().Device
		if m.state.CanRender() {
			s.PerformanceLevel = performanceOf(m.activeTier, m.quality)
		}
	}
	return s
}

// SwitchBackend activates name. On failure the current backend stays.
func (m *Manager) SwitchBackend(ctx context.Context, name string) (SwitchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.clock.Now()
	switch {
	case m.state == StateFailed:
		return SwitchResult{State: m.state}, ErrFailed
	case !m.state.CanRender():
		return SwitchResult{State: m.state}, ErrNotInitialized
	}
	res := SwitchResult{Previous: m.active.name, Backend: m.active.name, State: m.state}
	if name == m.active.name {
		return res, nil
	}
	if err := m.activateLocked(ctx, name); err != nil {
		res.Duration = m.clock.Since(start)
		return res, err
	}
	m.recovery.ResetBudgets()
	m.setStateLocked(m.settledStateLocked())

	res.Backend, res.State, res.Duration = name, m.state, m.clock.Since(start)
	m.logger.Info("chartgpu: backend switched", "from", res.Previous, "to", name, "state", m.state)
	return res, nil
}

// Reinitialize tears the active backend down, closes every backend
// circuit and runs Initialize again. It is the only way out of FAILED.
func (m *Manager) Reinitialize(ctx context.Context) (InitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.teardownLocked(); err != nil {
		m.logger.Warn("chartgpu: teardown before reinitialize", "error", err)
	}
	m.recovery.ResetBudgets()
	m.breakers.reset()
	return m.initializeLocked(ctx)
}

// Cleanup releases the backend, queued work and every allocation. The
// manager returns to UNINITIALIZED and may be initialized again.
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.teardownLocked()
	m.shaders.Clear()
	m.detection, m.report = nil, nil
	return err
}

func (m *Manager) teardownLocked() error {
	var err error
	if m.active != nil {
		err = multierr.Append(err, m.active.close())
		m.active = nil
	}
	if n := m.opt.CancelAll(); n > 0 {
		m.logger.Debug("chartgpu: cancelled queued commands", "count", n)
	}
	if n := m.mem.ReleaseAll(); n > 0 {
		m.logger.Debug("chartgpu: released leftover allocations", "count", n)
	}
	m.mem.SetBacking(nil)
	m.quality = m.cfg.Quality
	m.setStateLocked(StateUninitialized)
	return err
}
