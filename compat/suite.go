package compat

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/chartgpu/backend"
	"github.com/gogpu/chartgpu/capability"
	"github.com/gogpu/chartgpu/internal/cache"
)

// Test categories.
const (
	CategoryHardware = "hardware"
	CategoryOS       = "os"
	CategoryBackend  = "backend"
	CategoryShader   = "shader"
	CategorySoftware = "software"
)

// IDAnyBackend is the critical case that passes when at least one backend
// meets its tier minimum.
const IDAnyBackend = "backend.any"

// Environment is the immutable input of a run.
type Environment struct {
	Host         capability.HostInfo
	Capabilities []backend.Capability
}

// NewEnvironment snapshots a detection result.
func NewEnvironment(r capability.Result) Environment {
	h := r.Host
	h.SIMD = slices.Clone(h.SIMD)
	return Environment{Host: h, Capabilities: slices.Clone(r.Capabilities)}
}

// Case is one compatibility test. Run fills Outcome, Message and
// Measurement; the suite fills the rest.
type Case struct {
	ID       string
	Category string
	Backend  string
	Critical bool
	Run      func(ctx context.Context, env Environment) TestResult
}

// Weights scale test scores in the average. Lookup order is ByID, then
// ByCategory, then 1.
type Weights struct {
	ByID       map[string]float64 `json:"by_id,omitempty" yaml:"by_id,omitempty"`
	ByCategory map[string]float64 `json:"by_category,omitempty" yaml:"by_category,omitempty"`
}

func (w Weights) of(r TestResult) float64 {
	if v, ok := w.ByID[r.ID]; ok {
		return v
	}
	if v, ok := w.ByCategory[r.Category]; ok {
		return v
	}
	return 1
}

// Config configures a Suite.
type Config struct {
	Weights Weights

	// Cases replaces the built-in cases when non-nil.
	Cases []Case

	// Concurrency limits parallel cases. Zero means unlimited.
	Concurrency int

	// Shaders compiles the shader case. Nil uses a private naga cache.
	Shaders *cache.ShaderCache

	Clock  clock.Clock
	Logger *slog.Logger
}

// Suite runs compatibility cases.
type Suite struct {
	cfg Config
}

// NewSuite creates a Suite.
func NewSuite(cfg Config) *Suite {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Shaders == nil {
		cfg.Shaders = cache.NewShaderCache(4)
	}
	return &Suite{cfg: cfg}
}

// Cases returns the cases RunAll would execute for env.
func (s *Suite) Cases(env Environment) []Case {
	if s.cfg.Cases != nil {
		return slices.Clone(s.cfg.Cases)
	}
	return BuiltinCases(env, s.cfg.Shaders)
}

// RunAll executes every case concurrently and aggregates the report.
// Cases are independent; results keep case order.
func (s *Suite) RunAll(ctx context.Context, env Environment) Report {
	start := s.cfg.Clock.Now()
	cases := s.Cases(env)
	results := make([]TestResult, len(cases))

	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.Concurrency > 0 {
		g.SetLimit(s.cfg.Concurrency)
	}
	for i, c := range cases {
		g.Go(func() error {
			results[i] = s.run(gctx, c, env)
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{
		ID:        uuid.NewString(),
		Results:   results,
		System:    env.Host,
		Timestamp: start,
	}
	rep.Level, rep.Score = Aggregate(results, s.cfg.Weights)
	rep.Backends = assess(results, env, s.cfg.Weights)
	rep.Duration = s.cfg.Clock.Since(start)

	s.cfg.Logger.Info("compat: run complete",
		"level", rep.Level, "score", fmt.Sprintf("%.1f", rep.Score),
		"cases", len(results), "failed", len(rep.Failed()))
	return rep
}

func (s *Suite) run(ctx context.Context, c Case, env Environment) (r TestResult) {
	start := s.cfg.Clock.Now()
	defer func() {
		if p := recover(); p != nil {
			r = TestResult{Outcome: Failed, Message: fmt.Sprintf("case panicked: %v", p)}
		}
		r.ID, r.Category, r.Backend, r.Critical = c.ID, c.Category, c.Backend, c.Critical
		r.Duration = s.cfg.Clock.Since(start)
		if r.Outcome == "" {
			r.Outcome = Failed
		}
	}()

	if err := ctx.Err(); err != nil {
		return TestResult{Outcome: Failed, Message: err.Error()}
	}
	return c.Run(ctx, env)
}

// Aggregate returns the level and weighted score of results.
//
// Precedence: UNSUPPORTED if a critical case failed; POOR if any other
// case failed; EXCELLENT if all passed and score >= 90; GOOD if score >= 70;
// FAIR if score >= 40; POOR otherwise.
func Aggregate(results []TestResult, w Weights) (Level, float64) {
	var sum, total float64
	allPassed, anyFailed, criticalFailed := true, false, false
	for _, r := range results {
		wt := w.of(r)
		if wt > 0 {
			sum += wt * r.Score()
			total += wt
		}
		switch r.Outcome {
		case Passed:
		case Failed:
			anyFailed = true
			allPassed = false
			if r.Critical {
				criticalFailed = true
			}
		default:
			allPassed = false
		}
	}

	var score float64
	if total > 0 {
		score = sum / total
	}

	switch {
	case criticalFailed:
		return LevelUnsupported, score
	case anyFailed:
		return LevelPoor, score
	case allPassed && score >= 90:
		return LevelExcellent, score
	case score >= 70:
		return LevelGood, score
	case score >= 40:
		return LevelFair, score
	default:
		return LevelPoor, score
	}
}

// assess aggregates, per backend, the common cases plus that backend's own
// case, which is critical for it.
func assess(results []TestResult, env Environment, w Weights) []Assessment {
	var common []TestResult
	own := make(map[string]TestResult)
	for _, r := range results {
		switch {
		case r.Backend != "":
			own[r.Backend] = r
		case r.Category != CategoryBackend:
			common = append(common, r)
		}
	}

	out := make([]Assessment, 0, len(env.Capabilities))
	for _, c := range env.Capabilities {
		rs := slices.Clone(common)
		if r, ok := own[c.Backend]; ok {
			r.Critical = true
			rs = append(rs, r)
		}
		lvl, score := Aggregate(rs, w)
		out = append(out, Assessment{Backend: c.Backend, Level: lvl, Score: score})
	}
	return out
}
