package bench

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Composite score weights.
const (
	WeightFrameRate = 0.5
	WeightMemory    = 0.3
	WeightLatency   = 0.2
)

// Candidate is one backend under comparison. Render must draw the same
// workload as every other candidate.
type Candidate struct {
	Backend string
	Render  RenderFunc

	// Sampler overrides Config.Sampler for this candidate.
	Sampler Sampler
}

// Ranked is a candidate's metrics with its composite score (0-100).
type Ranked struct {
	Metrics
	Score float64 `json:"score" yaml:"score"`
	Rank  int     `json:"rank" yaml:"rank"`
}

// Delta holds percentage differences of A relative to B,
// (a-b)/b*100. Positive Memory and Latency values mean A is worse.
type Delta struct {
	A         string  `json:"a" yaml:"a"`
	B         string  `json:"b" yaml:"b"`
	FrameRate float64 `json:"frame_rate" yaml:"frame_rate"`
	Memory    float64 `json:"memory" yaml:"memory"`
	Latency   float64 `json:"latency" yaml:"latency"`
}

// Comparison is the outcome of Compare.
type Comparison struct {
	Workload string `json:"workload" yaml:"workload"`

	// Results are sorted best first.
	Results []Ranked `json:"results" yaml:"results"`
	Deltas  []Delta  `json:"deltas" yaml:"deltas"`

	// Errors maps failed candidates to their error text.
	Errors map[string]string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Best returns the top-ranked backend.
func (c Comparison) Best() (Ranked, bool) {
	if len(c.Results) == 0 {
		return Ranked{}, false
	}
	return c.Results[0], true
}

// Compare runs each candidate in turn with the same Config and ranks them
// by composite score. Candidates that fail are reported in Errors; Compare
// only fails when none completed or ctx was cancelled.
func Compare(ctx context.Context, candidates []Candidate, cfg Config) (Comparison, error) {
	cfg = cfg.withDefaults()
	cmp := Comparison{Workload: cfg.Workload}

	var errs []error
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return cmp, err
		}
		run := cfg
		if c.Sampler != nil {
			run.Sampler = c.Sampler
		}
		m, err := Run(ctx, c.Render, c.Backend, run)
		if err != nil {
			if ctx.Err() != nil {
				return cmp, ctx.Err()
			}
			if cmp.Errors == nil {
				cmp.Errors = make(map[string]string)
			}
			cmp.Errors[c.Backend] = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", c.Backend, err))
			cfg.Logger.Warn("bench: candidate failed", "backend", c.Backend, "error", err)
			continue
		}
		cmp.Results = append(cmp.Results, Ranked{Metrics: m})
	}
	if len(cmp.Results) == 0 {
		return cmp, fmt.Errorf("%w: %w", ErrNoCandidates, errors.Join(errs...))
	}

	score(cmp.Results)
	sort.SliceStable(cmp.Results, func(i, j int) bool {
		return cmp.Results[i].Score > cmp.Results[j].Score
	})
	for i := range cmp.Results {
		cmp.Results[i].Rank = i + 1
	}

	for i := range cmp.Results {
		for j := i + 1; j < len(cmp.Results); j++ {
			a, b := cmp.Results[i], cmp.Results[j]
			cmp.Deltas = append(cmp.Deltas, Delta{
				A:         a.Backend,
				B:         b.Backend,
				FrameRate: pct(a.FrameRate, b.FrameRate),
				Memory:    pct(float64(a.MemoryPeak), float64(b.MemoryPeak)),
				Latency:   pct(float64(a.InputLatency), float64(b.InputLatency)),
			})
		}
	}
	return cmp, nil
}

// score fills composite scores. Frame rate is normalized against the
// fastest run; memory and latency against the smallest, so 1.0 is always
// the best observed value.
func score(rs []Ranked) {
	var maxFPS, minMem, minLat float64
	for i, r := range rs {
		mem, lat := float64(r.MemoryPeak), float64(r.InputLatency)
		if i == 0 || r.FrameRate > maxFPS {
			maxFPS = r.FrameRate
		}
		if i == 0 || mem < minMem {
			minMem = mem
		}
		if i == 0 || lat < minLat {
			minLat = lat
		}
	}
	for i := range rs {
		r := &rs[i]
		fps := ratio(r.FrameRate, maxFPS)
		mem := ratio(minMem, float64(r.MemoryPeak))
		lat := ratio(minLat, float64(r.InputLatency))
		r.Score = 100 * (WeightFrameRate*fps + WeightMemory*mem + WeightLatency*lat)
	}
}

// ratio returns num/den, treating 0/0 as a tie (1).
func ratio(num, den float64) float64 {
	if den == 0 {
		return 1
	}
	return num / den
}

func pct(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return (a - b) / b * 100
}
