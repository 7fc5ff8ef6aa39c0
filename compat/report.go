package compat

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gogpu/chartgpu/capability"
)

// Level is the overall compatibility bucket.
type Level string

const (
	LevelExcellent   Level = "EXCELLENT"
	LevelGood        Level = "GOOD"
	LevelFair        Level = "FAIR"
	LevelPoor        Level = "POOR"
	LevelUnsupported Level = "UNSUPPORTED"
)

func (l Level) rank() int {
	switch l {
	case LevelExcellent:
		return 4
	case LevelGood:
		return 3
	case LevelFair:
		return 2
	case LevelPoor:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether l is floor or better.
func (l Level) AtLeast(floor Level) bool { return l.rank() >= floor.rank() }

// ParseLevel parses a level name (upper case).
func ParseLevel(s string) (Level, error) {
	switch l := Level(s); l {
	case LevelExcellent, LevelGood, LevelFair, LevelPoor, LevelUnsupported:
		return l, nil
	}
	return "", fmt.Errorf("compat: unknown level %q", s)
}

// Outcome is how a test case ended.
type Outcome string

const (
	Passed  Outcome = "passed"
	Warning Outcome = "warning"
	Failed  Outcome = "failed"
)

// Measurement is an optional quantitative result.
type Measurement struct {
	Value float64 `json:"value" yaml:"value"`
	Unit  string  `json:"unit" yaml:"unit"`
	// Score overrides the outcome score, 0-100.
	Score float64 `json:"score" yaml:"score"`
}

// TestResult is the outcome of one case.
type TestResult struct {
	ID          string        `json:"id" yaml:"id"`
	Category    string        `json:"category" yaml:"category"`
	Backend     string        `json:"backend,omitempty" yaml:"backend,omitempty"`
	Critical    bool          `json:"critical" yaml:"critical"`
	Outcome     Outcome       `json:"outcome" yaml:"outcome"`
	Message     string        `json:"message" yaml:"message"`
	Measurement *Measurement  `json:"measurement,omitempty" yaml:"measurement,omitempty"`
	Duration    time.Duration `json:"duration" yaml:"duration"`
}

// Score returns the measurement score if present, otherwise 100/50/0 for
// passed/warning/failed.
func (r TestResult) Score() float64 {
	if r.Measurement != nil {
		return clamp(r.Measurement.Score, 0, 100)
	}
	switch r.Outcome {
	case Passed:
		return 100
	case Warning:
		return 50
	default:
		return 0
	}
}

// Assessment is the aggregated level of one backend.
type Assessment struct {
	Backend string  `json:"backend" yaml:"backend"`
	Level   Level   `json:"level" yaml:"level"`
	Score   float64 `json:"score" yaml:"score"`
}

// Report is the result of RunAll.
type Report struct {
	ID        string              `json:"id" yaml:"id"`
	Level     Level               `json:"level" yaml:"level"`
	Score     float64             `json:"score" yaml:"score"`
	Results   []TestResult        `json:"results" yaml:"results"`
	Backends  []Assessment        `json:"backends" yaml:"backends"`
	System    capability.HostInfo `json:"system" yaml:"system"`
	Timestamp time.Time           `json:"timestamp" yaml:"timestamp"`
	Duration  time.Duration       `json:"duration" yaml:"duration"`
}

// Assessment returns the assessment of backend name.
func (r Report) Assessment(name string) (Assessment, bool) {
	for _, a := range r.Backends {
		if a.Backend == name {
			return a, true
		}
	}
	return Assessment{}, false
}

// Result returns the result with id.
func (r Report) Result(id string) (TestResult, bool) {
	for _, t := range r.Results {
		if t.ID == id {
			return t, true
		}
	}
	return TestResult{}, false
}

// Failed returns every failed result.
func (r Report) Failed() []TestResult {
	var out []TestResult
	for _, t := range r.Results {
		if t.Outcome == Failed {
			out = append(out, t)
		}
	}
	return out
}

// JSON encodes the report as indented JSON.
func (r Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// YAML encodes the report as YAML.
func (r Report) YAML() ([]byte, error) {
	return yaml.Marshal(r)
}

// Change is one difference between two reports.
type Change struct {
	ID     string `json:"id" yaml:"id"`
	Before string `json:"before" yaml:"before"`
	After  string `json:"after" yaml:"after"`
}

// Diff lists what changed from a to b: the overall level, each backend's
// level and each test's outcome. Tests present in only one report show
// "absent" on the other side.
func Diff(a, b Report) []Change {
	var out []Change
	if a.Level != b.Level {
		out = append(out, Change{ID: "level", Before: string(a.Level), After: string(b.Level)})
	}

	seen := make(map[string]bool)
	for _, x := range a.Backends {
		seen[x.Backend] = true
		y, ok := b.Assessment(x.Backend)
		after := "absent"
		if ok {
			after = string(y.Level)
		}
		if after != string(x.Level) {
			out = append(out, Change{ID: "backend." + x.Backend, Before: string(x.Level), After: after})
		}
	}
	for _, y := range b.Backends {
		if !seen[y.Backend] {
			out = append(out, Change{ID: "backend." + y.Backend, Before: "absent", After: string(y.Level)})
		}
	}

	seen = make(map[string]bool)
	for _, x := range a.Results {
		seen[x.ID] = true
		y, ok := b.Result(x.ID)
		after := "absent"
		if ok {
			after = string(y.Outcome)
		}
		if after != string(x.Outcome) {
			out = append(out, Change{ID: x.ID, Before: string(x.Outcome), After: after})
		}
	}
	for _, y := range b.Results {
		if !seen[y.ID] {
			out = append(out, Change{ID: y.ID, Before: "absent", After: string(y.Outcome)})
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
