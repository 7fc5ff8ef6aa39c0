package chartgpu

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/chartgpu/backend"
	"github.com/gogpu/chartgpu/compat"
	"github.com/gogpu/chartgpu/memory"
	"github.com/gogpu/chartgpu/pipeline"
	"github.com/gogpu/chartgpu/recovery"
)

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("chartgpu: invalid config")

// Config is the host-supplied configuration of a Manager. Parsing it from
// files or the environment is the host's job; the yaml tags describe the
// expected layout.
type Config struct {
	// Width and Height are the default frame size in pixels.
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`

	// Quality is the starting quality tier.
	Quality backend.Quality `json:"quality" yaml:"quality"`

	// MemoryBudget is the ceiling on live GPU allocations, in bytes.
	MemoryBudget uint64 `json:"memory_budget" yaml:"memory_budget"`

	// Backends is the preference order. Empty means every registered
	// backend, highest tier first.
	Backends []string `json:"backends" yaml:"backends"`

	// AllowFallback lets recovery switch to another backend.
	AllowFallback bool `json:"allow_fallback" yaml:"allow_fallback"`

	// MinCompatLevel is the per-backend compatibility level selection
	// requires.
	MinCompatLevel compat.Level   `json:"min_compat_level" yaml:"min_compat_level"`
	CompatWeights  compat.Weights `json:"compat_weights" yaml:"compat_weights"`

	// HistorySize bounds the recovery event history.
	HistorySize int           `json:"history_size" yaml:"history_size"`
	QuietWindow time.Duration `json:"quiet_window" yaml:"quiet_window"`

	// GCTTL is how long an allocation may stay unused.
	GCTTL time.Duration `json:"gc_ttl" yaml:"gc_ttl"`

	MaxBatchSize int           `json:"max_batch_size" yaml:"max_batch_size"`
	FrameBudget  time.Duration `json:"frame_budget" yaml:"frame_budget"`
	ProbeTimeout time.Duration `json:"probe_timeout" yaml:"probe_timeout"`

	// Workers sizes the software raster pool. Zero uses GOMAXPROCS.
	Workers int `json:"workers" yaml:"workers"`

	// BreakerThreshold is the number of consecutive failures after which a
	// backend is skipped for BreakerCooldown.
	BreakerThreshold uint32        `json:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `json:"breaker_cooldown" yaml:"breaker_cooldown"`

	Debug DebugConfig `json:"debug" yaml:"debug"`
}

// DebugConfig holds developer toggles.
type DebugConfig struct {
	// LogFrames logs every frame at debug level.
	LogFrames bool `json:"log_frames" yaml:"log_frames"`

	// ForceBackend skips selection and activates this backend.
	ForceBackend string `json:"force_backend" yaml:"force_backend"`

	// SkipCompat skips the compatibility suite during Initialize; every
	// supported backend is then treated as compatible.
	SkipCompat bool `json:"skip_compat" yaml:"skip_compat"`
}

// DefaultConfig returns the configuration used when the host supplies none.
func DefaultConfig() Config {
	return Config{
		Width:            800,
		Height:           600,
		Quality:          backend.QualityHigh,
		MemoryBudget:     memory.DefaultBudgetBytes,
		AllowFallback:    true,
		MinCompatLevel:   compat.LevelFair,
		HistorySize:      recovery.DefaultHistorySize,
		QuietWindow:      recovery.DefaultQuietWindow,
		GCTTL:            memory.DefaultTTL,
		MaxBatchSize:     pipeline.DefaultMaxBatchSize,
		FrameBudget:      pipeline.DefaultFrameBudget,
		ProbeTimeout:     10 * time.Second,
		BreakerThreshold: 3,
		BreakerCooldown:  30 * time.Second,
	}
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Width > 0 && c.Height > 0, "frame size %dx%d must be positive", c.Width, c.Height)
	check(c.Quality <= backend.QualityHigh, "unknown quality %d", c.Quality)
	check(c.MemoryBudget > 0, "memory budget must be positive")
	check(c.HistorySize >= 0, "history size %d is negative", c.HistorySize)
	check(c.MaxBatchSize >= 0, "max batch size %d is negative", c.MaxBatchSize)
	check(c.Workers >= 0, "workers %d is negative", c.Workers)
	for name, d := range map[string]time.Duration{
		"quiet_window":     c.QuietWindow,
		"gc_ttl":           c.GCTTL,
		"frame_budget":     c.FrameBudget,
		"probe_timeout":    c.ProbeTimeout,
		"breaker_cooldown": c.BreakerCooldown,
	} {
		check(d >= 0, "%s %v is negative", name, d)
	}
	if c.MinCompatLevel != "" {
		_, err := compat.ParseLevel(string(c.MinCompatLevel))
		check(err == nil, "min compat level: %v", err)
	}

	seen := make(map[string]bool)
	for _, b := range c.Backends {
		check(!seen[b], "backend %q listed twice", b)
		seen[b] = true
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}
