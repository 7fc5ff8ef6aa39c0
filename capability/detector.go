package capability

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/gogpu/chartgpu/backend"
)

// DefaultProbeTimeout bounds a single backend probe.
const DefaultProbeTimeout = 10 * time.Second

// Result is one detection run.
type Result struct {
	// Best is the highest-tier backend that meets its tier minimum.
	Best     string       `json:"best" yaml:"best"`
	BestTier backend.Tier `json:"best_tier" yaml:"best_tier"`

	// Capabilities holds one record per registered backend, highest tier
	// first.
	Capabilities []backend.Capability `json:"capabilities" yaml:"capabilities"`

	Host       HostInfo      `json:"host" yaml:"host"`
	DetectedAt time.Time     `json:"detected_at" yaml:"detected_at"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
}

// Capability returns the record for name.
func (r Result) Capability(name string) (backend.Capability, bool) {
	for _, c := range r.Capabilities {
		if c.Backend == name {
			return c, true
		}
	}
	return backend.Capability{}, false
}

// Supported returns the names of backends meeting their tier minimum,
// highest tier first.
func (r Result) Supported() []string {
	var out []string
	for _, c := range r.Capabilities {
		if c.Meets() {
			out = append(out, c.Backend)
		}
	}
	return out
}

// Config configures a Detector.
type Config struct {
	// ProbeTimeout bounds each probe. Defaults to DefaultProbeTimeout.
	ProbeTimeout time.Duration

	// Host overrides host collection, for tests.
	Host func() HostInfo

	// Clock stamps results. Defaults to the wall clock. Probe timeouts
	// always use real time.
	Clock clock.Clock

	Logger *slog.Logger
}

// Detector probes every registered backend.
type Detector struct {
	registry *backend.Registry
	timeout  time.Duration
	host     func() HostInfo
	clock    clock.Clock
	logger   *slog.Logger
	last     atomic.Pointer[Result]
}

// NewDetector creates a detector over reg.
func NewDetector(reg *backend.Registry, cfg Config) *Detector {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Host == nil {
		cfg.Host = Host
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Detector{
		registry: reg,
		timeout:  cfg.ProbeTimeout,
		host:     cfg.Host,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
}

// Detect probes backends from the highest tier down and caches the result.
// It never fails: probe failures, timeouts and panics are recorded on the
// backend's Capability.
func (d *Detector) Detect(ctx context.Context) Result {
	start := d.clock.Now()
	res := Result{Host: d.host(), DetectedAt: start}

	for _, e := range d.registry.Entries() {
		c := d.probe(ctx, e)
		res.Capabilities = append(res.Capabilities, c)
		if res.Best == "" && c.Meets() {
			res.Best, res.BestTier = c.Backend, c.Tier
		}
		d.logger.Debug("capability: probed",
			"backend", c.Backend,
			"supported", c.Supported,
			"features", c.Features,
			"reason", c.Reason,
			"duration", c.Duration)
	}
	res.Duration = d.clock.Since(start)

	d.last.Store(&res)
	d.logger.Info("capability: detection complete",
		"best", res.Best, "supported", res.Supported(), "duration", res.Duration)
	return res
}

func (d *Detector) probe(ctx context.Context, e backend.Entry) backend.Capability {
	at := d.clock.Now()
	c := backend.Capability{Backend: e.Name, Tier: e.Tier}
	switch {
	case e.Prober == nil:
		c.Reason = "no prober"
	case !e.Prober.Available():
		c.Reason = "not available in this build"
	default:
		c = d.run(ctx, e, c)
	}

	c.Backend, c.Tier, c.ProbedAt = e.Name, e.Tier, at
	for _, s := range []*string{&c.API, &c.Vendor, &c.Renderer, &c.Driver, &c.DeviceType} {
		if *s == "" {
			*s = backend.Unknown
		}
	}
	return c
}

// run probes on its own goroutine so a hung driver only costs the timeout.
func (d *Detector) run(ctx context.Context, e backend.Entry, c backend.Capability) backend.Capability {
	pctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	base := c
	done := make(chan backend.Capability, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				failed := base
				failed.Reason = fmt.Sprintf("probe panic: %v", r)
				done <- failed
			}
		}()
		done <- e.Prober.Probe(pctx)
	}()

	select {
	case c = <-done:
	case <-pctx.Done():
		c.Reason = fmt.Sprintf("probe aborted: %v", pctx.Err())
	}
	return c
}

// IsBackendAvailable reports whether any backend of tier is registered and
// available in this build. It does not probe.
func (d *Detector) IsBackendAvailable(tier backend.Tier) bool {
	for _, e := range d.registry.Entries() {
		if e.Tier == tier && e.Prober != nil && e.Prober.Available() {
			return true
		}
	}
	return false
}

// Refresh re-probes and replaces the cached result.
func (d *Detector) Refresh(ctx context.Context) Result {
	return d.Detect(ctx)
}

// Last returns the cached result of the latest Detect.
func (d *Detector) Last() (Result, bool) {
	r := d.last.Load()
	if r == nil {
		return Result{}, false
	}
	return *r, true
}
