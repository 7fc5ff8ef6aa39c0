// Package telemetry exports renderer status as Prometheus metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/gogpu/chartgpu"
	"github.com/gogpu/chartgpu/recovery"
)

const namespace = "chartgpu"

// Source is what the collector reads on every scrape. *chartgpu.Manager
// implements it.
type Source interface {
	Status() chartgpu.Status
	ErrorCounts() map[recovery.Category]uint64
}

var states = []chartgpu.State{
	chartgpu.StateUninitialized,
	chartgpu.StateProbing,
	chartgpu.StateSelecting,
	chartgpu.StateActive,
	chartgpu.StateDegraded,
	chartgpu.StateFailed,
}

// Collector is a prometheus.Collector over a Source. Values are read at
// scrape time, so the renderer never pushes metrics.
type Collector struct {
	src Source

	state       *prometheus.Desc
	backend     *prometheus.Desc
	quality     *prometheus.Desc
	frames      *prometheus.Desc
	switches    *prometheus.Desc
	errors      *prometheus.Desc
	memUsed     *prometheus.Desc
	memBudget   *prometheus.Desc
	memPeak     *prometheus.Desc
	memByKind   *prometheus.Desc
	allocations *prometheus.Desc
	evictions   *prometheus.Desc
	breaker     *prometheus.Desc
}

// NewCollector returns a collector for src.
func NewCollector(src Source) *Collector {
	d := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		src:         src,
		state:       d("state", "1 for the current lifecycle state.", "state"),
		backend:     d("backend_info", "Active backend, tier and device.", "backend", "tier", "device", "performance"),
		quality:     d("quality_level", "Current quality, 0 (minimal) to 3 (high)."),
		frames:      d("frames_total", "Frames rendered."),
		switches:    d("backend_switches_total", "Backend activations."),
		errors:      d("recovery_events_total", "Handled render errors by category.", "category"),
		memUsed:     d("memory_used_bytes", "Live GPU allocation bytes."),
		memBudget:   d("memory_budget_bytes", "GPU allocation budget."),
		memPeak:     d("memory_peak_bytes", "Highest live allocation bytes seen."),
		memByKind:   d("memory_kind_bytes", "Live allocation bytes by resource kind.", "kind"),
		allocations: d("memory_allocations", "Live allocations."),
		evictions:   d("memory_evictions_total", "Allocations removed by reason.", "reason"),
		breaker:     d("backend_circuit_open", "1 when the backend's circuit is open.", "backend"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.state, c.backend, c.quality, c.frames, c.switches, c.errors,
		c.memUsed, c.memBudget, c.memPeak, c.memByKind, c.allocations, c.evictions, c.breaker,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Status()

	for _, st := range states {
		v := 0.0
		if st == s.State {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, st.String())
	}
	if s.Backend != "" {
		ch <- prometheus.MustNewConstMetric(c.backend, prometheus.GaugeValue, 1,
			s.Backend, s.Tier.String(), s.Device, string(s.PerformanceLevel))
	}
	ch <- prometheus.MustNewConstMetric(c.quality, prometheus.GaugeValue, float64(s.Quality))
	ch <- prometheus.MustNewConstMetric(c.frames, prometheus.CounterValue, float64(s.Frames))
	ch <- prometheus.MustNewConstMetric(c.switches, prometheus.CounterValue, float64(s.Switches))

	for cat, n := range c.src.ErrorCounts() {
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(n), cat.String())
	}

	m := s.MemoryUsage
	ch <- prometheus.MustNewConstMetric(c.memUsed, prometheus.GaugeValue, float64(m.UsedBytes))
	ch <- prometheus.MustNewConstMetric(c.memBudget, prometheus.GaugeValue, float64(m.BudgetBytes))
	ch <- prometheus.MustNewConstMetric(c.memPeak, prometheus.GaugeValue, float64(m.PeakBytes))
	ch <- prometheus.MustNewConstMetric(c.allocations, prometheus.GaugeValue, float64(m.Allocations))
	for kind, n := range m.BytesByKind {
		ch <- prometheus.MustNewConstMetric(c.memByKind, prometheus.GaugeValue, float64(n), kind)
	}
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(m.Evictions), "pressure")
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(m.Expired), "expired")

	for name, st := range s.Breakers {
		v := 0.0
		if st == "open" {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.breaker, prometheus.GaugeValue, v, name)
	}
}

// NewRegistry returns a registry holding a collector for src plus the Go
// runtime and process collectors.
func NewRegistry(src Source) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
