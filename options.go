package chartgpu

import (
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/gogpu/gpucontext"

	"github.com/gogpu/chartgpu/backend"
	"github.com/gogpu/chartgpu/capability"
	"github.com/gogpu/chartgpu/compat"
)

// Option configures a Manager during creation.
//
// Example:
//
//	m, err := chartgpu.NewManager(cfg,
//	    chartgpu.WithLogger(logger),
//	    chartgpu.WithDeviceProvider(app),
//	)
type Option func(*options)

// BackendWrapper decorates every backend instance the manager creates.
type BackendWrapper func(name string, b backend.Backend) backend.Backend

type options struct {
	logger   *slog.Logger
	clock    clock.Clock
	registry *backend.Registry
	provider gpucontext.DeviceProvider
	wrap     BackendWrapper
	host     func() capability.HostInfo
	cases    []compat.Case
}

func defaultOptions() options {
	return options{
		logger: Logger(),
		clock:  clock.New(),
	}
}

// WithLogger sets the manager's logger. It overrides the package logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock injects the clock used for TTLs, budgets, recovery windows and
// detection timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithRegistry replaces backend.DefaultRegistry.
func WithRegistry(r *backend.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithDeviceProvider shares a host-owned GPU device with the HAL backends
// instead of opening a new one.
//
// Example:
//
//	// app is a gogpu.App or any gpucontext.DeviceProvider.
//	m, _ := chartgpu.NewManager(cfg, chartgpu.WithDeviceProvider(app))
func WithDeviceProvider(p gpucontext.DeviceProvider) Option {
	return func(o *options) {
		o.provider = p
	}
}

// WithBackendWrapper decorates backend instances, for instance with a
// backend.FaultInjector during recovery drills.
func WithBackendWrapper(w BackendWrapper) Option {
	return func(o *options) {
		o.wrap = w
	}
}

// WithHost overrides host information collection.
func WithHost(fn func() capability.HostInfo) Option {
	return func(o *options) {
		o.host = fn
	}
}

// WithCompatCases replaces the built-in compatibility cases.
func WithCompatCases(cases []compat.Case) Option {
	return func(o *options) {
		o.cases = cases
	}
}
