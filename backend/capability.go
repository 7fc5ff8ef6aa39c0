package backend

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Feature is a bit set of probed device abilities.
type Feature uint32

const (
	// FeatureDevice means a device could be opened.
	FeatureDevice Feature = 1 << iota
	// FeatureShaderModules means the chart shaders compiled into modules.
	FeatureShaderModules
	// FeatureBuffers means vertex and uniform buffers could be created.
	FeatureBuffers
	// FeatureTextures means a render-target texture could be created.
	FeatureTextures
	// FeatureParallelRaster means the host raster can use several cores.
	FeatureParallelRaster
	// FeatureSharedDevice means the device is provided by the host application.
	FeatureSharedDevice
)

var featureNames = []struct {
	f    Feature
	name string
}{
	{FeatureDevice, "device"},
	{FeatureShaderModules, "shader_modules"},
	{FeatureBuffers, "buffers"},
	{FeatureTextures, "textures"},
	{FeatureParallelRaster, "parallel_raster"},
	{FeatureSharedDevice, "shared_device"},
}

// Has reports whether every bit of want is set.
func (f Feature) Has(want Feature) bool { return f&want == want }

// Names returns the set feature names in a stable order.
func (f Feature) Names() []string {
	var out []string
	for _, fn := range featureNames {
		if f.Has(fn.f) {
			out = append(out, fn.name)
		}
	}
	return out
}

// String joins Names with "|".
func (f Feature) String() string {
	if f == 0 {
		return "none"
	}
	return strings.Join(f.Names(), "|")
}

// MarshalText implements encoding.TextMarshaler.
func (f Feature) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Feature) UnmarshalText(b []byte) error {
	var v Feature
	if s := string(b); s != "none" && s != "" {
	next:
		for _, name := range strings.Split(s, "|") {
			for _, fn := range featureNames {
				if fn.name == name {
					v |= fn.f
					continue next
				}
			}
			return fmt.Errorf("backend: unknown feature %q", name)
		}
	}
	*f = v
	return nil
}

// RequiredFeatures is the minimum feature set a tier needs to be usable.
func RequiredFeatures(t Tier) Feature {
	switch t {
	case TierNative, TierGL, TierEmulated:
		return FeatureDevice | FeatureShaderModules | FeatureBuffers | FeatureTextures
	default:
		return 0
	}
}

// Unknown is recorded for GPU identification strings the driver left empty.
const Unknown = "unknown"

// Capability is the probe record for one backend.
type Capability struct {
	Backend    string        `json:"backend" yaml:"backend"`
	Tier       Tier          `json:"tier" yaml:"tier"`
	Supported  bool          `json:"supported" yaml:"supported"`
	Features   Feature       `json:"features" yaml:"features"`
	API        string        `json:"api" yaml:"api"`
	Vendor     string        `json:"vendor" yaml:"vendor"`
	Renderer   string        `json:"renderer" yaml:"renderer"`
	Driver     string        `json:"driver" yaml:"driver"`
	DeviceType string        `json:"device_type" yaml:"device_type"`
	MaxTexture uint32        `json:"max_texture_dimension,omitempty" yaml:"max_texture_dimension,omitempty"`
	MaxBuffer  uint64        `json:"max_buffer_size,omitempty" yaml:"max_buffer_size,omitempty"`
	Reason     string        `json:"reason,omitempty" yaml:"reason,omitempty"`
	Duration   time.Duration `json:"probe_duration" yaml:"probe_duration"`
	ProbedAt   time.Time     `json:"probed_at" yaml:"probed_at"`
}

// Meets reports whether the record satisfies its tier's minimum features.
func (c Capability) Meets() bool {
	return c.Supported && c.Features.Has(RequiredFeatures(c.Tier))
}

// normalize fills empty identification strings with Unknown.
func (c *Capability) normalize() {
	for _, s := range []*string{&c.API, &c.Vendor, &c.Renderer, &c.Driver, &c.DeviceType} {
		if strings.TrimSpace(*s) == "" {
			*s = Unknown
		}
	}
}

// Prober checks whether a backend can run in this environment.
type Prober interface {
	// Available is a cheap check (registered driver, build support) that
	// runs before the expensive Probe.
	Available() bool

	// Probe opens a throwaway device and records what works. It never
	// fails; problems are recorded on the Capability.
	Probe(ctx context.Context) Capability
}
