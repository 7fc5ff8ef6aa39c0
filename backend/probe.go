package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/chartgpu/internal/cache"
)

// DenyRule rejects adapters whose identification matches. Empty fields
// match anything; matching is case-insensitive substring.
type DenyRule struct {
	Vendor string `json:"vendor,omitempty" yaml:"vendor,omitempty"`
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"`
	Reason string `json:"reason" yaml:"reason"`
}

func (r DenyRule) matches(vendor, driver string) bool {
	if r.Vendor == "" && r.Driver == "" {
		return false
	}
	has := func(s, sub string) bool {
		return sub == "" || strings.Contains(strings.ToLower(s), strings.ToLower(sub))
	}
	return has(vendor, r.Vendor) && has(driver, r.Driver)
}

// HALProber probes one HAL variant on a throwaway instance.
type HALProber struct {
	variant halVariant
	shaders *cache.ShaderCache

	// Deny lists drivers known to misrender charts.
	Deny []DenyRule

	// MinTextureSize is the smallest acceptable 2D texture limit.
	MinTextureSize uint32
}

// NewHALProber returns a prober for v with its own shader cache.
func NewHALProber(v halVariant) *HALProber {
	return &HALProber{
		variant:        v,
		shaders:        cache.NewShaderCache(2),
		MinTextureSize: 2048,
	}
}

// NewHALProberByName is NewHALProber keyed by backend name.
func NewHALProberByName(name string) (*HALProber, error) {
	v, ok := variantByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a HAL backend", ErrBackendNotAvailable, name)
	}
	return NewHALProber(v), nil
}

// Available reports whether any HAL API of the variant is registered.
func (p *HALProber) Available() bool {
	for _, api := range p.variant.apis {
		if _, ok := hal.GetBackend(api); ok {
			return true
		}
	}
	return false
}

// Probe tries each API of the variant in order and returns the first
// record that meets the tier minimum, or the last failure.
func (p *HALProber) Probe(ctx context.Context) (c Capability) {
	start := time.Now()
	c = Capability{Backend: p.variant.name, Tier: p.variant.tier, ProbedAt: start}
	defer func() {
		if r := recover(); r != nil {
			c.Supported = false
			c.Reason = fmt.Sprintf("probe panic: %v", r)
		}
		c.Duration = time.Since(start)
		c.normalize()
	}()

	if !p.Available() {
		c.Reason = "no HAL driver registered"
		return c
	}

	var reasons []string
	for _, api := range p.variant.apis {
		if err := ctx.Err(); err != nil {
			c.Reason = err.Error()
			return c
		}
		if _, ok := hal.GetBackend(api); !ok {
			continue
		}
		rec := p.probeAPI(api)
		rec.Backend, rec.Tier, rec.ProbedAt = c.Backend, c.Tier, c.ProbedAt
		if rec.Meets() {
			return rec
		}
		reasons = append(reasons, fmt.Sprintf("%s: %s", api, rec.Reason))
		c = rec
	}
	c.Supported = false
	c.Reason = strings.Join(reasons, "; ")
	return c
}

// probeAPI records what a device of api can do. The instance is destroyed
// before returning.
func (p *HALProber) probeAPI(api gputypes.Backend) Capability {
	c := Capability{API: api.String()}

	inst, ad, err := openAdapter(api, p.variant.tier)
	if err != nil {
		c.Reason = err.Error()
		return c
	}
	defer inst.Destroy()

	info := ad.Info
	c.Vendor = info.Vendor
	c.Renderer = info.Name
	c.Driver = strings.TrimSpace(info.Driver + " " + info.DriverInfo)
	c.DeviceType = info.DeviceType.String()
	c.MaxTexture = ad.Capabilities.Limits.MaxTextureDimension2D
	c.MaxBuffer = ad.Capabilities.Limits.MaxBufferSize

	for _, r := range p.Deny {
		if r.matches(info.Vendor, c.Driver) {
			c.Reason = "denylisted: " + r.Reason
			return c
		}
	}
	if p.variant.tier != TierEmulated && info.DeviceType == gputypes.DeviceTypeCPU {
		c.Reason = "adapter is a software rasterizer"
		return c
	}
	if c.MaxTexture > 0 && c.MaxTexture < p.MinTextureSize {
		c.Reason = fmt.Sprintf("max texture %d below %d", c.MaxTexture, p.MinTextureSize)
		return c
	}

	od, err := ad.Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		c.Reason = "open device: " + halErr(err).Error()
		return c
	}
	dev := od.Device
	defer dev.Destroy()
	c.Features |= FeatureDevice

	if m, err := p.shaders.GetOrCompile("probe", SeriesShader); err != nil {
		c.Reason = "compile shader: " + err.Error()
	} else if sm, err := dev.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "chartgpu.probe",
		Source: hal.ShaderSource{SPIRV: m.SPIRV},
	}); err != nil {
		c.Reason = "create shader module: " + err.Error()
	} else {
		dev.DestroyShaderModule(sm)
		c.Features |= FeatureShaderModules
	}

	if buf, err := dev.CreateBuffer(&hal.BufferDescriptor{
		Label: "chartgpu.probe",
		Size:  256,
		Usage: gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst,
	}); err != nil {
		c.Reason = "create buffer: " + err.Error()
	} else {
		dev.DestroyBuffer(buf)
		c.Features |= FeatureBuffers
	}

	if tex, err := dev.CreateTexture(&hal.TextureDescriptor{
		Label:         "chartgpu.probe",
		Size:          hal.Extent3D{Width: 64, Height: 64, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Usage:         gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc,
	}); err != nil {
		c.Reason = "create texture: " + err.Error()
	} else {
		dev.DestroyTexture(tex)
		c.Features |= FeatureTextures
	}

	c.Supported = c.Features.Has(RequiredFeatures(p.variant.tier))
	return c
}
