package backend

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/chartgpu/internal/cache"
	"github.com/gogpu/chartgpu/memory"
	"github.com/gogpu/chartgpu/pipeline"
)

// halVariant binds a backend name to the wgpu HAL APIs that implement it.
type halVariant struct {
	name string
	tier Tier
	apis []gputypes.Backend
}

var halVariants = []halVariant{
	{NameNative, TierNative, []gputypes.Backend{gputypes.BackendVulkan, gputypes.BackendMetal, gputypes.BackendDX12}},
	{NameGLES, TierGL, []gputypes.Backend{gputypes.BackendGL}},
	{NameEmulated, TierEmulated, []gputypes.Backend{gputypes.BackendEmpty}},
}

func variantByName(name string) (halVariant, bool) {
	for _, v := range halVariants {
		if v.name == name {
			return v, true
		}
	}
	return halVariant{}, false
}

// halProvider is implemented by device providers that expose the HAL
// device behind their gpucontext handles.
type halProvider interface {
	HalDevice() any
	HalQueue() any
}

// halResource is the device object behind a memory allocation. gen ties it
// to the device it was created on; objects of a lost device are dropped
// without touching the new one.
type halResource struct {
	gen     uint64
	kind    memory.Kind
	size    uint64
	buffer  hal.Buffer
	texture hal.Texture
}

// HALBackend renders through a wgpu HAL device.
//
// The device owns shader modules, allocation buffers and textures, and
// receives every draw's vertex and uniform data. Frames are composed on the
// host raster, so output is identical across tiers.
type HALBackend struct {
	mu      sync.Mutex
	variant halVariant
	logger  *slog.Logger
	shaders *cache.ShaderCache
	env     Env

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	external bool
	info     gputypes.AdapterInfo
	gen      uint64

	modules map[string]hal.ShaderModule
	vertex  scratch
	uniform scratch

	raster      *raster
	initialized bool
	frameState
	frames uint64
	lost   uint64
}

// scratch is a grow-only upload buffer.
type scratch struct {
	buf  hal.Buffer
	size uint64
}

// NewHALBackend creates an uninitialized backend for variant v.
func NewHALBackend(v halVariant, env Env) *HALBackend {
	sc := env.Shaders
	if sc == nil {
		sc = cache.NewShaderCache(len(Pipelines) * 2)
	}
	return &HALBackend{
		variant: v,
		logger:  env.logger(),
		shaders: sc,
		env:     env,
	}
}

// NewHALBackendByName is NewHALBackend keyed by backend name.
func NewHALBackendByName(name string, env Env) (*HALBackend, error) {
	v, ok := variantByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a HAL backend", ErrBackendNotAvailable, name)
	}
	return NewHALBackend(v, env), nil
}

// Name returns the backend identifier.
func (b *HALBackend) Name() string { return b.variant.name }

// Tier returns the variant tier.
func (b *HALBackend) Tier() Tier { return b.variant.tier }

func (b *HALBackend) sealed() {}

// Init opens the device (or adopts the provider's), compiles the series
// pipelines and starts the host raster.
func (b *HALBackend) Init(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.acquireLocked(); err != nil {
		return err
	}
	if err := b.buildPipelinesLocked(); err != nil {
		b.releaseLocked()
		return err
	}
	b.raster = newRaster(b.env.Workers)
	b.initialized = true
	b.logger.Info("hal: initialized",
		"backend", b.variant.name,
		"adapter", b.info.Name,
		"api", b.info.Backend,
		"shared", b.external)
	return nil
}

// acquireLocked sets device and queue.
func (b *HALBackend) acquireLocked() error {
	if b.env.Provider != nil {
		if hp, ok := b.env.Provider.(halProvider); ok {
			dev, dok := hp.HalDevice().(hal.Device)
			q, qok := hp.HalQueue().(hal.Queue)
			if dok && qok && dev != nil && q != nil {
				ai := b.env.Provider.AdapterInfo()
				b.device, b.queue, b.external = dev, q, true
				b.info = gputypes.AdapterInfo{Name: ai.Name, Backend: b.variant.apis[0]}
				b.gen++
				return nil
			}
		}
		b.logger.Warn("hal: provider does not expose HAL types, opening own device",
			"backend", b.variant.name)
	}

	var errs []error
	for _, api := range b.variant.apis {
		inst, ad, err := openAdapter(api, b.variant.tier)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		od, err := ad.Adapter.Open(0, gputypes.DefaultLimits())
		if err != nil {
			inst.Destroy()
			errs = append(errs, fmt.Errorf("%s: open device: %w", api, err))
			continue
		}
		b.instance, b.device, b.queue = inst, od.Device, od.Queue
		b.info = ad.Info
		b.external = false
		b.gen++
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrUnsupported, b.variant.name, errors.Join(errs...))
}

// openAdapter creates an instance for api and picks its best adapter.
// On success the caller owns the instance.
func openAdapter(api gputypes.Backend, tier Tier) (hal.Instance, *hal.ExposedAdapter, error) {
	be, ok := hal.GetBackend(api)
	if !ok {
		return nil, nil, fmt.Errorf("%s: %w", api, hal.ErrBackendNotFound)
	}
	inst, err := be.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, nil, fmt.Errorf("%s: create instance: %w", api, err)
	}
	adapters := inst.EnumerateAdapters(nil)
	ad := pickAdapter(adapters, tier)
	if ad == nil {
		inst.Destroy()
		return nil, nil, fmt.Errorf("%s: no adapters", api)
	}
	return inst, ad, nil
}

// pickAdapter prefers discrete over integrated over anything else. The
// emulated tier prefers CPU adapters.
func pickAdapter(adapters []hal.ExposedAdapter, tier Tier) *hal.ExposedAdapter {
	rank := func(t gputypes.DeviceType) int {
		if tier == TierEmulated {
			if t == gputypes.DeviceTypeCPU {
				return 3
			}
			return 1
		}
		switch t {
		case gputypes.DeviceTypeDiscreteGPU:
			return 4
		case gputypes.DeviceTypeIntegratedGPU:
			return 3
		case gputypes.DeviceTypeVirtualGPU:
			return 2
		default:
			return 1
		}
	}
	var best *hal.ExposedAdapter
	for i := range adapters {
		if best == nil || rank(adapters[i].Info.DeviceType) > rank(best.Info.DeviceType) {
			best = &adapters[i]
		}
	}
	return best
}

func (b *HALBackend) buildPipelinesLocked() error {
	b.modules = make(map[string]hal.ShaderModule, len(Pipelines))
	for _, name := range Pipelines {
		m, err := b.shaders.GetOrCompile(name, SeriesShader)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrShaderCompile, name, err)
		}
		sm, err := b.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
			Label:  name,
			Source: hal.ShaderSource{SPIRV: m.SPIRV},
		})
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrShaderCompile, name, halErr(err))
		}
		b.modules[name] = sm
	}
	return nil
}

// releaseLocked destroys everything the backend created on the device.
func (b *HALBackend) releaseLocked() {
	if b.device != nil {
		for _, sm := range b.modules {
			b.device.DestroyShaderModule(sm)
		}
		for _, s := range []*scratch{&b.vertex, &b.uniform} {
			if s.buf != nil {
				b.device.DestroyBuffer(s.buf)
			}
			*s = scratch{}
		}
	}
	b.modules = nil

	if !b.external {
		if b.device != nil {
			b.device.Destroy()
		}
		if b.instance != nil {
			b.instance.Destroy()
		}
	}
	b.device, b.queue, b.instance = nil, nil, nil
	b.external = false
}

// Close releases the device. Allocations made through Backing must be
// released by their owner first.
func (b *HALBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.raster != nil {
		b.raster.close()
		b.raster = nil
	}
	b.releaseLocked()
	b.initialized = false
	b.frameState = frameState{}
	return nil
}

// SupportsResource reports true for every kind: buffers and textures live
// on the device.
func (b *HALBackend) SupportsResource(memory.Kind) bool { return true }

// Backing returns the device allocator for the memory manager.
func (b *HALBackend) Backing() memory.Backing { return halBacking{b} }

// BeginFrame starts a frame.
func (b *HALBackend) BeginFrame(spec FrameSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return ErrNotInitialized
	}
	return b.begin(b.raster, spec)
}

// SubmitBatch uploads the batch's geometry and uniforms to the device and
// paints it.
func (b *HALBackend) SubmitBatch(ctx context.Context, batch pipeline.Batch) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return ErrNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := b.modules[batch.Pipeline]; !ok {
		return fmt.Errorf("%w: unknown pipeline %q", ErrShaderCompile, batch.Pipeline)
	}
	ds, err := b.collect(batch)
	if err != nil {
		return err
	}

	for i, d := range ds {
		vb := d.VertexBytes()
		if len(vb) > 0 {
			dst := b.vertexTarget(batch.Commands[i], uint64(len(vb)))
			if dst == nil {
				if dst, err = b.grow(&b.vertex, uint64(len(vb)), gputypes.BufferUsageVertex); err != nil {
					return err
				}
			}
			if err := b.queue.WriteBuffer(dst, 0, vb); err != nil {
				return b.deviceErr(err)
			}
			b.stats.Uploaded += len(vb)
		}

		ub := d.UniformBytes()
		ubuf, err := b.grow(&b.uniform, uint64(len(ub)), gputypes.BufferUsageUniform)
		if err != nil {
			return err
		}
		if err := b.queue.WriteBuffer(ubuf, 0, ub); err != nil {
			return b.deviceErr(err)
		}
		b.stats.Uploaded += len(ub)
	}

	b.raster.paint(b.target, ds, b.scale)
	return nil
}

// vertexTarget returns the command's own vertex allocation when it is big
// enough and belongs to the current device.
func (b *HALBackend) vertexTarget(c pipeline.Command, need uint64) hal.Buffer {
	if b.env.Resources == nil {
		return nil
	}
	for _, h := range c.Resources {
		v, ok := b.env.Resources.Resource(h)
		if !ok {
			continue
		}
		r, ok := v.(*halResource)
		if ok && r.gen == b.gen && r.kind == memory.KindVertex && r.buffer != nil && r.size >= need {
			return r.buffer
		}
	}
	return nil
}

func (b *HALBackend) grow(s *scratch, need uint64, usage gputypes.BufferUsage) (hal.Buffer, error) {
	if s.buf != nil && s.size >= need {
		return s.buf, nil
	}
	size := max(need, 256, s.size*2)
	buf, err := b.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "chartgpu.scratch",
		Size:  size,
		Usage: usage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, b.deviceErr(err)
	}
	if s.buf != nil {
		b.device.DestroyBuffer(s.buf)
	}
	s.buf, s.size = buf, size
	return buf, nil
}

// deviceErr maps err and counts device losses.
func (b *HALBackend) deviceErr(err error) error {
	err = halErr(err)
	if errors.Is(err, ErrDeviceLost) {
		b.lost++
	}
	return err
}

// EndFrame waits for the device and returns the composed frame.
func (b *HALBackend) EndFrame() (*image.RGBA, FrameStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return nil, FrameStats{}, ErrNotInitialized
	}
	if b.inFrame {
		if err := b.device.WaitIdle(); err != nil {
			b.inFrame = false
			return nil, FrameStats{}, b.deviceErr(err)
		}
	}
	img, st, err := b.end()
	if err == nil {
		b.frames++
	}
	return img, st, err
}

// RecreateDevice drops the device and opens a new one. Allocations made
// on the old device become stale and are skipped until their owner
// releases them.
func (b *HALBackend) RecreateDevice(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	b.releaseLocked()
	b.frameState.inFrame = false
	if err := b.acquireLocked(); err != nil {
		b.initialized = false
		return err
	}
	if err := b.buildPipelinesLocked(); err != nil {
		b.releaseLocked()
		b.initialized = false
		return err
	}
	if b.raster == nil {
		b.raster = newRaster(b.env.Workers)
	}
	b.initialized = true
	b.logger.Info("hal: device recreated", "backend", b.variant.name, "generation", b.gen)
	return nil
}

// Status reports the backend state.
func (b *HALBackend) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Status{
		Name:        b.variant.name,
		Tier:        b.variant.tier,
		Initialized: b.initialized,
		Frames:      b.frames,
		LastFrame:   b.last,
		DeviceLost:  b.lost,
	}
	if b.device != nil {
		s.Device = fmt.Sprintf("%s (%s, %s)", b.info.Name, b.info.Backend, b.info.DeviceType)
	}
	return s
}

// halBacking creates allocation objects on the backend's device.
type halBacking struct{ b *HALBackend }

// Create makes a buffer or texture for a.
func (hb halBacking) Create(a *memory.Allocation) (any, error) {
	b := hb.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.device == nil {
		return nil, ErrNotInitialized
	}
	r := &halResource{gen: b.gen, kind: a.Kind, size: a.Size}
	label := fmt.Sprintf("chartgpu.%s.%s", a.Kind, a.Handle)

	if a.Kind.IsTexture() {
		usage := gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst
		if a.Kind == memory.KindRenderTarget {
			usage = gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc
		}
		tex, err := b.device.CreateTexture(&hal.TextureDescriptor{
			Label:         label,
			Size:          hal.Extent3D{Width: max(a.Width, 1), Height: max(a.Height, 1), DepthOrArrayLayers: 1},
			MipLevelCount: 1,
			SampleCount:   1,
			Dimension:     gputypes.TextureDimension2D,
			Format:        gputypes.TextureFormatRGBA8Unorm,
			Usage:         usage,
		})
		if err != nil {
			return nil, b.deviceErr(err)
		}
		r.texture = tex
		return r, nil
	}

	usage := gputypes.BufferUsageCopyDst
	switch a.Kind {
	case memory.KindVertex:
		usage |= gputypes.BufferUsageVertex
	case memory.KindIndex:
		usage |= gputypes.BufferUsageIndex
	case memory.KindUniform:
		usage |= gputypes.BufferUsageUniform
	}
	buf, err := b.device.CreateBuffer(&hal.BufferDescriptor{Label: label, Size: a.Size, Usage: usage})
	if err != nil {
		return nil, b.deviceErr(err)
	}
	r.buffer = buf
	return r, nil
}

// Release destroys a's device object if it belongs to the current device.
func (hb halBacking) Release(a *memory.Allocation) {
	r, ok := a.Resource.(*halResource)
	if !ok {
		return
	}
	b := hb.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.device == nil || r.gen != b.gen {
		return
	}
	if r.buffer != nil {
		b.device.DestroyBuffer(r.buffer)
	}
	if r.texture != nil {
		b.device.DestroyTexture(r.texture)
	}
}

// halErr maps HAL errors onto backend sentinels, keeping the cause.
func halErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, hal.ErrDeviceLost):
		return fmt.Errorf("%w: %w", ErrDeviceLost, err)
	case errors.Is(err, hal.ErrDeviceOutOfMemory):
		return fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	case errors.Is(err, hal.ErrBackendNotFound):
		return fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	return err
}
