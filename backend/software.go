package backend

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/gogpu/chartgpu/memory"
	"github.com/gogpu/chartgpu/pipeline"
)

// SoftwareBackend is the CPU raster. It is always available and is the
// last fallback of every recovery chain.
type SoftwareBackend struct {
	mu      sync.Mutex
	logger  *slog.Logger
	workers int

	raster      *raster
	initialized bool

	frameState
	frames uint64
}

// frameState is shared by every backend that composes frames on the host.
type frameState struct {
	inFrame bool
	spec    FrameSpec
	target  *image.RGBA // scaled canvas
	scale   float32
	stats   FrameStats
	last    FrameStats
}

// NewSoftwareBackend creates a software backend. Workers <= 0 uses GOMAXPROCS.
func NewSoftwareBackend(env Env) *SoftwareBackend {
	return &SoftwareBackend{logger: env.logger(), workers: env.Workers}
}

// Name returns the backend identifier.
func (b *SoftwareBackend) Name() string { return NameSoftware }

// Tier returns TierSoftware.
func (b *SoftwareBackend) Tier() Tier { return TierSoftware }

func (b *SoftwareBackend) sealed() {}

// Init starts the raster worker pool.
func (b *SoftwareBackend) Init(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return nil
	}
	b.raster = newRaster(b.workers)
	b.initialized = true
	b.logger.Debug("software: initialized", "workers", b.raster.pool.Workers())
	return nil
}

// Close stops the worker pool.
func (b *SoftwareBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.raster != nil {
		b.raster.close()
		b.raster = nil
	}
	b.initialized = false
	b.frameState = frameState{}
	return nil
}

// SupportsResource reports false: allocations stay in host memory.
func (b *SoftwareBackend) SupportsResource(memory.Kind) bool { return false }

// Backing returns nil.
func (b *SoftwareBackend) Backing() memory.Backing { return nil }

// BeginFrame allocates the canvas for spec.
func (b *SoftwareBackend) BeginFrame(spec FrameSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return ErrNotInitialized
	}
	return b.begin(b.raster, spec)
}

// SubmitBatch paints every draw of the batch.
func (b *SoftwareBackend) SubmitBatch(_ context.Context, batch pipeline.Batch) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return ErrNotInitialized
	}
	ds, err := b.collect(batch)
	if err != nil {
		return err
	}
	b.raster.paint(b.target, ds, b.scale)
	return nil
}

// EndFrame returns the finished frame at the requested size.
func (b *SoftwareBackend) EndFrame() (*image.RGBA, FrameStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	img, st, err := b.end()
	if err == nil {
		b.frames++
	}
	return img, st, err
}

// RecreateDevice is a no-op; there is no device to lose.
func (b *SoftwareBackend) RecreateDevice(context.Context) error { return nil }

// Status reports the backend state.
func (b *SoftwareBackend) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Status{
		Name:        NameSoftware,
		Tier:        TierSoftware,
		Initialized: b.initialized,
		Device:      fmt.Sprintf("cpu x%d", runtime.GOMAXPROCS(0)),
		Frames:      b.frames,
		LastFrame:   b.last,
	}
}

func (f *frameState) begin(r *raster, spec FrameSpec) error {
	if spec.Width <= 0 || spec.Height <= 0 {
		return fmt.Errorf("backend: invalid frame size %dx%d", spec.Width, spec.Height)
	}
	s := spec.Quality.Settings().ResolutionScale
	w := max(1, int(float64(spec.Width)*s))
	h := max(1, int(float64(spec.Height)*s))

	if f.target == nil || f.target.Bounds().Dx() != w || f.target.Bounds().Dy() != h {
		f.target = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	r.clear(f.target, spec.Background)

	f.spec = spec
	f.scale = float32(s)
	f.stats = FrameStats{}
	f.inFrame = true
	return nil
}

func (f *frameState) collect(batch pipeline.Batch) ([]*Draw, error) {
	if !f.inFrame {
		return nil, ErrNoFrame
	}
	ds := make([]*Draw, 0, batch.Len())
	for _, c := range batch.Commands {
		d, err := drawOf(c)
		if err != nil {
			return nil, err
		}
		ds = append(ds, d)
		f.stats.Vertices += d.Vertices()
	}
	f.stats.Draws += len(ds)
	f.stats.Batches++
	return ds, nil
}

func (f *frameState) end() (*image.RGBA, FrameStats, error) {
	if !f.inFrame {
		return nil, FrameStats{}, ErrNoFrame
	}
	f.inFrame = false
	f.last = f.stats

	out := image.NewRGBA(image.Rect(0, 0, f.spec.Width, f.spec.Height))
	if f.target.Bounds().Eq(out.Bounds()) {
		copy(out.Pix, f.target.Pix)
	} else {
		upscale(out, f.target, f.spec.Quality.Settings().Filter)
	}
	return out, f.stats, nil
}

// SoftwareProber reports the software backend as always supported.
type SoftwareProber struct{}

// Available returns true.
func (SoftwareProber) Available() bool { return true }

// Probe records the host raster capabilities.
func (SoftwareProber) Probe(context.Context) Capability {
	c := Capability{
		Backend:    NameSoftware,
		Tier:       TierSoftware,
		Supported:  true,
		API:        "cpu",
		Vendor:     "gogpu",
		Renderer:   "x/image/vector",
		Driver:     runtime.Version(),
		DeviceType: "CPU",
		ProbedAt:   time.Now(),
	}
	if runtime.GOMAXPROCS(0) > 1 {
		c.Features |= FeatureParallelRaster
	}
	return c
}
