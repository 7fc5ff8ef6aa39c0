package chartgpu

import (
	"context"
	"fmt"
	"image"
	"log/slog"

	"github.com/gogpu/chartgpu/backend"
	"github.com/gogpu/chartgpu/memory"
	"github.com/gogpu/chartgpu/pipeline"
)

// uniformSize is the byte size of a series uniform block.
const uniformSize = 32

type seriesAlloc struct {
	vertex  memory.Handle
	uniform memory.Handle
	size    uint64
}

// renderer composes frames on one backend instance. It owns the series
// buffers it allocates from mem and the commands it queues on opt.
//
// A renderer is not safe for concurrent use; the Manager serializes it.
type renderer struct {
	name   string
	b      backend.Backend
	mem    *memory.Manager
	opt    *pipeline.Optimizer
	logger *slog.Logger

	series  map[string]seriesAlloc
	pending map[string]pipeline.ID

	target           memory.Handle
	targetW, targetH int
}

func newRenderer(name string, b backend.Backend, mem *memory.Manager, opt *pipeline.Optimizer, logger *slog.Logger) *renderer {
	return &renderer{
		name:    name,
		b:       b,
		mem:     mem,
		opt:     opt,
		logger:  logger,
		series:  make(map[string]seriesAlloc),
		pending: make(map[string]pipeline.ID),
	}
}

type frameResult struct {
	image    *image.RGBA
	stats    backend.FrameStats
	pipeline pipeline.Stats
}

// frame draws w at quality q. Commands deferred by the frame budget stay
// queued for the next frame; a newer command for the same series, or a
// workload without that series, cancels them.
func (r *renderer) frame(ctx context.Context, w Workload, width, height int, q backend.Quality) (frameResult, error) {
	var out frameResult
	if err := w.Validate(); err != nil {
		return out, err
	}
	if err := r.ensureTarget(width, height); err != nil {
		return out, err
	}

	keys := make(map[string]bool, len(w.Series))
	for i, s := range w.Series {
		keys[s.key(i)] = true
	}
	for key, id := range r.pending {
		if !keys[key] {
			r.opt.Cancel(id)
			delete(r.pending, key)
		}
	}

	draws := w.draws(q.Settings().MaxPointsPerSeries)
	for i, d := range draws {
		s := w.Series[i]
		key := s.key(i)
		sa, err := r.ensureSeries(key, d)
		if err != nil {
			return out, err
		}

		if id, ok := r.pending[key]; ok {
			r.opt.Cancel(id)
		}
		id, err := r.opt.Add(pipeline.Command{
			Pipeline:  d.Kind.Pipeline(),
			Resources: []memory.Handle{sa.vertex, sa.uniform, r.target},
			Priority:  s.Priority,
			Payload:   d,
		})
		if err != nil {
			return out, err
		}
		r.pending[key] = id
	}

	spec := backend.FrameSpec{Width: width, Height: height, Quality: q, Background: w.theme().Background}
	if err := r.b.BeginFrame(spec); err != nil {
		return out, err
	}
	st, err := r.opt.Execute(ctx, r.b)
	out.pipeline = st
	if err != nil {
		// Close the frame so the next BeginFrame starts clean.
		_, _, _ = r.b.EndFrame()
		return out, err
	}
	img, fs, err := r.b.EndFrame()
	if err != nil {
		return out, err
	}
	if st.Deferred == 0 {
		clear(r.pending)
	} else {
		r.logger.Debug("chartgpu: frame budget deferred work",
			"backend", r.name, "deferred", st.Deferred, "elapsed", st.Elapsed)
	}
	out.image, out.stats = img, fs
	return out, nil
}

// ensureTarget keeps one render-target allocation sized to the frame.
func (r *renderer) ensureTarget(w, h int) error {
	if r.mem.IsLive(r.target) && r.targetW == w && r.targetH == h {
		r.mem.Touch(r.target)
		return nil
	}
	r.mem.Deallocate(r.target)
	t, err := r.mem.AllocateTexture(memory.KindRenderTarget, uint32(w), uint32(h), memory.PriorityHigh)
	if err != nil {
		return fmt.Errorf("render target %dx%d: %w", w, h, err)
	}
	r.target, r.targetW, r.targetH = t, w, h
	return nil
}

// ensureSeries reuses a series' buffers while they are live and large
// enough, and reallocates them otherwise.
func (r *renderer) ensureSeries(key string, d *backend.Draw) (seriesAlloc, error) {
	size := uint64(max(len(d.Points)*4, 8))
	sa, ok := r.series[key]
	if ok && r.mem.IsLive(sa.vertex) && r.mem.IsLive(sa.uniform) && sa.size >= size {
		r.mem.Touch(sa.vertex)
		r.mem.Touch(sa.uniform)
		return sa, nil
	}
	if ok {
		r.mem.Deallocate(sa.vertex)
		r.mem.Deallocate(sa.uniform)
		delete(r.series, key)
	}

	v, err := r.mem.Allocate(memory.KindVertex, size, memory.PriorityMedium)
	if err != nil {
		return sa, fmt.Errorf("series %s vertices: %w", key, err)
	}
	u, err := r.mem.Allocate(memory.KindUniform, uniformSize, memory.PriorityHigh)
	if err != nil {
		r.mem.Deallocate(v)
		return sa, fmt.Errorf("series %s uniforms: %w", key, err)
	}
	sa = seriesAlloc{vertex: v, uniform: u, size: size}
	r.series[key] = sa
	return sa, nil
}

// release cancels queued work and frees every allocation the renderer made.
func (r *renderer) release() {
	for _, id := range r.pending {
		r.opt.Cancel(id)
	}
	clear(r.pending)
	for _, sa := range r.series {
		r.mem.Deallocate(sa.vertex)
		r.mem.Deallocate(sa.uniform)
	}
	clear(r.series)
	r.mem.Deallocate(r.target)
	r.target = memory.Handle{}
}

// close releases resources and the backend.
func (r *renderer) close() error {
	r.release()
	if err := r.b.Close(); err != nil {
		return fmt.Errorf("close %s: %w", r.name, err)
	}
	return nil
}
