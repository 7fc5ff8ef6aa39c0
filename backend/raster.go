package backend

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/vector"

	"github.com/gogpu/chartgpu/internal/parallel"
)

// raster paints Draws into an RGBA frame. Every frame is split into
// horizontal bands that are painted concurrently; within a band draws are
// applied in submission order, so overlap resolves the same way as on a GPU.
type raster struct {
	pool  *parallel.Pool
	bands int
}

func newRaster(workers int) *raster {
	p := parallel.NewPool(workers)
	return &raster{pool: p, bands: p.Workers() * 2}
}

func (r *raster) close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// clear fills dst with c.
func (r *raster) clear(dst *image.RGBA, c color.RGBA) {
	draw.Draw(dst, dst.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
}

// paint draws ds onto dst. widthScale converts full-resolution pixel widths
// to dst pixels.
func (r *raster) paint(dst *image.RGBA, ds []*Draw, widthScale float32) {
	if len(ds) == 0 {
		return
	}
	b := dst.Bounds()
	w, h := b.Dx(), b.Dy()

	r.pool.Bands(h, r.bands, func(y0, y1 int) {
		band := dst.SubImage(image.Rect(b.Min.X, b.Min.Y+y0, b.Max.X, b.Min.Y+y1)).(*image.RGBA)
		z := vector.NewRasterizer(w, y1-y0)
		for _, d := range ds {
			z.Reset(w, y1-y0)
			p := pather{z: z, w: float32(w), h: float32(h), dy: float32(y0)}
			if !p.trace(d, widthScale) {
				continue
			}
			z.DrawOp = draw.Over
			z.Draw(band, band.Bounds(), image.NewUniform(d.Color), image.Point{})
		}
	})
}

// upscale resamples src into dst with the filter named by a quality tier.
func upscale(dst, src *image.RGBA, filter string) {
	var k draw.Interpolator
	switch filter {
	case "nearest":
		k = draw.NearestNeighbor
	case "bilinear":
		k = draw.ApproxBiLinear
	default:
		k = draw.CatmullRom
	}
	k.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
}

// pather converts normalized plot coordinates to band-local pixels and
// emits vector paths.
type pather struct {
	z    *vector.Rasterizer
	w, h float32
	dy   float32 // band offset
}

func (p *pather) pt(x, y float32) (float32, float32) {
	return x * p.w, (1-y)*p.h - p.dy
}

// trace emits the path for d. It reports false if nothing was emitted.
func (p *pather) trace(d *Draw, widthScale float32) bool {
	n := d.Vertices()
	if n == 0 {
		return false
	}
	width := d.Width * widthScale
	if width <= 0 {
		width = widthScale
	}

	switch d.Kind {
	case DrawArea:
		if n < 2 {
			return false
		}
		x0, yb := p.pt(d.Points[0], d.Baseline)
		p.z.MoveTo(x0, yb)
		for i := 0; i < n; i++ {
			p.z.LineTo(p.pt(d.Points[2*i], d.Points[2*i+1]))
		}
		xn, _ := p.pt(d.Points[2*(n-1)], d.Baseline)
		p.z.LineTo(xn, yb)
		p.z.ClosePath()

	case DrawBars:
		half := width / 2
		if d.Width <= 0 && n > 0 {
			half = 0.4 * p.w / float32(n)
		}
		for i := 0; i < n; i++ {
			cx, top := p.pt(d.Points[2*i], d.Points[2*i+1])
			_, base := p.pt(d.Points[2*i], d.Baseline)
			p.rect(cx-half, min(top, base), cx+half, max(top, base))
		}

	case DrawScatter:
		half := max(width, 2) / 2
		for i := 0; i < n; i++ {
			cx, cy := p.pt(d.Points[2*i], d.Points[2*i+1])
			p.rect(cx-half, cy-half, cx+half, cy+half)
		}

	default:
		if n == 1 {
			cx, cy := p.pt(d.Points[0], d.Points[1])
			p.rect(cx-width/2, cy-width/2, cx+width/2, cy+width/2)
			return true
		}
		for i := 0; i+1 < n; i++ {
			ax, ay := p.pt(d.Points[2*i], d.Points[2*i+1])
			bx, by := p.pt(d.Points[2*i+2], d.Points[2*i+3])
			p.segment(ax, ay, bx, by, width/2)
		}
	}
	return true
}

// rect emits an axis-aligned rectangle, clockwise in screen space.
func (p *pather) rect(x0, y0, x1, y1 float32) {
	p.z.MoveTo(x0, y0)
	p.z.LineTo(x1, y0)
	p.z.LineTo(x1, y1)
	p.z.LineTo(x0, y1)
	p.z.ClosePath()
}

// segment emits a quad of half-width hw around a-b. The rasterizer sums
// signed coverage, so every quad is wound the same way; otherwise
// overlapping joins of a zig-zag series would cancel out.
func (p *pather) segment(ax, ay, bx, by, hw float32) {
	dx, dy := bx-ax, by-ay
	l := float32(math.Hypot(float64(dx), float64(dy)))
	if l == 0 {
		p.rect(ax-hw, ay-hw, ax+hw, ay+hw)
		return
	}
	nx, ny := -dy/l*hw, dx/l*hw

	// Extend along the segment by hw to cover the join with the next quad.
	ex, ey := dx/l*hw, dy/l*hw
	q := [4][2]float32{
		{ax - ex + nx, ay - ey + ny},
		{bx + ex + nx, by + ey + ny},
		{bx + ex - nx, by + ey - ny},
		{ax - ex - nx, ay - ey - ny},
	}

	var area float32
	for i := range q {
		j := (i + 1) % 4
		area += q[i][0]*q[j][1] - q[j][0]*q[i][1]
	}
	if area < 0 {
		q[1], q[3] = q[3], q[1]
	}

	p.z.MoveTo(q[0][0], q[0][1])
	p.z.LineTo(q[1][0], q[1][1])
	p.z.LineTo(q[2][0], q[2][1])
	p.z.LineTo(q[3][0], q[3][1])
	p.z.ClosePath()
}
