package chartgpu

import (
	"errors"
	"fmt"
	"image/color"
	"math"

	"github.com/gogpu/chartgpu/backend"
	"github.com/gogpu/chartgpu/pipeline"
)

// ErrInvalidWorkload is returned for malformed series data.
var ErrInvalidWorkload = errors.New("chartgpu: invalid workload")

// Series kinds.
const (
	KindLine    = backend.DrawLine
	KindArea    = backend.DrawArea
	KindBars    = backend.DrawBars
	KindScatter = backend.DrawScatter
)

// Series is one plotted data set. Values are plain numbers; the chart
// layer has already resolved colors.
type Series struct {
	// ID keys the series' GPU buffers across frames. Empty uses the index.
	ID string

	Kind backend.DrawKind

	// X is optional; nil plots Y against its index.
	X []float64
	Y []float64

	// Color zero means the theme palette entry for the series index.
	Color color.RGBA

	// Width is the stroke width or point size in pixels. Zero uses the
	// theme's LineWidth.
	Width float32

	// Priority orders submission. The zero value is pipeline.PriorityLow;
	// overlays that must land this frame use PriorityHigh.
	Priority pipeline.Priority
}

// Theme is the pre-resolved visual descriptor.
type Theme struct {
	Background color.RGBA
	Palette    []color.RGBA
	LineWidth  float32
}

// DefaultTheme is used when a workload carries a zero Theme.
var DefaultTheme = Theme{
	Background: color.RGBA{R: 255, G: 255, B: 255, A: 255},
	Palette: []color.RGBA{
		{R: 31, G: 119, B: 180, A: 255},
		{R: 255, G: 127, B: 14, A: 255},
		{R: 44, G: 160, B: 44, A: 255},
		{R: 214, G: 39, B: 40, A: 255},
	},
	LineWidth: 2,
}

// Workload is one frame's worth of chart data.
type Workload struct {
	// Width and Height zero use the manager's configured size.
	Width, Height int

	Series []Series
	Theme  Theme
}

// Points returns the total number of data points.
func (w Workload) Points() int {
	n := 0
	for _, s := range w.Series {
		n += len(s.Y)
	}
	return n
}

// Validate checks series shapes.
func (w Workload) Validate() error {
	if w.Width < 0 || w.Height < 0 {
		return fmt.Errorf("%w: negative frame size %dx%d", ErrInvalidWorkload, w.Width, w.Height)
	}
	for i, s := range w.Series {
		if s.X != nil && len(s.X) != len(s.Y) {
			return fmt.Errorf("%w: series %d has %d x and %d y values", ErrInvalidWorkload, i, len(s.X), len(s.Y))
		}
		if s.Kind > backend.DrawScatter {
			return fmt.Errorf("%w: series %d has unknown kind %d", ErrInvalidWorkload, i, s.Kind)
		}
		if s.Priority > pipeline.PriorityCritical {
			return fmt.Errorf("%w: series %d has unknown priority %d", ErrInvalidWorkload, i, s.Priority)
		}
	}
	return nil
}

func (w Workload) theme() Theme {
	t := w.Theme
	if t.Background == (color.RGBA{}) && len(t.Palette) == 0 && t.LineWidth == 0 {
		return DefaultTheme
	}
	if len(t.Palette) == 0 {
		t.Palette = DefaultTheme.Palette
	}
	if t.LineWidth <= 0 {
		t.LineWidth = DefaultTheme.LineWidth
	}
	return t
}

func (s Series) key(i int) string {
	if s.ID != "" {
		return s.ID
	}
	return fmt.Sprintf("#%d", i)
}

func (s Series) x(i int) float64 {
	if s.X == nil {
		return float64(i)
	}
	return s.X[i]
}

// bounds is the data extent shared by every series of a workload.
type bounds struct {
	x0, x1, y0, y1 float64
}

func extent(series []Series) bounds {
	b := bounds{x0: math.Inf(1), x1: math.Inf(-1), y0: math.Inf(1), y1: math.Inf(-1)}
	for _, s := range series {
		for i, y := range s.Y {
			x := s.x(i)
			if !finite(x) || !finite(y) {
				continue
			}
			b.x0, b.x1 = min(b.x0, x), max(b.x1, x)
			b.y0, b.y1 = min(b.y0, y), max(b.y1, y)
		}
		if s.Kind == backend.DrawBars || s.Kind == backend.DrawArea {
			b.y0, b.y1 = min(b.y0, 0), max(b.y1, 0)
		}
	}
	if math.IsInf(b.x0, 0) {
		return bounds{0, 1, 0, 1}
	}
	if b.x0 == b.x1 {
		b.x0, b.x1 = b.x0-0.5, b.x1+0.5
	}
	if b.y0 == b.y1 {
		b.y0, b.y1 = b.y0-0.5, b.y1+0.5
	}
	return b
}

func (b bounds) nx(x float64) float32 { return float32((x - b.x0) / (b.x1 - b.x0)) }
func (b bounds) ny(y float64) float32 { return float32((y - b.y0) / (b.y1 - b.y0)) }

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// draws translates the workload into backend draws in plot space. Series
// longer than maxPoints are decimated; zero means no limit.
func (w Workload) draws(maxPoints int) []*backend.Draw {
	t := w.theme()
	b := extent(w.Series)

	out := make([]*backend.Draw, len(w.Series))
	for i, s := range w.Series {
		d := &backend.Draw{
			Kind:     s.Kind,
			Color:    s.Color,
			Width:    s.Width,
			Baseline: b.ny(clampf(0, b.y0, b.y1)),
		}
		if d.Color == (color.RGBA{}) {
			d.Color = t.Palette[i%len(t.Palette)]
		}
		if d.Width <= 0 {
			d.Width = t.LineWidth
		}

		idx := finiteIndexes(s)
		if maxPoints > 0 && len(idx) > maxPoints {
			idx = decimate(s, idx, maxPoints)
		}
		d.Points = make([]float32, 0, 2*len(idx))
		for _, j := range idx {
			d.Points = append(d.Points, b.nx(s.x(j)), b.ny(s.Y[j]))
		}
		out[i] = d
	}
	return out
}

func finiteIndexes(s Series) []int {
	idx := make([]int, 0, len(s.Y))
	for i, y := range s.Y {
		if finite(y) && finite(s.x(i)) {
			idx = append(idx, i)
		}
	}
	return idx
}

// decimate keeps the minimum and maximum of each bucket, in x order, so
// spikes survive. The result has at most limit points.
func decimate(s Series, idx []int, limit int) []int {
	buckets := max(1, limit/2)
	out := make([]int, 0, 2*buckets)
	for k := range buckets {
		lo := k * len(idx) / buckets
		hi := (k + 1) * len(idx) / buckets
		if lo >= hi {
			continue
		}
		mn, mx := idx[lo], idx[lo]
		for _, j := range idx[lo:hi] {
			if s.Y[j] < s.Y[mn] {
				mn = j
			}
			if s.Y[j] > s.Y[mx] {
				mx = j
			}
		}
		switch {
		case mn == mx:
			out = append(out, mn)
		case mn < mx:
			out = append(out, mn, mx)
		default:
			out = append(out, mx, mn)
		}
	}
	return out
}

func clampf(v, lo, hi float64) float64 { return max(lo, min(hi, v)) }
