package backend

import (
	"encoding/binary"
	"fmt"
	"image/color"
	"math"

	"github.com/gogpu/chartgpu/pipeline"
)

// DrawKind selects how a series is drawn.
type DrawKind uint8

const (
	DrawLine DrawKind = iota
	DrawArea
	DrawBars
	DrawScatter
)

// Pipeline names. One GPU pipeline exists per draw kind.
const (
	PipelineLine    = "series.line"
	PipelineArea    = "series.area"
	PipelineBars    = "series.bars"
	PipelineScatter = "series.scatter"
)

// String returns the kind name.
func (k DrawKind) String() string {
	switch k {
	case DrawLine:
		return "line"
	case DrawArea:
		return "area"
	case DrawBars:
		return "bars"
	case DrawScatter:
		return "scatter"
	default:
		return fmt.Sprintf("DrawKind(%d)", k)
	}
}

// Pipeline returns the pipeline name draws of this kind run on.
func (k DrawKind) Pipeline() string {
	switch k {
	case DrawArea:
		return PipelineArea
	case DrawBars:
		return PipelineBars
	case DrawScatter:
		return PipelineScatter
	default:
		return PipelineLine
	}
}

// Draw is the command payload backends understand.
//
// Points holds x,y pairs in normalized plot space: x and y in [0, 1] with
// y growing upwards. Width is in pixels at full resolution.
type Draw struct {
	Kind     DrawKind
	Points   []float32
	Color    color.RGBA
	Width    float32
	Baseline float32
}

// Vertices returns the number of points.
func (d *Draw) Vertices() int { return len(d.Points) / 2 }

// VertexBytes encodes Points as little-endian float32 pairs, the layout of
// the series vertex buffer.
func (d *Draw) VertexBytes() []byte {
	out := make([]byte, len(d.Points)*4)
	for i, v := range d.Points {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// UniformBytes encodes color, width and baseline as the 8-float uniform block.
func (d *Draw) UniformBytes() []byte {
	vals := [8]float32{
		float32(d.Color.R) / 255, float32(d.Color.G) / 255,
		float32(d.Color.B) / 255, float32(d.Color.A) / 255,
		d.Width, d.Baseline, 0, 0,
	}
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// drawOf extracts the Draw payload of a command.
func drawOf(c pipeline.Command) (*Draw, error) {
	switch p := c.Payload.(type) {
	case *Draw:
		if p == nil {
			return nil, fmt.Errorf("%w: nil draw", ErrBadPayload)
		}
		return p, nil
	case Draw:
		return &p, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrBadPayload, c.Payload)
	}
}
