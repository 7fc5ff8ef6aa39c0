package chartgpu

import (
	"errors"
	"image/color"
	"math"
	"testing"

	"github.com/gogpu/chartgpu/backend"
)

func TestWorkloadValidate(t *testing.T) {
	tests := []struct {
		name string
		w    Workload
		ok   bool
	}{
		{"empty", Workload{}, true},
		{"y only", Workload{Series: []Series{{Y: []float64{1, 2}}}}, true},
		{"x and y", Workload{Series: []Series{{X: []float64{0, 1}, Y: []float64{1, 2}}}}, true},
		{"length mismatch", Workload{Series: []Series{{X: []float64{0}, Y: []float64{1, 2}}}}, false},
		{"negative size", Workload{Width: -1}, false},
		{"unknown kind", Workload{Series: []Series{{Kind: backend.DrawScatter + 1}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.w.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() = %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidWorkload) {
				t.Errorf("Validate() = %v, want ErrInvalidWorkload", err)
			}
		})
	}
}

func TestExtent(t *testing.T) {
	tests := []struct {
		name   string
		series []Series
		want   bounds
	}{
		{"empty", nil, bounds{0, 1, 0, 1}},
		{"line", []Series{{Kind: KindLine, Y: []float64{2, 4}}}, bounds{0, 1, 2, 4}},
		{"bars include zero", []Series{{Kind: KindBars, Y: []float64{2, 4}}}, bounds{0, 1, 0, 4}},
		{"flat padded", []Series{{Kind: KindScatter, X: []float64{3}, Y: []float64{5}}}, bounds{2.5, 3.5, 4.5, 5.5}},
		{"non-finite skipped", []Series{{Y: []float64{1, math.NaN(), math.Inf(1), 3}}}, bounds{0, 3, 1, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extent(tt.series); got != tt.want {
				t.Errorf("extent() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDrawsNormalizesAndStyles(t *testing.T) {
	red := color.RGBA{R: 255, A: 255}
	w := Workload{Series: []Series{
		{Kind: KindBars, Y: []float64{-2, 2}},
		{Kind: KindLine, Y: []float64{0, 1}, Color: red, Width: 3},
	}}
	ds := w.draws(0)
	if len(ds) != 2 {
		t.Fatalf("draws() = %d, want 2", len(ds))
	}

	bars := ds[0]
	if bars.Color != DefaultTheme.Palette[0] || bars.Width != DefaultTheme.LineWidth {
		t.Errorf("bars style = %v / %v", bars.Color, bars.Width)
	}
	if bars.Baseline != 0.5 {
		t.Errorf("Baseline = %v, want 0.5", bars.Baseline)
	}
	want := []float32{0, 0, 1, 1}
	for i, v := range want {
		if bars.Points[i] != v {
			t.Fatalf("bars points = %v, want %v", bars.Points, want)
		}
	}
	if ds[1].Color != red || ds[1].Width != 3 {
		t.Errorf("line style = %v / %v", ds[1].Color, ds[1].Width)
	}
}

func TestDecimateKeepsSpikes(t *testing.T) {
	y := make([]float64, 1000)
	y[503] = 100
	y[250] = -50
	s := Series{Y: y}

	ds := Workload{Series: []Series{s}}.draws(100)
	if n := len(ds[0].Points) / 2; n > 100 {
		t.Errorf("decimated to %d points, limit 100", n)
	}

	idx := decimate(s, finiteIndexes(s), 100)
	var hasMax, hasMin bool
	for i, j := range idx {
		if i > 0 && j <= idx[i-1] {
			t.Fatalf("indexes out of order: %v", idx)
		}
		hasMax = hasMax || j == 503
		hasMin = hasMin || j == 250
	}
	if !hasMax || !hasMin {
		t.Errorf("decimation lost a spike: max %v, min %v", hasMax, hasMin)
	}
}

func TestWorkloadPoints(t *testing.T) {
	w := Workload{Series: []Series{{Y: make([]float64, 3)}, {Y: make([]float64, 4)}}}
	if got := w.Points(); got != 7 {
		t.Errorf("Points() = %d, want 7", got)
	}
}
