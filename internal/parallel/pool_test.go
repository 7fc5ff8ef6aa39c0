package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
)

func TestNewPoolDefaults(t *testing.T) {
	p := NewPool(0)
	defer p.Close()

	if p.Workers() != runtime.GOMAXPROCS(0) {
		t.Errorf("Workers() = %d, want GOMAXPROCS", p.Workers())
	}
}

func TestRunExecutesAll(t *testing.T) {
	p := NewPool(4)
	defer p.Close()

	var n atomic.Int64
	tasks := make([]func(), 100)
	for i := range tasks {
		tasks[i] = func() { n.Add(1) }
	}
	p.Run(tasks)

	if n.Load() != 100 {
		t.Errorf("ran %d tasks, want 100", n.Load())
	}
}

func TestRunAfterClose(t *testing.T) {
	p := NewPool(2)
	p.Close()
	p.Close()

	ran := false
	p.Run([]func(){func() { ran = true }})
	if !ran {
		t.Error("Run after Close should execute inline")
	}
}

func TestBandsCoverEveryRowOnce(t *testing.T) {
	tests := []struct {
		height, bands int
	}{
		{100, 4},
		{7, 3},
		{3, 8},
		{1, 1},
		{480, 0},
	}

	for _, tt := range tests {
		p := NewPool(3)
		var mu sync.Mutex
		seen := make([]int, tt.height)

		p.Bands(tt.height, tt.bands, func(y0, y1 int) {
			mu.Lock()
			defer mu.Unlock()
			for y := y0; y < y1; y++ {
				seen[y]++
			}
		})
		p.Close()

		for y, c := range seen {
			if c != 1 {
				t.Errorf("height=%d bands=%d: row %d visited %d times", tt.height, tt.bands, y, c)
				break
			}
		}
	}
}

func TestBandsZeroHeight(t *testing.T) {
	p := NewPool(2)
	defer p.Close()

	p.Bands(0, 4, func(int, int) { t.Error("fn called for empty frame") })
}
