package backend

import (
	"context"
	"image"
	"sync"

	"github.com/gogpu/chartgpu/pipeline"
)

// Op names a backend operation faults can be injected into.
type Op string

const (
	OpInit     Op = "init"
	OpBegin    Op = "begin"
	OpSubmit   Op = "submit"
	OpEnd      Op = "end"
	OpRecreate Op = "recreate"
)

// FaultInjector wraps a Backend and fails chosen operations. It is used by
// recovery drills and tests; with nothing queued it is transparent.
type FaultInjector struct {
	Backend

	mu     sync.Mutex
	queued map[Op][]error
	fired  map[Op]int
}

// NewFaultInjector wraps b.
func NewFaultInjector(b Backend) *FaultInjector {
	return &FaultInjector{
		Backend: b,
		queued:  make(map[Op][]error),
		fired:   make(map[Op]int),
	}
}

// Inject makes the next n calls of op fail with err.
func (f *FaultInjector) Inject(op Op, err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for range n {
		f.queued[op] = append(f.queued[op], err)
	}
}

// Reset drops every queued fault.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.queued)
}

// Fired returns how many faults of op were returned.
func (f *FaultInjector) Fired(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fired[op]
}

// Unwrap returns the wrapped backend.
func (f *FaultInjector) Unwrap() Backend { return f.Backend }

func (f *FaultInjector) next(op Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queued[op]
	if len(q) == 0 {
		return nil
	}
	f.queued[op] = q[1:]
	f.fired[op]++
	return q[0]
}

func (f *FaultInjector) Init(ctx context.Context) error {
	if err := f.next(OpInit); err != nil {
		return err
	}
	return f.Backend.Init(ctx)
}

func (f *FaultInjector) BeginFrame(spec FrameSpec) error {
	if err := f.next(OpBegin); err != nil {
		return err
	}
	return f.Backend.BeginFrame(spec)
}

func (f *FaultInjector) SubmitBatch(ctx context.Context, b pipeline.Batch) error {
	if err := f.next(OpSubmit); err != nil {
		return err
	}
	return f.Backend.SubmitBatch(ctx, b)
}

// EndFrame always finishes the wrapped frame so a failed frame never leaves
// the backend mid-frame.
func (f *FaultInjector) EndFrame() (*image.RGBA, FrameStats, error) {
	img, st, err := f.Backend.EndFrame()
	if ferr := f.next(OpEnd); ferr != nil {
		return nil, st, ferr
	}
	return img, st, err
}

func (f *FaultInjector) RecreateDevice(ctx context.Context) error {
	if err := f.next(OpRecreate); err != nil {
		return err
	}
	return f.Backend.RecreateDevice(ctx)
}
