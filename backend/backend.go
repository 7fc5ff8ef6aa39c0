package backend

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/gogpu/chartgpu/memory"
	"github.com/gogpu/chartgpu/pipeline"
)

// Common backend errors. Recovery classification matches on these.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not registered.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrNotInitialized is returned when operations are called before Init.
	ErrNotInitialized = errors.New("backend: not initialized")

	// ErrUnsupported means the environment cannot run this backend at all.
	ErrUnsupported = errors.New("backend: unsupported")

	// ErrDeviceLost means the GPU device or context was invalidated.
	ErrDeviceLost = errors.New("backend: device lost")

	// ErrOutOfMemory means the device could not allocate a resource.
	ErrOutOfMemory = errors.New("backend: out of device memory")

	// ErrShaderCompile means a shader or pipeline failed to build.
	ErrShaderCompile = errors.New("backend: shader compilation failed")

	// ErrBadPayload is returned when a command carries an unknown payload.
	ErrBadPayload = errors.New("backend: unsupported command payload")

	// ErrNoFrame is returned when submitting outside BeginFrame/EndFrame.
	ErrNoFrame = errors.New("backend: no frame in progress")
)

// Backend names.
const (
	NameNative   = "native"
	NameGLES     = "gles"
	NameEmulated = "emulated"
	NameSoftware = "software"
)

// Tier orders backends by hardware proximity. Higher is preferred.
type Tier uint8

const (
	// TierSoftware is the pure Go raster. Always available.
	TierSoftware Tier = iota

	// TierEmulated is a GPU API implemented on the CPU (software HAL adapter).
	TierEmulated

	// TierGL is the fixed-function OpenGL / GLES path.
	TierGL

	// TierNative is a modern explicit API (Vulkan, Metal, DX12).
	TierNative
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierSoftware:
		return "software"
	case TierEmulated:
		return "emulated"
	case TierGL:
		return "gl"
	case TierNative:
		return "native"
	default:
		return fmt.Sprintf("Tier(%d)", t)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	for v := TierSoftware; v <= TierNative; v++ {
		if v.String() == string(b) {
			*t = v
			return nil
		}
	}
	return fmt.Errorf("backend: unknown tier %q", b)
}

// FrameSpec describes the frame about to be drawn.
type FrameSpec struct {
	Width, Height int
	Quality       Quality
	Background    color.RGBA
}

// FrameStats summarizes one finished frame.
type FrameStats struct {
	Draws    int `json:"draws"`
	Batches  int `json:"batches"`
	Vertices int `json:"vertices"`
	Uploaded int `json:"uploaded_bytes"`
}

// Status is a point-in-time report of a backend.
type Status struct {
	Name        string     `json:"name"`
	Tier        Tier       `json:"tier"`
	Initialized bool       `json:"initialized"`
	Device      string     `json:"device,omitempty"`
	Frames      uint64     `json:"frames"`
	LastFrame   FrameStats `json:"last_frame"`
	DeviceLost  uint64     `json:"device_lost"`
}

// Backend is one rendering implementation.
//
// The set of implementations is closed: software, HAL-backed (native, GL,
// emulated) and the fault-injection wrapper used by drills. Backends satisfy
// pipeline.Submitter so the optimizer can drain into them directly.
type Backend interface {
	Name() string
	Tier() Tier

	// Init acquires the device. Calling Init twice is a no-op.
	Init(ctx context.Context) error

	// Close releases everything. The backend may be re-initialized.
	Close() error

	// SupportsResource reports whether the backend keeps allocations of
	// this kind on the device.
	SupportsResource(kind memory.Kind) bool

	// Backing returns the device-side allocator for the memory manager, or
	// nil when allocations are host-only.
	Backing() memory.Backing

	BeginFrame(spec FrameSpec) error
	SubmitBatch(ctx context.Context, b pipeline.Batch) error
	EndFrame() (*image.RGBA, FrameStats, error)

	// RecreateDevice drops and re-acquires the device after a loss.
	RecreateDevice(ctx context.Context) error

	Status() Status

	sealed()
}

// ResourceResolver maps memory handles to the device objects behind them.
// memory.Manager implements it.
type ResourceResolver interface {
	Resource(h memory.Handle) (any, bool)
}
