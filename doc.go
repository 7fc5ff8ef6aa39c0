// Package chartgpu is an adaptive rendering core for chart applications.
//
// # Overview
//
// A Manager picks the best rendering backend the host supports, keeps GPU
// allocations under a memory budget, batches draw commands by priority and
// recovers from rendering failures by retrying, recreating the device,
// lowering quality or falling back to a lesser backend.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/chartgpu"
//	    _ "github.com/gogpu/wgpu/hal/vulkan"
//	)
//
//	m, err := chartgpu.NewManager(chartgpu.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer m.Cleanup()
//
//	if _, err := m.Initialize(ctx); err != nil {
//	    return err
//	}
//	res, err := m.Render(ctx, chartgpu.Workload{
//	    Series: []chartgpu.Series{{Kind: chartgpu.KindLine, Y: closes}},
//	})
//
// # Backends
//
// Four tiers are registered by default, best first:
//   - native: Vulkan, Metal or DX12 through gogpu/wgpu
//   - gles: OpenGL ES through gogpu/wgpu
//   - emulated: the wgpu software HAL adapter
//   - software: the pure Go raster, always available
//
// HAL backends only find a device when the host imports the matching
// wgpu HAL packages.
//
// # Lifecycle
//
// The manager moves through UNINITIALIZED, PROBING, SELECTING, then ACTIVE
// or DEGRADED. Recovery keeps the manager rendering where it can; once every
// strategy is exhausted it enters FAILED and only Reinitialize leaves it.
//
// # Diagnostics
//
// RunCompatibilityTest, Benchmark and WriteDiagnostics run without
// disturbing the active backend. Their results serialize to JSON and YAML
// for support reports.
package chartgpu

// Version is the library version recorded in diagnostic dumps.
const Version = "0.1.0"
