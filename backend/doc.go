// Package backend provides the rendering backends a chart manager selects
// from.
//
// Four backends exist, ordered by Tier:
//
//   - "native": Vulkan, Metal or DX12 through gogpu/wgpu HAL
//   - "gles": OpenGL / GLES through gogpu/wgpu HAL
//   - "emulated": a CPU-implemented HAL adapter
//   - "software": the pure Go raster (always available)
//
// HAL backends only find a device when the host imports the matching HAL
// packages:
//
//	import _ "github.com/gogpu/wgpu/hal/vulkan"
//
// # Registry
//
// A Registry maps names to factories and probers. DefaultRegistry holds the
// four built-in backends:
//
//	r := backend.DefaultRegistry()
//	b, err := r.New(backend.NameSoftware, backend.Env{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := b.Init(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer b.Close()
//
// # Frames
//
// Work is submitted as pipeline batches of Draw payloads between BeginFrame
// and EndFrame. Quality controls the internal resolution, resampling
// filter and series decimation.
//
// # Probing
//
// Each backend has a Prober. Probe opens a throwaway device, checks the
// tier's minimum features and never fails: problems are recorded on the
// returned Capability.
package backend
