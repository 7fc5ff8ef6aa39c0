// Package cache holds compiled shader programs keyed by their WGSL source.
//
// HAL backends compile the chart pipelines through a shared ShaderCache so
// that switching between backends, or recreating a lost device, does not
// recompile unchanged WGSL. The cache is bounded by a soft limit; when it is
// exceeded the least recently used quarter of entries is dropped.
//
//	shaders := cache.NewShaderCache(64)
//	mod, err := shaders.GetOrCompile("series", seriesWGSL)
//	if err != nil {
//		return err
//	}
//	device.CreateShaderModule(&hal.ShaderModuleDescriptor{
//		Label:  mod.Label,
//		Source: hal.ShaderSource{SPIRV: mod.SPIRV},
//	})
//
// # Thread Safety
//
// ShaderCache is safe for concurrent use. Compilation runs under the cache
// lock so a given source is compiled at most once.
package cache
