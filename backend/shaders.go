package backend

import (
	_ "embed"
)

// SeriesShader is the WGSL source shared by every series pipeline.
//
//go:embed shaders/series.wgsl
var SeriesShader string

// Pipelines lists every pipeline a HAL backend builds at Init.
var Pipelines = []string{PipelineLine, PipelineArea, PipelineBars, PipelineScatter}
