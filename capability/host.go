package capability

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
	sysmem "github.com/pbnjay/memory"
)

// HostInfo is a snapshot of the machine the renderer runs on.
type HostInfo struct {
	OS            string   `json:"os" yaml:"os"`
	Arch          string   `json:"arch" yaml:"arch"`
	Kernel        string   `json:"kernel,omitempty" yaml:"kernel,omitempty"`
	CPUBrand      string   `json:"cpu_brand" yaml:"cpu_brand"`
	CPUVendor     string   `json:"cpu_vendor" yaml:"cpu_vendor"`
	LogicalCores  int      `json:"logical_cores" yaml:"logical_cores"`
	PhysicalCores int      `json:"physical_cores" yaml:"physical_cores"`
	SIMD          []string `json:"simd,omitempty" yaml:"simd,omitempty"`
	TotalMemory   uint64   `json:"total_memory" yaml:"total_memory"`
	GoVersion     string   `json:"go_version" yaml:"go_version"`
}

// simdFeatures are the vector extensions worth reporting.
var simdFeatures = []cpuid.FeatureID{
	cpuid.SSE2, cpuid.SSE4, cpuid.SSE42, cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F,
	cpuid.ASIMD, cpuid.SVE,
}

// Host collects HostInfo for the current process.
func Host() HostInfo {
	h := HostInfo{
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		Kernel:        kernelRelease(),
		CPUBrand:      cpuid.CPU.BrandName,
		CPUVendor:     cpuid.CPU.VendorString,
		LogicalCores:  cpuid.CPU.LogicalCores,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		TotalMemory:   sysmem.TotalMemory(),
		GoVersion:     runtime.Version(),
	}
	if h.LogicalCores <= 0 {
		h.LogicalCores = runtime.NumCPU()
	}
	if h.PhysicalCores <= 0 {
		h.PhysicalCores = h.LogicalCores
	}
	for _, f := range simdFeatures {
		if cpuid.CPU.Supports(f) {
			h.SIMD = append(h.SIMD, f.String())
		}
	}
	return h
}

// HasSIMD reports whether any vector extension was found.
func (h HostInfo) HasSIMD() bool { return len(h.SIMD) > 0 }
