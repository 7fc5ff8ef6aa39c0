// Command chartdiag probes, tests and benchmarks the chart rendering
// backends available on this machine.
//
// Usage:
//
//	chartdiag probe
//	chartdiag compat --format yaml --baseline last.json
//	chartdiag bench --frames 300 --points 50000
//	chartdiag dump -o report.json.br
//	chartdiag serve --listen :8089
package main

import (
	"fmt"
	"os"

	_ "github.com/gogpu/wgpu/hal/noop"
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/chartgpu/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
