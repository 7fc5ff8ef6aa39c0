package compat

import (
	"bytes"
	"context"
	"fmt"
	"go/version"
	"strconv"
	"strings"

	"github.com/go-text/typesetting/di"
	"github.com/go-text/typesetting/font"
	"github.com/go-text/typesetting/language"
	"github.com/go-text/typesetting/shaping"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/math/fixed"

	"github.com/gogpu/chartgpu/backend"
	"github.com/gogpu/chartgpu/internal/cache"
)

// Thresholds used by the built-in cases.
const (
	MinLogicalCores    = 2
	MinMemoryBytes     = 2 << 30
	MinGoVersion       = "go1.24"
	MinLinuxKernel     = 4
	textSample         = "Vol 1,234.56 +7.8%"
	recommendedCores   = 4
	recommendedMemory  = 8 << 30
	recommendedSIMDx86 = "AVX2"
)

var supportedOS = map[string]bool{"linux": true, "darwin": true, "windows": true}

// BuiltinCases returns the standard cases for env. Backend cases are
// derived from the capability records. shaders compiles the chart
// pipelines.
func BuiltinCases(env Environment, shaders *cache.ShaderCache) []Case {
	cases := []Case{
		{ID: "hardware.cpu", Category: CategoryHardware, Run: cpuCase},
		{ID: "hardware.memory", Category: CategoryHardware, Run: memoryCase},
		{ID: "hardware.simd", Category: CategoryHardware, Run: simdCase},
		{ID: "os.platform", Category: CategoryOS, Run: platformCase},
		{ID: "os.kernel", Category: CategoryOS, Run: kernelCase},
		{ID: IDAnyBackend, Category: CategoryBackend, Critical: true, Run: anyBackendCase},
		{ID: "shader.compile", Category: CategoryShader, Run: shaderCase(shaders)},
		{ID: "software.go_version", Category: CategorySoftware, Run: goVersionCase},
		{ID: "software.text", Category: CategorySoftware, Run: textCase},
	}
	for _, c := range env.Capabilities {
		cases = append(cases, Case{
			ID:       "backend." + c.Backend,
			Category: CategoryBackend,
			Backend:  c.Backend,
			Run:      backendCase(c.Backend),
		})
	}
	return cases
}

func pass(msg string, args ...any) TestResult {
	return TestResult{Outcome: Passed, Message: fmt.Sprintf(msg, args...)}
}

func warn(msg string, args ...any) TestResult {
	return TestResult{Outcome: Warning, Message: fmt.Sprintf(msg, args...)}
}

func fail(msg string, args ...any) TestResult {
	return TestResult{Outcome: Failed, Message: fmt.Sprintf(msg, args...)}
}

func cpuCase(_ context.Context, env Environment) TestResult {
	n := env.Host.LogicalCores
	var r TestResult
	switch {
	case n >= recommendedCores:
		r = pass("%d logical cores", n)
	case n >= MinLogicalCores:
		r = warn("%d logical cores, %d recommended", n, recommendedCores)
	default:
		r = fail("%d logical cores, at least %d required", n, MinLogicalCores)
	}
	r.Measurement = &Measurement{
		Value: float64(n),
		Unit:  "cores",
		Score: clamp(float64(n)/recommendedCores*100, 0, 100),
	}
	return r
}

func memoryCase(_ context.Context, env Environment) TestResult {
	total := env.Host.TotalMemory
	gib := float64(total) / (1 << 30)
	switch {
	case total == 0:
		return warn("total memory unknown")
	case total >= recommendedMemory:
		return pass("%.1f GiB", gib)
	case total >= MinMemoryBytes:
		return warn("%.1f GiB, %d GiB recommended", gib, recommendedMemory>>30)
	default:
		return fail("%.1f GiB, at least %d GiB required", gib, MinMemoryBytes>>30)
	}
}

func simdCase(_ context.Context, env Environment) TestResult {
	simd := env.Host.SIMD
	if len(simd) == 0 {
		return warn("no SIMD extensions detected")
	}
	if env.Host.Arch == "amd64" || env.Host.Arch == "386" {
		for _, s := range simd {
			if s == recommendedSIMDx86 {
				return pass("%s", strings.Join(simd, " "))
			}
		}
		return warn("%s (no %s)", strings.Join(simd, " "), recommendedSIMDx86)
	}
	return pass("%s", strings.Join(simd, " "))
}

func platformCase(_ context.Context, env Environment) TestResult {
	if supportedOS[env.Host.OS] {
		return pass("%s/%s", env.Host.OS, env.Host.Arch)
	}
	return warn("%s/%s is untested", env.Host.OS, env.Host.Arch)
}

func kernelCase(_ context.Context, env Environment) TestResult {
	rel := env.Host.Kernel
	if rel == "" {
		return warn("kernel release unknown")
	}
	if env.Host.OS != "linux" {
		return pass("%s", rel)
	}
	major, ok := kernelMajor(rel)
	switch {
	case !ok:
		return warn("unparsable kernel release %q", rel)
	case major < MinLinuxKernel:
		return fail("kernel %s, %d.x or newer required", rel, MinLinuxKernel)
	default:
		return pass("%s", rel)
	}
}

func kernelMajor(rel string) (int, bool) {
	head, _, _ := strings.Cut(rel, ".")
	n, err := strconv.Atoi(head)
	return n, err == nil
}

func anyBackendCase(_ context.Context, env Environment) TestResult {
	var ok []string
	for _, c := range env.Capabilities {
		if c.Meets() {
			ok = append(ok, c.Backend)
		}
	}
	if len(ok) == 0 {
		return fail("no backend meets its minimum feature set")
	}
	return pass("%s", strings.Join(ok, ", "))
}

func backendCase(name string) func(context.Context, Environment) TestResult {
	return func(_ context.Context, env Environment) TestResult {
		for _, c := range env.Capabilities {
			if c.Backend != name {
				continue
			}
			if c.Meets() {
				return pass("%s %s [%s]", c.Vendor, c.Renderer, c.Features)
			}
			return fail("%s", c.Reason)
		}
		return fail("backend %s was not probed", name)
	}
}

func shaderCase(shaders *cache.ShaderCache) func(context.Context, Environment) TestResult {
	return func(context.Context, Environment) TestResult {
		m, err := shaders.GetOrCompile("compat.series", backend.SeriesShader)
		if err != nil {
			return fail("%v", err)
		}
		return TestResult{
			Outcome:     Passed,
			Message:     fmt.Sprintf("series shader compiled for %d pipelines", len(backend.Pipelines)),
			Measurement: &Measurement{Value: float64(len(m.SPIRV)), Unit: "words", Score: 100},
		}
	}
}

func goVersionCase(_ context.Context, env Environment) TestResult {
	v := env.Host.GoVersion
	if !version.IsValid(v) {
		return warn("unrecognized Go version %q", v)
	}
	if version.Compare(v, MinGoVersion) < 0 {
		return fail("%s, %s or newer required", v, MinGoVersion)
	}
	return pass("%s", v)
}

func textCase(context.Context, Environment) TestResult {
	face, err := font.ParseTTF(bytes.NewReader(goregular.TTF))
	if err != nil {
		return fail("parse font: %v", err)
	}
	runes := []rune(textSample)
	out := (&shaping.HarfbuzzShaper{}).Shape(shaping.Input{
		Text:      runes,
		RunStart:  0,
		RunEnd:    len(runes),
		Direction: di.DirectionLTR,
		Face:      face,
		Size:      fixed.I(12),
		Script:    language.Latin,
		Language:  language.NewLanguage("en"),
	})
	if len(out.Glyphs) == 0 || out.Advance <= 0 {
		return fail("shaping produced no glyphs")
	}
	for _, g := range out.Glyphs {
		if g.GlyphID == 0 {
			return warn("missing glyph in %q", textSample)
		}
	}
	return pass("%d glyphs, advance %.1fpx", len(out.Glyphs), float64(out.Advance)/64)
}
