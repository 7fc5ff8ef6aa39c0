package recovery

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/chartgpu/backend"
	"github.com/gogpu/chartgpu/internal/cache"
	"github.com/gogpu/chartgpu/memory"
)

// Category is the failure class an error is handled as.
type Category uint8

const (
	CategoryBackendUnsupported Category = iota
	CategoryDeviceLost
	CategoryOutOfMemory
	CategoryShaderCompile
	CategoryGeneric

	categoryCount
)

var categoryNames = [categoryCount]string{
	"backend_unsupported",
	"device_lost",
	"out_of_memory",
	"shader_compile",
	"generic",
}

// String returns the snake_case category name.
func (c Category) String() string {
	if c < categoryCount {
		return categoryNames[c]
	}
	return fmt.Sprintf("Category(%d)", c)
}

// MarshalText implements encoding.TextMarshaler.
func (c Category) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Category) UnmarshalText(b []byte) error {
	for i, name := range categoryNames {
		if name == string(b) {
			*c = Category(i)
			return nil
		}
	}
	return fmt.Errorf("recovery: unknown category %q", b)
}

// Severity grades an event.
type Severity uint8

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	// SeverityCritical marks events no strategy could handle.
	SeverityCritical
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("Severity(%d)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	for v := SeverityLow; v <= SeverityCritical; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("recovery: unknown severity %q", b)
}

func (c Category) severity() Severity {
	switch c {
	case CategoryBackendUnsupported, CategoryDeviceLost:
		return SeverityHigh
	case CategoryOutOfMemory, CategoryShaderCompile:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Strategy names a recovery action.
type Strategy string

const (
	StrategyRetry         Strategy = "retry-once"
	StrategyRecreate      Strategy = "recreate-device"
	StrategySwitchBackend Strategy = "switch-backend"
	StrategyClearCache    Strategy = "clear-cache"
	StrategyReduceQuality Strategy = "reduce-quality"
	StrategySurface       Strategy = "surface-to-user"
)

var strategies = [categoryCount][]Strategy{
	CategoryBackendUnsupported: {StrategySwitchBackend, StrategySurface},
	CategoryDeviceLost:         {StrategyRetry, StrategyRecreate, StrategySwitchBackend, StrategySurface},
	CategoryOutOfMemory:        {StrategyClearCache, StrategyReduceQuality, StrategySwitchBackend, StrategySurface},
	CategoryShaderCompile:      {StrategyReduceQuality, StrategySwitchBackend, StrategySurface},
	CategoryGeneric:            {StrategyRetry, StrategyReduceQuality, StrategySwitchBackend, StrategySurface},
}

// Strategies returns the fixed strategy order for c.
func Strategies(c Category) []Strategy {
	if c >= categoryCount {
		c = CategoryGeneric
	}
	return append([]Strategy(nil), strategies[c]...)
}

// Rule maps errors to a category. An error matches if it wraps any
// Target, or if the lowercased message or error text contains any
// Substring.
type Rule struct {
	Category   Category
	Targets    []error
	Substrings []string
}

// DefaultRules returns the built-in classification rules in match order.
func DefaultRules() []Rule {
	return []Rule{
		{
			Category:   CategoryBackendUnsupported,
			Targets:    []error{backend.ErrUnsupported, backend.ErrBackendNotAvailable, hal.ErrBackendNotFound},
			Substrings: []string{"not supported", "unsupported", "no adapter", "no suitable adapter"},
		},
		{
			Category:   CategoryDeviceLost,
			Targets:    []error{backend.ErrDeviceLost, hal.ErrDeviceLost, hal.ErrSurfaceLost},
			Substrings: []string{"device lost", "context lost", "lost context", "device removed", "device reset"},
		},
		{
			Category:   CategoryOutOfMemory,
			Targets:    []error{backend.ErrOutOfMemory, memory.ErrOutOfMemory, hal.ErrDeviceOutOfMemory},
			Substrings: []string{"out of memory", "out of device memory", "allocation failed"},
		},
		{
			Category:   CategoryShaderCompile,
			Targets:    []error{backend.ErrShaderCompile, cache.ErrCompile},
			Substrings: []string{"shader", "pipeline creation", "failed to compile"},
		},
	}
}

// classify applies rules: every sentinel target first, then substrings.
// Anything unmatched is generic.
func classify(rules []Rule, message string, err error) Category {
	if err != nil {
		for _, r := range rules {
			for _, t := range r.Targets {
				if errors.Is(err, t) {
					return r.Category
				}
			}
		}
	}

	text := strings.ToLower(message)
	if err != nil {
		text += " " + strings.ToLower(err.Error())
	}
	for _, r := range rules {
		for _, s := range r.Substrings {
			if strings.Contains(text, s) {
				return r.Category
			}
		}
	}
	return CategoryGeneric
}
