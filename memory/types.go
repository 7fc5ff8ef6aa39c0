package memory

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies the GPU resource class an allocation backs.
type Kind uint8

const (
	// KindVertex is a vertex buffer holding series geometry.
	KindVertex Kind = iota

	// KindIndex is an index buffer.
	KindIndex

	// KindUniform is a small uniform buffer (colors, transforms).
	KindUniform

	// KindTexture is a sampled texture.
	KindTexture

	// KindRenderTarget is a texture used as a render attachment.
	KindRenderTarget

	kindCount
)

var kindNames = [kindCount]string{"vertex", "index", "uniform", "texture", "render_target"}

// String returns the lowercase kind name.
func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// IsTexture reports whether the kind is image-backed rather than a buffer.
func (k Kind) IsTexture() bool {
	return k == KindTexture || k == KindRenderTarget
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	for i, name := range kindNames {
		if name == string(b) {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("memory: unknown kind %q", b)
}

// Priority controls eviction order. Higher priorities survive longer.
type Priority uint8

const (
	// PriorityLow allocations are evicted first.
	PriorityLow Priority = iota

	// PriorityMedium is the default for series geometry.
	PriorityMedium

	// PriorityHigh allocations are only evicted by GC or explicit release.
	PriorityHigh
)

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("Priority(%d)", p)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePriority parses "low", "medium" or "high" (case-insensitive).
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "medium", "":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	}
	return PriorityMedium, fmt.Errorf("memory: unknown priority %q", s)
}

// Handle is an opaque reference to a live allocation. Handles are only
// minted by Manager.Allocate; the zero Handle never refers to anything.
type Handle struct {
	id uint64
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool { return h.id == 0 }

// String returns a debug representation such as "alloc#12".
func (h Handle) String() string { return fmt.Sprintf("alloc#%d", h.id) }

// Allocation describes a reserved block of GPU memory.
type Allocation struct {
	Handle     Handle    `json:"-"`
	Kind       Kind      `json:"kind"`
	Size       uint64    `json:"size"`
	Priority   Priority  `json:"priority"`
	Width      uint32    `json:"width,omitempty"`
	Height     uint32    `json:"height,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`

	// Resource is the device object created by the Backing, if any.
	Resource any `json:"-"`
}

// EvictReason tells listeners why an allocation disappeared.
type EvictReason uint8

const (
	// EvictPressure means a higher-priority request needed the space.
	EvictPressure EvictReason = iota
	// EvictExpired means the garbage collector reclaimed an idle allocation.
	EvictExpired
	// EvictReset means every allocation was dropped (backend switch, Close).
	EvictReset
)

// String returns the reason name.
func (r EvictReason) String() string {
	switch r {
	case EvictPressure:
		return "pressure"
	case EvictExpired:
		return "expired"
	case EvictReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Statistics is an immutable snapshot of manager state.
type Statistics struct {
	BudgetBytes    uint64            `json:"budget_bytes"`
	UsedBytes      uint64            `json:"used_bytes"`
	AvailableBytes uint64            `json:"available_bytes"`
	PeakBytes      uint64            `json:"peak_bytes"`
	Allocations    int               `json:"allocations"`
	BytesByKind    map[string]uint64 `json:"bytes_by_kind"`
	Evictions      uint64            `json:"evictions"`
	Expired        uint64            `json:"expired"`
	Failures       uint64            `json:"failures"`
	Utilization    float64           `json:"utilization"`
}

// String returns a human-readable summary.
func (s Statistics) String() string {
	return fmt.Sprintf("Memory[%.1f%% used, %d/%d MB, %d allocations, %d evictions, %d expired]",
		s.Utilization*100,
		s.UsedBytes/(1024*1024),
		s.BudgetBytes/(1024*1024),
		s.Allocations,
		s.Evictions,
		s.Expired)
}
