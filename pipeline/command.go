package pipeline

import (
	"fmt"
	"strings"

	"github.com/gogpu/chartgpu/memory"
)

// Priority orders render commands. Critical work bypasses batching.
type Priority uint8

const (
	// PriorityLow is background work such as off-screen thumbnails.
	PriorityLow Priority = iota

	// PriorityMedium is regular series geometry.
	PriorityMedium

	// PriorityHigh is work visible this frame that must not be deferred
	// (axes, crosshair).
	PriorityHigh

	// PriorityCritical is submitted immediately, one command per submission.
	PriorityCritical

	priorityCount
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
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("Priority(%d)", p)
	}
}

// ParsePriority parses a priority name (case-insensitive).
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow, nil
	case "medium", "":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityMedium, fmt.Errorf("pipeline: unknown priority %q", s)
}

// budgeted reports whether work at this priority yields to the frame budget.
func (p Priority) budgeted() bool {
	return p == PriorityMedium || p == PriorityLow
}

// ID identifies an enqueued command. The zero ID is never issued.
type ID uint64

// Command is one unit of render work.
type Command struct {
	// Pipeline names the GPU pipeline (shader + state) the command runs on.
	// Only commands with equal Pipeline values are batched together.
	Pipeline string

	// Resources are the memory allocations the command reads.
	Resources []memory.Handle

	// Uniforms are per-draw constants.
	Uniforms []float32

	Priority Priority

	// Payload is the opaque draw description handed to the backend.
	Payload any

	id  ID
	seq uint64
}

// ID returns the id assigned by Optimizer.Add.
func (c Command) ID() ID { return c.id }

// Seq returns the insertion sequence number assigned by Optimizer.Add.
func (c Command) Seq() uint64 { return c.seq }

// Batch is a run of consecutive commands that share a pipeline and priority.
type Batch struct {
	Pipeline string
	Priority Priority
	Commands []Command
}

// Len returns the number of commands in the batch.
func (b Batch) Len() int { return len(b.Commands) }
