package chartgpu

import "fmt"

// State is the lifecycle state of a Manager.
type State uint8

const (
	// StateUninitialized is the state before Initialize and after Cleanup.
	StateUninitialized State = iota

	// StateProbing runs capability detection and compatibility tests.
	StateProbing

	// StateSelecting picks and activates a backend.
	StateSelecting

	// StateActive renders on a backend at the configured quality.
	StateActive

	// StateDegraded renders, but on the software fallback or at reduced
	// quality.
	StateDegraded

	// StateFailed means recovery was exhausted. Only Reinitialize leaves it.
	StateFailed
)

var stateNames = [...]string{"uninitialized", "probing", "selecting", "active", "degraded", "failed"}

// String returns the lowercase state name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("chartgpu: unknown state %q", b)
}

// CanRender reports whether Render is accepted in this state.
func (s State) CanRender() bool { return s == StateActive || s == StateDegraded }
