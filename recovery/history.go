package recovery

import (
	"time"

	"github.com/gogpu/chartgpu/backend"
)

// Outcome is how a strategy attempt ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Attempt records one strategy run.
type Attempt struct {
	Strategy Strategy      `json:"strategy"`
	Outcome  Outcome       `json:"outcome"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Snapshot is the renderer state an error happened in.
type Snapshot struct {
	Backend   string          `json:"backend"`
	Quality   backend.Quality `json:"quality"`
	Fallbacks []string        `json:"fallbacks,omitempty"`
}

// Event is one handled error. Events are never modified after recording.
type Event struct {
	ID        string    `json:"id"`
	Category  Category  `json:"category"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
	Context   Snapshot  `json:"context"`
	Attempts  []Attempt `json:"attempts"`
	Result    Result    `json:"result"`
	Timestamp time.Time `json:"timestamp"`
}

// history is a fixed-size ring of events.
type history struct {
	buf  []Event
	next int
	full bool
}

func newHistory(n int) *history {
	return &history{buf: make([]Event, n)}
}

func (h *history) push(ev Event) {
	h.buf[h.next] = ev
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

func (h *history) len() int {
	if h.full {
		return len(h.buf)
	}
	return h.next
}

// events returns a copy, oldest first.
func (h *history) events() []Event {
	out := make([]Event, 0, h.len())
	if h.full {
		out = append(out, h.buf[h.next:]...)
	}
	return append(out, h.buf[:h.next]...)
}
