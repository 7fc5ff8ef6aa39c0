package chartgpu

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// breakers keeps one circuit breaker per backend. A backend whose breaker
// is open is not offered as a fallback and refuses activation until the
// cooldown passes.
type breakers struct {
	mu        sync.Mutex
	m         map[string]*gobreaker.TwoStepCircuitBreaker
	threshold uint32
	cooldown  time.Duration
	logger    *slog.Logger
}

func newBreakers(threshold uint32, cooldown time.Duration, logger *slog.Logger) *breakers {
	return &breakers{
		m:         make(map[string]*gobreaker.TwoStepCircuitBreaker),
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
	}
}

func (b *breakers) get(name string) *gobreaker.TwoStepCircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.m[name]
	if !ok {
		threshold := b.threshold
		cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: b.cooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				b.logger.Warn("chartgpu: backend circuit changed",
					"backend", name, "from", from.String(), "to", to.String())
			},
		})
		b.m[name] = cb
	}
	return cb
}

// allow asks the backend's breaker for a slot. A zero threshold disables
// breaking.
func (b *breakers) allow(name string) (func(success bool), error) {
	if b.threshold == 0 {
		return func(bool) {}, nil
	}
	return b.get(name).Allow()
}

// open reports whether the backend's circuit is open.
func (b *breakers) open(name string) bool {
	if b.threshold == 0 {
		return false
	}
	return b.get(name).State() == gobreaker.StateOpen
}

// states returns the state of every breaker created so far.
func (b *breakers) states() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]string, len(b.m))
	for name, cb := range b.m {
		out[name] = cb.State().String()
	}
	return out
}

// reset forgets every breaker, closing all circuits.
func (b *breakers) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.m)
}
