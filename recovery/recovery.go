package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/gogpu/chartgpu/backend"
)

// Errors reported on failed attempts.
var (
	// ErrNotApplicable means the context has no callback for the strategy.
	ErrNotApplicable = errors.New("recovery: strategy not applicable")

	// ErrBudgetExhausted means the strategy used its attempts for the category.
	ErrBudgetExhausted = errors.New("recovery: attempt budget exhausted")

	// ErrNoFallback means no other backend accepted the switch.
	ErrNoFallback = errors.New("recovery: no fallback backend")

	// ErrLowestQuality means quality is already minimal.
	ErrLowestQuality = errors.New("recovery: quality already minimal")

	// ErrSurfaced is the outcome of surface-to-user.
	ErrSurfaced = errors.New("recovery: surfaced to user")
)

// Defaults.
const (
	DefaultHistorySize = 100
	DefaultQuietWindow = 30 * time.Second
)

// DefaultBudgets returns the per-category attempt budget of each budgeted
// strategy. Strategies without an entry are unbudgeted.
func DefaultBudgets() map[Strategy]int {
	return map[Strategy]int{
		StrategyRetry:      1,
		StrategyRecreate:   1,
		StrategyClearCache: 1,
	}
}

// RendererContext is the renderer state and the actions recovery may take.
// Nil callbacks make their strategy inapplicable.
type RendererContext struct {
	Backend string
	Quality backend.Quality

	// Fallbacks are candidate backends, best first. The current backend is
	// skipped if present.
	Fallbacks []string

	SwitchEngine   func(ctx context.Context, name string) error
	ApplyQuality   func(ctx context.Context, q backend.Quality) error
	RecreateDevice func(ctx context.Context) error
	ClearCaches    func(ctx context.Context) error
	Retry          func(ctx context.Context) error
}

// Result is the outcome of HandleError.
type Result struct {
	Success    bool             `json:"success"`
	Category   Category         `json:"category"`
	Strategy   Strategy         `json:"strategy"`
	NewBackend string           `json:"new_backend,omitempty"`
	NewQuality *backend.Quality `json:"new_quality,omitempty"`
	EventID    string           `json:"event_id"`
}

// Config configures a Manager.
type Config struct {
	// HistorySize bounds the event history. Defaults to DefaultHistorySize.
	HistorySize int

	// QuietWindow is how long a category must be error-free before its
	// attempt budgets reset. Defaults to DefaultQuietWindow.
	QuietWindow time.Duration

	// Budgets overrides DefaultBudgets.
	Budgets map[Strategy]int

	// Rules overrides DefaultRules.
	Rules []Rule

	Clock  clock.Clock
	Logger *slog.Logger
}

type budgetKey struct {
	category Category
	strategy Strategy
}

// Manager classifies rendering errors and runs recovery strategies.
//
// HandleError calls are serialized. History and counters may be read
// concurrently with a running HandleError.
type Manager struct {
	handling sync.Mutex // serializes HandleError

	mu        sync.Mutex
	rules     []Rule
	budgets   map[Strategy]int
	used      map[budgetKey]int
	lastSeen  [categoryCount]time.Time
	quiet     time.Duration
	history   *history
	counts    [categoryCount]uint64
	clock     clock.Clock
	logger    *slog.Logger
	warnLimit *rate.Limiter
	muted     int
}

// New creates a Manager.
func New(cfg Config) *Manager {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.QuietWindow <= 0 {
		cfg.QuietWindow = DefaultQuietWindow
	}
	if cfg.Budgets == nil {
		cfg.Budgets = DefaultBudgets()
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		rules:     cfg.Rules,
		budgets:   cfg.Budgets,
		used:      make(map[budgetKey]int),
		quiet:     cfg.QuietWindow,
		history:   newHistory(cfg.HistorySize),
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		warnLimit: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Classify returns the category of an error without handling it.
func (m *Manager) Classify(message string, err error) Category {
	m.mu.Lock()
	rules := m.rules
	m.mu.Unlock()
	return classify(rules, message, err)
}

// HandleError classifies err and runs its category's strategies in order
// until one succeeds. The event is always recorded.
func (m *Manager) HandleError(ctx context.Context, message string, err error, rc RendererContext) Result {
	m.handling.Lock()
	defer m.handling.Unlock()

	now := m.clock.Now()
	cat := m.Classify(message, err)

	ev := Event{
		ID:        uuid.NewString(),
		Category:  cat,
		Severity:  cat.severity(),
		Message:   message,
		Context:   Snapshot{Backend: rc.Backend, Quality: rc.Quality, Fallbacks: slices.Clone(rc.Fallbacks)},
		Timestamp: now,
	}
	if err != nil {
		ev.Error = err.Error()
	}

	m.mu.Lock()
	if !m.lastSeen[cat].IsZero() && now.Sub(m.lastSeen[cat]) >= m.quiet {
		m.resetLocked(cat)
	}
	m.lastSeen[cat] = now
	m.counts[cat]++
	m.mu.Unlock()

	res := Result{Category: cat, EventID: ev.ID}
	for _, s := range strategies[cat] {
		start := m.clock.Now()
		out, aerr := m.attempt(ctx, cat, s, &rc)
		a := Attempt{Strategy: s, Outcome: OutcomeSucceeded, Duration: m.clock.Since(start)}
		if aerr != nil {
			a.Outcome = OutcomeFailed
			if errors.Is(aerr, ErrNotApplicable) || errors.Is(aerr, ErrBudgetExhausted) {
				a.Outcome = OutcomeSkipped
			}
			a.Error = aerr.Error()
		}
		ev.Attempts = append(ev.Attempts, a)

		if aerr == nil {
			res.Success = true
			res.Strategy = s
			res.NewBackend = out.backend
			res.NewQuality = out.quality
			break
		}
		if s == StrategySurface {
			res.Strategy = s
		}
	}

	if !res.Success {
		ev.Severity = SeverityCritical
	}
	ev.Result = res
	m.record(ev)
	return res
}

type outcome struct {
	backend string
	quality *backend.Quality
}

// attempt runs one strategy. Panics count as failures.
func (m *Manager) attempt(ctx context.Context, cat Category, s Strategy, rc *RendererContext) (out outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovery: %s panicked: %v", s, r)
		}
	}()

	if s == StrategySurface {
		return out, ErrSurfaced
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	if !applicable(s, rc) {
		return out, fmt.Errorf("%w: %s", ErrNotApplicable, s)
	}
	if !m.spend(cat, s) {
		return out, fmt.Errorf("%w: %s for %s", ErrBudgetExhausted, s, cat)
	}

	switch s {
	case StrategyRetry:
		return out, rc.Retry(ctx)

	case StrategyRecreate:
		return out, rc.RecreateDevice(ctx)

	case StrategyClearCache:
		return out, rc.ClearCaches(ctx)

	case StrategyReduceQuality:
		q, ok := rc.Quality.Lower()
		if !ok {
			return out, ErrLowestQuality
		}
		if err := rc.ApplyQuality(ctx, q); err != nil {
			return out, err
		}
		rc.Quality = q
		out.quality = &q
		return out, nil

	case StrategySwitchBackend:
		var errs []error
		for _, name := range rc.Fallbacks {
			if name == rc.Backend {
				continue
			}
			if err := rc.SwitchEngine(ctx, name); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				continue
			}
			m.logger.Info("recovery: switched backend", "from", rc.Backend, "to", name, "category", cat)
			rc.Backend = name
			out.backend = name

			m.mu.Lock()
			m.resetLocked(categoryCount)
			m.mu.Unlock()
			return out, nil
		}
		if len(errs) == 0 {
			return out, ErrNoFallback
		}
		return out, fmt.Errorf("%w: %w", ErrNoFallback, errors.Join(errs...))
	}
	return out, fmt.Errorf("%w: %s", ErrNotApplicable, s)
}

// spend consumes one budgeted attempt.
func (m *Manager) spend(cat Category, s Strategy) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit, budgeted := m.budgets[s]
	if !budgeted {
		return true
	}
	k := budgetKey{cat, s}
	if m.used[k] >= limit {
		return false
	}
	m.used[k]++
	return true
}

func applicable(s Strategy, rc *RendererContext) bool {
	switch s {
	case StrategyRetry:
		return rc.Retry != nil
	case StrategyRecreate:
		return rc.RecreateDevice != nil
	case StrategyClearCache:
		return rc.ClearCaches != nil
	case StrategyReduceQuality:
		return rc.ApplyQuality != nil
	case StrategySwitchBackend:
		return rc.SwitchEngine != nil
	}
	return false
}

// resetLocked clears budgets of cat, or of every category when cat is
// categoryCount.
func (m *Manager) resetLocked(cat Category) {
	for k := range m.used {
		if cat == categoryCount || k.category == cat {
			delete(m.used, k)
		}
	}
}

// ResetBudgets clears every attempt budget.
func (m *Manager) ResetBudgets() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked(categoryCount)
}

// Remaining returns the attempts left for s in category cat, or -1 if s is
// unbudgeted.
func (m *Manager) Remaining(cat Category, s Strategy) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit, ok := m.budgets[s]
	if !ok {
		return -1
	}
	return max(0, limit-m.used[budgetKey{cat, s}])
}

func (m *Manager) record(ev Event) {
	m.mu.Lock()
	m.history.push(ev)
	allow := m.warnLimit.AllowN(m.clock.Now(), 1)
	muted := m.muted
	if allow {
		m.muted = 0
	} else {
		m.muted++
	}
	m.mu.Unlock()

	if !allow {
		return
	}
	attrs := []any{
		"event", ev.ID,
		"category", ev.Category,
		"severity", ev.Severity,
		"strategy", ev.Result.Strategy,
		"success", ev.Result.Success,
		"error", ev.Error,
	}
	if muted > 0 {
		attrs = append(attrs, "suppressed", muted)
	}
	if ev.Result.Success {
		m.logger.Warn("recovery: recovered", attrs...)
	} else {
		m.logger.Error("recovery: unrecoverable", attrs...)
	}
}

// History returns recorded events, oldest first.
func (m *Manager) History() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.events()
}

// ErrorCount returns how many errors were handled, including events that
// have left the bounded history.
func (m *Manager) ErrorCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n uint64
	for _, c := range m.counts {
		n += c
	}
	return n
}

// Counts returns handled errors per category.
func (m *Manager) Counts() map[Category]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Category]uint64, categoryCount)
	for c, n := range m.counts {
		if n > 0 {
			out[Category(c)] = n
		}
	}
	return out
}
