package memory

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Memory management errors.
var (
	// ErrOutOfMemory is returned when a request cannot fit in the budget
	// even after evicting every lower-priority allocation.
	ErrOutOfMemory = errors.New("memory: out of memory")

	// ErrInvalidSize is returned for zero-byte requests.
	ErrInvalidSize = errors.New("memory: invalid allocation size")

	// ErrClosed is returned when operating on a closed manager.
	ErrClosed = errors.New("memory: manager closed")
)

// Default limits.
const (
	// DefaultBudgetBytes is the default GPU memory budget (512 MB).
	DefaultBudgetBytes = 512 << 20

	// DefaultTTL is how long an allocation may stay unused before
	// GarbageCollect reclaims it.
	DefaultTTL = 30 * time.Second

	// bytesPerTexel is the texel size assumed for texture extents (RGBA8).
	bytesPerTexel = 4
)

// Backing creates and destroys the device objects behind allocations.
// A nil Backing keeps the manager purely in bookkeeping mode.
type Backing interface {
	Create(a *Allocation) (any, error)
	Release(a *Allocation)
}

// EvictFunc is notified after an allocation is removed by anything other
// than an explicit Deallocate.
type EvictFunc func(a Allocation, reason EvictReason)

// Config configures a Manager.
type Config struct {
	// BudgetBytes is the hard ceiling on live allocation size.
	// Defaults to DefaultBudgetBytes if zero.
	BudgetBytes uint64

	// TTL is the idle time after which GarbageCollect reclaims an allocation.
	// Defaults to DefaultTTL if zero.
	TTL time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Backing is optional.
	Backing Backing

	// Logger defaults to a discarding logger.
	Logger *slog.Logger
}

type entry struct {
	alloc   Allocation
	element *list.Element
}

// Manager is a GPU-resource allocator with a byte budget and
// priority-then-LRU eviction.
//
// Allocate, Deallocate, Touch, GarbageCollect and ReleaseAll are serialized
// under one lock. Statistics and IsLive never take that lock.
type Manager struct {
	mu sync.Mutex

	budget  uint64
	ttl     time.Duration
	clock   clock.Clock
	backing Backing
	logger  *slog.Logger

	entries map[uint64]*entry
	lru     *list.List // front = most recently used
	live    sync.Map   // id -> struct{}, read without mu
	used    uint64
	peak    uint64
	nextID  uint64

	evictions uint64
	expired   uint64
	failures  uint64

	listeners []EvictFunc
	closed    bool

	stats atomic.Pointer[Statistics]
}

// NewManager creates a memory manager.
func NewManager(cfg Config) *Manager {
	if cfg.BudgetBytes == 0 {
		cfg.BudgetBytes = DefaultBudgetBytes
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	m := &Manager{
		budget:  cfg.BudgetBytes,
		ttl:     cfg.TTL,
		clock:   cfg.Clock,
		backing: cfg.Backing,
		logger:  cfg.Logger,
		entries: make(map[uint64]*entry),
		lru:     list.New(),
	}
	m.publishLocked()
	return m
}

// OnEvict registers a listener for evictions. Listeners run after the
// manager lock is released, so they may call back into the manager.
func (m *Manager) OnEvict(fn EvictFunc) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Allocate reserves size bytes of the given kind.
//
// If the budget is exhausted, allocations with strictly lower priority are
// evicted, lowest priority first and least recently used first within a
// priority, until the request fits. If the request cannot fit even after
// evicting every eligible allocation, nothing is evicted and the error
// wraps ErrOutOfMemory.
func (m *Manager) Allocate(kind Kind, size uint64, priority Priority) (Handle, error) {
	return m.allocate(Allocation{Kind: kind, Size: size, Priority: priority})
}

// AllocateTexture reserves an RGBA8 texture or render target of the given
// extent. Kinds that are not image-backed are rejected.
func (m *Manager) AllocateTexture(kind Kind, width, height uint32, priority Priority) (Handle, error) {
	if !kind.IsTexture() {
		return Handle{}, fmt.Errorf("memory: %s is not a texture kind", kind)
	}
	size := uint64(width) * uint64(height) * bytesPerTexel
	return m.allocate(Allocation{Kind: kind, Size: size, Priority: priority, Width: width, Height: height})
}

func (m *Manager) allocate(req Allocation) (Handle, error) {
	if req.Size == 0 {
		return Handle{}, ErrInvalidSize
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Handle{}, ErrClosed
	}

	if req.Size > m.budget {
		m.failures++
		m.publishLocked()
		m.mu.Unlock()
		return Handle{}, fmt.Errorf("%w: %s request of %d bytes exceeds budget of %d bytes",
			ErrOutOfMemory, req.Kind, req.Size, m.budget)
	}

	victims, err := m.victimsLocked(req.Size, req.Priority)
	if err != nil {
		m.failures++
		m.publishLocked()
		m.mu.Unlock()
		return Handle{}, err
	}

	now := m.clock.Now()
	m.nextID++
	req.Handle = Handle{id: m.nextID}
	req.CreatedAt = now
	req.LastUsedAt = now

	if m.backing != nil {
		res, err := m.backing.Create(&req)
		if err != nil {
			m.failures++
			m.publishLocked()
			m.mu.Unlock()
			return Handle{}, fmt.Errorf("memory: create %s (%d bytes): %w", req.Kind, req.Size, err)
		}
		req.Resource = res
	}

	evicted := make([]Allocation, 0, len(victims))
	for _, v := range victims {
		evicted = append(evicted, m.removeLocked(v))
		m.evictions++
	}

	e := &entry{alloc: req}
	e.element = m.lru.PushFront(e)
	m.entries[req.Handle.id] = e
	m.live.Store(req.Handle.id, e)
	m.used += req.Size
	if m.used > m.peak {
		m.peak = m.used
	}
	m.publishLocked()
	m.mu.Unlock()

	m.notify(evicted, EvictPressure)
	m.logger.Debug("memory: allocated",
		"handle", req.Handle, "kind", req.Kind, "size", req.Size, "priority", req.Priority)
	return req.Handle, nil
}

// victimsLocked picks the strictly lower-priority allocations to evict so
// that size fits. Nothing is removed; the caller evicts them once the new
// allocation is certain. Caller must hold mu.
func (m *Manager) victimsLocked(size uint64, priority Priority) ([]*entry, error) {
	if m.used+size <= m.budget {
		return nil, nil
	}

	// Walk from least to most recently used so the stable sort below keeps
	// LRU order within each priority.
	var candidates []*entry
	var reclaimable uint64
	for el := m.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.alloc.Priority < priority {
			candidates = append(candidates, e)
			reclaimable += e.alloc.Size
		}
	}

	if m.used-reclaimable+size > m.budget {
		return nil, fmt.Errorf("%w: need %d bytes, %d available, %d reclaimable below %s priority",
			ErrOutOfMemory, size, m.budget-m.used, reclaimable, priority)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].alloc.Priority < candidates[j].alloc.Priority
	})

	var (
		victims []*entry
		freed   uint64
	)
	for _, e := range candidates {
		if m.used-freed+size <= m.budget {
			break
		}
		victims = append(victims, e)
		freed += e.alloc.Size
	}
	return victims, nil
}

// Deallocate releases an allocation. Releasing an unknown, already released
// or zero handle is a no-op.
func (m *Manager) Deallocate(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[h.id]
	if !ok {
		return
	}
	m.removeLocked(e)
	m.publishLocked()
}

// Touch marks an allocation as used now.
func (m *Manager) Touch(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[h.id]
	if !ok {
		return
	}
	e.alloc.LastUsedAt = m.clock.Now()
	m.lru.MoveToFront(e.element)
}

// GarbageCollect reclaims every allocation that has not been used for
// longer than the TTL, regardless of priority. It returns the number of
// allocations reclaimed.
func (m *Manager) GarbageCollect() int {
	m.mu.Lock()
	now := m.clock.Now()
	var reclaimed []Allocation
	for el := m.lru.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry)
		if now.Sub(e.alloc.LastUsedAt) > m.ttl {
			reclaimed = append(reclaimed, m.removeLocked(e))
			m.expired++
		} else {
			// Everything further forward was used more recently.
			break
		}
		el = prev
	}
	if len(reclaimed) > 0 {
		m.publishLocked()
	}
	m.mu.Unlock()

	m.notify(reclaimed, EvictExpired)
	if len(reclaimed) > 0 {
		m.logger.Debug("memory: garbage collected", "count", len(reclaimed))
	}
	return len(reclaimed)
}

// SetBudget changes the budget. If usage is above the new budget the least
// recently used allocations are dropped, lowest priority first.
func (m *Manager) SetBudget(bytes uint64) error {
	if bytes == 0 {
		return ErrInvalidSize
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.budget = bytes

	var dropped []Allocation
	if m.used > m.budget {
		var all []*entry
		for el := m.lru.Back(); el != nil; el = el.Prev() {
			all = append(all, el.Value.(*entry))
		}
		sort.SliceStable(all, func(i, j int) bool {
			return all[i].alloc.Priority < all[j].alloc.Priority
		})
		for _, e := range all {
			if m.used <= m.budget {
				break
			}
			dropped = append(dropped, m.removeLocked(e))
			m.evictions++
		}
	}
	m.publishLocked()
	m.mu.Unlock()

	m.notify(dropped, EvictPressure)
	return nil
}

// SetBacking replaces the backing. Every live allocation is released first
// because its device object belongs to the old backing.
func (m *Manager) SetBacking(b Backing) {
	dropped := m.releaseAll()
	m.mu.Lock()
	m.backing = b
	m.mu.Unlock()
	m.notify(dropped, EvictReset)
}

// ReleaseAll drops every allocation and returns how many were released.
func (m *Manager) ReleaseAll() int {
	dropped := m.releaseAll()
	m.notify(dropped, EvictReset)
	return len(dropped)
}

func (m *Manager) releaseAll() []Allocation {
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := make([]Allocation, 0, len(m.entries))
	for el := m.lru.Back(); el != nil; {
		prev := el.Prev()
		dropped = append(dropped, m.removeLocked(el.Value.(*entry)))
		el = prev
	}
	m.publishLocked()
	return dropped
}

// Close releases every allocation. Further allocations fail with ErrClosed.
func (m *Manager) Close() {
	dropped := m.releaseAll()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.notify(dropped, EvictReset)
}

// IsLive reports whether h refers to a live allocation.
func (m *Manager) IsLive(h Handle) bool {
	if h.IsZero() {
		return false
	}
	_, ok := m.live.Load(h.id)
	return ok
}

// Resource returns the device object behind h, if any.
func (m *Manager) Resource(h Handle) (any, bool) {
	v, ok := m.live.Load(h.id)
	if !ok {
		return nil, false
	}
	return v.(*entry).alloc.Resource, true
}

// Lookup returns a copy of the allocation record for h.
func (m *Manager) Lookup(h Handle) (Allocation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[h.id]
	if !ok {
		return Allocation{}, false
	}
	return e.alloc, true
}

// Statistics returns the latest published snapshot. The returned map is
// the caller's own copy.
func (m *Manager) Statistics() Statistics {
	s := *m.stats.Load()
	s.BytesByKind = maps.Clone(s.BytesByKind)
	return s
}

// removeLocked unlinks an entry and releases its device object.
// Caller must hold mu and publish afterwards.
func (m *Manager) removeLocked(e *entry) Allocation {
	m.lru.Remove(e.element)
	delete(m.entries, e.alloc.Handle.id)
	m.live.Delete(e.alloc.Handle.id)
	m.used -= e.alloc.Size
	if m.backing != nil && e.alloc.Resource != nil {
		m.backing.Release(&e.alloc)
	}
	return e.alloc
}

// publishLocked stores a fresh statistics snapshot. Caller must hold mu.
func (m *Manager) publishLocked() {
	byKind := make(map[string]uint64, kindCount)
	for _, e := range m.entries {
		byKind[e.alloc.Kind.String()] += e.alloc.Size
	}
	var utilization float64
	if m.budget > 0 {
		utilization = float64(m.used) / float64(m.budget)
	}
	var available uint64
	if m.budget > m.used {
		available = m.budget - m.used
	}
	m.stats.Store(&Statistics{
		BudgetBytes:    m.budget,
		UsedBytes:      m.used,
		AvailableBytes: available,
		PeakBytes:      m.peak,
		Allocations:    len(m.entries),
		BytesByKind:    byKind,
		Evictions:      m.evictions,
		Expired:        m.expired,
		Failures:       m.failures,
		Utilization:    utilization,
	})
}

func (m *Manager) notify(allocs []Allocation, reason EvictReason) {
	if len(allocs) == 0 {
		return
	}
	m.mu.Lock()
	listeners := append([]EvictFunc(nil), m.listeners...)
	m.mu.Unlock()

	if reason == EvictPressure {
		m.logger.Warn("memory: evicted allocations under pressure", "count", len(allocs))
	}
	for _, a := range allocs {
		for _, fn := range listeners {
			fn(a, reason)
		}
	}
}
