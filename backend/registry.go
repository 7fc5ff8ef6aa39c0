package backend

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/gogpu/gpucontext"

	"github.com/gogpu/chartgpu/internal/cache"
)

// Env carries the collaborators a backend is built with.
type Env struct {
	// Resources resolves memory handles to device objects.
	Resources ResourceResolver

	// Shaders is the shared compiled-shader cache. Nil creates a private one.
	Shaders *cache.ShaderCache

	// Provider, when set, supplies a host-owned GPU device instead of
	// opening one.
	Provider gpucontext.DeviceProvider

	// Workers sizes the software raster pool. Zero uses GOMAXPROCS.
	Workers int

	Logger *slog.Logger
}

func (e Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}

// Factory creates a backend instance.
type Factory func(env Env) Backend

// Entry describes one registered backend.
type Entry struct {
	Name   string
	Tier   Tier
	New    Factory
	Prober Prober
}

// Registry holds the backends a manager may select from. Unlike a package
// global it can be built per manager, so tests and parallel managers never
// share state.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// DefaultRegistry returns a registry with the four built-in backends.
//
// The HAL backends only find a device if the host imported the matching
// wgpu HAL packages (for example github.com/gogpu/wgpu/hal/vulkan).
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, v := range halVariants {
		v := v
		r.Register(Entry{
			Name: v.name,
			Tier: v.tier,
			New: func(env Env) Backend {
				return NewHALBackend(v, env)
			},
			Prober: NewHALProber(v),
		})
	}
	r.Register(Entry{
		Name:   NameSoftware,
		Tier:   TierSoftware,
		New:    func(env Env) Backend { return NewSoftwareBackend(env) },
		Prober: SoftwareProber{},
	})
	return r
}

// Register adds or replaces an entry.
func (r *Registry) Register(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.Name] = e
}

// Unregister removes an entry.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Get returns the entry for name.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// IsRegistered reports whether name is registered.
func (r *Registry) IsRegistered(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Entries returns every entry, highest tier first, then by name.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier > out[j].Tier
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Names returns the registered names in Entries order.
func (r *Registry) Names() []string {
	es := r.Entries()
	names := make([]string, len(es))
	for i, e := range es {
		names[i] = e.Name
	}
	return names
}

// New creates an uninitialized backend.
func (r *Registry) New(name string, env Env) (Backend, error) {
	e, ok := r.Get(name)
	if !ok || e.New == nil {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotAvailable, name)
	}
	b := e.New(env)
	if b == nil {
		return nil, fmt.Errorf("%w: %q factory returned nil", ErrBackendNotAvailable, name)
	}
	return b, nil
}
