package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/naga"
)

// ErrCompile wraps every shader compilation failure.
var ErrCompile = errors.New("cache: shader compile failed")

// Compiler turns WGSL source into SPIR-V bytes.
type Compiler func(source string) ([]byte, error)

// Module is a compiled shader program.
type Module struct {
	Label string
	Key   string
	SPIRV []uint32
}

// ShaderCache is a thread-safe LRU cache of compiled shader modules with a
// soft limit.
//
// ShaderCache must not be copied after creation (has mutex).
type ShaderCache struct {
	mu        sync.Mutex
	entries   map[string]*shaderEntry
	softLimit int
	tick      int64 // monotonic access counter
	compile   Compiler

	hits      uint64
	misses    uint64
	failures  uint64
	evictions uint64
}

type shaderEntry struct {
	module *Module
	atime  int64
}

// NewShaderCache creates a cache that compiles with naga.
// A softLimit of 0 means unlimited.
func NewShaderCache(softLimit int) *ShaderCache {
	return NewShaderCacheWithCompiler(softLimit, naga.Compile)
}

// NewShaderCacheWithCompiler creates a cache with a custom compiler.
func NewShaderCacheWithCompiler(softLimit int, compile Compiler) *ShaderCache {
	return &ShaderCache{
		entries:   make(map[string]*shaderEntry),
		softLimit: softLimit,
		compile:   compile,
	}
}

// Key returns the cache key for a WGSL source.
func Key(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:8])
}

// GetOrCompile returns the cached module for source, compiling it on a miss.
// Failed compilations are not cached.
func (c *ShaderCache) GetOrCompile(label, source string) (*Module, error) {
	key := Key(source)

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.tick++
		e.atime = c.tick
		c.hits++
		return e.module, nil
	}
	c.misses++

	spirv, err := c.compile(source)
	if err != nil {
		c.failures++
		return nil, fmt.Errorf("%w: %s: %w", ErrCompile, label, err)
	}
	words, err := toWords(spirv)
	if err != nil {
		c.failures++
		return nil, fmt.Errorf("%w: %s: %w", ErrCompile, label, err)
	}

	m := &Module{Label: label, Key: key, SPIRV: words}
	c.tick++
	c.entries[key] = &shaderEntry{module: m, atime: c.tick}

	if c.softLimit > 0 && len(c.entries) > c.softLimit {
		c.evictOldest()
	}
	return m, nil
}

// Contains reports whether source is cached, without touching its access time.
func (c *ShaderCache) Contains(source string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[Key(source)]
	return ok
}

// Clear drops every cached module and returns how many there were.
func (c *ShaderCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[string]*shaderEntry)
	c.tick = 0
	return n
}

// Len returns the number of cached modules.
func (c *ShaderCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cache statistics.
func (c *ShaderCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rate float64
	if total := c.hits + c.misses; total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Len:       len(c.entries),
		Capacity:  c.softLimit,
		Hits:      c.hits,
		Misses:    c.misses,
		Failures:  c.failures,
		Evictions: c.evictions,
		HitRate:   rate,
	}
}

// evictOldest drops the least recently used entries until the cache is at
// three quarters of its soft limit. Caller must hold c.mu.
func (c *ShaderCache) evictOldest() {
	target := c.softLimit * 3 / 4
	if target < 1 {
		target = 1
	}
	toEvict := len(c.entries) - target
	if toEvict <= 0 {
		return
	}

	type aged struct {
		key   string
		atime int64
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{k, e.atime})
	}

	// Selection sort is fine for the handful of pipelines a chart uses.
	for i := 0; i < toEvict; i++ {
		minIdx := i
		for j := i + 1; j < len(all); j++ {
			if all[j].atime < all[minIdx].atime {
				minIdx = j
			}
		}
		all[i], all[minIdx] = all[minIdx], all[i]
		delete(c.entries, all[i].key)
		c.evictions++
	}
}

// toWords converts little-endian SPIR-V bytes to 32-bit words.
func toWords(b []byte) ([]uint32, error) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid SPIR-V length %d", len(b))
	}
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = uint32(b[i*4]) |
			uint32(b[i*4+1])<<8 |
			uint32(b[i*4+2])<<16 |
			uint32(b[i*4+3])<<24
	}
	return words, nil
}

// Stats contains cache statistics.
type Stats struct {
	Len       int     `json:"len"`
	Capacity  int     `json:"capacity"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Failures  uint64  `json:"failures"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}
