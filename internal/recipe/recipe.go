// Package recipe implements the concurrent interval map from runtime VMA
// ranges to unwind recipes described in spec.md §4.C. Recipes are produced
// once per function range by an analyzer (package recipe's Analyzer
// interface) and cached forever for the lifetime of the owning module record.
//
// Like package loadmap, this cache uses copy-on-write snapshots per module,
// held in a map from module id guarded by a sync.RWMutex: a per-module build
// mutex serializes the miss-fill path (so two threads never analyze the
// same function twice), while lookups take only the map's read lock and
// never wait on a build mutex.
package recipe

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sigtrace/hpcrun/internal/loadmap"
)

// Kind enumerates the unwind recipe variants from spec.md §3.
type Kind int

const (
	KindStandardFrame Kind = iota // base-pointer chain
	KindSPRelativeReturn
	KindRegisterReturn
	KindBPFrame
	KindPoison
)

func (k Kind) String() string {
	switch k {
	case KindStandardFrame:
		return "StandardFrame"
	case KindSPRelativeReturn:
		return "SPRelativeReturn"
	case KindRegisterReturn:
		return "RegisterReturn"
	case KindBPFrame:
		return "BPFrame"
	case KindPoison:
		return "Poison"
	default:
		return "Unknown"
	}
}

// Recipe describes how to recover the parent frame's (IP, SP, BP) from the
// current cursor, for one function's address range.
type Recipe struct {
	Kind Kind

	// SPRelativeReturn fields: return address and saved BP at fixed offsets
	// from SP.
	SPRAOffset int64
	SPBPOffset int64

	// RegisterReturn field: return address currently lives in this named
	// register.
	ReturnReg string

	// BPFrame fields: return address and saved BP at fixed offsets from BP.
	BPRAOffset int64
	BPBPOffset int64
}

// entry is one cached recipe over a half-open [Start,End) VMA range.
type entry struct {
	Start  uintptr
	End    uintptr
	Recipe Recipe
	Module loadmap.ModuleID
}

// moduleCache holds the disjoint, sorted entries for one module plus the
// mutex that serializes its miss-fill path. ranges is swapped wholesale via
// atomic.Pointer so Lookup never blocks and never races with FillMiss.
type moduleCache struct {
	buildMu sync.Mutex
	ranges  atomic.Pointer[[]entry]
}

func (mc *moduleCache) load() []entry {
	p := mc.ranges.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Analyzer produces recipes for a function range by reading bytes from the
// mapped module. It must not allocate from the system heap on the sample
// path; implementations should use an arena (see internal/arena) for any
// scratch memory.
type Analyzer interface {
	// Analyze returns one or more recipes partitioning the function that
	// contains vma, in ascending address order with no gaps or overlaps.
	Analyze(mod *loadmap.Module, vma uintptr) ([]Recipe2, error)
}

// Recipe2 pairs a Recipe with the half-open range it applies to, as
// produced by an Analyzer (prolog/body/epilog partitioning).
type Recipe2 struct {
	Start, End uintptr
	Recipe     Recipe
}

// Cache is the process-wide recipe cache singleton.
type Cache struct {
	analyzer Analyzer

	mu       sync.RWMutex // guards the modules map itself, not its contents
	modules  map[loadmap.ModuleID]*moduleCache
}

// New creates a Cache that consults analyzer to fill misses.
func New(analyzer Analyzer) *Cache {
	return &Cache{analyzer: analyzer, modules: make(map[loadmap.ModuleID]*moduleCache)}
}

func (c *Cache) moduleCacheFor(id loadmap.ModuleID) *moduleCache {
	c.mu.RLock()
	mc, ok := c.modules[id]
	c.mu.RUnlock()
	if ok {
		return mc
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if mc, ok = c.modules[id]; ok {
		return mc
	}
	mc = &moduleCache{}
	c.modules[id] = mc
	return mc
}

// Lookup is the signal-safe, lock-free read path: given a runtime VMA, it
// returns the cached recipe covering it, if any. A lookup failure (the
// second return value false) tells the caller to downgrade to stack
// trolling rather than attempt a miss-fill itself.
func (c *Cache) Lookup(mod *loadmap.Module, vma uintptr) (Recipe, bool) {
	rec, _, ok := c.lookupEntry(mod, vma)
	return rec, ok
}

// LookupRange is Lookup plus the covering entry's Start address, used by
// the CCT insertion path (package sample) to identify the enclosing
// function for recursion folding without re-deriving it from the recipe
// kind.
func (c *Cache) LookupRange(mod *loadmap.Module, vma uintptr) (rec Recipe, start uintptr, ok bool) {
	return c.lookupEntry(mod, vma)
}

func (c *Cache) lookupEntry(mod *loadmap.Module, vma uintptr) (Recipe, uintptr, bool) {
	if mod == nil {
		return Recipe{}, 0, false
	}
	c.mu.RLock()
	mc, ok := c.modules[mod.ID]
	c.mu.RUnlock()
	if !ok {
		return Recipe{}, 0, false
	}
	ranges := mc.load()
	i := sort.Search(len(ranges), func(i int) bool { return ranges[i].Start > vma }) - 1
	if i < 0 || vma >= ranges[i].End {
		return Recipe{}, 0, false
	}
	return ranges[i].Recipe, ranges[i].Start, true
}

// FillMiss is the writer path invoked by the unwinder on a lookup miss. It
// serializes per-module via buildMu so two threads never analyze the same
// function concurrently, re-checks for a race winner, and inserts the
// analyzer's result maintaining the disjointness invariant.
func (c *Cache) FillMiss(mod *loadmap.Module, vma uintptr) (Recipe, bool) {
	if mod == nil || c.analyzer == nil {
		return Recipe{}, false
	}
	mc := c.moduleCacheFor(mod.ID)

	mc.buildMu.Lock()
	defer mc.buildMu.Unlock()

	// Another goroutine may have filled this while we waited for the lock.
	if r, ok := c.Lookup(mod, vma); ok {
		return r, true
	}

	parts, err := c.analyzer.Analyze(mod, vma)
	if err != nil || len(parts) == 0 {
		return Recipe{}, false
	}

	newEntries := make([]entry, len(parts))
	for i, p := range parts {
		newEntries[i] = entry{Start: p.Start, End: p.End, Recipe: p.Recipe, Module: mod.ID}
	}

	merged := append(append([]entry{}, mc.load()...), newEntries...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Start < merged[j].Start })
	if err := checkDisjoint(merged); err != nil {
		// A disjointness violation means the analyzer (or a racing insert)
		// produced overlapping ranges; refuse the insert rather than
		// corrupt the cache.
		return Recipe{}, false
	}
	mc.ranges.Store(&merged)

	if r, ok := c.Lookup(mod, vma); ok {
		return r, true
	}
	return Recipe{}, false
}

func checkDisjoint(sorted []entry) error {
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Start < sorted[i-1].End {
			return fmt.Errorf("recipe: overlapping ranges [%x,%x) and [%x,%x)",
				sorted[i-1].Start, sorted[i-1].End, sorted[i].Start, sorted[i].End)
		}
	}
	return nil
}

// Disjoint reports whether every pair of cached entries across every module
// has non-overlapping ranges, per spec.md §8's recipe-cache-disjointness
// property.
func (c *Cache) Disjoint() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, mc := range c.modules {
		if checkDisjoint(mc.load()) != nil {
			return false
		}
	}
	return true
}
