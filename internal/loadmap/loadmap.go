// Package loadmap implements the append-only registry of mapped code
// objects described in spec.md §4.B: each mapped module gets a stable,
// monotonically increasing id that remains valid (though stale) after the
// module is unmapped, so historical samples stay interpretable.
//
// Concurrency is copy-on-write: writers (procmaps.Load at startup, never
// the sample path) build a new
// immutable snapshot and atomically swap it in; readers — including a
// future real signal handler — load the snapshot pointer once and never
// block. This satisfies spec.md §4.B's contract ("a reader that started
// before a writer observes a consistent prior snapshot, and a reader that
// starts after a writer completes observes the new state") without any
// lock a signal handler could deadlock on, matching the spirit of the
// RWMutex-guarded registries in the teacher's internal/watcher package but
// upgraded to lock-free reads for signal-context safety.
package loadmap

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// ModuleID identifies a mapped code object. It is assigned in mapping order
// and never recycled.
type ModuleID uint16

// ModuleNone is the sentinel module id for addresses that cannot be
// normalized against any currently-known module, matching
// LOADMAP_INVALID_MODULE_ID from loadmap.h.
const ModuleNone ModuleID = math.MaxUint16

// Flag bits for Module.Flags.
type Flag uint32

const (
	FlagRelocatable Flag = 1 << iota
	FlagContainsSamplingRuntime
)

// Module is one entry in the load map: a mapped (or formerly mapped) code
// object.
type Module struct {
	ID    ModuleID
	Path  string
	Start uintptr
	End   uintptr // exclusive
	Bias  uintptr // runtime start minus lowest PT_LOAD vaddr; see OnMap
	Flags Flag

	Unmapped bool
}

// contains reports whether addr falls within [Start, End).
func (m *Module) contains(addr uintptr) bool {
	return addr >= m.Start && addr < m.End
}

// snapshot is one immutable generation of the load map, sorted by Start for
// binary search.
type snapshot struct {
	generation uint64
	byStart    []*Module // sorted ascending by Start
	byID       map[ModuleID]*Module
}

// Manager is the process-wide load-map singleton. The zero value is not
// usable; construct with New.
type Manager struct {
	cur      atomic.Pointer[snapshot]
	writeMu  sync.Mutex // serializes writers only; readers never take this
	nextID   ModuleID
}

// New creates an empty Manager at generation 0.
func New() *Manager {
	m := &Manager{}
	m.cur.Store(&snapshot{byID: map[ModuleID]*Module{}})
	return m
}

// Generation returns the current load-map generation number, bumped by
// every OnMap/OnUnmap. Used by the epoch manager to detect staleness.
func (m *Manager) Generation() uint64 {
	return m.cur.Load().generation
}

// OnMap registers a newly mapped code object and returns its stable id. bias
// is the module's load bias — the runtime start address minus the lowest
// PT_LOAD segment's link-time vaddr (ip-normalized.c's start_to_ref_dist) —
// used by Normalize/Denormalize to produce addresses stable across ASLR
// relocation. Pass 0 when the bias is unknown, which leaves normalized
// offsets equal to absolute addresses; a module linked at vaddr 0 has a bias
// equal to its runtime start and is passed that start. Must be called only
// from the load-map writer (procmaps.Load), never from signal/sample context.
func (m *Manager) OnMap(path string, start, end, bias uintptr, flags Flag) ModuleID {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	old := m.cur.Load()
	id := m.nextID
	m.nextID++

	mod := &Module{ID: id, Path: path, Start: start, End: end, Bias: bias, Flags: flags}

	next := &snapshot{
		generation: old.generation + 1,
		byStart:    append(append([]*Module{}, old.byStart...), mod),
		byID:       make(map[ModuleID]*Module, len(old.byID)+1),
	}
	for k, v := range old.byID {
		next.byID[k] = v
	}
	next.byID[id] = mod
	sort.Slice(next.byStart, func(i, j int) bool { return next.byStart[i].Start < next.byStart[j].Start })

	m.cur.Store(next)
	return id
}

// OnUnmap marks a module unmapped but keeps it in the load map so that
// historical samples referencing its id and byterange remain valid.
func (m *Manager) OnUnmap(id ModuleID) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	old := m.cur.Load()
	existing, ok := old.byID[id]
	if !ok || existing.Unmapped {
		return
	}

	unmapped := *existing
	unmapped.Unmapped = true

	next := &snapshot{
		generation: old.generation + 1,
		byID:       make(map[ModuleID]*Module, len(old.byID)),
	}
	next.byStart = make([]*Module, len(old.byStart))
	for i, mod := range old.byStart {
		if mod.ID == id {
			next.byStart[i] = &unmapped
		} else {
			next.byStart[i] = mod
		}
	}
	for k, v := range old.byID {
		if k == id {
			next.byID[k] = &unmapped
		} else {
			next.byID[k] = v
		}
	}
	m.cur.Store(next)
}

// FindByAddr returns the module whose [Start,End) covers addr, or nil.
// Skips modules currently marked unmapped — only live mappings satisfy a
// fresh address lookup (historical resolution goes through FindByID).
func (m *Manager) FindByAddr(addr uintptr) *Module {
	snap := m.cur.Load()
	mods := snap.byStart
	// Live mappings never overlap, so the only candidate is the last module
	// whose Start is <= addr.
	i := sort.Search(len(mods), func(i int) bool { return mods[i].Start > addr }) - 1
	if i < 0 || mods[i].Unmapped || !mods[i].contains(addr) {
		return nil
	}
	return mods[i]
}

// FindByID returns the module with the given id, including unmapped ones,
// or nil if no module has ever had this id.
func (m *Manager) FindByID(id ModuleID) *Module {
	return m.cur.Load().byID[id]
}

// NormalizedIP is a runtime address expressed as (module id, offset from
// load bias), stable across relocation and process restart.
type NormalizedIP struct {
	ModuleID ModuleID
	Offset   uint64
}

// unnormalizableOffset is the well-known sentinel offset spec.md §4.B
// assigns when no module covers an address.
const unnormalizableOffset = ^uint64(0)

// Normalize converts a runtime address into a NormalizedIP. If no module
// covers addr, it returns the sentinel module id and the well-known
// "unnormalizable" offset.
func (m *Manager) Normalize(addr uintptr) NormalizedIP {
	mod := m.FindByAddr(addr)
	if mod == nil {
		return NormalizedIP{ModuleID: ModuleNone, Offset: unnormalizableOffset}
	}
	return NormalizedIP{ModuleID: mod.ID, Offset: uint64(addr - mod.Bias)}
}

// Denormalize reverses Normalize for a still-live module, used by the
// normalization-stability property test. Returns false if the module is
// unknown.
func (m *Manager) Denormalize(n NormalizedIP) (uintptr, bool) {
	mod := m.FindByID(n.ModuleID)
	if mod == nil {
		return 0, false
	}
	return mod.Bias + uintptr(n.Offset), true
}

// IterateStable returns a stable, point-in-time slice of every module ever
// registered (live and unmapped), for use by the writer when serializing a
// loadmap snapshot section.
func (m *Manager) IterateStable() []Module {
	snap := m.cur.Load()
	out := make([]Module, 0, len(snap.byStart))
	for _, mod := range snap.byStart {
		out = append(out, *mod)
	}
	return out
}
