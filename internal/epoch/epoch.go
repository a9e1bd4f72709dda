// Package epoch implements per-thread epoch management: the linked list of
// (loadmap generation, CCT) pairs a thread accumulates as shared libraries
// come and go underneath it. Grounded on epoch.c's hpcrun_check_for_new_loadmap
// control flow, generalized from a hand-rolled intrusive linked list to a Go
// slice since Go has no equivalent of epoch.c's arena-backed hpcrun_malloc
// for this particular allocation (package cct's nodes are ordinary Go heap
// allocations as well; package arena is not used for them).
package epoch

import (
	"github.com/sigtrace/hpcrun/internal/cct"
	"github.com/sigtrace/hpcrun/internal/loadmap"
)

// Epoch pairs a loadmap generation with the CCT tree that was current while
// that generation was in effect. A thread's Manager keeps every epoch it
// has produced since creation or the last Reset, oldest first, mirroring
// epoch.c's epoch_t::next chain.
type Epoch struct {
	Generation uint64
	Tree       *cct.Tree
}

// Manager tracks one thread's epoch chain. It is owned by a single thread
// (the one taking samples on it); like package cct's Tree, it performs no
// internal locking.
type Manager struct {
	loadmapMgr *loadmap.Manager
	current    *Epoch
	history    []*Epoch // most recent last; current is always history[len-1]

	retainRecursion bool
}

// New creates a Manager whose first epoch is initialized against lm's
// current generation. retainRecursion is forwarded to every cct.Tree this
// Manager creates (see epoch.c's hpcrun_epoch_init / RETAIN_RECURSION).
func New(lm *loadmap.Manager, retainRecursion bool) *Manager {
	m := &Manager{loadmapMgr: lm, retainRecursion: retainRecursion}
	first := &Epoch{
		Generation: lm.Generation(),
		Tree:       cct.NewTree(retainRecursion),
	}
	m.current = first
	m.history = append(m.history, first)
	return m
}

// Current returns the epoch a sample should be recorded against without
// first checking for a new loadmap. Most callers want CheckForNewLoadmap
// instead.
func (m *Manager) Current() *Epoch { return m.current }

// CheckForNewLoadmap is the sample-path entry point, grounded on
// hpcrun_check_for_new_loadmap: if the loadmap's generation has advanced
// since the thread's current epoch was created, a new epoch is spliced in
// with a fresh CCT and the new generation, and the old epoch is retained in
// history (never mutated further, never discarded) so samples already
// recorded against it remain valid and attributable at flush time.
//
// This accepts the same benign race epoch.c documents: the generation is
// read without holding the loadmap's write lock, so two back-to-back
// mapping changes can be observed as one jump. That's fine — the invariant
// this preserves is "every sample lands in the epoch whose loadmap was
// current at sample time, or a later one", never an earlier one.
func (m *Manager) CheckForNewLoadmap() *Epoch {
	currentGen := m.loadmapMgr.Generation()
	if m.current.Generation == currentGen {
		return m.current
	}

	next := &Epoch{
		Generation: currentGen,
		Tree:       cct.NewTree(m.retainRecursion),
	}
	m.current = next
	m.history = append(m.history, next)
	return next
}

// Reset discards every prior epoch and starts a single fresh one pinned to
// the loadmap's current generation, mirroring hpcrun_epoch_reset's "new
// epoch list consisting of only the new epoch" — used when a thread's
// sampled state must be thrown away without terminating the thread itself.
// Package sample does not call it: a faulted sample is recorded as
// OutcomeFaulted and the epoch chain is left as it is.
func (m *Manager) Reset() {
	fresh := &Epoch{
		Generation: m.loadmapMgr.Generation(),
		Tree:       cct.NewTree(m.retainRecursion),
	}
	m.current = fresh
	m.history = []*Epoch{fresh}
}

// History returns every epoch this Manager has produced, oldest first,
// including the current one. Callers (package writer) use this to flush
// every accumulated CCT, not just the most recent.
func (m *Manager) History() []*Epoch {
	out := make([]*Epoch, len(m.history))
	copy(out, m.history)
	return out
}

// Count returns the number of epochs accumulated so far.
func (m *Manager) Count() int { return len(m.history) }
