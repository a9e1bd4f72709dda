// Package metricreg implements the process-wide metric kind registry of
// spec.md §3: an append-only list of `{name, unit, period, flags}` shared
// by every thread, with dense uint16 ids assigned in registration order.
// Grounded on the same append-only-registry shape as package loadmap, but
// simpler: metric kinds are registered once at startup (from the parsed
// event list) and never unmapped, so a single mutex-guarded slice suffices
// — there is no signal-path writer to keep lock-free here, unlike loadmap's
// copy-on-write snapshots.
package metricreg

import (
	"fmt"
	"sync"

	"github.com/sigtrace/hpcrun/internal/cct"
)

// Flag bits for Kind.Flags.
type Flag uint32

const (
	// FlagAsync marks a metric fed by an asynchronous source (interval
	// timer, blame-shift) rather than a synchronous counting event.
	FlagAsync Flag = 1 << iota
	// FlagPercentage marks a metric whose value is a fraction of elapsed
	// time rather than a count (e.g. idle/work blame).
	FlagPercentage
)

// Kind describes one registered metric: its human-readable name and unit,
// its sampling period (event count between samples, or 0 for
// continuously-credited metrics), and flag bits carried through to the
// writer's metric table unchanged (spec.md §4.H, hpcrun-metric.h).
type Kind struct {
	ID     cct.MetricID
	Name   string
	Unit   string
	Period uint64
	Flags  Flag
}

// Registry is the process-wide metric kind registry. The zero value is not
// usable; construct with New.
type Registry struct {
	mu     sync.Mutex
	kinds  []Kind
	byName map[string]cct.MetricID
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{byName: map[string]cct.MetricID{}}
}

// Register appends a new metric kind and returns its dense id. Registering
// the same name twice returns the existing id rather than creating a
// duplicate entry, since a re-parsed event list (e.g. after a fork) must
// not fragment metric ids across the process.
func (r *Registry) Register(name, unit string, period uint64, flags Flag) (cct.MetricID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byName[name]; ok {
		return id, nil
	}
	if len(r.kinds) >= int(^cct.MetricID(0)) {
		return 0, fmt.Errorf("metricreg: registry exhausted its %d-id space", ^cct.MetricID(0))
	}

	id := cct.MetricID(len(r.kinds))
	r.kinds = append(r.kinds, Kind{ID: id, Name: name, Unit: unit, Period: period, Flags: flags})
	r.byName[name] = id
	return id, nil
}

// Lookup returns the id registered for name, if any.
func (r *Registry) Lookup(name string) (cct.MetricID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[name]
	return id, ok
}

// All returns a stable snapshot of every registered kind, in registration
// order, for use by the writer when serializing the metric table section.
func (r *Registry) All() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.kinds))
	copy(out, r.kinds)
	return out
}

// Count returns the number of registered metric kinds.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.kinds)
}
