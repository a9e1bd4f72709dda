// Package arena implements the bump-allocated, per-thread scratch memory
// described in spec.md §4.A. A per-thread Arena is backed by one or more
// anonymous mmap segments and is subdivided into a freeable low half
// (reclaimed at epoch write-out) and a non-freeable high half that grows
// downward. The sample path does not allocate from it: package cct's nodes,
// package sample's backtrace frames and package epoch's history are all
// ordinary Go heap allocations.
//
// Sizing and the oversize-request routing threshold are ported directly
// from HPCToolkit's memory/mem.c: default 4 MiB, oversize threshold is
// 1/5 of the arena, and the low-memory floor defaults to memsize/40 (never
// below 80 KiB).
package arena

import (
	"fmt"
	"os"
	"strconv"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const (
	// DefaultMemsize is the default per-thread arena size in bytes.
	DefaultMemsize = 4 * 1024 * 1024
	// MinLowMemsize is the floor for the low-memory reclaim threshold.
	MinLowMemsize = 80 * 1024
	// oversizeDivisor: requests larger than memsize/oversizeDivisor route to
	// their own dedicated mmap rather than carving from the shared segment.
	oversizeDivisor = 5
)

// EnvMemsize and EnvLowMemsize are the environment variables spec.md §6
// documents for arena tuning (MEMSIZE, LOW_MEMSIZE).
const (
	EnvMemsize    = "MEMSIZE"
	EnvLowMemsize = "LOW_MEMSIZE"
)

// Stats mirrors the aggregate counters mem.c maintains for the end-of-run
// memory summary.
type Stats struct {
	Segments         int64
	TotalAllocation  int64
	Reclaims         int64
	Failures         int64
	TotalFreeable    int64
	TotalNonFreeable int64
}

// segment is one mmap-backed region: low grows up (freeable), high grows
// down (non-freeable), meeting somewhere in the middle.
type segment struct {
	start []byte
	low   int // offset of next freeable allocation
	high  int // offset of next non-freeable allocation (exclusive upper bound)
}

// Arena is a single thread's bump allocator. It must not be shared across
// goroutines/threads; create one per thread descriptor.
type Arena struct {
	memsize    int
	lowMemsize int

	seg *segment

	disabled bool

	stats Stats

	oomOnce func() // invoked exactly once when the arena is disabled by OOM
}

// New creates an Arena sized from the environment (or defaults), without
// yet mmap-ing a segment — the first Alloc call lazily creates one.
func New(oomOnce func()) *Arena {
	memsize := envInt(EnvMemsize, DefaultMemsize)
	lowMemsize := envInt(EnvLowMemsize, 0)
	if lowMemsize <= 0 {
		lowMemsize = memsize / 40
		if lowMemsize < MinLowMemsize {
			lowMemsize = MinLowMemsize
		}
	}
	return &Arena{memsize: memsize, lowMemsize: lowMemsize, oomOnce: oomOnce}
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func mmapAnon(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("arena: mmap %d bytes: %w", size, err)
	}
	return b, nil
}

func roundUp(size int) int {
	return (size + 7) &^ 7
}

func alignPage(size int) int {
	const pageMask = 4096 - 1
	return (size + pageMask) &^ pageMask
}

// newSegment mmaps a fresh segment of exactly size bytes.
func (a *Arena) newSegment(size int) (*segment, error) {
	size = alignPage(size)
	b, err := mmapAnon(size)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&a.stats.Segments, 1)
	atomic.AddInt64(&a.stats.TotalAllocation, int64(size))
	return &segment{start: b, low: 0, high: size}, nil
}

// disable marks the arena unusable and fires the OOM one-shot diagnostic
// callback exactly once (spec.md §4.A: "disable sampling in the current
// thread, emit a one-shot diagnostic, return null").
func (a *Arena) disable() {
	if a.disabled {
		return
	}
	a.disabled = true
	atomic.AddInt64(&a.stats.Failures, 1)
	if a.oomOnce != nil {
		a.oomOnce()
	}
}

// Disabled reports whether this arena has stopped serving allocations.
func (a *Arena) Disabled() bool { return a.disabled }

// AllocFreeable returns size bytes from the freeable (low) region. It is
// reclaimed on the next call to Reclaim, so callers must not hold pointers
// into it across a reclaim (the owning thread calls Reclaim only after
// writing out everything referencing this memory).
func (a *Arena) AllocFreeable(size int) []byte {
	return a.alloc(size, true)
}

// Alloc returns size bytes from the non-freeable (high) region, or a
// dedicated oversize mmap for large requests. Returns nil on OOM or when
// size == 0 (matching hpcrun_malloc's "request zero bytes, get nil" quirk).
func (a *Arena) Alloc(size int) []byte {
	return a.alloc(size, false)
}

func (a *Arena) alloc(size int, freeable bool) []byte {
	if size == 0 {
		return nil
	}
	if a.disabled {
		return nil
	}
	size = roundUp(size)

	// Oversize requests that don't fit in one memstore get a dedicated mmap,
	// mirroring mem.c's "size > memsize/5" branch. Oversize freeable
	// requests are not supported by the original and are routed the same
	// way: a freestanding allocation the caller must not expect to be
	// reclaimed by Reclaim.
	if size > a.memsize/oversizeDivisor {
		b, err := mmapAnon(alignPage(size))
		if err != nil {
			a.disable()
			return nil
		}
		atomic.AddInt64(&a.stats.Segments, 1)
		atomic.AddInt64(&a.stats.TotalAllocation, int64(len(b)))
		if freeable {
			atomic.AddInt64(&a.stats.TotalFreeable, int64(size))
		} else {
			atomic.AddInt64(&a.stats.TotalNonFreeable, int64(size))
		}
		return b[:size]
	}

	if a.seg == nil || a.seg.high-a.seg.low < a.lowMemsize || a.seg.high-a.seg.low < size {
		seg, err := a.newSegment(a.memsize)
		if err != nil {
			a.disable()
			return nil
		}
		a.seg = seg
	}

	if freeable {
		if a.seg.low+size > a.seg.high {
			a.disable()
			return nil
		}
		b := a.seg.start[a.seg.low : a.seg.low+size]
		a.seg.low += size
		atomic.AddInt64(&a.stats.TotalFreeable, int64(size))
		return b
	}

	if a.seg.high-size <= a.seg.low {
		a.disable()
		return nil
	}
	a.seg.high -= size
	b := a.seg.start[a.seg.high : a.seg.high+size]
	atomic.AddInt64(&a.stats.TotalNonFreeable, int64(size))
	return b
}

// Reclaim resets the freeable (low) region to empty, matching mem.c's
// hpcrun_reclaim_freeable_mem: called after an epoch has been written out
// and its CCT nodes are no longer needed.
func (a *Arena) Reclaim() {
	if a.seg == nil {
		return
	}
	a.seg.low = 0
	atomic.AddInt64(&a.stats.Reclaims, 1)
}

// Reinit resets per-process counters that must not survive a fork, per
// spec.md §5 "Forking": segment counts are preserved (the parent's
// memstores remain mapped in the child) but reclaim/failure/usage counters
// reset.
func (a *Arena) Reinit() {
	atomic.StoreInt64(&a.stats.Reclaims, 0)
	atomic.StoreInt64(&a.stats.Failures, 0)
	atomic.StoreInt64(&a.stats.TotalFreeable, 0)
	atomic.StoreInt64(&a.stats.TotalNonFreeable, 0)
	a.disabled = false
}

// StatsSnapshot returns a point-in-time snapshot of this arena's usage counters.
func (a *Arena) StatsSnapshot() Stats {
	return Stats{
		Segments:         atomic.LoadInt64(&a.stats.Segments),
		TotalAllocation:  atomic.LoadInt64(&a.stats.TotalAllocation),
		Reclaims:         atomic.LoadInt64(&a.stats.Reclaims),
		Failures:         atomic.LoadInt64(&a.stats.Failures),
		TotalFreeable:    atomic.LoadInt64(&a.stats.TotalFreeable),
		TotalNonFreeable: atomic.LoadInt64(&a.stats.TotalNonFreeable),
	}
}
