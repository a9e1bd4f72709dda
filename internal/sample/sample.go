// Package sample implements the sample-handling pipeline of spec.md §4.F.
//
// A genuine signal handler cannot be expressed portably in Go: there is no
// async-signal-safe way to interrupt an arbitrary goroutine, save its
// errno, and longjmp out of a fault. Instead each sample source (see
// package sources) runs its own goroutine and calls Dispatcher.Handle
// directly for every sample; there is no request channel. The dispatcher
// preserves every invariant from spec.md §4.F that does not require
// genuine signal delivery: a reentrancy guard, a recover()-based fault
// boundary standing in for the sigjmp target, an ignore table for
// "PC inside the sampling runtime itself", and in-order epoch/CCT/metric
// bookkeeping.
package sample

import (
	"context"
	"sync/atomic"

	"github.com/sigtrace/hpcrun/internal/cct"
	"github.com/sigtrace/hpcrun/internal/diag"
	"github.com/sigtrace/hpcrun/internal/epoch"
	"github.com/sigtrace/hpcrun/internal/loadmap"
	"github.com/sigtrace/hpcrun/internal/unwind"
)

// AddrRange is a half-open [Start, End) byte range used by the code-ignore
// table to recognize "PC is inside the sampling runtime itself" (spec.md
// §4.F step: "drop as a blocked-in-library sample").
type AddrRange struct {
	Start, End uintptr
}

func (r AddrRange) contains(addr uintptr) bool { return addr >= r.Start && addr < r.End }

// Request is one unit of sampling work handed to a Dispatcher: an already
// captured register snapshot plus the metric to credit.
type Request struct {
	Regs      unwind.Registers
	RegValue  func(name string) (uintptr, bool)
	MetricID  cct.MetricID
	Increment float64
	Timestamp int64 // unix nanos; used for optional trace records
}

// Outcome classifies what happened to one dispatched sample, used for the
// diagnostic counters of spec.md §7.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeDropped            // reentrant, suppressed, or finalizing
	OutcomeBlockedInCollector // PC was inside the ignore table
	OutcomePartialUnwind      // a step returned Error after at least one frame, or the frame cap was hit
	OutcomeUnresolvable       // Cursor.Init found no module or recipe for the PC; no frame was produced
	OutcomeFaulted            // a panic was recovered mid-unwind
)

// TraceRecord is an optional (timestamp, leaf_id) emission, produced only
// when tracing is enabled.
type TraceRecord struct {
	Timestamp int64
	LeafID    uint32
}

// Dispatcher is the per-thread sample-handling state: the reentrancy
// guard, the ignore table, and the collaborators needed to turn a register
// snapshot into a credited CCT leaf.
type Dispatcher struct {
	cursor     *unwind.Cursor
	epochs     *epoch.Manager
	loadmapMgr *loadmap.Manager
	diagLog    *diag.Log
	ignore     []AddrRange
	tracing    bool
	maxFrames  int

	inHandler  atomic.Bool
	suppressed atomic.Bool
	finalizing atomic.Bool

	traces chan TraceRecord
}

// Config bundles a Dispatcher's collaborators.
type Config struct {
	Cursor     *unwind.Cursor
	Epochs     *epoch.Manager
	LoadmapMgr *loadmap.Manager
	Diag       *diag.Log
	Ignore     []AddrRange
	Tracing    bool
	MaxFrames  int // backtrace ring buffer capacity; default 1024
	TraceDepth int // trace channel buffer capacity; default 256
}

const defaultMaxFrames = 1024
const defaultTraceDepth = 256

// NewDispatcher constructs a Dispatcher ready to handle Requests.
func NewDispatcher(cfg Config) *Dispatcher {
	maxFrames := cfg.MaxFrames
	if maxFrames <= 0 {
		maxFrames = defaultMaxFrames
	}
	traceDepth := cfg.TraceDepth
	if traceDepth <= 0 {
		traceDepth = defaultTraceDepth
	}
	d := &Dispatcher{
		cursor:     cfg.Cursor,
		epochs:     cfg.Epochs,
		loadmapMgr: cfg.LoadmapMgr,
		diagLog:    cfg.Diag,
		ignore:     cfg.Ignore,
		tracing:    cfg.Tracing,
		maxFrames:  maxFrames,
	}
	if cfg.Tracing {
		d.traces = make(chan TraceRecord, traceDepth)
	}
	return d
}

// Suppress marks the thread as not-to-be-sampled (spec.md §4.F step 4,
// "verify the thread is not marked suppressed").
func (d *Dispatcher) Suppress(v bool) { d.suppressed.Store(v) }

// Finalize marks the thread as shutting down; subsequent samples are
// dropped rather than risk touching torn-down state.
func (d *Dispatcher) Finalize() { d.finalizing.Store(true) }

// Traces returns the channel trace records are delivered on, or nil if
// tracing is disabled.
func (d *Dispatcher) Traces() <-chan TraceRecord { return d.traces }

func (d *Dispatcher) inIgnoreTable(pc uintptr) bool {
	for _, r := range d.ignore {
		if r.contains(pc) {
			return true
		}
	}
	return false
}

// Handle runs one sample request through the full pipeline, mirroring
// spec.md §4.F's handler-entry invariants and work list. It never panics:
// a recover() scope stands in for the native sigjmp target, converting any
// fault raised while unwinding or inserting into the CCT into an
// OutcomeFaulted result plus a KindFaulted diagnostic entry.
func (d *Dispatcher) Handle(req Request) (outcome Outcome) {
	// Step 2: reentrancy guard.
	if !d.inHandler.CompareAndSwap(false, true) {
		return OutcomeDropped
	}
	defer d.inHandler.Store(false)

	// Step 4: suppressed / finalizing check.
	if d.suppressed.Load() || d.finalizing.Load() {
		return OutcomeDropped
	}

	// Step 5: sigjmp-equivalent fault boundary.
	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomeFaulted
			if d.diagLog != nil {
				_ = d.diagLog.Append(diag.KindFaulted, 0, faultMessage(r))
			}
		}
	}()

	if d.inIgnoreTable(req.Regs.PC) {
		if d.diagLog != nil {
			_ = d.diagLog.Append(diag.KindBlockedInCollector, 0, "pc inside sampling runtime")
		}
		return OutcomeBlockedInCollector
	}

	frames, partial := d.unwindBacktrace(req)
	if partial && len(frames) == 0 {
		if d.diagLog != nil {
			_ = d.diagLog.Append(diag.KindUnresolvable, 0, "unwind produced zero frames")
		}
		return OutcomeUnresolvable
	}

	ep := d.epochs.CheckForNewLoadmap()
	root := ep.Tree.MarkerRoot(markerForPartial(partial))
	leaf := ep.Tree.InsertPath(root, frames)
	ep.Tree.AddMetric(leaf, req.MetricID, req.Increment)

	if d.tracing && d.traces != nil {
		select {
		case d.traces <- TraceRecord{Timestamp: req.Timestamp, LeafID: leaf.ID()}:
		default:
			// Trace channel full: drop the record rather than block the
			// dispatcher (spec.md §5 "no suspension points that yield").
		}
	}

	if partial {
		if d.diagLog != nil {
			_ = d.diagLog.Append(diag.KindPartialUnwind, 0, "unwind stopped before a known boundary")
		}
		return OutcomePartialUnwind
	}
	return OutcomeOK
}

func markerForPartial(partial bool) cct.MarkerKind {
	if partial {
		return cct.RootPartialUnwind
	}
	return cct.RootProcess
}

// unwindBacktrace drives the cursor to completion or a recoverable stop,
// accumulating frames innermost-to-outermost, bounded by d.maxFrames.
func (d *Dispatcher) unwindBacktrace(req Request) (frames []cct.Frame, partial bool) {
	d.cursor.Init(req.Regs, req.RegValue)
	if d.cursor.Fence == unwind.FenceError {
		return nil, true
	}

	for i := 0; i < d.maxFrames; i++ {
		frames = append(frames, cct.Frame{
			Addr:          d.loadmapMgr.Normalize(d.cursor.PC),
			EnclosingFunc: d.loadmapMgr.Normalize(d.cursor.FuncStart),
		})

		result := d.cursor.Step()
		switch result {
		case unwind.StepStop, unwind.StepStopWeak:
			return frames, false
		case unwind.StepError:
			return frames, true
		case unwind.StepOK, unwind.StepTroll:
			continue
		}
	}
	// Hit the frame cap without reaching a stop boundary: treat as partial
	// rather than loop forever (defensive bound; real stacks terminate).
	return frames, true
}

func faultMessage(r interface{}) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return "recovered panic during sample handling"
}

// WaitForDone blocks until ctx is cancelled. Package sources does not use
// it: each source's loop selects on ctx.Done() itself.
func WaitForDone(ctx context.Context) {
	<-ctx.Done()
}
