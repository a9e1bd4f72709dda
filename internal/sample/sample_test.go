package sample

import (
	"testing"

	"github.com/sigtrace/hpcrun/internal/cct"
	"github.com/sigtrace/hpcrun/internal/epoch"
	"github.com/sigtrace/hpcrun/internal/loadmap"
	"github.com/sigtrace/hpcrun/internal/recipe"
	"github.com/sigtrace/hpcrun/internal/unwind"
)

type stepAnalyzer struct {
	recipes map[uintptr]recipe.Recipe
}

func (a *stepAnalyzer) Analyze(mod *loadmap.Module, vma uintptr) ([]recipe.Recipe2, error) {
	start := vma - (vma % 0x100)
	rec, ok := a.recipes[start]
	if !ok {
		rec = recipe.Recipe{Kind: recipe.KindPoison}
	}
	return []recipe.Recipe2{{Start: start, End: start + 0x100, Recipe: rec}}, nil
}

func newTestEnv(t *testing.T) (*unwind.Cursor, *epoch.Manager, *loadmap.Manager) {
	t.Helper()
	lm := loadmap.New()
	lm.OnMap("/bin/test", 0x1000, 0x9000, 0, 0)

	an := &stepAnalyzer{recipes: map[uintptr]recipe.Recipe{
		0x1000: {Kind: recipe.KindSPRelativeReturn, SPRAOffset: 16},
	}}
	cache := recipe.New(an)
	cursor := unwind.NewCursor(unwind.Config{LoadmapMgr: lm, Recipes: cache, Mem: noopMem{}})
	em := epoch.New(lm, false)
	return cursor, em, lm
}

// noopMem always fails reads, so a single Step() naturally bottoms out
// without a resolvable return address — exercising the partial-unwind path
// without needing to hand-construct a full synthetic stack.
type noopMem struct{}

func (noopMem) ReadWord(uintptr) (uintptr, bool) { return 0, false }

func TestHandleReportsPartialUnwindWhenReturnAddressUnreadable(t *testing.T) {
	cursor, em, lm := newTestEnv(t)
	d := NewDispatcher(Config{
		Cursor:     cursor,
		Epochs:     em,
		LoadmapMgr: lm,
	})

	req := Request{Regs: unwind.Registers{PC: 0x1000, SP: 0x7000}, MetricID: cct.MetricID(0), Increment: 1.0}
	outcome := d.Handle(req)
	// With no boundary configured and a failing memory reader, the single
	// step cannot resolve a return address, so this is expected to report
	// a partial unwind rather than a clean stop.
	if outcome != OutcomePartialUnwind {
		t.Fatalf("Handle() = %v, want OutcomePartialUnwind", outcome)
	}
}

func TestHandleDropsReentrantSample(t *testing.T) {
	cursor, em, lm := newTestEnv(t)
	d := NewDispatcher(Config{Cursor: cursor, Epochs: em, LoadmapMgr: lm})
	d.inHandler.Store(true)

	outcome := d.Handle(Request{Regs: unwind.Registers{PC: 0x1000, SP: 0x7000}})
	if outcome != OutcomeDropped {
		t.Fatalf("Handle() = %v, want OutcomeDropped for reentrant sample", outcome)
	}
}

func TestHandleDropsWhenSuppressed(t *testing.T) {
	cursor, em, lm := newTestEnv(t)
	d := NewDispatcher(Config{Cursor: cursor, Epochs: em, LoadmapMgr: lm})
	d.Suppress(true)

	outcome := d.Handle(Request{Regs: unwind.Registers{PC: 0x1000, SP: 0x7000}})
	if outcome != OutcomeDropped {
		t.Fatalf("Handle() = %v, want OutcomeDropped when suppressed", outcome)
	}
}

func TestHandleBlockedInCollectorIgnoreTable(t *testing.T) {
	cursor, em, lm := newTestEnv(t)
	d := NewDispatcher(Config{
		Cursor:     cursor,
		Epochs:     em,
		LoadmapMgr: lm,
		Ignore:     []AddrRange{{Start: 0x1000, End: 0x1010}},
	})

	outcome := d.Handle(Request{Regs: unwind.Registers{PC: 0x1005, SP: 0x7000}})
	if outcome != OutcomeBlockedInCollector {
		t.Fatalf("Handle() = %v, want OutcomeBlockedInCollector", outcome)
	}
}

func TestHandleUnresolvableWhenInitFails(t *testing.T) {
	cursor, em, lm := newTestEnv(t)
	d := NewDispatcher(Config{Cursor: cursor, Epochs: em, LoadmapMgr: lm})

	// PC outside any known module: Init cannot find a recipe at all.
	outcome := d.Handle(Request{Regs: unwind.Registers{PC: 0xFFFFFF, SP: 0x7000}})
	if outcome != OutcomeUnresolvable {
		t.Fatalf("Handle() = %v, want OutcomeUnresolvable", outcome)
	}
}

func TestHandleCreditsMetricOnLeaf(t *testing.T) {
	cursor, em, lm := newTestEnv(t)
	d := NewDispatcher(Config{Cursor: cursor, Epochs: em, LoadmapMgr: lm})

	d.Handle(Request{Regs: unwind.Registers{PC: 0x1000, SP: 0x7000}, MetricID: 3, Increment: 5.0})

	found := false
	em.Current().Tree.WalkPreorder(em.Current().Tree.Root(), func(n *cct.Node) {
		if v, ok := n.Metrics()[3]; ok && v == 5.0 {
			found = true
		}
	})
	if !found {
		t.Fatal("expected metric 3 credited with 5.0 somewhere in the tree")
	}
}
