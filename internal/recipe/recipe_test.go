package recipe

import (
	"fmt"
	"testing"

	"github.com/sigtrace/hpcrun/internal/loadmap"
)

// fakeAnalyzer returns one recipe per call spanning a fixed-size window
// around the requested vma, simulating "analyze once per function range".
type fakeAnalyzer struct {
	calls int
}

func (a *fakeAnalyzer) Analyze(mod *loadmap.Module, vma uintptr) ([]Recipe2, error) {
	a.calls++
	start := vma - (vma % 0x100)
	return []Recipe2{{
		Start:  start,
		End:    start + 0x100,
		Recipe: Recipe{Kind: KindStandardFrame},
	}}, nil
}

func testModule(id loadmap.ModuleID) *loadmap.Module {
	return &loadmap.Module{ID: id, Start: 0x1000, End: 0x10000}
}

func TestLookupMissThenFillThenHit(t *testing.T) {
	an := &fakeAnalyzer{}
	c := New(an)
	mod := testModule(1)

	if _, ok := c.Lookup(mod, 0x1050); ok {
		t.Fatal("expected miss before any fill")
	}
	r, ok := c.FillMiss(mod, 0x1050)
	if !ok {
		t.Fatal("FillMiss failed")
	}
	if r.Kind != KindStandardFrame {
		t.Fatalf("unexpected recipe kind: %v", r.Kind)
	}
	if _, ok := c.Lookup(mod, 0x1050); !ok {
		t.Fatal("expected hit after fill")
	}
	if an.calls != 1 {
		t.Fatalf("analyzer called %d times, want 1", an.calls)
	}
}

func TestFillMissIsIdempotentUnderRace(t *testing.T) {
	an := &fakeAnalyzer{}
	c := New(an)
	mod := testModule(1)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			c.FillMiss(mod, 0x1050)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	if !c.Disjoint() {
		t.Fatal("cache became non-disjoint under concurrent fills")
	}
}

// overlapAnalyzer deliberately returns overlapping ranges to exercise the
// disjointness guard.
type overlapAnalyzer struct{}

func (overlapAnalyzer) Analyze(mod *loadmap.Module, vma uintptr) ([]Recipe2, error) {
	return []Recipe2{{Start: 0x1000, End: 0x1100, Recipe: Recipe{Kind: KindPoison}}}, nil
}

func TestDisjointnessGuardRejectsOverlap(t *testing.T) {
	c := New(overlapAnalyzer{})
	mod := testModule(1)
	if _, ok := c.FillMiss(mod, 0x1050); !ok {
		t.Fatal("first fill must succeed")
	}
	// A miss at 0x1200 lies outside the cached [0x1000,0x1100) range, and
	// overlapAnalyzer answers it with [0x1000,0x1100) again: that insert
	// overlaps the cached entry and must be refused.
	if _, ok := c.FillMiss(mod, 0x1200); ok {
		t.Fatal("overlapping fill must be refused")
	}
	if !c.Disjoint() {
		t.Fatal("expected disjoint cache after the refused overlapping fill")
	}
}

func TestLookupRangeReturnsFunctionStart(t *testing.T) {
	an := &fakeAnalyzer{}
	c := New(an)
	mod := testModule(1)

	c.FillMiss(mod, 0x1050)
	_, start, ok := c.LookupRange(mod, 0x1090)
	if !ok {
		t.Fatal("expected LookupRange hit after fill")
	}
	if start != 0x1000 {
		t.Fatalf("LookupRange start = %#x, want 0x1000", start)
	}
}

func TestRecipeKindString(t *testing.T) {
	cases := []struct {
		k    Kind
		want string
	}{
		{KindStandardFrame, "StandardFrame"},
		{KindSPRelativeReturn, "SPRelativeReturn"},
		{KindRegisterReturn, "RegisterReturn"},
		{KindBPFrame, "BPFrame"},
		{KindPoison, "Poison"},
	}
	for _, c := range cases {
		if got := c.k.String(); got != c.want {
			t.Fatalf("Kind(%d).String() = %q, want %q", c.k, got, c.want)
		}
	}
	if got := fmt.Sprint(Kind(99)); got != "Unknown" {
		t.Fatalf("unknown kind = %q, want Unknown", got)
	}
}
