// Package unwind implements the cursor-driven native stack unwinder
// described in spec.md §4.D, grounded on
// unwind/x86-family/x86-unwind-interval.c for the recipe vocabulary and
// unwind/generic-libunwind/libunw-unwind.c for the step/cursor shape.
//
// A genuine signal handler's ucontext_t register snapshot has no portable
// Go equivalent, so Init accepts an already-extracted Registers value
// (populated either from a golang.org/x/sys/unix-shaped struct by a real
// delivery mechanism, or synthesized directly by tests and synthetic
// sample sources — see package sources). The rest of the state machine
// proceeds exactly as spec.md describes it.
package unwind

import (
	"github.com/sigtrace/hpcrun/internal/archx"
	"github.com/sigtrace/hpcrun/internal/loadmap"
	"github.com/sigtrace/hpcrun/internal/recipe"
)

// Fence records whether the cursor has reached a known termination
// boundary.
type Fence int

const (
	FenceNone Fence = iota
	FenceProcessBottom
	FenceThreadBottom
	FenceTrampoline
	FenceError
)

// StepResult is the outcome of one Step call.
type StepResult int

const (
	StepOK StepResult = iota
	StepStop
	StepStopWeak
	StepTroll
	StepError
)

func (r StepResult) String() string {
	switch r {
	case StepOK:
		return "ok"
	case StepStop:
		return "stop"
	case StepStopWeak:
		return "stop-weak"
	case StepTroll:
		return "troll"
	case StepError:
		return "error"
	default:
		return "unknown"
	}
}

// Registers is the architecture-independent subset of a captured register
// snapshot the unwinder needs: program counter, stack pointer, and base
// pointer (frame pointer). The value of the register named by a
// RegisterReturn recipe is not part of Registers; Init takes it through its
// regValue argument.
type Registers struct {
	PC, SP, BP uintptr
}

// BoundaryFunc reports whether addr falls inside a function that marks the
// bottom of the stack (process entry trampoline, or thread-start
// trampoline). Supplied by the collaborator that intercepts process/thread
// lifecycle (spec.md §4.D step 1); nil means "never".
type BoundaryFunc func(addr uintptr) (process, thread bool)

// MemReader reads a single word from the target's address space at addr.
// Cursor.readWord wraps every call in a recover(), and every read fails
// when no MemReader is configured. This package provides no in-process
// implementation; tests supply a synthetic stack image.
type MemReader interface {
	ReadWord(addr uintptr) (uintptr, bool)
}

const defaultTrollDepth = 16

// Cursor walks one thread's stack, one frame per Step call, driven by the
// recipe cache and (on cache miss and skip-frame failure) a bounded
// stack-trolling fallback.
type Cursor struct {
	PC, SP, BP uintptr
	RA         uintptr
	Recipe     recipe.Recipe
	ModuleID   loadmap.ModuleID
	Fence      Fence

	// FuncStart is the start VMA of the function range the current Recipe
	// covers, used by the CCT insertion path to identify the enclosing
	// function for recursion folding (spec.md §4.E).
	FuncStart uintptr

	loadmapMgr *loadmap.Manager
	recipes    *recipe.Cache
	policy     archx.Policy
	boundary   BoundaryFunc
	mem        MemReader
	trollDepth int
}

// Config bundles the collaborators a Cursor needs. Recipes, Boundary and
// Mem may be nil (no recipe lookup, no boundary detection, and every memory
// read failing, respectively); Policy
// defaults to archx.Default() and TrollDepth to 16 when zero.
type Config struct {
	LoadmapMgr *loadmap.Manager
	Recipes    *recipe.Cache
	Policy     archx.Policy
	Boundary   BoundaryFunc
	Mem        MemReader
	TrollDepth int
}

// NewCursor constructs an uninitialized Cursor ready for Init.
func NewCursor(cfg Config) *Cursor {
	policy := cfg.Policy
	if policy == nil {
		policy = archx.Default()
	}
	depth := cfg.TrollDepth
	if depth <= 0 {
		depth = defaultTrollDepth
	}
	return &Cursor{
		loadmapMgr: cfg.LoadmapMgr,
		recipes:    cfg.Recipes,
		policy:     policy,
		boundary:   cfg.Boundary,
		mem:        cfg.Mem,
		trollDepth: depth,
	}
}

// Init populates the cursor from an interrupted register snapshot,
// matching spec.md §4.D's init(cursor, ucontext): looks up the recipe
// covering regs.PC and, for a RegisterReturn recipe, seeds RA from the
// named register via regValue.
func (c *Cursor) Init(regs Registers, regValue func(name string) (uintptr, bool)) {
	c.PC, c.SP, c.BP = regs.PC, regs.SP, regs.BP
	c.Fence = FenceNone

	mod := c.loadmapMgr.FindByAddr(c.PC)
	if mod == nil {
		c.Fence = FenceError
		return
	}
	c.ModuleID = mod.ID

	rec, start, ok := c.lookupRecipe(mod, c.PC)
	if !ok {
		c.Fence = FenceError
		return
	}
	c.Recipe = rec
	c.FuncStart = start

	if rec.Kind == recipe.KindRegisterReturn && regValue != nil {
		if v, ok := regValue(rec.ReturnReg); ok {
			c.RA = v
		}
	}
}

// lookupRecipe resolves vma to a cached recipe (filling the cache on a
// miss) and returns the covering function range's start address alongside
// it.
func (c *Cursor) lookupRecipe(mod *loadmap.Module, vma uintptr) (recipe.Recipe, uintptr, bool) {
	if c.recipes == nil {
		return recipe.Recipe{}, 0, false
	}
	if rec, start, ok := c.recipes.LookupRange(mod, vma); ok {
		return rec, start, true
	}
	if _, ok := c.recipes.FillMiss(mod, vma); !ok {
		return recipe.Recipe{}, 0, false
	}
	return c.recipes.LookupRange(mod, vma)
}

// readWord reads one word from addr, recovering from any panic a bad
// address triggers and reporting it as a failed read — the Go stand-in for
// the native unwinder's SIGSEGV containment (spec.md §4.D "Error during a
// sample never crashes").
func (c *Cursor) readWord(addr uintptr) (v uintptr, ok bool) {
	if c.mem == nil {
		return 0, false
	}
	defer func() {
		if r := recover(); r != nil {
			v, ok = 0, false
		}
	}()
	return c.mem.ReadWord(addr)
}

// Step advances the cursor to the next (less deeply nested) frame,
// following spec.md §4.D's five-step procedure verbatim.
func (c *Cursor) Step() StepResult {
	// Step 1: boundary check.
	if c.boundary != nil {
		proc, thread := c.boundary(c.PC)
		if proc {
			c.Fence = FenceProcessBottom
			return StepStop
		}
		if thread {
			c.Fence = FenceThreadBottom
			return StepStop
		}
	}

	childSP := c.SP

	// Step 2: compute parent sp'.
	var newSP uintptr
	switch c.Recipe.Kind {
	case recipe.KindSPRelativeReturn:
		newSP = uintptr(int64(childSP) + c.Recipe.SPRAOffset)
		if newSP <= childSP {
			c.Fence = FenceError
			return StepError
		}
	case recipe.KindBPFrame:
		newSP = uintptr(int64(c.BP) + c.Recipe.BPRAOffset)
	case recipe.KindStandardFrame:
		newSP = uintptr(int64(c.BP) + c.Recipe.BPRAOffset)
	case recipe.KindRegisterReturn:
		newSP = childSP
	case recipe.KindPoison:
		c.Fence = FenceError
		return StepError
	default:
		c.Fence = FenceError
		return StepError
	}

	// Step 3: compute parent ra.
	var newRA uintptr
	switch c.Recipe.Kind {
	case recipe.KindRegisterReturn:
		newRA = c.RA
	default:
		raAddr := uintptr(int64(childSP) + c.Recipe.SPRAOffset)
		if c.Recipe.Kind == recipe.KindBPFrame || c.Recipe.Kind == recipe.KindStandardFrame {
			raAddr = uintptr(int64(c.BP) + c.Recipe.BPRAOffset)
		}
		v, ok := c.readWord(raAddr)
		if !ok {
			c.Fence = FenceError
			return StepError
		}
		newRA = v
	}
	if newRA == 0 {
		c.Fence = FenceError
		return StepError
	}
	newRA -= c.policy.ReturnAddressAdjust()

	// Step 3b: recover the parent's saved base pointer for recipe kinds that
	// track one (spec.md §3's sp_bp_off/bp_bp_off recipe fields), so a
	// subsequent Step() over a BP-chain has a real BP to work from instead
	// of the child's stack pointer. A failed read leaves newBP at the
	// newSP fallback; it only degrades a later BP-chain step to trolling,
	// it does not itself fail this one.
	newBP := newSP
	switch c.Recipe.Kind {
	case recipe.KindBPFrame, recipe.KindStandardFrame:
		if v, ok := c.readWord(uintptr(int64(c.BP) + c.Recipe.BPBPOffset)); ok {
			newBP = v
		}
	case recipe.KindSPRelativeReturn:
		if v, ok := c.readWord(uintptr(int64(childSP) + c.Recipe.SPBPOffset)); ok {
			newBP = v
		}
	}

	// Step 4: look up the new pc's recipe, with skip-frame and trolling
	// fallbacks on miss.
	mod := c.loadmapMgr.FindByAddr(newRA)
	result := StepOK
	if mod == nil {
		return c.trollFrom(newSP)
	}
	rec, start, ok := c.lookupRecipe(mod, newRA)
	if !ok {
		// Leaf skip-frame heuristic: reread RA from *sp' and retry once,
		// but only when the outgoing recipe was itself a leaf-style
		// RegisterReturn step (see DESIGN.md Open Question 2).
		if c.Recipe.Kind == recipe.KindRegisterReturn {
			if v, ok := c.readWord(newSP); ok {
				if mod2 := c.loadmapMgr.FindByAddr(v); mod2 != nil {
					if rec2, start2, ok2 := c.lookupRecipe(mod2, v); ok2 {
						mod, rec, start, ok = mod2, rec2, start2, true
						newRA = v
					}
				}
			}
		}
		if !ok {
			return c.trollFrom(newSP)
		}
	}

	// Step 5: commit.
	c.SP = newSP
	c.BP = newBP
	c.PC = newRA
	c.RA = newRA
	c.ModuleID = mod.ID
	c.Recipe = rec
	c.FuncStart = start
	return result
}

// trollFrom implements the bounded stack-trolling fallback: linearly scan
// up to trollDepth words above sp for a value that falls inside a known
// function range.
func (c *Cursor) trollFrom(sp uintptr) StepResult {
	wordSize := uintptr(8)
	for i := 0; i < c.trollDepth; i++ {
		addr := sp + uintptr(i)*wordSize
		v, ok := c.readWord(addr)
		if !ok {
			continue
		}
		mod := c.loadmapMgr.FindByAddr(v)
		if mod == nil {
			continue
		}
		rec, start, ok := c.lookupRecipe(mod, v)
		if !ok {
			continue
		}
		c.SP = addr + wordSize
		c.BP = c.SP
		c.PC = v
		c.RA = v
		c.ModuleID = mod.ID
		c.Recipe = rec
		c.FuncStart = start
		c.Fence = FenceNone
		return StepTroll
	}
	c.Fence = FenceError
	return StepError
}
