// Package archx exposes the per-architecture policy knobs spec.md §9 flags
// as "worth flagging, not guessing": the trampoline low-bit marker and the
// return-address-minus-one-byte adjustment used by the unwinder to land
// inside the call instruction rather than its successor.
package archx

// Policy captures the two architecture-specific decisions the unwinder and
// trampoline machinery need. Callers select a Policy once at process init;
// it never changes for the lifetime of the process.
type Policy interface {
	// TrampolineBit returns the bit mask the trampoline uses to tag a
	// stored return address as "previously sampled" (spec.md §4.E, §9).
	TrampolineBit() uintptr

	// ReturnAddressAdjust returns how many bytes to subtract from a
	// recovered return address so it points inside the call instruction
	// rather than its successor (spec.md §4.D step 3).
	ReturnAddressAdjust() uintptr

	// Name identifies the policy for diagnostics.
	Name() string
}

// generic is the conservative fallback: bit 0, 1-byte RA adjustment. Used
// whenever the target architecture's actual instruction alignment rules
// are not known at compile time (see DESIGN.md Open Question 1).
type generic struct{}

func (generic) TrampolineBit() uintptr       { return 1 }
func (generic) ReturnAddressAdjust() uintptr { return 1 }
func (generic) Name() string                 { return "generic" }

// amd64 policy: x86-64 instructions have no fixed alignment, so the low bit
// of an address is not generally free for tagging; this policy still uses
// bit 0 (matching upstream hpcrun's historical choice on this platform) but
// is kept distinct from generic so a future architecture with different
// needs (e.g. one requiring 2 or 4-byte alignment) can diverge without
// touching the default.
type amd64Policy struct{}

func (amd64Policy) TrampolineBit() uintptr       { return 1 }
func (amd64Policy) ReturnAddressAdjust() uintptr { return 1 }
func (amd64Policy) Name() string                 { return "amd64" }

// Generic is the architecture-agnostic fallback policy.
var Generic Policy = generic{}

// AMD64 is the x86-64 policy.
var AMD64 Policy = amd64Policy{}

// Default returns the policy selected for the current build (see
// default_amd64.go / default_generic.go).
func Default() Policy {
	return defaultPolicy
}
