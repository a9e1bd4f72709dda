//go:build !(linux && amd64)

package unwind

// FromPtraceRegs is unavailable on architectures without a wired register
// extractor; callers on these platforms must construct Registers directly
// (as tests and synthetic sample sources already do).
func FromPtraceRegs(regs interface{}) Registers {
	return Registers{}
}
