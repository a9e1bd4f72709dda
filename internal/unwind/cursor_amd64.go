//go:build linux && amd64

package unwind

import "golang.org/x/sys/unix"

// FromPtraceRegs extracts the (pc, sp, bp) triple this package's Cursor
// needs from a raw amd64 PTRACE_GETREGS snapshot, the real-delivery-path
// analogue of the portable Registers value tests and synthetic sources
// construct directly. Field names follow unix.PtraceRegs (Rip/Rsp/Rbp),
// matching <sys/user.h>'s struct user_regs_struct layout on this
// architecture.
func FromPtraceRegs(regs *unix.PtraceRegs) Registers {
	return Registers{
		PC: uintptr(regs.Rip),
		SP: uintptr(regs.Rsp),
		BP: uintptr(regs.Rbp),
	}
}
