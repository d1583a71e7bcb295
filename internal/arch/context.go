// Package arch defines the architectural register record shared by every
// ring-3/ring-0 transition: the timer interrupt prologue, the fast-syscall
// entry, and fork's context duplication all read and write the same layout.
package arch

// RFlags bits relevant to a fresh user context.
const (
	RFlagsInterruptEnable uint64 = 1 << 9
	RFlagsReserved1       uint64 = 1 << 1 // always set per the ISA
)

// Context is a contiguous record laid out in the exact order the
// interrupt/syscall prologues push and pop: the 15 integer registers other
// than RSP, followed by the 5 CPU-pushed fields used by the privilege-return
// instruction. Field order matters for anything that treats Context as a
// flat record (e.g. a hex dump on a fatal fault); do not reorder without
// updating the trampoline contract described in SPEC_FULL.md §4.2.
type Context struct {
	R15, R14, R13, R12, R11, R10, R9, R8 uint64
	Rbp, Rdi, Rsi, Rdx, Rcx, Rbx, Rax    uint64

	// CPU-pushed tail, consulted and possibly rewritten by the scheduler
	// before the return-from-interrupt instruction executes.
	Rip    uint64
	Cs     uint16
	Rflags uint64
	Rsp    uint64
	Ss     uint16
}

// Selectors carries the four ring-specific segment selectors a fresh
// Context needs; internal/segtables is the only producer.
type Selectors struct {
	KernelCode, KernelData uint16
	UserCode, UserData     uint16
}

// FreshUser builds the initial Context for a newly created user process:
// all GPRs zero, interrupts enabled, RPL=3 selectors, and the given entry
// point / stack top.
func FreshUser(sel Selectors, entry, userStackTop uint64) *Context {
	return &Context{
		Rip:    entry,
		Rsp:    userStackTop,
		Rflags: RFlagsReserved1 | RFlagsInterruptEnable,
		Cs:     sel.UserCode,
		Ss:     sel.UserData,
	}
}

// Clone duplicates a Context for fork; the caller is responsible for then
// zeroing Rax in the child's copy (syscall return value convention).
func (c *Context) Clone() *Context {
	cp := *c
	return &cp
}

// SyscallNumber returns the raw value in Rax at syscall entry.
func (c *Context) SyscallNumber() int64 { return int64(c.Rax) }

// SetReturn writes a syscall's (possibly negative) return value into Rax,
// sign-extending exactly as the privilege-return path does.
func (c *Context) SetReturn(v int64) { c.Rax = uint64(v) }
