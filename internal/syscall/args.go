package syscall

import "github.com/tinyrange/microkernel/internal/arch"

// Args holds the six syscall argument registers in the fast-syscall
// calling convention's order — not the C calling convention, since rcx
// and r11 are reserved by the instruction (spec.md §4.4).
type Args struct {
	Rdi, Rsi, Rdx, R10, R8, R9 uint64
}

// ArgsFromContext reads the argument registers out of a saved Context.
func ArgsFromContext(ctx *arch.Context) Args {
	return Args{
		Rdi: ctx.Rdi,
		Rsi: ctx.Rsi,
		Rdx: ctx.Rdx,
		R10: ctx.R10,
		R8:  ctx.R8,
		R9:  ctx.R9,
	}
}
