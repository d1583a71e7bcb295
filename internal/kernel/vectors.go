package kernel

import (
	"fmt"

	"github.com/tinyrange/microkernel/internal/ids"
	"github.com/tinyrange/microkernel/internal/interrupt"
)

// PageFaultFrame is the frame interrupt.Table.Dispatch passes to the
// page-fault vector: the faulting process and the address it tried to
// access, the two values spec.md §4.2 says the handler reads "from the
// control register holding the last fault address".
type PageFaultFrame struct {
	Pid       ids.Pid
	FaultAddr uint64
}

// installVectors wires the exception/IRQ vectors spec.md §4.2 and §6
// name that are NOT routed through the timer/fast-syscall direct-call
// path: breakpoint, page fault, double fault, keyboard, and the legacy
// 0x80 software-interrupt syscall entry.
func (k *Kernel) installVectors() {
	k.vectors.Install(interrupt.VectorBreakpoint, func(frame any) error {
		k.log.Debug("breakpoint trap")
		return nil
	})

	k.vectors.Install(interrupt.VectorPageFault, func(frame any) error {
		f, ok := frame.(*PageFaultFrame)
		if !ok {
			return fmt.Errorf("kernel: page fault handler got unexpected frame type %T", frame)
		}
		k.log.Error("page fault", "pid", f.Pid, "fault_addr", fmt.Sprintf("%#x", f.FaultAddr))
		// spec.md §7: v1 halts the CPU on a non-recoverable user-mode
		// fault rather than killing only the faulting process.
		k.halted = true
		k.haltReason = fmt.Sprintf("unrecoverable page fault: pid %d at %#x", f.Pid, f.FaultAddr)
		return nil
	})

	k.vectors.Install(interrupt.VectorDoubleFault, func(frame any) error {
		panic("kernel: double fault")
	})

	k.vectors.Install(interrupt.VectorKeyboard, func(frame any) error {
		k.log.Debug("keyboard irq (no input driver modeled)")
		return nil
	})

	k.vectors.Install(interrupt.VectorSyscallLegacy, func(frame any) error {
		return fmt.Errorf("kernel: vector 0x80 is reserved for compatibility; the fast-syscall path is primary")
	})
}

// HandleBreakpoint dispatches the breakpoint vector.
func (k *Kernel) HandleBreakpoint() error {
	return k.vectors.Dispatch(interrupt.VectorBreakpoint, nil)
}

// HandlePageFault dispatches the page-fault vector for pid faulting on
// faultAddr.
func (k *Kernel) HandlePageFault(pid ids.Pid, faultAddr uint64) error {
	return k.vectors.Dispatch(interrupt.VectorPageFault, &PageFaultFrame{Pid: pid, FaultAddr: faultAddr})
}

// HandleKeyboard dispatches the keyboard IRQ vector.
func (k *Kernel) HandleKeyboard() error {
	return k.vectors.Dispatch(interrupt.VectorKeyboard, nil)
}
