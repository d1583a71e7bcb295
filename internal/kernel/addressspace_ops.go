package kernel

import (
	"github.com/tinyrange/microkernel/internal/ids"
	"github.com/tinyrange/microkernel/internal/ipc"
	"github.com/tinyrange/microkernel/internal/memory"
	"github.com/tinyrange/microkernel/internal/process"
)

// kernelAddressSpaceOps implements ipc.AddressSpaceOps against the real
// process table and page tables, so internal/ipc never needs to import
// internal/memory or internal/process directly (spec.md §4.6).
type kernelAddressSpaceOps struct {
	k *Kernel
}

func (o *kernelAddressSpaceOps) MapMemory(pid ids.Pid, virt uint64, phys []uint64, rights ipc.Rights) error {
	pcb, ok := o.k.sched.Get(pid)
	if !ok {
		return process.ErrNotFound
	}
	// AddressSpace.MapUser always installs PRESENT|WRITABLE|USER_ACCESSIBLE;
	// this core does not model a read-only user mapping distinctly from
	// ipc.RightsReadOnly at the page-table level (see DESIGN.md).
	for i, p := range phys {
		frame := memory.FrameNumber(p / memory.PageSize)
		page := memory.VirtAddr(virt + uint64(i)*memory.PageSize)
		if err := pcb.Space.MapUser(page, frame); err != nil {
			return err
		}
	}
	return nil
}

func (o *kernelAddressSpaceOps) UnmapMemory(pid ids.Pid, virt uint64, pageCount int) error {
	pcb, ok := o.k.sched.Get(pid)
	if !ok {
		return process.ErrNotFound
	}
	for i := 0; i < pageCount; i++ {
		page := memory.VirtAddr(virt + uint64(i)*memory.PageSize)
		if err := pcb.Space.Unmap(page); err != nil {
			return err
		}
	}
	return nil
}

// FlushTLBEntry is a no-op: this core has no separate TLB cache to
// invalidate — AddressSpace.Translate always re-walks the page tables,
// so a flush has already "happened" by construction. The method still
// exists on the interface so a future implementation backed by a real
// TLB model has somewhere to put the shootdown.
func (o *kernelAddressSpaceOps) FlushTLBEntry(virt uint64) error { return nil }

func (o *kernelAddressSpaceOps) VerifyOwnership(pid ids.Pid, virt uint64) (uint64, error) {
	pcb, ok := o.k.sched.Get(pid)
	if !ok {
		return 0, process.ErrNotFound
	}
	return pcb.Space.Translate(memory.VirtAddr(virt))
}
