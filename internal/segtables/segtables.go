// Package segtables models the GDT+TSS: the kernel/user code+data selectors
// and the IST stack used on a double fault. Grounded on the static,
// construct-once-and-never-mutate shape of tinyrange-cc's
// internal/hv.CpuArchitecture selector constants and its device Init(vm)
// pattern, generalized here to segment descriptors instead of register
// enums.
package segtables

import "github.com/tinyrange/microkernel/internal/arch"

// Selector RPL (requested privilege level) occupies the low 2 bits.
const (
	rpl0 = 0
	rpl3 = 3
)

// Fixed selector indices into the (conceptual) GDT. Values are shifted left
// 3 (index * 8-byte descriptor) with the RPL or'd in, matching how a real
// GDT selector is encoded.
const (
	idxNull = iota
	idxKernelCode
	idxKernelData
	idxUserCode
	idxUserData
	idxTSSLow
	idxTSSHigh // a TSS descriptor is 16 bytes on amd64, spanning two slots
)

// TSS mirrors the subset of the Task State Segment the kernel relies on:
// the ring-3->ring-0 stack pointer and the IST entry used for double fault.
type TSS struct {
	// PrivilegeStackTable[0] is loaded by the CPU on any interrupt/exception
	// that causes a ring-3->ring-0 transition without an explicit IST index.
	PrivilegeStackTable [1]uint64
	// InterruptStackTable[0] is the stack used unconditionally for double
	// fault, isolating it from a possibly-corrupt kernel stack.
	InterruptStackTable [1]uint64
}

// SegmentTables holds the five selectors and the TSS. Once constructed by
// New, selector values never change for the life of the value — "static for
// the life of the kernel" per SPEC_FULL.md §4.1.
type SegmentTables struct {
	selectors arch.Selectors
	tssIndex  uint16
	tss       TSS
}

// New constructs the segment tables with conventional selector encodings
// and the given kernel/double-fault stack tops. Real stack addresses (not
// zero) must be supplied: a zero stack top would let the CPU run the next
// ring transition on an unmapped address.
func New(kernelStackTop, doubleFaultStackTop uint64) (*SegmentTables, error) {
	if kernelStackTop == 0 {
		return nil, ErrNoKernelStack
	}
	if doubleFaultStackTop == 0 {
		return nil, ErrNoISTStack
	}

	st := &SegmentTables{
		selectors: arch.Selectors{
			KernelCode: (idxKernelCode << 3) | rpl0,
			KernelData: (idxKernelData << 3) | rpl0,
			UserCode:   (idxUserCode << 3) | rpl3,
			UserData:   (idxUserData << 3) | rpl3,
		},
		tssIndex: (idxTSSLow << 3) | rpl0,
	}
	st.tss.PrivilegeStackTable[0] = kernelStackTop
	st.tss.InterruptStackTable[0] = doubleFaultStackTop
	return st, nil
}

// Selectors returns the kernel/user code+data selectors used to build a
// fresh arch.Context for a new process.
func (s *SegmentTables) Selectors() arch.Selectors { return s.selectors }

// TSSSelector returns the selector naming the TSS descriptor.
func (s *SegmentTables) TSSSelector() uint16 { return s.tssIndex }

// TSS returns the (read-only view of the) task state segment.
func (s *SegmentTables) TSS() TSS { return s.tss }

// KernelStackTop returns TSS.PrivilegeStackTable[0], the stack the CPU
// switches to on a ring-3->ring-0 transition via interrupt/exception.
func (s *SegmentTables) KernelStackTop() uint64 { return s.tss.PrivilegeStackTable[0] }

// DoubleFaultStackTop returns TSS.InterruptStackTable[0].
func (s *SegmentTables) DoubleFaultStackTop() uint64 { return s.tss.InterruptStackTable[0] }
