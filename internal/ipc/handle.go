package ipc

import (
	"fmt"
	"math"
	"sync"

	"github.com/tinyrange/microkernel/internal/ids"
)

// Rights a handle grants its holder.
type Rights int

const (
	RightsNone Rights = iota
	RightsReadOnly
	RightsReadWrite
	RightsExecute
)

// TransferMode controls what transfer(handle, target) does to the
// sender's own mapping (spec.md §4.6).
type TransferMode int

const (
	// ModeOwnership unmaps the range from the sender and installs it in
	// the target; exactly one of sender/target has access afterward.
	ModeOwnership TransferMode = iota
	// ModeShared keeps the sender's mapping and additionally installs
	// the range in the target with at most the granted rights.
	ModeShared
	// ModeExclusive behaves like Ownership, but additionally marks the
	// owner as unable to transfer again until the holder relinquishes
	// the handle (no syscall in this spec performs that hand-back; the
	// field exists for a future revision to enforce).
	ModeExclusive
)

// Range is a page-aligned, non-empty byte range.
type Range struct {
	Start uint64
	Size  uint64
}

func (r Range) valid() bool {
	if r.Size == 0 {
		return false
	}
	if r.Start%4096 != 0 || r.Size%4096 != 0 {
		return false
	}
	// spec.md §8 scenario 5: size+4095 must not overflow.
	if r.Size > math.MaxUint64-4095 {
		return false
	}
	return true
}

// PageCount returns the number of 4096-byte pages the range spans.
func (r Range) PageCount() int { return int(r.Size / 4096) }

// MemoryHandle is a capability naming a contiguous page-aligned range
// and the rights granted to its current holder (spec.md §3).
type MemoryHandle struct {
	ID        ids.HandleID
	OwnerPid  ids.Pid
	HolderPid ids.Pid
	Range     Range
	Rights    Rights
	Mode      TransferMode
	Active    bool
	IsMapped  bool

	// exclusiveLocked records that a ModeExclusive transfer has moved
	// the handle out of the owner's hands; no operation in this spec
	// clears it (see the ModeExclusive comment above).
	exclusiveLocked bool
}

// AddressSpaceOps is the capability interface internal/ipc uses instead
// of importing internal/memory directly (spec.md §4.6). phys values are
// physical frame base addresses, not internal/memory.FrameNumber, so
// this package stays independent of the page-table implementation.
type AddressSpaceOps interface {
	MapMemory(pid ids.Pid, virt uint64, phys []uint64, rights Rights) error
	UnmapMemory(pid ids.Pid, virt uint64, pageCount int) error
	FlushTLBEntry(virt uint64) error
	VerifyOwnership(pid ids.Pid, virt uint64) (uint64, error)
}

// HandleRegistry owns every live MemoryHandle for the kernel's lifetime.
type HandleRegistry struct {
	mu      sync.Mutex
	ops     AddressSpaceOps
	handles map[ids.HandleID]*MemoryHandle
	nextID  ids.HandleID
}

// NewHandleRegistry binds a registry to the capability used for all
// page-table side effects.
func NewHandleRegistry(ops AddressSpaceOps) *HandleRegistry {
	return &HandleRegistry{ops: ops, handles: make(map[ids.HandleID]*MemoryHandle)}
}

// CreateHandle admits a new handle with owner = holder = caller.
func (r *HandleRegistry) CreateHandle(caller ids.Pid, rng Range, rights Rights, mode TransferMode) (ids.HandleID, error) {
	if !rng.valid() {
		return 0, ErrInvalidRange
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.handles[id] = &MemoryHandle{
		ID: id, OwnerPid: caller, HolderPid: caller,
		Range: rng, Rights: rights, Mode: mode, Active: true,
	}
	return id, nil
}

func (r *HandleRegistry) gatherFramesLocked(pid ids.Pid, rng Range) ([]uint64, error) {
	count := rng.PageCount()
	phys := make([]uint64, 0, count)
	for i := 0; i < count; i++ {
		virt := rng.Start + uint64(i)*4096
		p, err := r.ops.VerifyOwnership(pid, virt)
		if err != nil {
			return nil, err
		}
		phys = append(phys, p)
	}
	return phys, nil
}

// Transfer implements transfer(handle, target) for all three modes
// (spec.md §4.6). caller must be the handle's owner.
func (r *HandleRegistry) Transfer(handleID ids.HandleID, caller, target ids.Pid) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.handles[handleID]
	if h == nil {
		return ErrHandleNotFound
	}
	if h.OwnerPid != caller {
		return ErrAccessDenied
	}
	if target == caller {
		return ErrCircularTransfer
	}
	if !h.Active {
		return ErrAccessDenied
	}

	switch h.Mode {
	case ModeOwnership, ModeExclusive:
		phys, err := r.gatherFramesLocked(caller, h.Range)
		if err != nil {
			return fmt.Errorf("ipc: transfer: %w", err)
		}
		if err := r.ops.UnmapMemory(caller, h.Range.Start, h.Range.PageCount()); err != nil {
			return fmt.Errorf("ipc: transfer unmap: %w", err)
		}
		if err := r.ops.MapMemory(target, h.Range.Start, phys, h.Rights); err != nil {
			return fmt.Errorf("ipc: transfer map: %w", err)
		}
		h.HolderPid = target
		h.IsMapped = true
		if h.Mode == ModeExclusive {
			h.exclusiveLocked = true
		}
	case ModeShared:
		phys, err := r.gatherFramesLocked(caller, h.Range)
		if err != nil {
			return fmt.Errorf("ipc: transfer: %w", err)
		}
		if err := r.ops.MapMemory(target, h.Range.Start, phys, h.Rights); err != nil {
			return fmt.Errorf("ipc: transfer map: %w", err)
		}
		h.HolderPid = target
		h.IsMapped = true
	default:
		return fmt.Errorf("ipc: transfer: unknown mode %d", h.Mode)
	}
	return nil
}

// Receive implements receive(handle): caller must be the current
// holder. It explicitly re-verifies the mapping landed before returning
// the range, addressing spec.md §9's note that the source set is_mapped
// unconditionally without checking.
func (r *HandleRegistry) Receive(handleID ids.HandleID, caller ids.Pid) (Range, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.handles[handleID]
	if h == nil {
		return Range{}, ErrHandleNotFound
	}
	if !h.Active || h.HolderPid != caller {
		return Range{}, ErrAccessDenied
	}
	if _, err := r.ops.VerifyOwnership(caller, h.Range.Start); err != nil {
		return Range{}, fmt.Errorf("ipc: receive: mapping not installed: %w", err)
	}
	h.IsMapped = true
	return h.Range, nil
}

// Revoke unmaps the range from the holder (if mapped), flushes the TLB
// for every page, and deactivates the handle. caller must be the owner.
func (r *HandleRegistry) Revoke(handleID ids.HandleID, caller ids.Pid) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handles[handleID]
	if h == nil {
		return ErrHandleNotFound
	}
	if h.OwnerPid != caller {
		return ErrAccessDenied
	}
	return r.revokeLocked(h)
}

func (r *HandleRegistry) revokeLocked(h *MemoryHandle) error {
	if h.IsMapped && h.HolderPid != h.OwnerPid {
		if err := r.ops.UnmapMemory(h.HolderPid, h.Range.Start, h.Range.PageCount()); err != nil {
			return fmt.Errorf("ipc: revoke unmap: %w", err)
		}
		for i := 0; i < h.Range.PageCount(); i++ {
			if err := r.ops.FlushTLBEntry(h.Range.Start + uint64(i)*4096); err != nil {
				return fmt.Errorf("ipc: revoke flush: %w", err)
			}
		}
	}
	h.Active = false
	h.Rights = RightsNone
	h.IsMapped = false
	return nil
}

// Cleanup revokes every handle owned by or held by pid, on process exit
// (spec.md §4.6). A handle merely held (not owned) by the exiting pid
// has its mapping torn down and is deactivated too: nothing in this
// spec names a "return to owner" operation, so there is no live holder
// left to resume using it.
func (r *HandleRegistry) Cleanup(pid ids.Pid) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.handles {
		if !h.Active {
			continue
		}
		if h.OwnerPid == pid || h.HolderPid == pid {
			if err := r.revokeLocked(h); err != nil {
				return err
			}
		}
	}
	return nil
}

// Get returns a copy of the handle state for inspection (tests,
// diagnostics).
func (r *HandleRegistry) Get(handleID ids.HandleID) (MemoryHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handles[handleID]
	if h == nil {
		return MemoryHandle{}, false
	}
	return *h, true
}
