package memory

import "fmt"

// PageSize is the only page size this core supports (huge pages are
// rejected by AddressSpace.Translate per SPEC_FULL.md §4.3).
const PageSize = 4096

// FrameNumber names a physical page by index, not address — the same
// small-integer-handle discipline tinyrange-cc applies to hv.Register and
// port numbers instead of handing out raw pointers (SPEC_FULL.md §3).
type FrameNumber uint64

// Addr returns the physical byte address of the frame.
func (f FrameNumber) Addr() uint64 { return uint64(f) * PageSize }

// FrameAllocator is the Go shape of the external `allocate(size, align,
// flags) -> addr` / `free(addr, size)` collaborator from spec.md §1: the
// kernel core treats it as a capability it is handed, never an
// implementation it owns.
type FrameAllocator interface {
	// Allocate reserves count physical frames (the lowest-numbered free
	// ones, not necessarily contiguous) and returns their frame numbers.
	// Returns ErrOutOfFrames if the pool is exhausted.
	Allocate(count int) ([]FrameNumber, error)
	// Free releases previously allocated frames back to the pool.
	Free(frames []FrameNumber)
	// Read copies length bytes starting at offset within frame into a new
	// slice. Returns ErrPageFault if the frame's protection has been
	// revoked (see Protect).
	Read(frame FrameNumber, offset, length int) ([]byte, error)
	// Write copies data into frame starting at offset. Returns
	// ErrPageFault under the same condition as Read.
	Write(frame FrameNumber, offset int, data []byte) error
	// Protect marks a frame accessible or inaccessible. Revoking access
	// models the effect of AddressSpace.Unmap on the one process that was
	// dereferencing the page directly (SPEC_FULL.md §8 round-trip: "a
	// subsequent read by the owner of any byte in range faults").
	Protect(frame FrameNumber, accessible bool) error
}

func checkOffset(size, offset, length int) error {
	if offset < 0 || length < 0 || offset+length > size {
		return fmt.Errorf("memory: access [%d,%d) out of bounds for %d-byte frame", offset, offset+length, size)
	}
	return nil
}
