//go:build linux

package memory

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// MmapFrameAllocator backs physical frames with a real anonymous mmap
// arena, grounded on internal/asm/amd64/exec.go's use of unix.Mmap/
// unix.Mprotect to prepare pages for compiled machine code. Here the same
// primitives back "physical memory" so Protect(frame, false) is a genuine
// unix.Mprotect(PROT_NONE) call rather than a bookkeeping flag.
type MmapFrameAllocator struct {
	mu        sync.Mutex
	arena     []byte
	free      []bool // index by frame number; true = available
	protected map[FrameNumber]bool
}

// NewMmapFrameAllocator reserves totalFrames*PageSize bytes of anonymous,
// page-aligned memory up front.
func NewMmapFrameAllocator(totalFrames int) (*MmapFrameAllocator, error) {
	if totalFrames <= 0 {
		return nil, fmt.Errorf("memory: totalFrames must be positive, got %d", totalFrames)
	}
	size := totalFrames * PageSize
	arena, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("memory: mmap frame arena: %w", err)
	}
	free := make([]bool, totalFrames)
	for i := range free {
		free[i] = true
	}
	return &MmapFrameAllocator{arena: arena, free: free}, nil
}

// Close releases the backing arena. Not part of FrameAllocator: only the
// owner (internal/kernel at shutdown) calls it.
func (a *MmapFrameAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.arena == nil {
		return nil
	}
	err := unix.Munmap(a.arena)
	a.arena = nil
	return err
}

func (a *MmapFrameAllocator) Allocate(count int) ([]FrameNumber, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if count <= 0 {
		return nil, fmt.Errorf("memory: allocate count must be positive, got %d", count)
	}

	out := make([]FrameNumber, 0, count)
	for i := range a.free {
		if len(out) == count {
			break
		}
		if a.free[i] {
			out = append(out, FrameNumber(i))
		}
	}
	if len(out) < count {
		return nil, ErrOutOfFrames
	}
	for _, f := range out {
		a.free[f] = false
	}
	return out, nil
}

func (a *MmapFrameAllocator) Free(frames []FrameNumber) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, f := range frames {
		if int(f) < len(a.free) {
			a.free[f] = true
			// Restore access for reuse by a future owner.
			_ = unix.Mprotect(a.arena[f.Addr():f.Addr()+PageSize], unix.PROT_READ|unix.PROT_WRITE)
			delete(a.protected, f)
		}
	}
}

func (a *MmapFrameAllocator) Read(frame FrameNumber, offset, length int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := checkOffset(PageSize, offset, length); err != nil {
		return nil, err
	}
	if a.isProtectedLocked(frame) {
		return nil, ErrPageFault
	}
	base := frame.Addr()
	out := make([]byte, length)
	copy(out, a.arena[base+uint64(offset):base+uint64(offset)+uint64(length)])
	return out, nil
}

func (a *MmapFrameAllocator) Write(frame FrameNumber, offset int, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := checkOffset(PageSize, offset, len(data)); err != nil {
		return err
	}
	if a.isProtectedLocked(frame) {
		return ErrPageFault
	}
	base := frame.Addr()
	copy(a.arena[base+uint64(offset):], data)
	return nil
}

func (a *MmapFrameAllocator) Protect(frame FrameNumber, accessible bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	prot := unix.PROT_NONE
	if accessible {
		prot = unix.PROT_READ | unix.PROT_WRITE
	}
	if err := unix.Mprotect(a.arena[frame.Addr():frame.Addr()+PageSize], prot); err != nil {
		return fmt.Errorf("memory: mprotect frame %d: %w", frame, err)
	}
	a.setProtectedLocked(frame, !accessible)
	return nil
}

// protected tracks revoked frames separately from the OS protection bits
// because reading mprotect's current state back portably requires parsing
// /proc/self/maps; a bitmap kept in lock-step with every Protect call is
// simpler and is the same source of truth Read/Write consult.
func (a *MmapFrameAllocator) isProtectedLocked(f FrameNumber) bool {
	if a.protected == nil {
		return false
	}
	return a.protected[f]
}

func (a *MmapFrameAllocator) setProtectedLocked(f FrameNumber, protected bool) {
	if a.protected == nil {
		a.protected = make(map[FrameNumber]bool)
	}
	if protected {
		a.protected[f] = true
	} else {
		delete(a.protected, f)
	}
}
