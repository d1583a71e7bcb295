// Package memory implements the per-process page hierarchy described in
// SPEC_FULL.md §4.3: mapping/unmapping user pages, propagating the
// USER_ACCESSIBLE bit through parent levels, and translating a virtual
// address back to physical. Grounded in spirit (mutex-guarded struct,
// alignUp helper, hex-formatted range errors) on tinyrange-cc's
// internal/hv.AddressSpace, which allocates physical-address ranges for a
// VM's MMIO devices the same defensive way this package allocates frames
// for page tables and user pages.
package memory

import (
	"fmt"
	"sync"
)

// Manager owns every page-table frame for the life of the kernel and hands
// callers an AddressSpace handle (a frame number) rather than a pointer,
// per SPEC_FULL.md §3's arena-plus-handle pattern.
type Manager struct {
	mu sync.Mutex

	frames FrameAllocator

	tables map[FrameNumber]*level

	kernelTop FrameNumber
	kernelSet bool
}

// NewManager constructs a Manager over the given frame allocator. Init must
// be called once before NewProcessSpace or MapUser.
func NewManager(frames FrameAllocator) *Manager {
	return &Manager{
		frames: frames,
		tables: make(map[FrameNumber]*level),
	}
}

// Init takes a freshly allocated top-level page table frame and wraps it as
// the kernel address space (SPEC_FULL.md §4.3: "take the currently active
// top-level page table and wrap it as the kernel space"). physOffset is the
// linear physical-memory offset supplied by the boot protocol; this core
// does not dereference it directly (no real MMU), but callers that build a
// concrete boot.MemoryMap pass it through for bookkeeping.
func (m *Manager) Init(physOffset uint64) (*AddressSpace, error) {
	frames, err := m.frames.Allocate(1)
	if err != nil {
		return nil, fmt.Errorf("memory: allocate kernel top-level table: %w", err)
	}
	top := frames[0]

	m.mu.Lock()
	m.tables[top] = &level{}
	m.kernelTop = top
	m.kernelSet = true
	m.mu.Unlock()

	return &AddressSpace{manager: m, top: top}, nil
}

// NewProcessSpace allocates a new top-level page table frame and clones all
// 512 entries of the kernel top level into it, so kernel mappings remain
// valid after a switch to the new space (SPEC_FULL.md §4.3).
func (m *Manager) NewProcessSpace() (*AddressSpace, error) {
	m.mu.Lock()
	if !m.kernelSet {
		m.mu.Unlock()
		return nil, fmt.Errorf("memory: kernel address space not initialized")
	}
	kernelLevel := *m.tables[m.kernelTop]
	m.mu.Unlock()

	frames, err := m.frames.Allocate(1)
	if err != nil {
		return nil, fmt.Errorf("memory: allocate process top-level table: %w", err)
	}
	top := frames[0]

	m.mu.Lock()
	cloned := kernelLevel
	m.tables[top] = &cloned
	m.mu.Unlock()

	return &AddressSpace{manager: m, top: top}, nil
}

// Destroy releases every page-table frame owned by as (its own hierarchy,
// not any leaf user frames — those are released by whoever owned them via
// the ipc/MemoryHandle lifecycle or process exit cleanup).
func (m *Manager) Destroy(as *AddressSpace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var toFree []FrameNumber
	m.collectLocked(as.top, 0, &toFree)
	for _, f := range toFree {
		delete(m.tables, f)
	}
	m.frames.Free(toFree)
}

func (m *Manager) collectLocked(f FrameNumber, depth int, out *[]FrameNumber) {
	if f == m.kernelTop {
		return // never free the shared kernel hierarchy
	}
	lvl, ok := m.tables[f]
	if !ok {
		return
	}
	*out = append(*out, f)
	if depth+1 >= pageTableLevels {
		return
	}
	kernelLvl := m.tables[m.kernelTop]
	for i, e := range lvl {
		if depth == 0 && kernelLvl != nil && kernelLvl[i].present() && kernelLvl[i].frame() == e.frame() {
			continue // cloned from the kernel top level: shared, not ours
		}
		if e.present() {
			m.collectLocked(e.frame(), depth+1, out)
		}
	}
}

// AddressSpace is a handle to one process's (or the kernel's) page
// hierarchy: the physical frame number of its top-level page table, per
// spec.md §3.
type AddressSpace struct {
	manager *Manager
	top     FrameNumber
}

// TopLevelFrame returns the frame number written to the address-space
// register on a context switch into this process (SPEC_FULL.md §4.5 step
// 4).
func (a *AddressSpace) TopLevelFrame() FrameNumber { return a.top }

// MapUser installs a leaf entry for page mapped to frame with
// PRESENT|WRITABLE|USER_ACCESSIBLE, and ensures every parent entry along
// the walk also has USER_ACCESSIBLE set — without it the CPU denies ring-3
// access even if the leaf permits it (spec.md §3).
func (a *AddressSpace) MapUser(page VirtAddr, frame FrameNumber) error {
	if uint64(page)%PageSize != 0 {
		return ErrBadAlignment
	}

	m := a.manager
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := pageIndices(page)
	cur := a.top

	for depth := 0; depth < pageTableLevels-1; depth++ {
		lvl := m.tables[cur]
		if lvl == nil {
			return fmt.Errorf("memory: address space missing level %d table", depth)
		}
		i := idx[depth]
		e := lvl[i]
		if !e.present() {
			frames, err := m.frames.Allocate(1)
			if err != nil {
				return fmt.Errorf("memory: allocate page-table frame: %w", err)
			}
			child := frames[0]
			m.tables[child] = &level{}
			e = makeEntry(child, flagPresent|flagWritable|flagUserAccessible)
			lvl[i] = e
		} else if !e.userAccessible() {
			lvl[i] = e.withUserAccessible()
		}
		cur = lvl[i].frame()
	}

	leafLevel := m.tables[cur]
	if leafLevel == nil {
		return fmt.Errorf("memory: address space missing leaf table")
	}
	leafIdx := idx[pageTableLevels-1]
	if leafLevel[leafIdx].present() {
		return ErrAlreadyInUse
	}
	// A fresh mapping always starts accessible, even if frame was left
	// Protect(false) by a prior Unmap (e.g. the source side of a handle
	// transfer) — the new owner's mapping is a distinct grant.
	if err := m.frames.Protect(frame, true); err != nil {
		return fmt.Errorf("memory: protect mapped frame %d: %w", frame, err)
	}
	leafLevel[leafIdx] = makeEntry(frame, flagPresent|flagWritable|flagUserAccessible)
	return nil
}

// Unmap clears the leaf entry for page, if present, and revokes the
// vacated frame through the allocator's Protect, so on the mmap-backed
// allocator a frame that is unmapped and not mapped again (revoke,
// cleanup) is inaccessible at the host level too. When the same frame is
// mapped again elsewhere, as in an Ownership transfer, MapUser restores
// its access, and the former owner's fault comes from the missing
// page-table entry that Translate reports. It is a no-op (not an error)
// if the page was never mapped, matching the idempotent unmap behavior
// MemoryHandle.revoke relies on.
func (a *AddressSpace) Unmap(page VirtAddr) error {
	if uint64(page)%PageSize != 0 {
		return ErrBadAlignment
	}

	m := a.manager
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := pageIndices(page)
	cur := a.top
	for depth := 0; depth < pageTableLevels-1; depth++ {
		lvl := m.tables[cur]
		if lvl == nil {
			return nil
		}
		e := lvl[idx[depth]]
		if !e.present() {
			return nil
		}
		cur = e.frame()
	}
	leafLevel := m.tables[cur]
	if leafLevel == nil {
		return nil
	}
	leafIdx := idx[pageTableLevels-1]
	e := leafLevel[leafIdx]
	if !e.present() {
		return nil
	}
	frame := e.frame()
	leafLevel[leafIdx] = 0
	if err := m.frames.Protect(frame, false); err != nil {
		return fmt.Errorf("memory: protect unmapped frame %d: %w", frame, err)
	}
	return nil
}

// Translate walks the tables and returns the physical address for virt, or
// ErrNotMapped. Huge pages are rejected per spec.md §4.3 (this core never
// creates them; encountering the flag set means a caller hand-built a
// malformed entry, which is itself a programming error worth surfacing).
func (a *AddressSpace) Translate(virt VirtAddr) (uint64, error) {
	m := a.manager
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := pageIndices(virt)
	cur := a.top
	for depth := 0; depth < pageTableLevels-1; depth++ {
		lvl := m.tables[cur]
		if lvl == nil {
			return 0, ErrNotMapped
		}
		e := lvl[idx[depth]]
		if e.huge() {
			return 0, ErrHugePage
		}
		if !e.present() {
			return 0, ErrNotMapped
		}
		cur = e.frame()
	}
	leafLevel := m.tables[cur]
	if leafLevel == nil {
		return 0, ErrNotMapped
	}
	e := leafLevel[idx[pageTableLevels-1]]
	if e.huge() {
		return 0, ErrHugePage
	}
	if !e.present() {
		return 0, ErrNotMapped
	}
	offset := uint64(virt) & (PageSize - 1)
	return e.frame().Addr() + offset, nil
}

// MapFreshUserPage allocates one physical frame and maps it at virt in
// as. Intended for the process-memory-management operations this core
// does not otherwise specify (initial stack/heap setup, a future brk()
// or mmap() syscall) — anything that needs a user page backed before a
// MemoryHandle can be created over it.
func (m *Manager) MapFreshUserPage(as *AddressSpace, virt VirtAddr) error {
	frames, err := m.frames.Allocate(1)
	if err != nil {
		return fmt.Errorf("memory: map fresh user page: %w", err)
	}
	if err := as.MapUser(virt, frames[0]); err != nil {
		m.frames.Free(frames)
		return err
	}
	return nil
}

// ReadUser copies length bytes starting at virt out of as, walking however
// many pages the read spans. Used by the syscall layer to pull a user
// buffer (write's message, send_message's payload) into kernel memory
// without the syscall package knowing how translation works.
func (m *Manager) ReadUser(as *AddressSpace, virt VirtAddr, length int) ([]byte, error) {
	out := make([]byte, 0, length)
	remaining := length
	cur := virt
	for remaining > 0 {
		phys, err := as.Translate(cur)
		if err != nil {
			return nil, err
		}
		frame := FrameNumber(phys / PageSize)
		offset := int(uint64(cur) % PageSize)
		n := PageSize - offset
		if n > remaining {
			n = remaining
		}
		chunk, err := m.frames.Read(frame, offset, n)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		remaining -= n
		cur += VirtAddr(n)
	}
	return out, nil
}

// WriteUser copies data into as starting at virt, walking however many
// pages the write spans.
func (m *Manager) WriteUser(as *AddressSpace, virt VirtAddr, data []byte) error {
	remaining := len(data)
	cur := virt
	off := 0
	for remaining > 0 {
		phys, err := as.Translate(cur)
		if err != nil {
			return err
		}
		frame := FrameNumber(phys / PageSize)
		offset := int(uint64(cur) % PageSize)
		n := PageSize - offset
		if n > remaining {
			n = remaining
		}
		if err := m.frames.Write(frame, offset, data[off:off+n]); err != nil {
			return err
		}
		off += n
		remaining -= n
		cur += VirtAddr(n)
	}
	return nil
}
