package memory

import (
	"errors"
	"testing"
)

func newTestManager(t *testing.T, frames int) (*Manager, *AddressSpace) {
	t.Helper()
	alloc, err := NewDefaultFrameAllocator(frames)
	if err != nil {
		t.Fatalf("NewDefaultFrameAllocator: %v", err)
	}
	m := NewManager(alloc)
	kernel, err := m.Init(0)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return m, kernel
}

func TestMapUserAndTranslate(t *testing.T) {
	m, _ := newTestManager(t, 64)

	proc, err := m.NewProcessSpace()
	if err != nil {
		t.Fatalf("NewProcessSpace: %v", err)
	}

	frames, err := m.frames.Allocate(1)
	if err != nil {
		t.Fatalf("allocate user frame: %v", err)
	}
	userFrame := frames[0]

	const page = VirtAddr(0x401000)
	if err := proc.MapUser(page, userFrame); err != nil {
		t.Fatalf("MapUser: %v", err)
	}

	phys, err := proc.Translate(page + 0x10)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if want := userFrame.Addr() + 0x10; phys != want {
		t.Fatalf("Translate = %#x, want %#x", phys, want)
	}
}

func TestMapUserAlreadyInUse(t *testing.T) {
	m, _ := newTestManager(t, 64)
	proc, _ := m.NewProcessSpace()
	frames, _ := m.frames.Allocate(2)

	const page = VirtAddr(0x500000)
	if err := proc.MapUser(page, frames[0]); err != nil {
		t.Fatalf("first MapUser: %v", err)
	}
	if err := proc.MapUser(page, frames[1]); err != ErrAlreadyInUse {
		t.Fatalf("second MapUser err = %v, want ErrAlreadyInUse", err)
	}
}

func TestMapUserBadAlignment(t *testing.T) {
	m, _ := newTestManager(t, 64)
	proc, _ := m.NewProcessSpace()
	frames, _ := m.frames.Allocate(1)

	if err := proc.MapUser(VirtAddr(0x401001), frames[0]); err != ErrBadAlignment {
		t.Fatalf("err = %v, want ErrBadAlignment", err)
	}
}

func TestUnmapThenTranslateFails(t *testing.T) {
	m, _ := newTestManager(t, 64)
	proc, _ := m.NewProcessSpace()
	frames, _ := m.frames.Allocate(1)

	const page = VirtAddr(0x600000)
	if err := proc.MapUser(page, frames[0]); err != nil {
		t.Fatalf("MapUser: %v", err)
	}
	if err := proc.Unmap(page); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, err := proc.Translate(page); err != ErrNotMapped {
		t.Fatalf("Translate after Unmap = %v, want ErrNotMapped", err)
	}
}

func TestNewProcessSpaceSharesKernelMappings(t *testing.T) {
	m, kernel := newTestManager(t, 64)
	frames, _ := m.frames.Allocate(1)

	const kernelPage = VirtAddr(0xFFFF800000000000)
	if err := kernel.MapUser(kernelPage, frames[0]); err != nil {
		t.Fatalf("map into kernel space: %v", err)
	}

	proc, err := m.NewProcessSpace()
	if err != nil {
		t.Fatalf("NewProcessSpace: %v", err)
	}

	phys, err := proc.Translate(kernelPage)
	if err != nil {
		t.Fatalf("Translate cloned kernel mapping: %v", err)
	}
	if phys != frames[0].Addr() {
		t.Fatalf("phys = %#x, want %#x", phys, frames[0].Addr())
	}
}

func TestOutOfFrames(t *testing.T) {
	alloc, err := NewDefaultFrameAllocator(1)
	if err != nil {
		t.Fatalf("NewDefaultFrameAllocator: %v", err)
	}
	m := NewManager(alloc)
	if _, err := m.Init(0); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := m.NewProcessSpace(); !errors.Is(err, ErrOutOfFrames) {
		t.Fatalf("NewProcessSpace err = %v, want wrapped ErrOutOfFrames", err)
	}
}

func TestFrameAllocatorProtect(t *testing.T) {
	alloc, err := NewDefaultFrameAllocator(4)
	if err != nil {
		t.Fatalf("NewDefaultFrameAllocator: %v", err)
	}
	frames, err := alloc.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	f := frames[0]

	if err := alloc.Write(f, 0, []byte{0xAB}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := alloc.Read(f, 0, 1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if data[0] != 0xAB {
		t.Fatalf("Read = %#x, want 0xAB", data[0])
	}

	if err := alloc.Protect(f, false); err != nil {
		t.Fatalf("Protect(false): %v", err)
	}
	if _, err := alloc.Read(f, 0, 1); err != ErrPageFault {
		t.Fatalf("Read after Protect(false) = %v, want ErrPageFault", err)
	}
}
