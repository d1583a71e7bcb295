//go:build linux

package memory

// NewDefaultFrameAllocator returns the mmap-backed allocator, the one a
// real Linux-hosted kernel build uses.
func NewDefaultFrameAllocator(totalFrames int) (FrameAllocator, error) {
	return NewMmapFrameAllocator(totalFrames)
}
