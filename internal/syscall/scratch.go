package syscall

import (
	"sync"

	"github.com/tinyrange/microkernel/internal/ids"
)

// PerCPUScratch models the per-CPU scratch area the fast-syscall entry
// reaches through the kernel-GS-base register (spec.md §4.4, §9: "model
// as an opaque object... all reads/writes go through defined accessor
// functions"). This core targets a single CPU, so there is exactly one
// instance, but it is still accessed only through these methods rather
// than as bare struct fields.
type PerCPUScratch struct {
	mu             sync.Mutex
	kernelStackTop uint64
	currentPid     ids.Pid
	savedUserRSP   uint64
}

// NewPerCPUScratch constructs a scratch area with the given fixed
// kernel stack top (set once at boot, per §4.1).
func NewPerCPUScratch(kernelStackTop uint64) *PerCPUScratch {
	return &PerCPUScratch{kernelStackTop: kernelStackTop}
}

func (s *PerCPUScratch) KernelStackTop() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kernelStackTop
}

func (s *PerCPUScratch) CurrentPid() ids.Pid {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentPid
}

// SetCurrentPid is called by the scheduler's context switch (§4.5 step
// 5) so syscalls see the right identity.
func (s *PerCPUScratch) SetCurrentPid(pid ids.Pid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentPid = pid
}

func (s *PerCPUScratch) SavedUserRSP() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.savedUserRSP
}

func (s *PerCPUScratch) SetSavedUserRSP(rsp uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savedUserRSP = rsp
}
