package process

import (
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/microkernel/internal/arch"
	"github.com/tinyrange/microkernel/internal/ids"
	"github.com/tinyrange/microkernel/internal/memory"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	alloc, err := memory.NewDefaultFrameAllocator(256)
	if err != nil {
		t.Fatalf("NewDefaultFrameAllocator: %v", err)
	}
	mgr := memory.NewManager(alloc)
	if _, err := mgr.Init(0); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return NewScheduler(mgr, nil)
}

func testSelectors() arch.Selectors { return arch.Selectors{KernelCode: 0x08, KernelData: 0x10, UserCode: 0x1B, UserData: 0x23} }

func TestCreateProcessAdmitsReady(t *testing.T) {
	s := newTestScheduler(t)
	pid, err := s.CreateProcess(testSelectors(), 0x401000, 0x7FFFF000, ids.InitPid, 10, ResourceLimits{})
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	pcb, ok := s.Get(pid)
	if !ok {
		t.Fatalf("Get(%d) not found", pid)
	}
	if pcb.State != Ready {
		t.Fatalf("State = %v, want Ready", pcb.State)
	}
}

func TestContextSwitchRoundRobinSamePriority(t *testing.T) {
	s := newTestScheduler(t)
	a, _ := s.CreateProcess(testSelectors(), 0x401000, 0x7FFFF000, ids.InitPid, 5, ResourceLimits{})
	b, _ := s.CreateProcess(testSelectors(), 0x402000, 0x7FFFF000, ids.InitPid, 5, ResourceLimits{})

	next, err := s.ContextSwitch(&arch.Context{}, nil)
	if err != nil {
		t.Fatalf("ContextSwitch 1: %v", err)
	}
	cur, _ := s.Current()
	if cur != a {
		t.Fatalf("first dispatch = %d, want %d", cur, a)
	}

	next, err = s.ContextSwitch(next, nil)
	if err != nil {
		t.Fatalf("ContextSwitch 2: %v", err)
	}
	cur, _ = s.Current()
	if cur != b {
		t.Fatalf("second dispatch = %d, want %d", cur, b)
	}

	_, err = s.ContextSwitch(next, nil)
	if err != nil {
		t.Fatalf("ContextSwitch 3: %v", err)
	}
	cur, _ = s.Current()
	if cur != a {
		t.Fatalf("third dispatch = %d, want %d (round-robin)", cur, a)
	}
}

func TestContextSwitchHonorsPriority(t *testing.T) {
	s := newTestScheduler(t)
	low, _ := s.CreateProcess(testSelectors(), 0x401000, 0x7FFFF000, ids.InitPid, 20, ResourceLimits{})
	high, _ := s.CreateProcess(testSelectors(), 0x402000, 0x7FFFF000, ids.InitPid, 1, ResourceLimits{})

	if _, err := s.ContextSwitch(&arch.Context{}, nil); err != nil {
		t.Fatalf("ContextSwitch: %v", err)
	}
	cur, _ := s.Current()
	if cur != high {
		t.Fatalf("dispatched %d, want higher-priority %d (low=%d)", cur, high, low)
	}
}

func TestContextSwitchSkipsZombie(t *testing.T) {
	s := newTestScheduler(t)
	a, _ := s.CreateProcess(testSelectors(), 0x401000, 0x7FFFF000, ids.InitPid, 5, ResourceLimits{})
	b, _ := s.CreateProcess(testSelectors(), 0x402000, 0x7FFFF000, ids.InitPid, 5, ResourceLimits{})

	if _, err := s.ContextSwitch(&arch.Context{}, nil); err != nil {
		t.Fatalf("ContextSwitch: %v", err)
	}
	if err := s.Exit(a, 0); err != nil {
		t.Fatalf("Exit: %v", err)
	}

	next, err := s.ContextSwitch(&arch.Context{}, nil)
	if err != nil {
		t.Fatalf("ContextSwitch: %v", err)
	}
	_ = next
	cur, _ := s.Current()
	if cur != b {
		t.Fatalf("dispatched %d, want %d (a is zombie)", cur, b)
	}
}

func TestForkClonesContextAndZeroesChildReturn(t *testing.T) {
	s := newTestScheduler(t)
	parent, _ := s.CreateProcess(testSelectors(), 0x401000, 0x7FFFF000, ids.InitPid, 5, ResourceLimits{})
	parentPCB, _ := s.Get(parent)
	parentPCB.Context.Rdi = 0xDEAD

	child, err := s.Fork(parent)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	childPCB, ok := s.Get(child)
	if !ok {
		t.Fatalf("child %d not found", child)
	}
	if childPCB.Context.Rdi != 0xDEAD {
		t.Fatalf("child Rdi = %#x, want inherited 0xDEAD", childPCB.Context.Rdi)
	}
	if childPCB.Context.Rax != 0 {
		t.Fatalf("child Rax = %d, want 0", childPCB.Context.Rax)
	}
	if childPCB.ParentID != parent {
		t.Fatalf("child ParentID = %d, want %d", childPCB.ParentID, parent)
	}
}

func TestExitInvalidCodeRange(t *testing.T) {
	s := newTestScheduler(t)
	pid, _ := s.CreateProcess(testSelectors(), 0x401000, 0x7FFFF000, ids.InitPid, 5, ResourceLimits{})
	if err := s.Exit(pid, 256); !errors.Is(err, ErrInvalidExitCode) {
		t.Fatalf("Exit(256) = %v, want ErrInvalidExitCode", err)
	}
	if err := s.Exit(pid, -256); !errors.Is(err, ErrInvalidExitCode) {
		t.Fatalf("Exit(-256) = %v, want ErrInvalidExitCode", err)
	}
}

func TestWaitReapsExistingZombie(t *testing.T) {
	s := newTestScheduler(t)
	parent, _ := s.CreateProcess(testSelectors(), 0x401000, 0x7FFFF000, ids.InitPid, 5, ResourceLimits{})
	child, err := s.Fork(parent)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if err := s.Exit(child, 7); err != nil {
		t.Fatalf("Exit: %v", err)
	}

	reaped, status, blocked, err := s.Wait(parent, ids.AnyPid, 0, false)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if blocked {
		t.Fatalf("Wait blocked, want immediate reap")
	}
	if reaped != child || status != 7 {
		t.Fatalf("Wait = (%d, %d), want (%d, 7)", reaped, status, child)
	}
	if _, ok := s.Get(child); ok {
		t.Fatalf("child %d still present after reap", child)
	}
}

func TestWaitBlocksThenExitWakesParent(t *testing.T) {
	s := newTestScheduler(t)
	parent, _ := s.CreateProcess(testSelectors(), 0x401000, 0x7FFFF000, ids.InitPid, 5, ResourceLimits{})
	child, err := s.Fork(parent)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	_, _, blocked, err := s.Wait(parent, ids.AnyPid, 0, false)
	if !blocked || !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("Wait = blocked=%v err=%v, want blocked=true ErrWouldBlock", blocked, err)
	}
	parentPCB, _ := s.Get(parent)
	if parentPCB.State != Waiting {
		t.Fatalf("parent State = %v, want Waiting", parentPCB.State)
	}

	if err := s.Exit(child, 3); err != nil {
		t.Fatalf("Exit: %v", err)
	}

	parentPCB, _ = s.Get(parent)
	if parentPCB.State != Ready {
		t.Fatalf("parent State after child exit = %v, want Ready", parentPCB.State)
	}
	if parentPCB.Context.Rax != uint64(child) {
		t.Fatalf("parent Rax = %d, want reaped pid %d", parentPCB.Context.Rax, child)
	}
	if _, ok := s.Get(child); ok {
		t.Fatalf("child %d still present after synchronous reap", child)
	}
}

func TestWaitNoChildrenReturnsNotFound(t *testing.T) {
	s := newTestScheduler(t)
	pid, _ := s.CreateProcess(testSelectors(), 0x401000, 0x7FFFF000, ids.InitPid, 5, ResourceLimits{})
	if _, _, _, err := s.Wait(pid, ids.AnyPid, 0, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Wait with no children = %v, want ErrNotFound", err)
	}
}

func TestExitReparentsChildrenToInit(t *testing.T) {
	s := newTestScheduler(t)
	initPid, _ := s.CreateProcess(testSelectors(), 0x400000, 0x7FFFF000, ids.InitPid, 31, ResourceLimits{})
	if initPid != ids.InitPid {
		t.Fatalf("first created pid = %d, want %d", initPid, ids.InitPid)
	}

	mid, err := s.Fork(initPid)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	grandchild, err := s.Fork(mid)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	if err := s.Exit(mid, 0); err != nil {
		t.Fatalf("Exit: %v", err)
	}

	grandPCB, ok := s.Get(grandchild)
	if !ok {
		t.Fatalf("grandchild %d missing", grandchild)
	}
	if grandPCB.ParentID != ids.InitPid {
		t.Fatalf("grandchild ParentID = %d, want %d", grandPCB.ParentID, ids.InitPid)
	}

	initPCB, _ := s.Get(ids.InitPid)
	found := false
	for _, c := range initPCB.Children {
		if c == grandchild {
			found = true
		}
	}
	if !found {
		t.Fatalf("init's Children does not include reparented grandchild %d", grandchild)
	}
}

func TestCheckResourceLimitsReportsFirstViolation(t *testing.T) {
	s := newTestScheduler(t)
	pid, _ := s.CreateProcess(testSelectors(), 0x401000, 0x7FFFF000, ids.InitPid, 5, ResourceLimits{MaxMemory: 100})
	pcb, _ := s.Get(pid)
	pcb.Stats.MemoryUsed = 101
	s.procs[pid].Stats = pcb.Stats

	ok, violated := s.CheckResourceLimits(pid)
	if ok || violated != "max_memory" {
		t.Fatalf("CheckResourceLimits = (%v, %q), want (false, max_memory)", ok, violated)
	}
}

func TestReapStaleZombies(t *testing.T) {
	s := newTestScheduler(t)
	pid, _ := s.CreateProcess(testSelectors(), 0x401000, 0x7FFFF000, ids.InitPid, 5, ResourceLimits{})
	if err := s.Exit(pid, 1); err != nil {
		t.Fatalf("Exit: %v", err)
	}

	reaped := s.ReapStaleZombies(time.Hour, time.Now())
	if len(reaped) != 0 {
		t.Fatalf("ReapStaleZombies too early reaped %v", reaped)
	}

	reaped = s.ReapStaleZombies(time.Hour, time.Now().Add(2*time.Hour))
	if len(reaped) != 1 || reaped[0] != pid {
		t.Fatalf("ReapStaleZombies = %v, want [%d]", reaped, pid)
	}
	if _, ok := s.Get(pid); ok {
		t.Fatalf("pid %d still present after stale reap", pid)
	}
}
