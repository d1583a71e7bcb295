package process

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/microkernel/internal/arch"
	"github.com/tinyrange/microkernel/internal/ids"
	"github.com/tinyrange/microkernel/internal/memory"
)

// StatusWriter copies a reaped child's exit code into a parent's user
// address space. The process table never touches memory.AddressSpace
// directly for this — it goes through the capability interface so this
// package stays ignorant of page-table layout, the same separation
// tinyrange-cc draws between internal/hv and internal/exec.
type StatusWriter interface {
	WriteStatus(parent ids.Pid, addr uint64, status int32) error
}

// Scheduler owns the process table and the ready queue. One Scheduler
// per kernel instance; every exported method is safe for concurrent use.
type Scheduler struct {
	mu sync.Mutex

	mem *memory.Manager
	log *slog.Logger

	procs map[ids.Pid]*PCB
	// order is the round-robin dispatch order. A pid stays in order from
	// creation until it is reaped, regardless of State — Zombie and
	// Waiting pcbs are simply skipped when scanned (spec.md §8.6: "a
	// Zombie at the front of the queue is skipped, never dispatched").
	order []ids.Pid

	nextPid ids.Pid

	current    ids.Pid
	hasCurrent bool
	activeTop  memory.FrameNumber

	statusWriter StatusWriter
}

// NewScheduler constructs an empty process table bound to mem for
// address-space allocation.
func NewScheduler(mem *memory.Manager, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		mem:   mem,
		log:   log,
		procs: make(map[ids.Pid]*PCB),
	}
}

// SetStatusWriter installs the capability Exit uses to deliver a reaped
// child's status to a parent blocked in wait(). Optional: a kernel that
// never writes exit status to user memory can leave this nil.
func (s *Scheduler) SetStatusWriter(w StatusWriter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusWriter = w
}

// CreateProcess allocates a pid, a fresh address space, and a ring-3
// entry context, and admits the process Ready. parent is the creator's
// pid, or ids.InitPid for the first process spawned at boot.
func (s *Scheduler) CreateProcess(sel arch.Selectors, entry, userStackTop uint64, parent ids.Pid, priority int, limits ResourceLimits) (ids.Pid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	space, err := s.mem.NewProcessSpace()
	if err != nil {
		return 0, fmt.Errorf("process: create address space: %w", err)
	}

	pid := s.allocatePidLocked()
	pcb := &PCB{
		Pid:          pid,
		Context:      arch.FreshUser(sel, entry, userStackTop),
		Space:        space,
		State:        Ready,
		ParentID:     parent,
		Priority:     clampPriority(priority),
		Limits:       limits,
		CreationTime: time.Now(),
	}
	s.procs[pid] = pcb
	s.order = append(s.order, pid)

	if p := s.procs[parent]; p != nil && parent != pid {
		p.Children = append(p.Children, pid)
		p.Stats.ChildrenCount = len(p.Children)
	}

	s.log.Debug("process created", "pid", pid, "parent", parent, "priority", pcb.Priority)
	return pid, nil
}

// allocatePidLocked hands out pids starting at ids.InitPid (0), so the
// first process a kernel creates at boot naturally becomes init — the
// reparenting target every orphan is assigned to (spec.md §4.5).
func (s *Scheduler) allocatePidLocked() ids.Pid {
	pid := s.nextPid
	s.nextPid++
	return pid
}

// Get returns a copy of the PCB for pid. The Children slice in the copy
// is shared with the live PCB and must be treated as read-only.
func (s *Scheduler) Get(pid ids.Pid) (PCB, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.procs[pid]
	if p == nil {
		return PCB{}, false
	}
	return *p, true
}

// Current returns the pid currently marked Running, if any.
func (s *Scheduler) Current() (ids.Pid, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.hasCurrent
}

// ActiveTopFrame returns the top-level page-table frame of the address
// space last switched to, for callers modeling the CR3 register.
func (s *Scheduler) ActiveTopFrame() memory.FrameNumber {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTop
}

// ListPids returns every known pid in dispatch order, including Zombie
// and Waiting ones still awaiting reap.
func (s *Scheduler) ListPids() []ids.Pid {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ids.Pid, len(s.order))
	copy(out, s.order)
	return out
}

// EnterUserMode marks pid as having crossed the ring-3 boundary, the
// signal the watchdog uses to start counting down a time budget
// (SPEC_FULL.md §4.7).
func (s *Scheduler) EnterUserMode(pid ids.Pid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.procs[pid]
	if p == nil {
		return ErrNotFound
	}
	p.userModeActive = true
	return nil
}

// ExitUserMode clears the flag EnterUserMode set, e.g. when a timer tick
// or yield takes the CPU away from the process.
func (s *Scheduler) ExitUserMode(pid ids.Pid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.procs[pid]; p != nil {
		p.userModeActive = false
	}
}

// UserModeActive reports whether pid is currently believed to be
// executing ring-3 code.
func (s *Scheduler) UserModeActive(pid ids.Pid) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.procs[pid]
	return p != nil && p.userModeActive
}

// pickNextLocked scans order for the Ready pcb with the lowest priority
// number, breaking ties in scan order. Because moveToBackLocked always
// pushes the pcb that just ran to the tail, the first same-priority pcb
// encountered is always the one that has waited longest — round-robin
// falls out of the tie-break rule rather than needing a separate queue
// per priority level.
func (s *Scheduler) pickNextLocked() (ids.Pid, bool) {
	best := -1
	var bestPid ids.Pid
	for _, pid := range s.order {
		p := s.procs[pid]
		if p == nil || p.State != Ready {
			continue
		}
		if best == -1 || p.Priority < best {
			best = p.Priority
			bestPid = pid
		}
	}
	return bestPid, best != -1
}

func (s *Scheduler) moveToBackLocked(pid ids.Pid) {
	for i, p := range s.order {
		if p == pid {
			s.order = append(s.order[:i], s.order[i+1:]...)
			s.order = append(s.order, pid)
			return
		}
	}
}

func (s *Scheduler) removeFromOrderLocked(pid ids.Pid) {
	for i, p := range s.order {
		if p == pid {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// ContextSwitch saves outgoing as the current process's context, picks
// the next Ready process by priority-then-age, and returns its saved
// context for the caller to restore. If ackEOI is non-nil it is invoked
// first, modeling "the interrupt vector acknowledges the timer before
// touching scheduler state" (spec.md §4.2). If no process is Ready the
// caller's own context is returned unchanged — the idle case.
func (s *Scheduler) ContextSwitch(outgoing *arch.Context, ackEOI func()) (*arch.Context, error) {
	if ackEOI != nil {
		ackEOI()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasCurrent {
		out := s.procs[s.current]
		if out == nil {
			return nil, ErrContextSwitchFailed
		}
		out.Context = outgoing
		if out.State == Running {
			out.State = Ready
			s.moveToBackLocked(out.Pid)
		}
	}

	next, ok := s.pickNextLocked()
	if !ok {
		// Nothing Ready to replace the outgoing process. If it is still
		// the one we just marked Ready above, the scan would have found
		// it; reaching here only happens when outgoing just left Running
		// for good (exit, block), so there is no current process anymore.
		s.hasCurrent = false
		return outgoing, nil
	}

	inc := s.procs[next]
	inc.State = Running
	s.current = next
	s.hasCurrent = true
	if inc.Space != nil {
		s.activeTop = inc.Space.TopLevelFrame()
	}
	return inc.Context, nil
}

// Yield implements the yield() syscall: it is a ContextSwitch with no
// EOI to acknowledge.
func (s *Scheduler) Yield(outgoing *arch.Context) (*arch.Context, error) {
	return s.ContextSwitch(outgoing, nil)
}

// Fork implements fork(): gives the child a fresh address space that
// shares only the kernel mappings (the parent's user pages are not
// copied), clones the parent's register file, and admits the child Ready. The child's syscall return
// value is set to 0 in its saved context; the caller is responsible for
// returning the new pid from the parent's own syscall path.
func (s *Scheduler) Fork(parentPid ids.Pid) (ids.Pid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent := s.procs[parentPid]
	if parent == nil {
		return 0, ErrNotFound
	}
	if parent.Limits.MaxProcesses > 0 && uint32(len(parent.Children)) >= parent.Limits.MaxProcesses {
		return 0, fmt.Errorf("process: fork: %w", ErrWouldBlock)
	}

	childSpace, err := s.mem.NewProcessSpace()
	if err != nil {
		return 0, fmt.Errorf("process: fork: %w", err)
	}

	childCtx := parent.Context.Clone()
	childCtx.SetReturn(0)

	pid := s.allocatePidLocked()
	child := &PCB{
		Pid:            pid,
		Context:        childCtx,
		Space:          childSpace,
		State:          Ready,
		ParentID:       parentPid,
		Priority:       parent.Priority,
		ProcessGroupID: parent.ProcessGroupID,
		SessionID:      parent.SessionID,
		Limits:         parent.Limits,
		CreationTime:   time.Now(),
	}
	s.procs[pid] = child
	s.order = append(s.order, pid)
	parent.Children = append(parent.Children, pid)
	parent.Stats.ChildrenCount = len(parent.Children)

	s.log.Debug("fork", "parent", parentPid, "child", pid)
	return pid, nil
}

func removeChildLocked(parent *PCB, child ids.Pid) {
	for i, c := range parent.Children {
		if c == child {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			break
		}
	}
	parent.Stats.ChildrenCount = len(parent.Children)
}

// Exit implements exit(): code must be in [-255, 255] (spec.md §3). The
// process becomes Zombie, its children are reparented to ids.InitPid,
// and if its parent is already blocked in a matching wait() the reap
// happens synchronously here rather than waiting for the parent to be
// redispatched and retry the syscall (see DESIGN.md for why).
func (s *Scheduler) Exit(pid ids.Pid, code int32) error {
	if code < -255 || code > 255 {
		return ErrInvalidExitCode
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.procs[pid]
	if p == nil {
		return ErrNotFound
	}
	if p.State == Zombie {
		return ErrInvalidState
	}

	p.State = Zombie
	p.ExitCode = code
	p.ZombieSince = time.Now()
	if pid == s.current {
		s.moveToBackLocked(pid)
	}

	initProc := s.procs[ids.InitPid]
	for _, c := range p.Children {
		if child := s.procs[c]; child != nil {
			child.ParentID = ids.InitPid
			if initProc != nil {
				initProc.Children = append(initProc.Children, c)
				initProc.Stats.ChildrenCount = len(initProc.Children)
			}
		}
	}
	p.Children = nil
	p.Stats.ChildrenCount = 0

	parent := s.procs[p.ParentID]
	if parent != nil && parent.State == Waiting && parent.WaitReason.Kind == WaitChild &&
		(parent.WaitReason.ChildTarget == ids.AnyPid || parent.WaitReason.ChildTarget == pid) {
		s.completeWaitLocked(parent, pid)
	}

	s.log.Debug("exit", "pid", pid, "code", code)
	return nil
}

// completeWaitLocked reaps zombie (a child of parent already verified to
// match parent's pending wait) and wakes parent.
func (s *Scheduler) completeWaitLocked(parent *PCB, zombiePid ids.Pid) {
	zombie := s.procs[zombiePid]
	if zombie == nil {
		return
	}
	removeChildLocked(parent, zombiePid)
	delete(s.procs, zombiePid)
	s.removeFromOrderLocked(zombiePid)

	if pw := parent.PendingWait; pw != nil && pw.OutStatusAddr != 0 && s.statusWriter != nil {
		if err := s.statusWriter.WriteStatus(parent.Pid, pw.OutStatusAddr, zombie.ExitCode); err != nil {
			s.log.Warn("write wait status failed", "parent", parent.Pid, "err", err)
		}
	}
	parent.Context.SetReturn(int64(zombiePid))
	parent.PendingWait = nil
	parent.WaitReason = WaitReason{}
	parent.State = Ready
}

// Wait implements wait(): if a Zombie child matching target (or
// ids.AnyPid) already exists it is reaped immediately and reapedPid is
// returned with blocked=false. Otherwise, if the caller has no children
// at all, ErrNotFound is returned. Otherwise the caller is set Waiting
// and blocked=true is returned — unless nonBlocking is set, in which
// case ErrWouldBlock is returned without changing state.
func (s *Scheduler) Wait(callerPid ids.Pid, target ids.Pid, outStatusAddr uint64, nonBlocking bool) (reapedPid ids.Pid, status int32, blocked bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	caller := s.procs[callerPid]
	if caller == nil {
		return 0, 0, false, ErrNotFound
	}

	for _, c := range caller.Children {
		child := s.procs[c]
		if child == nil || child.State != Zombie {
			continue
		}
		if target != ids.AnyPid && c != target {
			continue
		}
		status = child.ExitCode
		removeChildLocked(caller, c)
		delete(s.procs, c)
		s.removeFromOrderLocked(c)
		return c, status, false, nil
	}

	if len(caller.Children) == 0 {
		return 0, 0, false, ErrNotFound
	}
	if nonBlocking {
		return 0, 0, false, ErrWouldBlock
	}

	caller.State = Waiting
	caller.WaitReason = WaitReason{Kind: WaitChild, ChildTarget: target}
	caller.PendingWait = &PendingWait{Target: target, OutStatusAddr: outStatusAddr}
	if callerPid == s.current {
		s.moveToBackLocked(callerPid)
	}
	return 0, 0, true, ErrWouldBlock
}

// MarkWaitingIpcReceive puts pid into Waiting(IpcReceive(ch)), the
// bookkeeping half of the blocking-receive extension point spec.md §9
// names ("a future revision should add a blocking flavor... the state
// machine in §4.5 already admits this"). No syscall in the v1 table
// reaches this method; it exists for a kernel-level API beyond the
// numbered ABI.
func (s *Scheduler) MarkWaitingIpcReceive(pid ids.Pid, ch ids.ChannelID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.procs[pid]
	if p == nil {
		return ErrNotFound
	}
	p.State = Waiting
	p.WaitReason = WaitReason{Kind: WaitIpcReceive, Channel: ch}
	if pid == s.current {
		s.moveToBackLocked(pid)
	}
	return nil
}

// WakePid transitions pid from Waiting back to Ready. Unlike
// completeWaitLocked (which also reaps a zombie child and writes its
// status), this is the generic wake any capability caller uses once its
// own condition is satisfied — e.g. the ipc layer after Send reports a
// channel had a registered waiter.
func (s *Scheduler) WakePid(pid ids.Pid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.procs[pid]
	if p == nil {
		return ErrNotFound
	}
	if p.State != Waiting {
		return nil
	}
	p.State = Ready
	p.WaitReason = WaitReason{}
	p.PendingWait = nil
	return nil
}

// CheckResourceLimits compares pid's accumulated Stats against its
// ResourceLimits (spec.md §3). A zero limit field means "unbounded".
// Checks run in a fixed order and the first violation found is reported.
func (s *Scheduler) CheckResourceLimits(pid ids.Pid) (ok bool, violated string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.procs[pid]
	if p == nil {
		return true, ""
	}
	switch {
	case p.Limits.MaxMemory > 0 && p.Stats.MemoryUsed > p.Limits.MaxMemory:
		return false, "max_memory"
	case p.Limits.MaxCPUTime > 0 && p.Stats.CPUTimeUsed > p.Limits.MaxCPUTime:
		return false, "max_cpu_time"
	case p.Limits.MaxProcesses > 0 && uint32(p.Stats.ChildrenCount) > p.Limits.MaxProcesses:
		return false, "max_processes"
	case p.Limits.MaxFiles > 0 && p.Stats.FilesOpened > p.Limits.MaxFiles:
		return false, "max_files"
	}
	return true, ""
}

// ReapStaleZombies force-reaps zombies reparented to init that have sat
// unreaped for at least maxAge, matching spec.md §4.5's "periodic
// sweep" note so an init that never calls wait() cannot leak PCBs
// forever. now is passed in rather than read from time.Now() so callers
// control the tick driving the sweep.
func (s *Scheduler) ReapStaleZombies(maxAge time.Duration, now time.Time) []ids.Pid {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []ids.Pid
	for pid, p := range s.procs {
		if p.State == Zombie && p.ParentID == ids.InitPid && now.Sub(p.ZombieSince) >= maxAge {
			stale = append(stale, pid)
		}
	}
	initProc := s.procs[ids.InitPid]
	for _, pid := range stale {
		if initProc != nil {
			removeChildLocked(initProc, pid)
		}
		delete(s.procs, pid)
		s.removeFromOrderLocked(pid)
	}
	return stale
}
