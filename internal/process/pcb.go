// Package process implements the Process Control Block lifecycle and the
// priority-aware round-robin scheduler described in SPEC_FULL.md §4.5.
// Grounded on tinyrange-cc's internal/hv.AddressSpace (mutex-guarded struct
// with small accessor methods, hex-formatted errors) for the registry
// shape. Blocking wait() state is modeled as a PendingWait record on the
// PCB rather than a parked goroutine: see DESIGN.md for why
// gvisor.dev/gvisor/pkg/waiter was dropped from this package.
package process

import (
	"time"

	"github.com/tinyrange/microkernel/internal/arch"
	"github.com/tinyrange/microkernel/internal/ids"
	"github.com/tinyrange/microkernel/internal/memory"
)

// State is a PCB's position in the lifecycle state machine (spec.md §4.5).
type State int

const (
	Ready State = iota
	Running
	Waiting
	Zombie
	Stopped
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Waiting:
		return "waiting"
	case Zombie:
		return "zombie"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// WaitReasonKind distinguishes the four blocking conditions spec.md §3
// names for WaitReason.
type WaitReasonKind int

const (
	WaitNone WaitReasonKind = iota
	WaitChild
	WaitIpcReceive
	WaitIpcSend
	WaitSleep
	WaitAsyncPoll
)

// WaitReason records why a PCB is in Waiting state and what wakes it.
type WaitReason struct {
	Kind WaitReasonKind

	// Child: target pid, or ids.AnyPid for "any child".
	ChildTarget ids.Pid

	// IpcReceive / IpcSend: the channel being waited on.
	Channel ids.ChannelID

	// Sleep: ticks remaining.
	SleepTicks uint64
}

// ResourceLimits caps what a process may consume (spec.md §3).
type ResourceLimits struct {
	MaxMemory    uint64
	MaxCPUTime   uint64
	MaxProcesses uint32
	MaxFiles     uint32
}

// Stats tracks a process's resource consumption against ResourceLimits.
type Stats struct {
	CPUTimeUsed   uint64
	MemoryUsed    uint64
	ChildrenCount int
	FilesOpened   uint32
}

// PCB is one process's complete scheduling and lifecycle record.
type PCB struct {
	Pid ids.Pid

	Context *arch.Context
	Space   *memory.AddressSpace

	State      State
	WaitReason WaitReason

	ParentID   ids.Pid
	Children   []ids.Pid
	ExitCode   int32

	Priority       int // 0-31, lower is higher priority
	ProcessGroupID ids.Pid
	SessionID      ids.Pid
	Limits         ResourceLimits
	Stats          Stats
	CreationTime   time.Time

	// userModeActive is set by the scheduler immediately before the
	// simulated return-from-interrupt that drops the process to ring 3,
	// and consulted by the watchdog (SPEC_FULL.md §4.7).
	userModeActive bool

	// ZombieSince records when State became Zombie, for the periodic
	// force-reap sweep (spec.md §4.5).
	ZombieSince time.Time

	// PendingWait holds the arguments of a blocking wait() syscall that
	// found no matching Zombie, so Exit's notify step can complete it
	// synchronously when a matching child later exits (see DESIGN.md for
	// why this resolves spec.md's "when woken, retry" without a second
	// kernel stack per process).
	PendingWait *PendingWait
}

// PendingWait is the saved state of a blocked wait() syscall.
type PendingWait struct {
	Target        ids.Pid
	OutStatusAddr uint64
}

// MaxPriority is the lowest-precedence priority value (spec.md §3:
// priority in [0,31]).
const MaxPriority = 31

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
