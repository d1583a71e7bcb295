// Package kernel wires SegmentTables, InterruptVector, AddressSpace,
// SyscallDispatcher, ProcessTable/Scheduler, IpcLayer, and Watchdog into the
// single running core spec.md §2 describes. Apart from the scheduler's use
// of memory for process address spaces, none of those packages imports
// another directly — kernel is the only place that sees every concrete
// type, assembling the capability interfaces (ipc.AddressSpaceOps,
// watchdog.ProcessOps, process.StatusWriter) each subsystem expects.
// Grounded on tinyrange-cc's cmd/tinyrange wiring of its virtual machine
// from independently-testable hv/exec/devices packages.
package kernel

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tinyrange/microkernel/internal/arch"
	"github.com/tinyrange/microkernel/internal/boot"
	"github.com/tinyrange/microkernel/internal/ids"
	"github.com/tinyrange/microkernel/internal/interrupt"
	"github.com/tinyrange/microkernel/internal/ipc"
	"github.com/tinyrange/microkernel/internal/memory"
	"github.com/tinyrange/microkernel/internal/process"
	"github.com/tinyrange/microkernel/internal/segtables"
	syscallpkg "github.com/tinyrange/microkernel/internal/syscall"
	"github.com/tinyrange/microkernel/internal/watchdog"
)

// Config is everything NewKernel needs from the boot protocol (spec.md
// §6) plus the sizing knobs a real loader would have already resolved.
type Config struct {
	TotalFrames         int
	KernelStackTop      uint64
	DoubleFaultStackTop uint64
	MemoryMap           boot.MemoryMap
	WatchdogDefaultLimit uint64 // 0 keeps watchdog.DefaultLimitTicks
	Console             io.Writer
	Log                 *slog.Logger
}

// Kernel owns one instance of every subsystem named in spec.md §2. A
// process using this package runs exactly one Kernel; there is no
// multi-CPU support (spec.md §5: single-threaded cooperative core).
type Kernel struct {
	cfg Config
	log *slog.Logger

	mem         *memory.Manager
	kernelSpace *memory.AddressSpace
	sched       *process.Scheduler
	seg         *segtables.SegmentTables
	vectors     *interrupt.Table
	scratch     *syscallpkg.PerCPUScratch
	dispatcher  *syscallpkg.Dispatcher
	channels    *ipc.ChannelRegistry
	handles     *ipc.HandleRegistry
	wd          *watchdog.Watchdog
	console     io.Writer

	eoiCount   int
	halted     bool
	haltReason string
}

// NewKernel constructs every subsystem and wires the capability
// interfaces between them, but does not create any process — call Boot
// for that.
func NewKernel(cfg Config) (*Kernel, error) {
	if cfg.TotalFrames <= 0 {
		return nil, fmt.Errorf("kernel: TotalFrames must be positive")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	console := cfg.Console
	if console == nil {
		console = os.Stdout
	}

	frames, err := memory.NewDefaultFrameAllocator(cfg.TotalFrames)
	if err != nil {
		return nil, fmt.Errorf("kernel: allocate frame pool: %w", err)
	}
	mem := memory.NewManager(frames)
	kernelSpace, err := mem.Init(cfg.MemoryMap.PhysOffset)
	if err != nil {
		return nil, fmt.Errorf("kernel: init kernel address space: %w", err)
	}

	seg, err := segtables.New(cfg.KernelStackTop, cfg.DoubleFaultStackTop)
	if err != nil {
		return nil, fmt.Errorf("kernel: build segment tables: %w", err)
	}

	k := &Kernel{
		cfg:         cfg,
		log:         log,
		mem:         mem,
		kernelSpace: kernelSpace,
		seg:         seg,
		vectors:     interrupt.New(),
		scratch:     syscallpkg.NewPerCPUScratch(cfg.KernelStackTop),
		dispatcher:  syscallpkg.NewDispatcher(log),
		channels:    ipc.NewChannelRegistry(),
		console:     console,
	}
	k.sched = process.NewScheduler(mem, log)
	k.sched.SetStatusWriter(k)
	k.handles = ipc.NewHandleRegistry(&kernelAddressSpaceOps{k: k})
	k.wd = watchdog.New(k.sched, log)

	k.installVectors()
	k.registerSyscalls()

	return k, nil
}

// Boot creates the init process (pid 0, parented to itself — the root of
// the process tree per spec.md §4.5) and returns its pid.
func (k *Kernel) Boot(entry, userStackTop uint64, limits process.ResourceLimits) (ids.Pid, error) {
	pid, err := k.sched.CreateProcess(k.seg.Selectors(), entry, userStackTop, ids.InitPid, 0, limits)
	if err != nil {
		return 0, fmt.Errorf("kernel: boot init process: %w", err)
	}
	if k.cfg.WatchdogDefaultLimit > 0 {
		k.wd.SetLimit(pid, k.cfg.WatchdogDefaultLimit)
	}
	return pid, nil
}

// CreateProcess admits a new user process as a child of parent, e.g. for
// a kernel-level spawn primitive distinct from fork().
func (k *Kernel) CreateProcess(entry, userStackTop uint64, parent ids.Pid, priority int, limits process.ResourceLimits) (ids.Pid, error) {
	pid, err := k.sched.CreateProcess(k.seg.Selectors(), entry, userStackTop, parent, priority, limits)
	if err != nil {
		return 0, err
	}
	if k.cfg.WatchdogDefaultLimit > 0 {
		k.wd.SetLimit(pid, k.cfg.WatchdogDefaultLimit)
	}
	return pid, nil
}

// Scheduler, Channels, Handles, and Watchdog expose the underlying
// registries for callers (tests, a future shell syscall) that need direct
// inspection beyond what Tick/Syscall return.
func (k *Kernel) Scheduler() *process.Scheduler { return k.sched }
func (k *Kernel) Channels() *ipc.ChannelRegistry { return k.channels }
func (k *Kernel) Handles() *ipc.HandleRegistry   { return k.handles }
func (k *Kernel) Watchdog() *watchdog.Watchdog   { return k.wd }

// Halted reports whether an unrecoverable page fault has stopped the
// core (spec.md §7: v1 halts the CPU rather than killing only the
// faulting process).
func (k *Kernel) Halted() (bool, string) { return k.halted, k.haltReason }

// EOICount is the number of times the simulated PIC has been
// acknowledged, for tests asserting Tick (but not Yield) sends EOI.
func (k *Kernel) EOICount() int { return k.eoiCount }

func (k *Kernel) ackEOI() { k.eoiCount++ }

// Tick drives one timer interrupt (spec.md §4.2/§4.5): the watchdog
// evaluates the currently running process's budget first (it is still
// the one that consumed the elapsed ticks), then the scheduler decides
// whether to preempt it. outgoing is the saved frame for whichever
// process the simulated CPU driver was executing; the returned Context
// is the frame to resume (possibly the same one, on the idle path).
func (k *Kernel) Tick(outgoing *arch.Context) (*arch.Context, []ids.Pid) {
	if k.halted {
		return outgoing, nil
	}

	outgoingPid, hadCurrent := k.sched.Current()
	killed := k.wd.Tick()
	if hadCurrent {
		k.sched.ExitUserMode(outgoingPid)
	}

	next, err := k.sched.ContextSwitch(outgoing, k.ackEOI)
	if err != nil {
		k.log.Error("context switch failed", "err", err)
		return outgoing, killed
	}
	k.onDispatched(outgoingPid, hadCurrent)
	return next, killed
}

// Yield implements the yield() syscall's scheduling effect (no EOI, and
// per spec.md §4.7 it does not advance the watchdog's global tick).
func (k *Kernel) Yield(outgoing *arch.Context) (*arch.Context, error) {
	if k.halted {
		return outgoing, nil
	}

	pid, hadCurrent := k.sched.Current()
	if hadCurrent {
		k.sched.ExitUserMode(pid)
	}

	next, err := k.sched.Yield(outgoing)
	if err != nil {
		return outgoing, err
	}
	k.onDispatched(pid, hadCurrent)
	return next, nil
}

// onDispatched records whoever the scheduler just made current. The
// watchdog's start_tick is reset only on a genuine switch — prevPid
// differs from the new current, or there was no current process before
// — not on every tick a lone Ready process keeps winning redispatch;
// otherwise a process alone in its priority class could never
// accumulate elapsed ticks (scenario 3, spec.md §8).
func (k *Kernel) onDispatched(prevPid ids.Pid, hadPrev bool) {
	pid, ok := k.sched.Current()
	if !ok {
		return
	}
	k.scratch.SetCurrentPid(pid)
	k.sched.EnterUserMode(pid)
	if !hadPrev || pid != prevPid {
		k.wd.EnterUserMode(pid)
	}
}

// Syscall dispatches ctx through the SyscallDispatcher and, if the
// handler left the caller no longer Running (exit, or a wait() that
// blocked), performs the same reschedule Tick/Yield would — a Zombie or
// Waiting process cannot be the frame the privilege-return instruction
// resumes.
func (k *Kernel) Syscall(ctx *arch.Context) (*arch.Context, []ids.Pid) {
	if k.halted {
		return ctx, nil
	}

	caller := k.scratch.CurrentPid()

	if syscallpkg.Number(ctx.SyscallNumber()) == syscallpkg.Yield {
		next, err := k.Yield(ctx)
		if err != nil {
			k.log.Error("yield failed", "pid", caller, "err", err)
			return ctx, nil
		}
		return next, nil
	}

	k.dispatcher.Handle(caller, ctx)

	if pcb, ok := k.sched.Get(caller); ok && pcb.State != process.Running {
		next, err := k.Yield(ctx)
		if err != nil {
			k.log.Error("post-syscall reschedule failed", "pid", caller, "err", err)
			return ctx, nil
		}
		return next, nil
	}
	return ctx, nil
}

// MapUserPage backs virt with a fresh zeroed frame in pid's address
// space, for setting up a buffer before a syscall or test references it.
func (k *Kernel) MapUserPage(pid ids.Pid, virt uint64) error {
	pcb, ok := k.sched.Get(pid)
	if !ok {
		return process.ErrNotFound
	}
	return k.mem.MapFreshUserPage(pcb.Space, memory.VirtAddr(virt))
}

// WriteStatus implements process.StatusWriter: it copies a reaped
// child's exit code into the parent's user address space at addr.
func (k *Kernel) WriteStatus(parent ids.Pid, addr uint64, status int32) error {
	pcb, ok := k.sched.Get(parent)
	if !ok {
		return process.ErrNotFound
	}
	buf := []byte{byte(status), byte(status >> 8), byte(status >> 16), byte(status >> 24)}
	return k.mem.WriteUser(pcb.Space, memory.VirtAddr(addr), buf)
}

// BlockingReceive demonstrates the blocking-receive extension point
// spec.md §9 names without changing the v1 syscall table's non-blocking
// receive_message (#4): on an empty queue it parks caller in
// Waiting(IpcReceive(channelID)) instead of returning NegativeEmpty, and
// the caller is woken (WakePid) the next time Send targets that
// direction.
func (k *Kernel) BlockingReceive(caller ids.Pid, channelID ids.ChannelID, outBuf uint64, maxLen int) (int64, error) {
	msg, ok, err := k.channels.Receive(caller, channelID)
	if err != nil {
		return 0, err
	}
	if ok {
		n := len(msg.Data)
		if n > maxLen {
			n = maxLen
		}
		pcb, pok := k.sched.Get(caller)
		if !pok {
			return 0, process.ErrNotFound
		}
		if err := k.mem.WriteUser(pcb.Space, memory.VirtAddr(outBuf), msg.Data[:n]); err != nil {
			return 0, err
		}
		return int64(n), nil
	}

	if err := k.channels.MarkWaiting(caller, channelID); err != nil {
		return 0, err
	}
	if err := k.sched.MarkWaitingIpcReceive(caller, channelID); err != nil {
		return 0, err
	}
	return syscallpkg.NegativeEmpty, nil
}
