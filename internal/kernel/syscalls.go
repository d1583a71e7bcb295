package kernel

import (
	"github.com/tinyrange/microkernel/internal/ids"
	"github.com/tinyrange/microkernel/internal/memory"
	"github.com/tinyrange/microkernel/internal/process"
	syscallpkg "github.com/tinyrange/microkernel/internal/syscall"
)

// registerSyscalls wires the nine-entry table of spec.md §4.4 to the
// concrete registries. Each handler reports failure through its error
// return, which the dispatcher turns into NegativeError; the only negative
// value returned directly is receive_message's NegativeEmpty. No handler
// panics on bad user input, matching spec.md §7's "syscalls never unwind
// into user space".
func (k *Kernel) registerSyscalls() {
	k.dispatcher.Register(syscallpkg.Exit, k.sysExit)
	k.dispatcher.Register(syscallpkg.Write, k.sysWrite)
	k.dispatcher.Register(syscallpkg.CreateChannel, k.sysCreateChannel)
	k.dispatcher.Register(syscallpkg.SendMessage, k.sysSendMessage)
	k.dispatcher.Register(syscallpkg.ReceiveMessage, k.sysReceiveMessage)
	k.dispatcher.Register(syscallpkg.Yield, k.sysYield)
	k.dispatcher.Register(syscallpkg.Getpid, k.sysGetpid)
	k.dispatcher.Register(syscallpkg.Fork, k.sysFork)
	k.dispatcher.Register(syscallpkg.Wait, k.sysWait)
}

func (k *Kernel) sysExit(caller ids.Pid, args syscallpkg.Args) (int64, error) {
	code := int32(int64(args.Rdi))
	if err := k.sched.Exit(caller, code); err != nil {
		return 0, err
	}
	k.channels.RemoveChannelsForPid(caller)
	if err := k.handles.Cleanup(caller); err != nil {
		return 0, err
	}
	return 0, nil
}

// sysWrite ignores the fd argument: spec.md §6 names a single console
// sink, not a file-descriptor table.
func (k *Kernel) sysWrite(caller ids.Pid, args syscallpkg.Args) (int64, error) {
	pcb, ok := k.sched.Get(caller)
	if !ok {
		return 0, process.ErrNotFound
	}
	data, err := k.mem.ReadUser(pcb.Space, memory.VirtAddr(args.Rsi), int(args.Rdx))
	if err != nil {
		return 0, err
	}
	n, err := k.console.Write(data)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

func (k *Kernel) sysCreateChannel(caller ids.Pid, args syscallpkg.Args) (int64, error) {
	id, err := k.channels.CreateChannel(caller, ids.Pid(args.Rdi))
	if err != nil {
		return 0, err
	}
	return int64(id), nil
}

func (k *Kernel) sysSendMessage(caller ids.Pid, args syscallpkg.Args) (int64, error) {
	pcb, ok := k.sched.Get(caller)
	if !ok {
		return 0, process.ErrNotFound
	}
	data, err := k.mem.ReadUser(pcb.Space, memory.VirtAddr(args.Rdx), int(args.R10))
	if err != nil {
		return 0, err
	}
	woken, err := k.channels.Send(caller, ids.ChannelID(args.Rdi), uint32(args.Rsi), data)
	if err != nil {
		return 0, err
	}
	for _, pid := range woken {
		if err := k.sched.WakePid(pid); err != nil {
			k.log.Warn("wake receiver failed", "pid", pid, "err", err)
		}
	}
	return 0, nil
}

func (k *Kernel) sysReceiveMessage(caller ids.Pid, args syscallpkg.Args) (int64, error) {
	msg, ok, err := k.channels.Receive(caller, ids.ChannelID(args.Rdi))
	if err != nil {
		return 0, err
	}
	if !ok {
		return syscallpkg.NegativeEmpty, nil
	}
	n := len(msg.Data)
	if uint64(n) > args.Rdx {
		n = int(args.Rdx)
	}
	pcb, ok := k.sched.Get(caller)
	if !ok {
		return 0, process.ErrNotFound
	}
	if err := k.mem.WriteUser(pcb.Space, memory.VirtAddr(args.Rsi), msg.Data[:n]); err != nil {
		return 0, err
	}
	return int64(n), nil
}

// sysYield is never actually invoked through the dispatcher: Kernel.Syscall
// intercepts the yield number before reaching here because yield needs to
// hand back a different Context pointer, which a Handler's (int64, error)
// signature cannot express. It is still registered so a direct
// Dispatcher.Handle call with the yield number returns 0 instead of being
// rejected as an unrecognized number; it does not reschedule anything.
func (k *Kernel) sysYield(caller ids.Pid, args syscallpkg.Args) (int64, error) {
	return 0, nil
}

func (k *Kernel) sysGetpid(caller ids.Pid, args syscallpkg.Args) (int64, error) {
	return int64(caller), nil
}

func (k *Kernel) sysFork(caller ids.Pid, args syscallpkg.Args) (int64, error) {
	child, err := k.sched.Fork(caller)
	if err != nil {
		return 0, err
	}
	if k.cfg.WatchdogDefaultLimit > 0 {
		k.wd.SetLimit(child, k.cfg.WatchdogDefaultLimit)
	}
	return int64(child), nil
}

// sysWait treats bit 0 of the options argument (args.Rdx) as a
// WNOHANG-style non-blocking request; spec.md §4.4 names the argument
// but leaves its bit layout unspecified (see DESIGN.md).
func (k *Kernel) sysWait(caller ids.Pid, args syscallpkg.Args) (int64, error) {
	target := ids.Pid(args.Rdi)
	outAddr := args.Rsi
	nonBlocking := args.Rdx&1 != 0

	pid, status, blocked, err := k.sched.Wait(caller, target, outAddr, nonBlocking)
	if blocked {
		// The caller is now Waiting and not Running; whatever value ends
		// up in Rax here is overwritten by completeWaitLocked's SetReturn
		// once a child exits and wakes it.
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if outAddr != 0 {
		if err := k.WriteStatus(caller, outAddr, status); err != nil {
			return 0, err
		}
	}
	return int64(pid), nil
}
