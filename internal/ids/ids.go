// Package ids defines the small integer handle types shared across the
// process table, channel registry, and handle registry, so none of those
// packages needs to import another just to name an identifier — the same
// arena-plus-handle discipline tinyrange-cc applies to hv.Register values.
package ids

// Pid identifies a process. Pid 0 is reserved for the init process, the
// re-parenting target for every orphaned child (spec.md §4.5).
type Pid uint64

// InitPid is the root of the process tree.
const InitPid Pid = 0

// AnyPid is the wildcard target for wait(ANY, ...).
const AnyPid Pid = ^Pid(0)

// ChannelID identifies a bounded message-queue channel.
type ChannelID uint64

// HandleID identifies a zero-copy memory transfer handle.
type HandleID uint64
