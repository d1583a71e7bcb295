// Package watchdog implements the per-process user-mode time budget of
// spec.md §4.7: a process that holds the CPU in ring 3 past its tick
// budget is warned, then killed. Grounded on tinyrange-cc's
// internal/devices/amd64/chipset PIT/CMOS pattern (a small mutex-guarded
// struct ticked by an external driver, logging state transitions via
// log/slog) for shape.
package watchdog

import (
	"log/slog"
	"sync"

	"github.com/tinyrange/microkernel/internal/ids"
)

// DefaultLimitTicks is the budget a process gets unless SetLimit has
// been called for it (spec.md §4.7).
const DefaultLimitTicks uint64 = 30

// State is a watchdog Record's position in its own small state machine.
type State int

const (
	Normal State = iota
	Warning
	TimedOut
)

func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case Warning:
		return "warning"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Record is one process's watchdog bookkeeping (spec.md §3).
type Record struct {
	LimitTicks  uint64
	StartTick   uint64
	State       State
	WarningSent bool
}

// ProcessOps is the capability Watchdog uses to find out which pids are
// currently executing in user mode and to terminate the ones that
// exceed their budget, so this package does not import internal/process
// directly (same separation as internal/ipc's AddressSpaceOps).
type ProcessOps interface {
	UserModeActive(pid ids.Pid) bool
	ExitUserMode(pid ids.Pid)
	Exit(pid ids.Pid, code int32) error
}

// Watchdog owns one Record per tracked pid and the global tick counter.
type Watchdog struct {
	mu      sync.Mutex
	ops     ProcessOps
	log     *slog.Logger
	tick    uint64
	records map[ids.Pid]*Record
}

// New constructs a Watchdog bound to ops for kill/query operations.
func New(ops ProcessOps, log *slog.Logger) *Watchdog {
	if log == nil {
		log = slog.Default()
	}
	return &Watchdog{ops: ops, log: log, records: make(map[ids.Pid]*Record)}
}

// SetLimit is the privileged (non-syscall) interface spec.md §4.7
// reserves for configuring a pid's budget; it does not exist as a
// syscall in v1.
func (w *Watchdog) SetLimit(pid ids.Pid, limit uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.recordLocked(pid)
	r.LimitTicks = limit
}

func (w *Watchdog) recordLocked(pid ids.Pid) *Record {
	r := w.records[pid]
	if r == nil {
		r = &Record{LimitTicks: DefaultLimitTicks, State: Normal}
		w.records[pid] = r
	}
	return r
}

// EnterUserMode resets pid's start tick to the current tick, called by
// the scheduler immediately before the simulated return-from-interrupt
// that drops pid to ring 3 (spec.md §4.7).
func (w *Watchdog) EnterUserMode(pid ids.Pid) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.recordLocked(pid)
	r.StartTick = w.tick
	r.State = Normal
	r.WarningSent = false
}

// Get returns a copy of pid's Record.
func (w *Watchdog) Get(pid ids.Pid) (Record, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.records[pid]
	if r == nil {
		return Record{}, false
	}
	return *r, true
}

// CurrentTick returns the global tick counter.
func (w *Watchdog) CurrentTick() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tick
}

// Tick advances the global counter by one and evaluates every tracked,
// currently-user-mode-active pid against its budget (spec.md §4.7):
// elapsed ≥ limit/2 sends one warning, elapsed ≥ limit kills the
// process with exit code -1. v1 does not pause the counter while a
// process is in a syscall — see DESIGN.md for the resolution of the
// "should the watchdog pause" open question. Returns the pids killed
// this tick.
func (w *Watchdog) Tick() []ids.Pid {
	w.mu.Lock()
	w.tick++
	current := w.tick

	type action struct {
		pid     ids.Pid
		elapsed uint64
		limit   uint64
	}
	var warn, kill []action
	for pid, r := range w.records {
		if !w.ops.UserModeActive(pid) {
			continue
		}
		elapsed := current - r.StartTick
		if elapsed >= r.LimitTicks {
			kill = append(kill, action{pid, elapsed, r.LimitTicks})
			r.State = TimedOut
		} else if elapsed >= r.LimitTicks/2 && !r.WarningSent {
			r.WarningSent = true
			r.State = Warning
			warn = append(warn, action{pid, elapsed, r.LimitTicks})
		}
	}
	w.mu.Unlock()

	for _, a := range warn {
		w.log.Warn("watchdog timeout warning", "pid", a.pid, "elapsed", a.elapsed, "limit", a.limit, "remaining", a.limit-a.elapsed)
	}

	var killed []ids.Pid
	for _, a := range kill {
		w.log.Warn("watchdog killing process", "pid", a.pid, "elapsed", a.elapsed, "limit", a.limit)
		w.ops.ExitUserMode(a.pid)
		if err := w.ops.Exit(a.pid, -1); err != nil {
			w.log.Error("watchdog exit failed", "pid", a.pid, "err", err)
			continue
		}
		killed = append(killed, a.pid)
	}
	return killed
}
