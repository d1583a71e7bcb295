package watchdog

import (
	"testing"

	"github.com/tinyrange/microkernel/internal/ids"
)

type fakeProcessOps struct {
	active map[ids.Pid]bool
	exited map[ids.Pid]int32
}

func newFakeProcessOps() *fakeProcessOps {
	return &fakeProcessOps{active: make(map[ids.Pid]bool), exited: make(map[ids.Pid]int32)}
}

func (f *fakeProcessOps) UserModeActive(pid ids.Pid) bool { return f.active[pid] }
func (f *fakeProcessOps) ExitUserMode(pid ids.Pid)        { f.active[pid] = false }
func (f *fakeProcessOps) Exit(pid ids.Pid, code int32) error {
	f.exited[pid] = code
	return nil
}

func TestWatchdogWarnsAtHalfAndKillsAtLimit(t *testing.T) {
	ops := newFakeProcessOps()
	w := New(ops, nil)
	const pid = ids.Pid(3)
	w.SetLimit(pid, 10)
	ops.active[pid] = true
	w.EnterUserMode(pid)

	for i := 0; i < 4; i++ {
		w.Tick()
	}
	rec, ok := w.Get(pid)
	if !ok {
		t.Fatalf("Get(%d) not found", pid)
	}
	if rec.State != Normal {
		t.Fatalf("after 4 ticks State = %v, want Normal", rec.State)
	}

	killed := w.Tick() // tick 5: elapsed=5 >= limit/2=5
	if len(killed) != 0 {
		t.Fatalf("killed at tick 5 = %v, want none", killed)
	}
	rec, _ = w.Get(pid)
	if rec.State != Warning || !rec.WarningSent {
		t.Fatalf("after tick 5, rec = %+v, want Warning/WarningSent", rec)
	}
	if _, exited := ops.exited[pid]; exited {
		t.Fatalf("pid %d exited before limit", pid)
	}

	for i := 0; i < 4; i++ {
		w.Tick()
	}
	killed = w.Tick() // tick 10: elapsed=10 >= limit=10
	if len(killed) != 1 || killed[0] != pid {
		t.Fatalf("killed at tick 10 = %v, want [%d]", killed, pid)
	}
	if code, ok := ops.exited[pid]; !ok || code != -1 {
		t.Fatalf("ops.exited[%d] = (%d, %v), want (-1, true)", pid, code, ok)
	}
	if ops.active[pid] {
		t.Fatalf("pid %d still marked user-mode-active after kill", pid)
	}
}

func TestWatchdogIgnoresInactiveProcess(t *testing.T) {
	ops := newFakeProcessOps()
	w := New(ops, nil)
	const pid = ids.Pid(5)
	w.SetLimit(pid, 3)
	w.EnterUserMode(pid)
	// ops.active[pid] left false: process never entered user mode.

	for i := 0; i < 10; i++ {
		w.Tick()
	}
	if _, exited := ops.exited[pid]; exited {
		t.Fatalf("inactive pid %d was killed", pid)
	}
}

func TestSetLimitDefaultsTo30(t *testing.T) {
	ops := newFakeProcessOps()
	w := New(ops, nil)
	const pid = ids.Pid(7)
	ops.active[pid] = true
	w.EnterUserMode(pid)
	rec, ok := w.Get(pid)
	if !ok || rec.LimitTicks != DefaultLimitTicks {
		t.Fatalf("rec = %+v, want LimitTicks=%d", rec, DefaultLimitTicks)
	}
}
