// Command kerneld boots the in-process microkernel core and drives it
// through a fixed number of timer ticks, printing scheduler and watchdog
// state as it goes. There is no real hardware underneath this core (spec.md
// §1: the privilege transitions, page tables, and interrupts are all
// modeled in Go), so kerneld's job is the same one cmd/debug plays for
// tinyrange-cc's binary logs: a small inspection harness over an internal
// package, not a production entry point.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/microkernel/internal/arch"
	"github.com/tinyrange/microkernel/internal/boot"
	"github.com/tinyrange/microkernel/internal/kernel"
	"github.com/tinyrange/microkernel/internal/process"
)

func run() error {
	ticks := flag.Int("ticks", 20, "number of timer ticks to simulate")
	frames := flag.Int("frames", 4096, "total physical frames in the simulated pool")
	watchdogLimit := flag.Uint64("watchdog-limit", 0, "default watchdog budget in ticks (0 keeps the package default)")
	verbose := flag.Bool("verbose", false, "enable debug-level logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	k, err := kernel.NewKernel(kernel.Config{
		TotalFrames:         *frames,
		KernelStackTop:      0xFFFF800000010000,
		DoubleFaultStackTop: 0xFFFF800000020000,
		MemoryMap: boot.MemoryMap{
			Regions: []boot.Region{
				{Base: 0, Size: uint64(*frames) * 4096, Kind: boot.RegionUsable},
			},
		},
		WatchdogDefaultLimit: *watchdogLimit,
		Console:              os.Stdout,
	})
	if err != nil {
		return fmt.Errorf("kerneld: construct kernel: %w", err)
	}

	initPid, err := k.Boot(0x401000, 0x7FFFF000, process.ResourceLimits{})
	if err != nil {
		return fmt.Errorf("kerneld: boot init process: %w", err)
	}
	slog.Info("kernel booted", "init_pid", initPid)

	ctx := &arch.Context{}
	for i := 0; i < *ticks; i++ {
		next, killed := k.Tick(ctx)
		ctx = next
		for _, pid := range killed {
			slog.Warn("watchdog killed process", "pid", pid)
		}
		if halted, reason := k.Halted(); halted {
			return fmt.Errorf("kerneld: core halted: %s", reason)
		}
		if cur, ok := k.Scheduler().Current(); ok {
			slog.Debug("tick", "n", i, "current", cur, "eoi_count", k.EOICount())
		}
	}

	slog.Info("run complete", "ticks", *ticks, "eoi_count", k.EOICount())
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kerneld: %v\n", err)
		os.Exit(1)
	}
}
