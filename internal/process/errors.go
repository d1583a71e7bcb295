package process

import "errors"

// Process-kind errors (SPEC_FULL.md §7).
var (
	ErrInvalidPid          = errors.New("process: invalid pid")
	ErrNotFound            = errors.New("process: not found")
	ErrInvalidState        = errors.New("process: invalid state for operation")
	ErrContextSwitchFailed = errors.New("process: context switch failed")
	ErrWouldBlock          = errors.New("process: would block")
	ErrInvalidExitCode     = errors.New("process: exit code out of range")
)
