package memory

import "errors"

// Allocation-kind errors (SPEC_FULL.md §7).
var (
	ErrOutOfFrames    = errors.New("memory: out of physical frames")
	ErrBadAlignment   = errors.New("memory: address or size is not page-aligned")
	ErrAlreadyInUse   = errors.New("memory: page already mapped")
	ErrNotMapped      = errors.New("memory: virtual address is not mapped")
	ErrInvalidAddress = errors.New("memory: address is out of range")
	ErrHugePage       = errors.New("memory: huge pages are not supported")
	ErrPageFault      = errors.New("memory: access to a revoked or unmapped page faulted")
)
