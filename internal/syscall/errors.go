package syscall

import "errors"

// Syscall-kind errors (spec.md §7).
var (
	ErrInvalidNumber       = errors.New("syscall: invalid number")
	ErrInvalidArgs         = errors.New("syscall: invalid arguments")
	ErrPermissionDenied    = errors.New("syscall: permission denied")
	ErrResourceUnavailable = errors.New("syscall: resource unavailable")
	ErrNotSupported        = errors.New("syscall: not supported")
	ErrBufferTooSmall      = errors.New("syscall: buffer too small")
)

// NegativeEmpty is the fixed return value for "would block / empty",
// reserved by spec.md §6.
const NegativeEmpty int64 = -2

// NegativeError is the generic failure return value for every syscall
// except the reserved -2 empty case.
const NegativeError int64 = -1
