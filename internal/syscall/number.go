// Package syscall implements the fast-syscall dispatch contract of
// spec.md §4.4: argument/pointer validation, the nine-entry syscall
// table, and sign-extended return-value marshaling. Grounded on
// tinyrange-cc's internal/hv port-I/O dispatch (a small registered-table
// lookup keyed by an integer, validated before the handler runs) for
// shape.
package syscall

// Number is a recognized syscall number; values are part of the ABI and
// must not be renumbered (spec.md §4.4).
type Number int64

const (
	Exit            Number = 0
	Write           Number = 1
	CreateChannel   Number = 2
	SendMessage     Number = 3
	ReceiveMessage  Number = 4
	Yield           Number = 24
	Getpid          Number = 39
	Fork            Number = 57
	Wait            Number = 61
)

// UserRangeLow and UserRangeHigh bound the architecturally-defined user
// address range a pointer argument must lie within (spec.md §4.4).
// UserRangeHigh is the last valid byte, inclusive.
const (
	UserRangeLow  uint64 = 0x400000
	UserRangeHigh uint64 = 0x7FFFFFFF
)

// Per-syscall payload size bounds (spec.md §4.4).
const (
	MaxWriteBufferSize   = 4096
	MaxIpcPayloadSize    = 256
	MaxReceiveBufferSize = 4096
	StatusOutSize        = 4 // sizeof(int32)
)
