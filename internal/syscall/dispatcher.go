package syscall

import (
	"log/slog"
	"math"
	"sync"

	"github.com/tinyrange/microkernel/internal/arch"
	"github.com/tinyrange/microkernel/internal/ids"
)

// Handler services one syscall number. result is written to Rax as-is
// on success; err being non-nil makes the dispatcher write NegativeError
// instead (handlers that need the reserved NegativeEmpty value, like
// receive_message, return it as a plain result with a nil error).
type Handler func(caller ids.Pid, args Args) (result int64, err error)

// Dispatcher validates and routes syscalls per spec.md §4.4.
type Dispatcher struct {
	mu       sync.Mutex
	handlers map[Number]Handler
	log      *slog.Logger
}

// NewDispatcher returns a Dispatcher with no handlers registered.
func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{handlers: make(map[Number]Handler), log: log}
}

// Register installs h as the handler for num, replacing any previous
// registration.
func (d *Dispatcher) Register(num Number, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[num] = h
}

// validateUserPointer checks a pointer/size pair against the user range
// and an overflow-guarded upper bound (spec.md §4.4, §8 boundary case).
// ptr == 0 is treated as "argument unused" and always passes, matching
// optional output pointers like wait's status_out.
func validateUserPointer(ptr, size uint64) error {
	if ptr == 0 {
		return nil
	}
	if ptr < UserRangeLow {
		return ErrInvalidArgs
	}
	if size > math.MaxUint64-ptr {
		return ErrInvalidArgs
	}
	if ptr+size-1 > UserRangeHigh {
		return ErrInvalidArgs
	}
	return nil
}

// validate runs the per-syscall pointer-range and size-bound checks
// spec.md §4.4 requires before a handler is invoked.
func validate(num Number, args Args) error {
	switch num {
	case Write:
		if args.Rdx > MaxWriteBufferSize {
			return ErrBufferTooSmall
		}
		return validateUserPointer(args.Rsi, args.Rdx)
	case SendMessage:
		if args.R10 > MaxIpcPayloadSize {
			return ErrBufferTooSmall
		}
		return validateUserPointer(args.Rdx, args.R10)
	case ReceiveMessage:
		if args.Rdx > MaxReceiveBufferSize {
			return ErrBufferTooSmall
		}
		return validateUserPointer(args.Rsi, args.Rdx)
	case Wait:
		return validateUserPointer(args.Rsi, StatusOutSize)
	default:
		// exit's code range and create_channel/fork/yield/getpid (which
		// carry no pointer argument) are validated by their handlers,
		// which own the specific numeric-limit checks spec.md §4.4 names
		// (e.g. exit_code ∈ [-255,255]).
		return nil
	}
}

// Handle reads the syscall number and arguments out of ctx, validates
// them, invokes the registered handler, and writes the (possibly
// negative, sign-extended) result back into ctx.Rax. It never returns an
// error to the caller: per spec.md §7, syscalls translate every failure
// into a negative return code and never unwind into user space.
func (d *Dispatcher) Handle(caller ids.Pid, ctx *arch.Context) {
	num := Number(ctx.SyscallNumber())
	args := ArgsFromContext(ctx)

	d.mu.Lock()
	h, ok := d.handlers[num]
	d.mu.Unlock()
	if !ok {
		d.log.Warn("unrecognized syscall number", "pid", caller, "number", int64(num))
		ctx.SetReturn(NegativeError)
		return
	}

	if err := validate(num, args); err != nil {
		d.log.Warn("syscall argument validation failed", "pid", caller, "number", int64(num), "err", err)
		ctx.SetReturn(NegativeError)
		return
	}

	result, err := h(caller, args)
	if err != nil {
		d.log.Warn("syscall handler failed", "pid", caller, "number", int64(num), "err", err)
		ctx.SetReturn(NegativeError)
		return
	}
	ctx.SetReturn(result)
}
