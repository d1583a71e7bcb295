package segtables

import "errors"

var (
	ErrNoKernelStack = errors.New("segtables: kernel stack top must be non-zero")
	ErrNoISTStack    = errors.New("segtables: double-fault IST stack top must be non-zero")
)
