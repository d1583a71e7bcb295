// Package ipc implements the channel (bounded FIFO message queue) and
// memory-handle (zero-copy page transfer) registries of spec.md §4.6.
// Grounded on tinyrange-cc's internal/hv registries (mutex-guarded maps
// keyed by a small integer handle, one sentinel-error set per failure
// kind) for shape; the page-table work is delegated to the
// AddressSpaceOps capability so this package never imports
// internal/memory directly.
package ipc

import "errors"

// Ipc-kind errors (spec.md §7).
var (
	ErrChannelNotFound  = errors.New("ipc: channel not found")
	ErrChannelExists    = errors.New("ipc: channel already exists")
	ErrChannelFull      = errors.New("ipc: channel full")
	ErrInvalidSender    = errors.New("ipc: invalid sender")
	ErrNoMessage        = errors.New("ipc: no message")
	ErrInvalidChannelId = errors.New("ipc: invalid channel id")
	ErrHandleNotFound   = errors.New("ipc: handle not found")
	ErrInvalidRange     = errors.New("ipc: invalid range")
	ErrAccessDenied     = errors.New("ipc: access denied")
	ErrCircularTransfer = errors.New("ipc: circular transfer")
)
