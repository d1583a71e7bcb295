package watchdog

import "errors"

var (
	// ErrNotTracked is returned by operations on a pid with no Record.
	ErrNotTracked = errors.New("watchdog: pid not tracked")
)
