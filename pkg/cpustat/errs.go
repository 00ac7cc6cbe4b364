package cpustat

import "errors"

var (
	// ErrShortLine indicates a cpu row with fewer than eight counters.
	ErrShortLine = errors.New("cpustat: short cpu line")

	// ErrBadCounter indicates a cpu row field that did not parse as an
	// unsigned integer.
	ErrBadCounter = errors.New("cpustat: malformed counter")
)
