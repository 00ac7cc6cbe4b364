package cpumask

import "errors"

// ErrCPUOutOfRange indicates a mask bit beyond the machine's CPU count.
var ErrCPUOutOfRange = errors.New("cpumask: cpu out of range")
