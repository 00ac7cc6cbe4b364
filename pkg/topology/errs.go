package topology

import "errors"

var (
	// ErrCPUOutOfRange indicates a cpumask bit beyond the machine's CPUs.
	ErrCPUOutOfRange = errors.New("topology: cpu out of range")

	// ErrCPUDoubleAssigned indicates a CPU covered by two cpumasks.
	ErrCPUDoubleAssigned = errors.New("topology: cpu assigned twice")

	// ErrCPUUnassigned indicates a CPU covered by no cpumask.
	ErrCPUUnassigned = errors.New("topology: cpu unassigned")

	// ErrTooManyDoms indicates more domains than the kernel ABI allows.
	ErrTooManyDoms = errors.New("topology: too many domains")

	// ErrBadCacheID indicates an unparsable sysfs cache id file.
	ErrBadCacheID = errors.New("topology: malformed cache id")
)
