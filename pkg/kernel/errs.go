package kernel

import "errors"

var (
	// ErrNoObject indicates the BPF object file could not be located.
	ErrNoObject = errors.New("kernel: scheduler bpf object not found")

	// ErrTooManyCPUs indicates the machine has more possible CPUs than
	// the ABI allows.
	ErrTooManyCPUs = errors.New("kernel: nr_cpus exceeds MaxCPUs")

	// ErrNotSupported indicates the running kernel lacks sched_ext or a
	// mounted bpf filesystem.
	ErrNotSupported = errors.New("kernel: sched_ext not supported by this kernel")

	// ErrExit indicates the BPF side reported a nonzero error exit.
	ErrExit = errors.New("kernel: scheduler exited with error")
)
