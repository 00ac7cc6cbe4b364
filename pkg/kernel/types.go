package kernel

// Compile-time limits shared with the BPF component. MaxCPUs must be a
// multiple of 64; MaxDoms must fit a task's 64-bit domain mask.
const (
	MaxCPUs = 512
	MaxDoms = 64

	// MaskWords is the word count of every per-CPU bitmask crossing the
	// kernel boundary.
	MaskWords = MaxCPUs / 64
)

// TaskCtx mirrors the per-task context the BPF side keeps in the
// task_data map. Field order and padding are part of the map ABI.
//
// RunnableAt and RunnableFor are written by the kernel concurrently
// with userspace lookups; a lookup copies the whole value in one map
// operation, so each field arrives unsplit even when the pair is
// momentarily inconsistent.
type TaskCtx struct {
	DomMask     uint64 // bit d set: task may run in domain d
	DomID       uint32
	Weight      uint32
	RunnableAt  uint64 // monotonic ns; nonzero while the task is runnable
	RunnableFor uint64 // cumulative runnable ns
	IsKworker   uint8
	_           [7]byte
}

// TuneInput is the tunable block in the BPF .bss consumed by the
// dispatch fast paths. Publishing writes the masks and the bumped Gen
// in a single map update.
type TuneInput struct {
	Gen                 uint64
	DirectGreedyCpumask [MaskWords]uint64
	KickGreedyCpumask   [MaskWords]uint64
}

// RunConfig carries the read-only configuration written into the BPF
// .rodata before load.
type RunConfig struct {
	NrDoms          uint32
	NrCPUs          uint32
	CPUDomIDMap     [MaxCPUs]uint32
	DomCpumasks     [MaxDoms][MaskWords]uint64
	SliceNs         uint64
	GreedyThreshold uint32
	KthreadsLocal   bool
	FifoSched       bool
	SwitchPartial   bool
}

// Per-CPU dispatch counters kept by the BPF side, indexed into the
// stats percpu map.
const (
	StatWakeSync = iota
	StatPrevIdle
	StatGreedyIdle
	StatPinned
	StatDirectDispatch
	StatDirectGreedy
	StatDirectGreedyFar
	StatDsqDispatch
	StatGreedy
	StatKickGreedy
	StatRepatriate
	StatLoadBalance
	StatTaskGetErr
	NrStats
)

// Exit types reported by the BPF side through the bss exit_type cell.
const (
	ExitNone  = 0
	ExitError = 2
)
