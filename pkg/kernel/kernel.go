//go:build linux

// Package kernel owns the boundary with the BPF half of the scheduler:
// loading and attaching the struct_ops component and exposing typed
// access to the maps shared with it.
package kernel

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/sys/unix"
)

const (
	objName    = "baton.bpf.o"
	opsMapName = "baton_ops"
)

// objSearchPath lists where the BPF object may live, tried in order
// after the directory of the running executable.
var objSearchPath = []string{
	"/usr/lib/baton",
	"/usr/local/lib/baton",
}

// Kernel is a handle on the BPF scheduler component. Open gives a
// parsed-but-unloaded handle; Load fixes the read-only configuration
// and creates the maps; Attach activates dispatch.
type Kernel struct {
	spec *ebpf.CollectionSpec
	coll *ebpf.Collection
	ops  link.Link

	tuneInput *ebpf.Variable
	exitType  *ebpf.Variable
	exitMsg   *ebpf.Variable

	taskData TaskData
	lbData   LBData
	stats    Stats
}

// Open locates and parses the BPF object. The program is verified by
// the kernel later, at Load time.
func Open() (*Kernel, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("kernel: remove memlock limit: %w", err)
	}

	path, err := findObject()
	if err != nil {
		return nil, err
	}
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("kernel: load spec %s: %w", path, err)
	}
	slog.Debug("loaded scheduler object", "path", path)
	return &Kernel{spec: spec}, nil
}

func findObject() (string, error) {
	var candidates []string
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), objName))
	}
	for _, dir := range objSearchPath {
		candidates = append(candidates, filepath.Join(dir, objName))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: tried %v", ErrNoObject, candidates)
}

// NrPossibleCPUs returns the number of possible CPUs, the width of
// every per-CPU structure shared with the BPF side.
func NrPossibleCPUs() (int, error) {
	n, err := ebpf.PossibleCPU()
	if err != nil {
		return 0, fmt.Errorf("kernel: possible cpus: %w", err)
	}
	if n > MaxCPUs {
		return 0, fmt.Errorf("%w: %d > %d", ErrTooManyCPUs, n, MaxCPUs)
	}
	return n, nil
}

// Load writes cfg into the object's .rodata and loads it into the
// kernel, creating the shared maps.
func (k *Kernel) Load(cfg *RunConfig, verbose bool) error {
	consts := map[string]any{
		"nr_doms":          cfg.NrDoms,
		"nr_cpus":          cfg.NrCPUs,
		"cpu_dom_id_map":   cfg.CPUDomIDMap,
		"dom_cpumasks":     cfg.DomCpumasks,
		"slice_ns":         cfg.SliceNs,
		"greedy_threshold": cfg.GreedyThreshold,
		"kthreads_local":   cfg.KthreadsLocal,
		"fifo_sched":       cfg.FifoSched,
		"switch_partial":   cfg.SwitchPartial,
	}
	for name, val := range consts {
		v, ok := k.spec.Variables[name]
		if !ok {
			return fmt.Errorf("kernel: object lacks rodata variable %q", name)
		}
		if err := v.Set(val); err != nil {
			return fmt.Errorf("kernel: set %s: %w", name, err)
		}
	}

	// The struct_ops map attaches through a bpf link; the flag must be
	// on the map before creation.
	if ops, ok := k.spec.Maps[opsMapName]; ok {
		ops.Flags |= unix.BPF_F_LINK
	}

	var opts ebpf.CollectionOptions
	if verbose {
		opts.Programs.LogLevel = ebpf.LogLevelInstruction
	}
	coll, err := ebpf.NewCollectionWithOptions(k.spec, opts)
	if err != nil {
		return fmt.Errorf("kernel: load collection: %w", err)
	}
	k.coll = coll

	for name, dst := range map[string]**ebpf.Variable{
		"tune_input": &k.tuneInput,
		"exit_type":  &k.exitType,
		"exit_msg":   &k.exitMsg,
	} {
		v, ok := coll.Variables[name]
		if !ok {
			coll.Close()
			return fmt.Errorf("kernel: object lacks bss variable %q", name)
		}
		*dst = v
	}

	for _, name := range []string{"task_data", "lb_data", "stats"} {
		if _, ok := coll.Maps[name]; !ok {
			coll.Close()
			return fmt.Errorf("kernel: object lacks map %q", name)
		}
	}
	k.taskData = taskDataMap{m: coll.Maps["task_data"]}
	k.lbData = lbDataMap{m: coll.Maps["lb_data"]}
	k.stats = statsMap{m: coll.Maps["stats"], nrCPUs: int(cfg.NrCPUs)}
	return nil
}

// Attach activates the scheduler by attaching its struct_ops map.
// Dispatch switches over to the BPF component once this returns.
func (k *Kernel) Attach() error {
	ops, ok := k.coll.Maps[opsMapName]
	if !ok {
		return fmt.Errorf("kernel: object lacks struct_ops map %q", opsMapName)
	}
	l, err := link.AttachRawLink(link.RawLinkOptions{
		Target: ops.FD(),
		Attach: ebpf.AttachStructOps,
	})
	if err != nil {
		return fmt.Errorf("kernel: attach struct_ops: %w", err)
	}
	k.ops = l
	return nil
}

// Detach deactivates the scheduler and releases every kernel resource.
// Safe to call more than once and in any load state.
func (k *Kernel) Detach() {
	if k.ops != nil {
		_ = k.ops.Close()
		k.ops = nil
	}
	if k.coll != nil {
		k.coll.Close()
		k.coll = nil
	}
}

// TaskData returns the per-task context reader.
func (k *Kernel) TaskData() TaskData { return k.taskData }

// LBData returns the migration table writer.
func (k *Kernel) LBData() LBData { return k.lbData }

// Stats returns the dispatch counter reader.
func (k *Kernel) Stats() Stats { return k.stats }

// PublishTuneInput writes ti into the shared tunable block. The update
// copies the whole struct in one map operation, so the kernel can never
// observe the bumped Gen ahead of the masks it covers.
func (k *Kernel) PublishTuneInput(ti *TuneInput) error {
	if err := k.tuneInput.Set(ti); err != nil {
		return fmt.Errorf("kernel: publish tune_input: %w", err)
	}
	return nil
}

// ReadExitType polls the exit cell the BPF side sets when it stops.
func (k *Kernel) ReadExitType() (int32, error) {
	var et int32
	if err := k.exitType.Get(&et); err != nil {
		return 0, fmt.Errorf("kernel: read exit_type: %w", err)
	}
	return et, nil
}

// ReadExitMsg returns the NUL-terminated message accompanying an error
// exit.
func (k *Kernel) ReadExitMsg() (string, error) {
	var raw [128]byte
	if err := k.exitMsg.Get(&raw); err != nil {
		return "", fmt.Errorf("kernel: read exit_msg: %w", err)
	}
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i]), nil
		}
	}
	return string(raw[:]), nil
}
