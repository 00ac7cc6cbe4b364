//go:build linux

package kernel

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
)

// TaskData is read-only iteration over the kernel's per-task contexts.
type TaskData interface {
	// Each calls fn for every (pid, task context) pair currently in the
	// map. Iteration stops on the first error.
	Each(fn func(pid int32, ctx *TaskCtx) error) error
}

// LBData is the write-only migration table: pid -> target domain.
type LBData interface {
	// Clear removes every entry.
	Clear() error
	// Add inserts pid -> dom, failing if pid is already present.
	Add(pid int32, dom uint32) error
}

// Stats reads the per-CPU dispatch counters.
type Stats interface {
	// CollectAndZero sums each counter across CPUs, zeroes it, and
	// returns the sums indexed by stat index. Counts incremented between
	// the read and the reset are lost; the window is small and accepted.
	CollectAndZero() ([]uint64, error)
}

type taskDataMap struct{ m *ebpf.Map }

func (t taskDataMap) Each(fn func(pid int32, ctx *TaskCtx) error) error {
	var (
		pid int32
		ctx TaskCtx
	)
	iter := t.m.Iterate()
	for iter.Next(&pid, &ctx) {
		if err := fn(pid, &ctx); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("kernel: iterate task_data: %w", err)
	}
	return nil
}

type lbDataMap struct{ m *ebpf.Map }

func (l lbDataMap) Clear() error {
	// The map does not promise delete-during-iterate, so collect the
	// keys first and delete afterwards.
	var (
		pid  int32
		dom  uint32
		pids []int32
	)
	iter := l.m.Iterate()
	for iter.Next(&pid, &dom) {
		pids = append(pids, pid)
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("kernel: iterate lb_data: %w", err)
	}
	for _, p := range pids {
		if err := l.m.Delete(p); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			return fmt.Errorf("kernel: clear lb_data pid %d: %w", p, err)
		}
	}
	return nil
}

func (l lbDataMap) Add(pid int32, dom uint32) error {
	return l.m.Update(pid, dom, ebpf.UpdateNoExist)
}

type statsMap struct {
	m      *ebpf.Map
	nrCPUs int
}

func (s statsMap) CollectAndZero() ([]uint64, error) {
	sums := make([]uint64, NrStats)
	zero := make([]uint64, s.nrCPUs)
	perCPU := make([]uint64, s.nrCPUs)
	for idx := 0; idx < NrStats; idx++ {
		if err := s.m.Lookup(uint32(idx), &perCPU); err != nil {
			return nil, fmt.Errorf("kernel: lookup stat %d: %w", idx, err)
		}
		for _, v := range perCPU {
			sums[idx] += v
		}
		if err := s.m.Put(uint32(idx), zero); err != nil {
			return nil, fmt.Errorf("kernel: zero stat %d: %w", idx, err)
		}
	}
	return sums, nil
}
