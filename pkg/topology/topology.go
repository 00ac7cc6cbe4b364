//go:build linux

// Package topology partitions the machine's CPUs into scheduling
// domains, either from explicit per-domain cpumasks or by grouping CPUs
// that share a cache at a given level.
package topology

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/baton-sched/baton/pkg/cpumask"
	"github.com/baton-sched/baton/pkg/kernel"
)

// NoDom marks a CPU that exists but belongs to no domain (offline at
// construction time).
const NoDom = -1

// sysCPUDir is a package variable so tests can point the cache-level
// walk at a fixture tree.
var sysCPUDir = "/sys/devices/system/cpu"

// Topology is the immutable domain partition built once at startup.
type Topology struct {
	NrCPUs int
	NrDoms int

	// DomCPUs[d] is the CPU set of domain d, kernel.MaxCPUs wide.
	DomCPUs []cpumask.Mask

	// CPUDom[c] is the domain of CPU c, or NoDom.
	CPUDom []int
}

// FromCpumasks builds a topology from one hex cpumask per domain, in
// domain-ID order. Every CPU in [0, nrCPUs) must appear in exactly one
// mask.
func FromCpumasks(masks []string, nrCPUs int) (*Topology, error) {
	if len(masks) > kernel.MaxDoms {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyDoms, len(masks), kernel.MaxDoms)
	}

	t := &Topology{
		NrCPUs: nrCPUs,
		NrDoms: len(masks),
		CPUDom: make([]int, nrCPUs),
	}
	for c := range t.CPUDom {
		t.CPUDom[c] = NoDom
	}

	for dom, s := range masks {
		m, err := cpumask.ParseHex(s, nrCPUs)
		if err != nil {
			if errors.Is(err, cpumask.ErrCPUOutOfRange) {
				return nil, fmt.Errorf("%w: %v", ErrCPUOutOfRange, err)
			}
			return nil, err
		}
		set := cpumask.New(kernel.MaxCPUs)
		for c := 0; c < nrCPUs; c++ {
			if !m.IsSet(c) {
				continue
			}
			if other := t.CPUDom[c]; other != NoDom {
				return nil, fmt.Errorf("%w: cpu %d in domain %d and in cpumask %q",
					ErrCPUDoubleAssigned, c, other, s)
			}
			t.CPUDom[c] = dom
			set.Set(c)
		}
		t.DomCPUs = append(t.DomCPUs, set)
	}

	for c, dom := range t.CPUDom {
		if dom == NoDom {
			return nil, fmt.Errorf("%w: cpu %d not covered by any cpumask", ErrCPUUnassigned, c)
		}
	}
	return t, nil
}

// FromCacheLevel groups CPUs into domains by the cache they share at
// the given level, read from
// /sys/devices/system/cpu/cpuN/cache/indexL/id. A missing id file means
// the CPU is offline: it gets no domain, but its bit is still set in
// domain 0's CPU set for the kernel side's bookkeeping.
func FromCacheLevel(level uint32, nrCPUs int) (*Topology, int, error) {
	cpuCache := make([]int, nrCPUs) // cache id per CPU, NoDom if offline
	cacheIDs := map[int]struct{}{}
	nrOffline := 0

	for c := 0; c < nrCPUs; c++ {
		path := fmt.Sprintf("%s/cpu%d/cache/index%d/id", sysCPUDir, c, level)
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				cpuCache[c] = NoDom
				nrOffline++
				continue
			}
			return nil, 0, fmt.Errorf("topology: read %s: %w", path, err)
		}
		id, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil || id < 0 {
			return nil, 0, fmt.Errorf("%w: %s content %q", ErrBadCacheID, path, strings.TrimSpace(string(raw)))
		}
		cpuCache[c] = id
		cacheIDs[id] = struct{}{}
	}

	// Cache IDs may have holes; domain IDs must not. Assign consecutive
	// domain IDs to the sorted cache IDs.
	sorted := make([]int, 0, len(cacheIDs))
	for id := range cacheIDs {
		sorted = append(sorted, id)
	}
	sort.Ints(sorted)
	if len(sorted) == 0 {
		return nil, 0, fmt.Errorf("topology: no online cpu exposes cache level %d", level)
	}
	if len(sorted) > kernel.MaxDoms {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrTooManyDoms, len(sorted), kernel.MaxDoms)
	}
	cacheToDom := make(map[int]int, len(sorted))
	for dom, id := range sorted {
		cacheToDom[id] = dom
	}

	t := &Topology{
		NrCPUs: nrCPUs,
		NrDoms: len(sorted),
		CPUDom: make([]int, nrCPUs),
	}
	for d := 0; d < t.NrDoms; d++ {
		t.DomCPUs = append(t.DomCPUs, cpumask.New(kernel.MaxCPUs))
	}
	for c := 0; c < nrCPUs; c++ {
		if cpuCache[c] == NoDom {
			t.DomCPUs[0].Set(c)
			t.CPUDom[c] = NoDom
			continue
		}
		dom := cacheToDom[cpuCache[c]]
		t.DomCPUs[dom].Set(c)
		t.CPUDom[c] = dom
	}
	return t, nrOffline, nil
}
