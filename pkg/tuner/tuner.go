//go:build linux

// Package tuner periodically measures per-domain CPU utilization and
// derives the two per-CPU greedy-dispatch masks consumed by the kernel
// side: which idle CPUs may take remote tasks directly, and which may
// be kicked into stealing.
package tuner

import (
	"fmt"

	"github.com/baton-sched/baton/pkg/cpustat"
	"github.com/baton-sched/baton/pkg/kernel"
	"github.com/baton-sched/baton/pkg/topology"
)

// A threshold this close to 1.0 means "always on" regardless of
// measured utilization.
const alwaysOn = 0.99999

// Tuner holds the previous per-CPU snapshot between ticks.
type Tuner struct {
	top               *topology.Topology
	directGreedyUnder float64
	kickGreedyUnder   float64
	prev              map[int]cpustat.CpuStat

	// DomUtils is the per-domain utilization of the last step, kept for
	// the periodic report.
	DomUtils []float64
}

// New creates a tuner and takes the initial snapshot. The thresholds
// are percentages as given on the command line; 0 disables a mask and
// 100 forces it always-on.
func New(top *topology.Topology, directGreedyUnder, kickGreedyUnder float64) (*Tuner, error) {
	ps, err := cpustat.Read()
	if err != nil {
		return nil, fmt.Errorf("tuner: %w", err)
	}
	return &Tuner{
		top:               top,
		directGreedyUnder: directGreedyUnder / 100.0,
		kickGreedyUnder:   kickGreedyUnder / 100.0,
		prev:              ps.CPUs,
		DomUtils:          make([]float64, top.NrDoms),
	}, nil
}

// Step takes a fresh snapshot, recomputes the masks into ti and bumps
// its generation counter. The caller publishes ti to the kernel.
func (t *Tuner) Step(ti *kernel.TuneInput) error {
	ps, err := cpustat.Read()
	if err != nil {
		return fmt.Errorf("tuner: %w", err)
	}
	t.apply(ps.CPUs, ti)
	return nil
}

func (t *Tuner) apply(curr map[int]cpustat.CpuStat, ti *kernel.TuneInput) {
	domNrCPUs := make([]int, t.top.NrDoms)
	domUtilSum := make([]float64, t.top.NrDoms)

	for cpu := 0; cpu < t.top.NrCPUs; cpu++ {
		// A NoDom CPU was offline at startup; a CPU missing from either
		// snapshot went down since. Skip both.
		dom := t.top.CPUDom[cpu]
		if dom == topology.NoDom {
			continue
		}
		c, okCurr := curr[cpu]
		p, okPrev := t.prev[cpu]
		if !okCurr || !okPrev {
			continue
		}
		domNrCPUs[dom]++
		domUtilSum[dom] += c.CalcUtil(p)
	}

	for dom := 0; dom < t.top.NrDoms; dom++ {
		// With no active CPUs the domain's utilization is moot; 0.0 is
		// the least confusing thing to report.
		util := 0.0
		if domNrCPUs[dom] > 0 {
			util = domUtilSum[dom] / float64(domNrCPUs[dom])
		}
		t.DomUtils[dom] = util

		t.setDomBits(&ti.DirectGreedyCpumask, dom,
			t.directGreedyUnder > alwaysOn || util < t.directGreedyUnder)
		t.setDomBits(&ti.KickGreedyCpumask, dom,
			t.kickGreedyUnder > alwaysOn || util < t.kickGreedyUnder)
	}

	ti.Gen++
	t.prev = curr
}

func (t *Tuner) setDomBits(mask *[kernel.MaskWords]uint64, dom int, on bool) {
	for cpu := 0; cpu < t.top.NrCPUs; cpu++ {
		if t.top.CPUDom[cpu] != dom {
			continue
		}
		if on {
			mask[cpu/64] |= 1 << (cpu % 64)
		} else {
			mask[cpu/64] &^= 1 << (cpu % 64)
		}
	}
}
