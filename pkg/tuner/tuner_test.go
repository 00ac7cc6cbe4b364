//go:build linux

package tuner

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baton-sched/baton/pkg/cpustat"
	"github.com/baton-sched/baton/pkg/kernel"
	"github.com/baton-sched/baton/pkg/topology"
)

// twoDomTop is 4 CPUs split into two domains: {0,1} and {2,3}.
func twoDomTop(t *testing.T) *topology.Topology {
	t.Helper()
	top, err := topology.FromCpumasks([]string{"0x3", "0xc"}, 4)
	require.NoError(t, err)
	return top
}

// snapshots returns a prev/curr pair where every CPU shows the given
// utilization over the window.
func snapshots(utils map[int]float64) (prev, curr map[int]cpustat.CpuStat) {
	prev = make(map[int]cpustat.CpuStat)
	curr = make(map[int]cpustat.CpuStat)
	for cpu, u := range utils {
		busy := uint64(math.Round(u * 1000))
		prev[cpu] = cpustat.CpuStat{}
		curr[cpu] = cpustat.CpuStat{User: busy, Idle: 1000 - busy}
	}
	return prev, curr
}

func newTestTuner(top *topology.Topology, direct, kick float64, prev map[int]cpustat.CpuStat) *Tuner {
	return &Tuner{
		top:               top,
		directGreedyUnder: direct / 100.0,
		kickGreedyUnder:   kick / 100.0,
		prev:              prev,
		DomUtils:          make([]float64, top.NrDoms),
	}
}

func maskBits(mask [kernel.MaskWords]uint64, nrCPUs int) []int {
	var out []int
	for c := 0; c < nrCPUs; c++ {
		if mask[c/64]&(1<<(c%64)) != 0 {
			out = append(out, c)
		}
	}
	return out
}

func TestApplyThresholds(t *testing.T) {
	top := twoDomTop(t)
	prev, curr := snapshots(map[int]float64{0: 0.49, 1: 0.49, 2: 0.50, 3: 0.50})

	t.Run("zero_disables", func(t *testing.T) {
		tn := newTestTuner(top, 0, 0, prev)
		var ti kernel.TuneInput
		tn.apply(curr, &ti)
		assert.Empty(t, maskBits(ti.DirectGreedyCpumask, 4))
		assert.Empty(t, maskBits(ti.KickGreedyCpumask, 4))
	})

	t.Run("hundred_forces_always_on", func(t *testing.T) {
		tn := newTestTuner(top, 100, 100, prev)
		var ti kernel.TuneInput
		tn.apply(curr, &ti)
		assert.Equal(t, []int{0, 1, 2, 3}, maskBits(ti.DirectGreedyCpumask, 4))
		assert.Equal(t, []int{0, 1, 2, 3}, maskBits(ti.KickGreedyCpumask, 4))
	})

	t.Run("strictly_below_threshold", func(t *testing.T) {
		// dom0 at 0.49 stays under the 50% threshold; dom1 at exactly
		// 0.50 does not.
		tn := newTestTuner(top, 50, 50, prev)
		var ti kernel.TuneInput
		tn.apply(curr, &ti)
		assert.Equal(t, []int{0, 1}, maskBits(ti.DirectGreedyCpumask, 4))
	})

	t.Run("raising_threshold_only_adds_bits", func(t *testing.T) {
		var loBits, hiBits []int
		for _, th := range []float64{30, 60} {
			tn := newTestTuner(top, th, 100, prev)
			var ti kernel.TuneInput
			tn.apply(curr, &ti)
			if th == 30 {
				loBits = maskBits(ti.DirectGreedyCpumask, 4)
			} else {
				hiBits = maskBits(ti.DirectGreedyCpumask, 4)
			}
		}
		assert.Subset(t, hiBits, loBits)
	})
}

func TestApplyBitsFollowUtilChanges(t *testing.T) {
	top := twoDomTop(t)
	prev, curr := snapshots(map[int]float64{0: 0.2, 1: 0.2, 2: 0.2, 3: 0.2})

	tn := newTestTuner(top, 50, 100, prev)
	var ti kernel.TuneInput
	tn.apply(curr, &ti)
	require.Equal(t, []int{0, 1, 2, 3}, maskBits(ti.DirectGreedyCpumask, 4))

	// dom1 saturates in the next window; its bits must clear. The
	// counters are cumulative, so the window is added on top of curr.
	_, hot := snapshots(map[int]float64{0: 0.2, 1: 0.2, 2: 0.9, 3: 0.9})
	for cpu, c := range hot {
		c.User += curr[cpu].User
		c.Idle += curr[cpu].Idle
		hot[cpu] = c
	}
	tn.apply(hot, &ti)
	assert.Equal(t, []int{0, 1}, maskBits(ti.DirectGreedyCpumask, 4))
	assert.InDelta(t, 0.2, tn.DomUtils[0], 1e-9)
	assert.InDelta(t, 0.9, tn.DomUtils[1], 1e-9)
}

func TestApplySkipsMissingAndOfflineCPUs(t *testing.T) {
	top := twoDomTop(t)
	top.CPUDom[1] = topology.NoDom // offline at init

	// cpu3 vanished from the current snapshot (hotunplugged).
	prev, curr := snapshots(map[int]float64{0: 0.4, 1: 0.8, 2: 0.6, 3: 0.6})
	delete(curr, 3)

	tn := newTestTuner(top, 100, 100, prev)
	var ti kernel.TuneInput
	tn.apply(curr, &ti)

	// dom0 averages only cpu0; dom1 averages only cpu2.
	assert.InDelta(t, 0.4, tn.DomUtils[0], 1e-9)
	assert.InDelta(t, 0.6, tn.DomUtils[1], 1e-9)

	// always-on never sets bits for CPUs outside any domain
	assert.Equal(t, []int{0, 2, 3}, maskBits(ti.DirectGreedyCpumask, 4))
}

func TestApplyEmptyDomainReadsZero(t *testing.T) {
	top := twoDomTop(t)
	prev, curr := snapshots(map[int]float64{0: 0.5, 1: 0.5})
	delete(prev, 2)
	delete(prev, 3)
	delete(curr, 2)
	delete(curr, 3)

	tn := newTestTuner(top, 50, 100, prev)
	var ti kernel.TuneInput
	tn.apply(curr, &ti)

	// No samples at all: util reports 0.0 and the domain counts as idle.
	assert.Equal(t, 0.0, tn.DomUtils[1])
	assert.Contains(t, maskBits(ti.DirectGreedyCpumask, 4), 2)
}

func TestApplyBumpsGeneration(t *testing.T) {
	top := twoDomTop(t)
	prev, curr := snapshots(map[int]float64{0: 0.1, 1: 0.1, 2: 0.1, 3: 0.1})

	tn := newTestTuner(top, 90, 100, prev)
	var ti kernel.TuneInput
	tn.apply(curr, &ti)
	assert.Equal(t, uint64(1), ti.Gen)
	tn.apply(curr, &ti)
	assert.Equal(t, uint64(2), ti.Gen)
}
