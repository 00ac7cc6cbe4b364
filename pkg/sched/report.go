//go:build linux

package sched

import (
	"fmt"
	"time"

	"github.com/baton-sched/baton/pkg/cpumask"
	"github.com/baton-sched/baton/pkg/kernel"
)

// report emits the per-balancer-tick summary: overall busy%, counters,
// dispatch-path percentages, the current tunable masks, and per-domain
// utilization/load/imbalance.
func (s *Scheduler) report(stats []uint64, cpuBusy float64, processingDur time.Duration, loadAvg float64) {
	total := stats[kernel.StatWakeSync] +
		stats[kernel.StatPrevIdle] +
		stats[kernel.StatGreedyIdle] +
		stats[kernel.StatPinned] +
		stats[kernel.StatDirectDispatch] +
		stats[kernel.StatDirectGreedy] +
		stats[kernel.StatDirectGreedyFar] +
		stats[kernel.StatDsqDispatch] +
		stats[kernel.StatGreedy]

	s.log.Info(fmt.Sprintf("cpu=%7.2f bal=%d load_avg=%8.2f task_err=%d lb_data_err=%d proc=%dms",
		cpuBusy*100.0,
		stats[kernel.StatLoadBalance],
		loadAvg,
		stats[kernel.StatTaskGetErr],
		s.nrLBDataErrors,
		processingDur.Milliseconds()))

	pct := func(idx int) float64 {
		if total == 0 {
			return 0
		}
		return float64(stats[idx]) / float64(total) * 100.0
	}

	s.log.Info(fmt.Sprintf("tot=%7d wsync=%5.2f prev_idle=%5.2f greedy_idle=%5.2f pin=%5.2f",
		total,
		pct(kernel.StatWakeSync),
		pct(kernel.StatPrevIdle),
		pct(kernel.StatGreedyIdle),
		pct(kernel.StatPinned)))

	s.log.Info(fmt.Sprintf("dir=%5.2f dir_greedy=%5.2f dir_greedy_far=%5.2f",
		pct(kernel.StatDirectDispatch),
		pct(kernel.StatDirectGreedy),
		pct(kernel.StatDirectGreedyFar)))

	s.log.Info(fmt.Sprintf("dsq=%5.2f greedy=%5.2f kick_greedy=%5.2f rep=%5.2f",
		pct(kernel.StatDsqDispatch),
		pct(kernel.StatGreedy),
		pct(kernel.StatKickGreedy),
		pct(kernel.StatRepatriate)))

	s.log.Info(fmt.Sprintf("direct_greedy_cpumask=%s",
		cpumask.FormatWords(s.tuneInput.DirectGreedyCpumask[:], s.top.NrCPUs)))
	s.log.Info(fmt.Sprintf("  kick_greedy_cpumask=%s",
		cpumask.FormatWords(s.tuneInput.KickGreedyCpumask[:], s.top.NrCPUs)))

	for dom := 0; dom < s.top.NrDoms; dom++ {
		imbal := "     0.00"
		if s.lastImbal[dom] != 0 {
			imbal = fmt.Sprintf("%+9.2f", s.lastImbal[dom])
		}
		s.log.Info(fmt.Sprintf("DOM[%02d] util=%6.2f load=%8.2f imbal=%s",
			dom,
			s.tuner.DomUtils[dom]*100.0,
			s.lastDomLoads[dom],
			imbal))
	}
}
