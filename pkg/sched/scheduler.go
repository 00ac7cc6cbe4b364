//go:build linux

// Package sched wires the pieces together: it attaches the kernel
// component, then drives the tuner and the load balancer at their two
// cadences until shutdown or a kernel-side exit.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/baton-sched/baton/pkg/balancer"
	"github.com/baton-sched/baton/pkg/cpumask"
	"github.com/baton-sched/baton/pkg/cpustat"
	"github.com/baton-sched/baton/pkg/kernel"
	"github.com/baton-sched/baton/pkg/topology"
	"github.com/baton-sched/baton/pkg/tuner"
)

// Config is the fully-parsed command line.
type Config struct {
	SliceUs           uint64
	Interval          time.Duration
	TuneInterval      time.Duration
	CacheLevel        uint32
	Cpumasks          []string
	GreedyThreshold   uint32
	LoadDecayFactor   float64
	NoLoadBalance     bool
	KthreadsLocal     bool
	BalancedKworkers  bool
	FifoSched         bool
	Partial           bool
	DirectGreedyUnder float64
	KickGreedyUnder   float64
	Verbose           int
}

// Scheduler owns the kernel handle and the state carried across ticks.
type Scheduler struct {
	k   *kernel.Kernel
	top *topology.Topology
	log *slog.Logger

	schedInterval    time.Duration
	tuneInterval     time.Duration
	loadDecayFactor  float64
	balanceLoad      bool
	balancedKworkers bool

	prevAt         time.Time
	prevTotalCPU   cpustat.CpuStat
	taskLoads      map[int32]balancer.TaskLoad
	nrLBDataErrors uint64

	tuner     *tuner.Tuner
	tuneInput kernel.TuneInput

	// Kept from the last balancer tick for the report.
	lastDomLoads []float64
	lastImbal    []float64
}

// New probes the kernel, opens the BPF component, builds the topology,
// publishes the read-only configuration and attaches. On return the
// kernel side is dispatching.
func New(cfg Config, log *slog.Logger) (*Scheduler, error) {
	detail, err := kernel.Probe()
	if err != nil {
		return nil, err
	}
	log.Debug("kernel support", "detail", detail)

	k, err := kernel.Open()
	if err != nil {
		return nil, err
	}

	nrCPUs, err := kernel.NrPossibleCPUs()
	if err != nil {
		return nil, err
	}

	var top *topology.Topology
	if len(cfg.Cpumasks) > 0 {
		top, err = topology.FromCpumasks(cfg.Cpumasks, nrCPUs)
	} else {
		var nrOffline int
		top, nrOffline, err = topology.FromCacheLevel(cfg.CacheLevel, nrCPUs)
		if err == nil {
			log.Info(fmt.Sprintf("CPUs: online/possible = %d/%d", nrCPUs-nrOffline, nrCPUs))
		}
	}
	if err != nil {
		return nil, err
	}

	rc := &kernel.RunConfig{
		NrDoms:          uint32(top.NrDoms),
		NrCPUs:          uint32(top.NrCPUs),
		SliceNs:         cfg.SliceUs * 1000,
		GreedyThreshold: cfg.GreedyThreshold,
		KthreadsLocal:   cfg.KthreadsLocal,
		FifoSched:       cfg.FifoSched,
		SwitchPartial:   cfg.Partial,
	}
	for cpu, dom := range top.CPUDom {
		if dom == topology.NoDom {
			dom = 0
		}
		rc.CPUDomIDMap[cpu] = uint32(dom)
	}
	for dom, cpus := range top.DomCPUs {
		copy(rc.DomCpumasks[dom][:], cpus.Words())
		log.Info(fmt.Sprintf("DOM[%02d] cpumask%s (%d cpus)",
			dom, cpumask.FormatWords(cpus.Words(), nrCPUs), cpus.Count()))
	}

	if err := k.Load(rc, cfg.Verbose > 0); err != nil {
		return nil, err
	}
	if err := k.Attach(); err != nil {
		k.Detach()
		return nil, err
	}
	log.Info("scheduler attached")

	ps, err := cpustat.Read()
	if err != nil {
		k.Detach()
		return nil, err
	}

	tn, err := tuner.New(top, cfg.DirectGreedyUnder, cfg.KickGreedyUnder)
	if err != nil {
		k.Detach()
		return nil, err
	}

	decay := cfg.LoadDecayFactor
	if decay < 0 {
		decay = 0
	}
	if decay > 0.99 {
		decay = 0.99
	}

	return &Scheduler{
		k:   k,
		top: top,
		log: log,

		schedInterval:    cfg.Interval,
		tuneInterval:     cfg.TuneInterval,
		loadDecayFactor:  decay,
		balanceLoad:      !cfg.NoLoadBalance,
		balancedKworkers: cfg.BalancedKworkers,

		prevAt:       time.Now(),
		prevTotalCPU: ps.Total,
		taskLoads:    make(map[int32]balancer.TaskLoad),

		tuner: tn,

		lastDomLoads: make([]float64, top.NrDoms),
		lastImbal:    make([]float64, top.NrDoms),
	}, nil
}

// Run drives both cadences until ctx is cancelled or the kernel side
// reports an exit. The kernel component is detached before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.k.Detach()

	now := time.Now()
	nextTuneAt := now.Add(s.tuneInterval)
	nextSchedAt := now.Add(s.schedInterval)

	for ctx.Err() == nil {
		et, err := s.k.ReadExitType()
		if err != nil {
			return err
		}
		if et != kernel.ExitNone {
			break
		}

		now = time.Now()

		if !now.Before(nextTuneAt) {
			if err := s.tuneStep(); err != nil {
				return err
			}
			nextTuneAt = advanceDeadline(nextTuneAt, now, s.tuneInterval)
		}

		if !now.Before(nextSchedAt) {
			if err := s.lbStep(); err != nil {
				return err
			}
			nextSchedAt = advanceDeadline(nextSchedAt, now, s.schedInterval)
		}

		next := nextTuneAt
		if nextSchedAt.Before(next) {
			next = nextSchedAt
		}
		if err := sleepUntil(ctx, next); err != nil {
			break
		}
	}

	return s.reportExit()
}

// advanceDeadline moves a fired deadline forward by its interval. When
// the tick ran late enough that the advanced deadline is already in the
// past, the missed firings are skipped rather than replayed.
func advanceDeadline(next, now time.Time, interval time.Duration) time.Time {
	next = next.Add(interval)
	if next.Before(now) {
		next = now.Add(interval)
	}
	return next
}

func sleepUntil(ctx context.Context, deadline time.Time) error {
	d := time.Until(deadline)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Scheduler) tuneStep() error {
	if err := s.tuner.Step(&s.tuneInput); err != nil {
		return err
	}
	return s.k.PublishTuneInput(&s.tuneInput)
}

func (s *Scheduler) getCPUBusy() (float64, error) {
	ps, err := cpustat.Read()
	if err != nil {
		return 0, err
	}
	busy := ps.Total.CalcUtil(s.prevTotalCPU)
	s.prevTotalCPU = ps.Total
	return busy, nil
}

func (s *Scheduler) lbStep() error {
	started := time.Now()

	stats, err := s.k.Stats().CollectAndZero()
	if err != nil {
		return err
	}
	cpuBusy, err := s.getCPUBusy()
	if err != nil {
		return err
	}

	lb := balancer.New(
		s.k.TaskData(), s.k.LBData(), s.top,
		s.taskLoads, s.loadDecayFactor, s.balancedKworkers,
		&s.nrLBDataErrors, s.log,
	)

	if err := lb.ReadTaskLoads(started.Sub(s.prevAt)); err != nil {
		return err
	}
	lb.CalculateDomLoadBalance()
	if s.balanceLoad {
		if err := lb.LoadBalance(); err != nil {
			return err
		}
	}

	s.lastDomLoads = lb.DomLoads
	s.lastImbal = lb.Imbal
	s.report(stats, cpuBusy, time.Since(started), lb.LoadAvg)

	s.prevAt = started
	return nil
}

func (s *Scheduler) reportExit() error {
	et, err := s.k.ReadExitType()
	if err != nil {
		return err
	}
	switch et {
	case kernel.ExitNone:
		return nil
	case kernel.ExitError:
		msg, err := s.k.ReadExitMsg()
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: exit_type=%d msg=%s", kernel.ErrExit, et, msg)
	default:
		s.log.Info("kernel side exited", "exit_type", et)
		return nil
	}
}
