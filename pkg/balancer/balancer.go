//go:build linux

// Package balancer tracks per-task load from the kernel's task
// contexts, detects load imbalance between scheduling domains and
// writes a migration plan back for the kernel side to execute.
package balancer

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"time"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/baton-sched/baton/pkg/kernel"
	"github.com/baton-sched/baton/pkg/topology"
)

// LevelTrace is one step below debug; per-pair planning decisions are
// logged there.
const LevelTrace = slog.LevelDebug - 4

const (
	// Domains within this ratio of the mean load are left alone.
	loadImbalHighRatio = 0.10

	// Aim to transfer this fraction of a pair's imbalance per pick.
	// Being gradual avoids oscillation; greedy execution bridges the
	// temporary gap while convergence catches up.
	loadImbalXferTargetRatio = 0.50

	// Safety cap on a domain's total outflow per round. The transfer
	// target above bounds each pick, not the sum; this bounds the sum so
	// one round cannot drain a domain.
	loadImbalPushMaxRatio = 0.50
)

// nowMonotonic is a package seam so tests can pin the clock.
var nowMonotonic = func() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		panic(err)
	}
	return uint64(ts.Sec)*1_000_000_000 + uint64(ts.Nsec)
}

// TaskLoad is the rolling per-task state kept between balancer ticks.
type TaskLoad struct {
	RunnableFor uint64 // last observed cumulative runnable ns
	Load        float64
}

// TaskInfo is the per-round view of one migratable task.
type TaskInfo struct {
	PID       int32
	DomMask   uint64
	Migrated  bool
	IsKworker bool
}

// taskEnt orders the by-load index. Ties break by pid so the order is
// total and reproducible; Migrated flips on the pointed-to TaskInfo and
// never reorders the tree.
type taskEnt struct {
	load float64
	task *TaskInfo
}

func taskEntLess(a, b taskEnt) bool {
	if a.load != b.load {
		return a.load < b.load
	}
	return a.task.PID < b.task.PID
}

// domEnt orders the push/pull sets by imbalance magnitude, dom id
// breaking ties.
type domEnt struct {
	imbal float64
	dom   uint32
}

func domEntLess(a, b domEnt) bool {
	if a.imbal != b.imbal {
		return a.imbal < b.imbal
	}
	return a.dom < b.dom
}

// LoadBalancer runs one balancing tick: read task loads, split domains
// into pushers and pullers, plan migrations, write them out. A fresh
// one is built per tick; only the task-load table survives between
// ticks.
type LoadBalancer struct {
	taskData        kernel.TaskData
	lbData          kernel.LBData
	top             *topology.Topology
	taskLoads       map[int32]TaskLoad
	loadDecayFactor float64
	skipKworkers    bool
	log             *slog.Logger

	tasksByLoad []*btree.BTreeG[taskEnt]
	domsToPush  *btree.BTreeG[domEnt]
	domsToPull  *btree.BTreeG[domEnt]

	// Per-tick outputs, consumed by the report.
	LoadAvg  float64
	DomLoads []float64
	Imbal    []float64

	nrLBDataErrors *uint64
}

// New builds a balancer for one tick. taskLoads is the caller-owned
// rolling table; nrLBDataErrors is the caller-owned error counter.
func New(
	taskData kernel.TaskData,
	lbData kernel.LBData,
	top *topology.Topology,
	taskLoads map[int32]TaskLoad,
	loadDecayFactor float64,
	skipKworkers bool,
	nrLBDataErrors *uint64,
	log *slog.Logger,
) *LoadBalancer {
	lb := &LoadBalancer{
		taskData:        taskData,
		lbData:          lbData,
		top:             top,
		taskLoads:       taskLoads,
		loadDecayFactor: loadDecayFactor,
		skipKworkers:    skipKworkers,
		log:             log,

		domsToPush: btree.NewG(8, domEntLess),
		domsToPull: btree.NewG(8, domEntLess),

		DomLoads: make([]float64, top.NrDoms),
		Imbal:    make([]float64, top.NrDoms),

		nrLBDataErrors: nrLBDataErrors,
	}
	for i := 0; i < top.NrDoms; i++ {
		lb.tasksByLoad = append(lb.tasksByLoad, btree.NewG(8, taskEntLess))
	}
	return lb
}

// ReadTaskLoads walks the kernel's task contexts, decays and refreshes
// every task's load over the elapsed period, rebuilds the rolling table
// to exactly the pids seen, and indexes migratable tasks by load.
func (lb *LoadBalancer) ReadTaskLoads(period time.Duration) error {
	periodNs := uint64(period.Nanoseconds())
	if periodNs == 0 {
		return fmt.Errorf("balancer: zero balancing period")
	}
	now := nowMonotonic()
	newLoads := make(map[int32]TaskLoad, len(lb.taskLoads))
	loadSum := 0.0

	err := lb.taskData.Each(func(pid int32, ctx *kernel.TaskCtx) error {
		if int(ctx.DomID) >= lb.top.NrDoms {
			return fmt.Errorf("balancer: pid %d reports domain %d of %d", pid, ctx.DomID, lb.top.NrDoms)
		}

		var (
			delta    uint64
			prevLoad float64
			hasPrev  bool
		)
		if prev, ok := lb.taskLoads[pid]; ok {
			delta = ctx.RunnableFor - prev.RunnableFor
			prevLoad, hasPrev = prev.Load, true
		} else {
			delta = ctx.RunnableFor
		}

		// A nonzero runnable_at means the task is runnable right now;
		// charge the in-flight time that runnable_for hasn't absorbed
		// yet. The two fields race against the kernel, but the clamp
		// below bounds any misaccounting to one period.
		if ctx.RunnableAt > 0 && ctx.RunnableAt < now {
			delta += now - ctx.RunnableAt
		}
		if delta > periodNs {
			delta = periodNs
		}

		weight := float64(ctx.Weight)
		load := weight * float64(delta) / float64(periodNs)
		if load < 0 {
			load = 0
		}
		if load > weight {
			load = weight
		}
		if hasPrev {
			load = prevLoad*lb.loadDecayFactor + load*(1-lb.loadDecayFactor)
		}
		if math.IsNaN(load) {
			return fmt.Errorf("balancer: NaN load for pid %d (weight=%d delta=%d)", pid, ctx.Weight, delta)
		}

		newLoads[pid] = TaskLoad{RunnableFor: ctx.RunnableFor, Load: load}
		loadSum += load
		lb.DomLoads[ctx.DomID] += load

		// Tasks pinned to their own domain can never migrate; keep them
		// out of the index.
		if ctx.DomMask == 1<<ctx.DomID {
			return nil
		}
		lb.tasksByLoad[ctx.DomID].ReplaceOrInsert(taskEnt{
			load: load,
			task: &TaskInfo{
				PID:       pid,
				DomMask:   ctx.DomMask,
				IsKworker: ctx.IsKworker != 0,
			},
		})
		return nil
	})
	if err != nil {
		return err
	}

	lb.LoadAvg = loadSum / float64(lb.top.NrDoms)

	// The table must hold exactly this tick's pids.
	clear(lb.taskLoads)
	maps.Copy(lb.taskLoads, newLoads)
	return nil
}

// CalculateDomLoadBalance splits domains into pushers and pullers by
// their distance from the mean load.
func (lb *LoadBalancer) CalculateDomLoadBalance() {
	for dom, domLoad := range lb.DomLoads {
		imbal := domLoad - lb.LoadAvg
		if math.Abs(imbal) < lb.LoadAvg*loadImbalHighRatio {
			continue
		}
		if imbal > 0 {
			lb.domsToPush.ReplaceOrInsert(domEnt{imbal: imbal, dom: uint32(dom)})
		} else {
			lb.domsToPull.ReplaceOrInsert(domEnt{imbal: -imbal, dom: uint32(dom)})
		}
		lb.Imbal[dom] = imbal
	}
}

// firstCandidate returns the first index entry at or below (descending)
// or at or above (ascending) pivot that may move to pullDom this tick.
func (lb *LoadBalancer) firstCandidate(pushDom, pullDom uint32, pivot float64, below bool) (taskEnt, bool) {
	var (
		found taskEnt
		ok    bool
	)
	visit := func(e taskEnt) bool {
		if e.task.Migrated ||
			e.task.DomMask&(1<<pullDom) == 0 ||
			(lb.skipKworkers && e.task.IsKworker) {
			return true
		}
		found, ok = e, true
		return false
	}
	tree := lb.tasksByLoad[pushDom]
	if below {
		tree.DescendLessOrEqual(taskEnt{load: pivot, task: &TaskInfo{PID: math.MaxInt32}}, visit)
	} else {
		tree.AscendGreaterOrEqual(taskEnt{load: pivot, task: &TaskInfo{PID: math.MinInt32}}, visit)
	}
	return found, ok
}

// pickVictim selects the task whose move from pushDom to pullDom brings
// the pair's remaining imbalance closest to balanced: the nearest
// eligible load on either side of the transfer target, keeping
// whichever minimizes the post-transfer imbalance. Returns false when
// no eligible task strictly improves the pair.
func (lb *LoadBalancer) pickVictim(pushDom uint32, toPush float64, pullDom uint32, toPull float64) (*TaskInfo, float64, bool) {
	toXfer := math.Min(toPush, toPull) * loadImbalXferTargetRatio

	lb.log.Log(context.Background(), LevelTrace, "considering pair",
		"push_dom", pushDom, "to_push", toPush, "pull_dom", pullDom, "to_pull", toPull, "to_xfer", toXfer)

	newImbal := func(xfer float64) float64 {
		return math.Abs(toPush-xfer) + math.Abs(toPull-xfer)
	}

	lo, loOK := lb.firstCandidate(pushDom, pullDom, toXfer, true)
	hi, hiOK := lb.firstCandidate(pushDom, pullDom, toXfer, false)

	var best taskEnt
	switch {
	case !loOK && !hiOK:
		return nil, 0, false
	case loOK && !hiOK:
		best = lo
	case !loOK && hiOK:
		best = hi
	default:
		if newImbal(lo.load) <= newImbal(hi.load) {
			best = lo
		} else {
			best = hi
		}
	}

	oldImbal := toPush + toPull
	ni := newImbal(best.load)
	if ni >= oldImbal {
		lb.log.Log(context.Background(), LevelTrace, "skipping pair, no improvement",
			"pid", best.task.PID, "push_dom", pushDom, "pull_dom", pullDom,
			"imbal", oldImbal, "would_be", ni)
		return nil, 0, false
	}

	lb.log.Log(context.Background(), LevelTrace, "migrating",
		"pid", best.task.PID, "push_dom", pushDom, "pull_dom", pullDom,
		"imbal", oldImbal, "new_imbal", ni)
	return best.task, best.load, true
}

// LoadBalance executes the plan: repeatedly drain the most overloaded
// pusher toward the most starved pullers, one migration per pass so the
// pull order re-ranks after every transfer, and write the selected
// moves into the kernel's migration table.
func (lb *LoadBalancer) LoadBalance() error {
	if err := lb.lbData.Clear(); err != nil {
		return err
	}

	for {
		pushEnt, ok := lb.domsToPush.Max()
		if !ok {
			break
		}
		lb.domsToPush.Delete(pushEnt)
		pushDom, toPush := pushEnt.dom, pushEnt.imbal

		pushMax := lb.DomLoads[pushDom] * loadImbalPushMaxRatio
		pushed := 0.0

		for {
			lastPushed := pushed

			// Snapshot pullers most-starved first; a successful pick
			// breaks out so the next pass re-ranks them.
			pulls := make([]domEnt, 0, lb.domsToPull.Len())
			lb.domsToPull.Descend(func(e domEnt) bool {
				pulls = append(pulls, e)
				return true
			})
			lb.domsToPull.Clear(false)

			for i := range pulls {
				task, load, ok := lb.pickVictim(pushDom, toPush, pulls[i].dom, pulls[i].imbal)
				if !ok {
					continue
				}
				task.Migrated = true
				toPush -= load
				pulls[i].imbal -= load
				pushed += load

				if err := lb.lbData.Add(task.PID, pulls[i].dom); err != nil {
					lb.log.Warn("failed to update lb_data map", "pid", task.PID, "err", err)
					*lb.nrLBDataErrors++
				}
				break
			}

			for _, e := range pulls {
				lb.domsToPull.ReplaceOrInsert(e)
			}

			if pushed == lastPushed || pushed >= pushMax {
				break
			}
		}
	}
	return nil
}
