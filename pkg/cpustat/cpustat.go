//go:build linux

// Package cpustat reads per-CPU time counters from /proc/stat and turns
// successive snapshots into utilization figures.
//
// Per-CPU rows come and go with CPU hot[un]plug, so the parser keeps
// them in a map keyed by CPU number and leaves it to consumers to skip
// CPUs missing from either snapshot.
package cpustat

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const statPath = "/proc/stat"

// CpuStat is one row of /proc/stat: eight monotonically nondecreasing
// jiffy counters for a single CPU or for the system total.
type CpuStat struct {
	User    uint64
	Nice    uint64
	System  uint64
	Idle    uint64
	Iowait  uint64
	Irq     uint64
	Softirq uint64
	Steal   uint64
}

// BusyTotal returns the busy and total jiffy counts for the row.
func (c CpuStat) BusyTotal() (busy, total uint64) {
	busy = c.User + c.Nice + c.System + c.Irq + c.Softirq + c.Steal
	return busy, busy + c.Idle + c.Iowait
}

// CalcUtil returns the utilization between prev and c, clamped to [0,1].
// When no time elapsed between the snapshots the result is defined as
// 1.0: a zero-width window carries no idle evidence, and reporting full
// busy keeps the tuner from flapping masks open on a stalled clock.
func (c CpuStat) CalcUtil(prev CpuStat) float64 {
	currBusy, currTotal := c.BusyTotal()
	prevBusy, prevTotal := prev.BusyTotal()
	total := currTotal - prevTotal
	if total == 0 {
		return 1.0
	}
	util := float64(currBusy-prevBusy) / float64(total)
	if util < 0 {
		return 0
	}
	if util > 1 {
		return 1
	}
	return util
}

// ProcStat is one snapshot of /proc/stat: the aggregate row plus every
// per-CPU row present at read time.
type ProcStat struct {
	Total CpuStat
	CPUs  map[int]CpuStat
}

// Read snapshots /proc/stat.
func Read() (*ProcStat, error) {
	f, err := os.Open(statPath)
	if err != nil {
		return nil, fmt.Errorf("cpustat: %w", err)
	}
	defer f.Close()
	return parse(f)
}

func parse(r io.Reader) (*ProcStat, error) {
	ps := &ProcStat{CPUs: make(map[int]CpuStat)}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fs := strings.Fields(sc.Text())
		if len(fs) == 0 || !strings.HasPrefix(fs[0], "cpu") {
			// cpu rows lead the file; the first non-cpu key ends them
			break
		}
		if len(fs) < 9 {
			return nil, fmt.Errorf("%w: %q", ErrShortLine, sc.Text())
		}

		var row CpuStat
		for i, dst := range []*uint64{
			&row.User, &row.Nice, &row.System, &row.Idle,
			&row.Iowait, &row.Irq, &row.Softirq, &row.Steal,
		} {
			v, err := strconv.ParseUint(fs[i+1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: field %q: %v", ErrBadCounter, fs[i+1], err)
			}
			*dst = v
		}

		if fs[0] == "cpu" {
			ps.Total = row
			continue
		}
		n, err := strconv.Atoi(fs[0][3:])
		if err != nil {
			return nil, fmt.Errorf("%w: key %q", ErrBadCounter, fs[0])
		}
		ps.CPUs[n] = row
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("cpustat: %w", err)
	}
	return ps, nil
}
