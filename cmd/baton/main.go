//go:build linux

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/baton-sched/baton/pkg/balancer"
	"github.com/baton-sched/baton/pkg/sched"
)

type opts struct {
	sliceUs           uint64
	interval          float64
	tuneInterval      float64
	cacheLevel        uint32
	cpumasks          []string
	greedyThreshold   uint32
	loadDecayFactor   float64
	noLoadBalance     bool
	kthreadsLocal     bool
	balancedKworkers  bool
	fifoSched         bool
	directGreedyUnder float64
	kickGreedyUnder   float64
	partial           bool
	verbose           int
}

func main() {
	var o opts

	root := &cobra.Command{
		Use:   "baton",
		Short: "Multi-domain hybrid kernel/userspace CPU scheduler",
		Long: `Baton is a multi-domain hybrid scheduler: the kernel half does simple
round robin within each domain while baton computes each domain's load
factor and tells the kernel half how to balance the domains and which
idle CPUs may take remote work.

All domains are assumed to have equal processing power and to sit at
similar distances from each other.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, o)
		},
	}

	root.Flags().Uint64VarP(&o.sliceUs, "slice", "s", 20000, "scheduling slice duration in microseconds")
	root.Flags().Float64VarP(&o.interval, "interval", "i", 2.0, "monitoring and load balance interval in seconds")
	root.Flags().Float64VarP(&o.tuneInterval, "tune-interval", "I", 0.1, "tuning interval in seconds")
	root.Flags().Uint32VarP(&o.cacheLevel, "cache-level", "c", 3, "group CPUs into domains by how they share this cache level")
	root.Flags().StringArrayVarP(&o.cpumasks, "cpumasks", "C", nil,
		"hex cpumask for each domain, repeatable (e.g. -C 0xff_00ff -C 0xff00); each CPU must belong to precisely one domain")
	root.Flags().Uint32VarP(&o.greedyThreshold, "greedy-threshold", "g", 1,
		"enable greedy task stealing from domains with at least this many queued tasks; 0 disables")
	root.Flags().Float64Var(&o.loadDecayFactor, "load-decay-factor", 0.5,
		"per-interval load decay factor in [0.0, 0.99]; 0 uses the latest period directly")
	root.Flags().BoolVar(&o.noLoadBalance, "no-load-balance", false, "disable load balancing")
	root.Flags().BoolVarP(&o.kthreadsLocal, "kthreads-local", "k", false, "put per-cpu kthreads directly into local dsqs")
	root.Flags().BoolVarP(&o.balancedKworkers, "balanced-kworkers", "b", false,
		"exclude kworkers from load balancing (recent kernels balance them across cache domains themselves)")
	root.Flags().BoolVarP(&o.fifoSched, "fifo-sched", "f", false, "use FIFO scheduling instead of weighted vtime scheduling")
	root.Flags().Float64VarP(&o.directGreedyUnder, "direct-greedy-under", "D", 90.0,
		"idle CPUs under this utilization % get remote tasks pushed directly; 0 disables, 100 always")
	root.Flags().Float64VarP(&o.kickGreedyUnder, "kick-greedy-under", "K", 100.0,
		"idle CPUs under this utilization % may get kicked to accelerate stealing; 0 disables, 100 always")
	root.Flags().BoolVarP(&o.partial, "partial", "p", false, "only switch tasks that opted into sched_ext")
	root.Flags().CountVarP(&o.verbose, "verbose", "v", "raise log verbosity; repeat for more")

	root.MarkFlagsMutuallyExclusive("cache-level", "cpumasks")

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func newLogger(verbose int) *slog.Logger {
	lvl := slog.LevelInfo
	switch {
	case verbose == 1:
		lvl = slog.LevelDebug
	case verbose > 1:
		lvl = balancer.LevelTrace
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(cmd *cobra.Command, o opts) error {
	if o.interval <= 0 {
		return fmt.Errorf("interval must be > 0")
	}
	if o.tuneInterval <= 0 {
		return fmt.Errorf("tune-interval must be > 0")
	}
	if o.loadDecayFactor < 0 || o.loadDecayFactor > 0.99 {
		return fmt.Errorf("load-decay-factor must be in [0.0, 0.99]")
	}
	if o.directGreedyUnder < 0 || o.directGreedyUnder > 100 ||
		o.kickGreedyUnder < 0 || o.kickGreedyUnder > 100 {
		return fmt.Errorf("greedy-under thresholds must be in [0, 100]")
	}

	log := newLogger(o.verbose)
	slog.SetDefault(log)

	s, err := sched.New(sched.Config{
		SliceUs:           o.sliceUs,
		Interval:          time.Duration(o.interval * float64(time.Second)),
		TuneInterval:      time.Duration(o.tuneInterval * float64(time.Second)),
		CacheLevel:        o.cacheLevel,
		Cpumasks:          o.cpumasks,
		GreedyThreshold:   o.greedyThreshold,
		LoadDecayFactor:   o.loadDecayFactor,
		NoLoadBalance:     o.noLoadBalance,
		KthreadsLocal:     o.kthreadsLocal,
		BalancedKworkers:  o.balancedKworkers,
		FifoSched:         o.fifoSched,
		Partial:           o.partial,
		DirectGreedyUnder: o.directGreedyUnder,
		KickGreedyUnder:   o.kickGreedyUnder,
		Verbose:           o.verbose,
	}, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Run(ctx); err != nil {
		return err
	}
	log.Info("exiting")
	return nil
}
