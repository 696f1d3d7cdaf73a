package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/flowtime-anneal/internal/anneal"
	"github.com/ChuLiYu/flowtime-anneal/internal/controller"
	"github.com/ChuLiYu/flowtime-anneal/internal/cooling"
	"github.com/ChuLiYu/flowtime-anneal/internal/instance"
	"github.com/ChuLiYu/flowtime-anneal/internal/schedule"
	"github.com/ChuLiYu/flowtime-anneal/internal/worker"
	"github.com/ChuLiYu/flowtime-anneal/pkg/types"
	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// 比較模式
const (
	compareModeLaws     = "laws"     // 單一引擎，逐一比較降溫法則
	compareModeParallel = "parallel" // 單一引擎對比多輪並行搜尋
)

type compareOptions struct {
	mode     string
	input    string
	runs     int
	parallel int
	workers  []int
	seed     int64
	quiet    bool
}

func buildCompareCommand() *cobra.Command {
	var opts compareOptions

	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare cooling laws or worker counts on one instance",
		Long: `Run every search several times and report best and mean flow time.

  --mode laws      one annealing engine per cooling law
  --mode parallel  one engine against the round-based search for each --workers count`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			inst, err := instance.Load(opts.input)
			if err != nil {
				return fmt.Errorf("failed to load instance: %w", err)
			}
			if opts.seed == 0 {
				opts.seed = time.Now().UnixNano()
			}

			var progress io.Writer
			if !opts.quiet {
				progress = cmd.ErrOrStderr()
			}

			switch opts.mode {
			case compareModeLaws:
				stats, err := compareLaws(cmd.Context(), inst, cfg.Anneal, opts, progress)
				if err != nil {
					return err
				}
				return printComparison(cmd.OutOrStdout(), stats)
			case compareModeParallel:
				base := cfg.controllerConfig()
				base.Logger = logger
				single, sweep, err := compareParallel(cmd.Context(), inst, cfg.Anneal, base, opts, progress)
				if err != nil {
					return err
				}
				return printParallelComparison(cmd.OutOrStdout(), single, sweep)
			default:
				return fmt.Errorf("unknown compare mode %q (want %s or %s)", opts.mode, compareModeLaws, compareModeParallel)
			}
		},
	}

	cmd.Flags().StringVar(&opts.mode, "mode", compareModeLaws, "what to compare: laws or parallel")
	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "instance file")
	cmd.Flags().IntVar(&opts.runs, "runs", 3, "runs per cooling law or worker count")
	cmd.Flags().IntVar(&opts.parallel, "parallel", 1, "runs executed concurrently (laws mode)")
	cmd.Flags().IntSliceVar(&opts.workers, "workers", []int{1, 2, 4, 8}, "worker counts to sweep (parallel mode)")
	cmd.Flags().Int64Var(&opts.seed, "seed", 0, "base random seed (0 = time based)")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "hide the progress bar")
	cmd.MarkFlagRequired("input")
	return cmd
}

// runStats aggregates the runs of one cooling law or one worker count
type runStats struct {
	name       string
	workers    int // 0 = single engine
	best       int64
	metrics    []int64
	iterations []int
	durations  []time.Duration
}

func newRunStats(name string, workers int) *runStats {
	return &runStats{name: name, workers: workers, best: -1}
}

func (s *runStats) add(metric int64, iterations int, d time.Duration) {
	s.metrics = append(s.metrics, metric)
	s.iterations = append(s.iterations, iterations)
	s.durations = append(s.durations, d)
	if s.best < 0 || metric < s.best {
		s.best = metric
	}
}

func (s *runStats) mean() float64 {
	var sum int64
	for _, m := range s.metrics {
		sum += m
	}
	return float64(sum) / float64(len(s.metrics))
}

func (s *runStats) meanIterations() float64 {
	var sum int
	for _, n := range s.iterations {
		sum += n
	}
	return float64(sum) / float64(len(s.iterations))
}

func (s *runStats) meanDuration() time.Duration {
	var sum time.Duration
	for _, d := range s.durations {
		sum += d
	}
	return sum / time.Duration(len(s.durations))
}

// compareLaws runs opts.runs engines per law. Run i of every law uses the
// same seed so the laws see the same random streams.
func compareLaws(ctx context.Context, inst *types.Instance, settings anneal.Settings, opts compareOptions, progress io.Writer) ([]*runStats, error) {
	if opts.runs <= 0 {
		return nil, fmt.Errorf("runs must be > 0 (got %d)", opts.runs)
	}
	if opts.parallel <= 0 {
		opts.parallel = 1
	}
	start, err := schedule.FromInstance(inst)
	if err != nil {
		return nil, err
	}

	laws := cooling.Names()
	stats := make([]*runStats, len(laws))
	for i, name := range laws {
		stats[i] = newRunStats(name, 0)
	}

	bar := newProgressBar(progress, len(laws)*opts.runs)

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.parallel)
	for i, name := range laws {
		st := stats[i]
		s := settings
		s.Law = name
		cfg, err := s.Config()
		if err != nil {
			return nil, err
		}

		for run := 0; run < opts.runs; run++ {
			seed := opts.seed + int64(run)
			g.Go(func() error {
				engine, err := anneal.New(cfg, start, rand.New(rand.NewSource(seed)))
				if err != nil {
					return err
				}
				res, err := engine.Run(ctx)
				if err != nil {
					return fmt.Errorf("%s run with seed %d: %w", st.name, seed, err)
				}

				mu.Lock()
				st.add(res.BestMetric, res.Iterations, res.Duration)
				if bar != nil {
					_ = bar.Add(1)
				}
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return stats, nil
}

func newProgressBar(w io.Writer, total int) *progressbar.ProgressBar {
	if w == nil {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("Annealing"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

// compareParallel runs one engine opts.runs times, then the round-based
// search opts.runs times per worker count. Runs are sequential so the
// measured times do not compete for cores. Run i of every configuration
// uses seed opts.seed+i.
func compareParallel(ctx context.Context, inst *types.Instance, settings anneal.Settings, base controller.Config, opts compareOptions, progress io.Writer) (*runStats, []*runStats, error) {
	if opts.runs <= 0 {
		return nil, nil, fmt.Errorf("runs must be > 0 (got %d)", opts.runs)
	}
	if len(opts.workers) == 0 {
		return nil, nil, fmt.Errorf("no worker counts to compare")
	}
	for _, n := range opts.workers {
		if n <= 0 {
			return nil, nil, fmt.Errorf("worker count must be > 0 (got %d)", n)
		}
	}
	engineCfg, err := settings.Config()
	if err != nil {
		return nil, nil, err
	}
	start, err := schedule.FromInstance(inst)
	if err != nil {
		return nil, nil, err
	}
	exec, err := worker.NewLocalExecutor(inst, engineCfg)
	if err != nil {
		return nil, nil, err
	}
	if base.Logger == nil {
		base.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	// 比較時不輸出指標也不回呼
	base.Metrics = nil
	base.OnImprove = nil

	bar := newProgressBar(progress, opts.runs*(1+len(opts.workers)))
	tick := func() {
		if bar != nil {
			_ = bar.Add(1)
		}
	}

	single := newRunStats("single", 0)
	for run := 0; run < opts.runs; run++ {
		seed := opts.seed + int64(run)
		engine, err := anneal.New(engineCfg, start, rand.New(rand.NewSource(seed)))
		if err != nil {
			return nil, nil, err
		}
		res, err := engine.Run(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("single run with seed %d: %w", seed, err)
		}
		single.add(res.BestMetric, res.Iterations, res.Duration)
		tick()
	}

	sweep := make([]*runStats, 0, len(opts.workers))
	for _, n := range opts.workers {
		st := newRunStats("parallel", n)
		for run := 0; run < opts.runs; run++ {
			cfg := base
			cfg.WorkerCount = n
			cfg.Seed = opts.seed + int64(run)
			ctrl, err := controller.NewController(inst, exec, cfg)
			if err != nil {
				return nil, nil, err
			}
			sum, err := ctrl.Run(ctx)
			if err != nil {
				return nil, nil, fmt.Errorf("%d workers, seed %d: %w", n, cfg.Seed, err)
			}
			st.add(sum.Metric, sum.Iterations, sum.Duration)
			tick()
		}
		sweep = append(sweep, st)
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return single, sweep, nil
}

// percentChange returns (to-from)/from in percent, 0 when from is 0
func percentChange(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	return (to - from) / from * 100
}

// printParallelComparison prints the single engine row followed by one row
// per worker count. Both change columns are relative to the single engine,
// negative flow time change means a better schedule.
func printParallelComparison(w io.Writer, single *runStats, sweep []*runStats) error {
	fastest := 0
	for i, s := range sweep {
		if s.meanDuration() < sweep[fastest].meanDuration() {
			fastest = i
		}
	}
	baseTime := float64(single.meanDuration())
	baseLoss := single.mean()

	table := tablewriter.NewWriter(w)
	table.Header("Mode", "Workers", "Runs", "Best", "Mean", "Mean time", "Time change", "Flow time change")
	_ = table.Append(
		single.name,
		"-",
		strconv.Itoa(len(single.metrics)),
		strconv.FormatInt(single.best, 10),
		fmt.Sprintf("%.2f", baseLoss),
		single.meanDuration().Round(time.Millisecond).String(),
		"-",
		"-",
	)
	for i, s := range sweep {
		workers := strconv.Itoa(s.workers)
		if i == fastest {
			workers = green.Sprint(s.workers)
		}
		_ = table.Append(
			s.name,
			workers,
			strconv.Itoa(len(s.metrics)),
			strconv.FormatInt(s.best, 10),
			fmt.Sprintf("%.2f", s.mean()),
			s.meanDuration().Round(time.Millisecond).String(),
			fmt.Sprintf("%+.1f%%", percentChange(baseTime, float64(s.meanDuration()))),
			fmt.Sprintf("%+.1f%%", percentChange(baseLoss, s.mean())),
		)
	}
	if err := table.Render(); err != nil {
		return err
	}
	if len(sweep) > 0 {
		cyan.Fprintf(w, "fastest worker count: %d\n", sweep[fastest].workers)
	}
	return nil
}

func printComparison(w io.Writer, stats []*runStats) error {
	winner := 0
	for i, s := range stats {
		if s.mean() < stats[winner].mean() {
			winner = i
		}
	}

	table := tablewriter.NewWriter(w)
	table.Header("Law", "Runs", "Best", "Mean", "Mean iterations", "Mean time")
	for i, s := range stats {
		name := s.name
		if i == winner {
			name = green.Sprint(s.name)
		}
		_ = table.Append(
			name,
			strconv.Itoa(len(s.metrics)),
			strconv.FormatInt(s.best, 10),
			fmt.Sprintf("%.2f", s.mean()),
			fmt.Sprintf("%.0f", s.meanIterations()),
			s.meanDuration().Round(time.Millisecond).String(),
		)
	}
	if err := table.Render(); err != nil {
		return err
	}
	cyan.Fprintf(w, "lowest mean flow time: %s\n", stats[winner].name)
	return nil
}
