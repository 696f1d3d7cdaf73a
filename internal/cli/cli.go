// ============================================================================
// flowtime-anneal CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra framework
//
// Command Structure:
//   anneal                         # Root command
//   ├── run                        # Search a schedule for an instance
//   │   └── --input, -i            # Instance file
//   ├── worker                     # Serve searches to a remote orchestrator
//   ├── generate                   # Write a random instance
//   ├── compare                    # Compare cooling laws or worker counts on one instance
//   │   └── --mode laws|parallel   # parallel: single engine vs --workers sweep
//   ├── inspect                    # Show a saved result file
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   ├── --log-level                # debug, info, warn, error
//   └── --version                  # Display version information
//
// Configuration Management:
//   Uses YAML format config file (default: configs/default.yaml)
//   A missing default file falls back to built-in defaults.
//   Command flags override the file when explicitly set.
//   Configuration items include:
//   - search: workers, round patience, timeout, failure policy, seed
//   - anneal: cooling law, initial temperature, inner steps, patience
//   - metrics: Prometheus monitoring configuration
//   - output: result file path, improvement journal
//   - log: log level
//
// run Command:
//   1. Load config file and instance
//   2. Create Executor (local engines or --remote gRPC search workers)
//   3. Start Metrics HTTP server (if enabled)
//   4. Run the Controller until round patience is exhausted
//   5. Print the best total flow time, optionally the schedule
//   6. Save the result file (if configured)
//
//   Examples:
//     ./anneal run -i input.csv
//     ./anneal run -i input.csv --workers 8 --law boltzmann --schedule
//     ./anneal run -i input.csv --remote 10.0.0.2:50051,10.0.0.3:50051
//
// Signal Handling:
//   run and worker capture SIGINT/SIGTERM. run stops after cancelling the
//   current round and still reports and saves the best solution found.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/flowtime-anneal/internal/controller"
	"github.com/ChuLiYu/flowtime-anneal/internal/instance"
	"github.com/ChuLiYu/flowtime-anneal/internal/metrics"
	"github.com/ChuLiYu/flowtime-anneal/internal/server"
	"github.com/ChuLiYu/flowtime-anneal/internal/snapshot"
	"github.com/ChuLiYu/flowtime-anneal/internal/storage/journal"
	"github.com/ChuLiYu/flowtime-anneal/internal/worker"
	"github.com/ChuLiYu/flowtime-anneal/pkg/types"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

var (
	configFile string
	logLevel   string
)

// BuildCLI returns the root command with all subcommands attached.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "anneal",
		Short: "flowtime-anneal: parallel simulated annealing for total flow time scheduling",
		Long: `flowtime-anneal assigns tasks to identical processors minimizing total flow time.
- Simulated annealing with Boltzmann, Cauchy or mixed cooling
- Rounds of concurrent searches restarted from the global best
- Remote search workers over gRPC
- Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", DefaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildGenerateCommand())
	rootCmd.AddCommand(buildCompareCommand())
	rootCmd.AddCommand(buildInspectCommand())

	return rootCmd
}

// setup loads the config and builds the logger shared by all commands
func setup(cmd *cobra.Command) (*Config, *slog.Logger, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// ============================================================================
// run
// ============================================================================

type runOptions struct {
	input        string
	showSchedule bool
}

func buildRunCommand() *cobra.Command {
	var opts runOptions
	var (
		workers       int
		roundPatience int
		maxRounds     int
		law           string
		seed          int64
		remote        []string
		out           string
		dropFailed    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a parallel annealing search on an instance",
		Long:  "Load an instance, run rounds of concurrent annealing searches and report the best schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("workers") {
				cfg.Search.Workers = workers
			}
			if flags.Changed("round-patience") {
				cfg.Search.RoundPatience = roundPatience
			}
			if flags.Changed("max-rounds") {
				cfg.Search.MaxRounds = maxRounds
			}
			if flags.Changed("law") {
				cfg.Anneal.Law = law
			}
			if flags.Changed("seed") {
				cfg.Search.Seed = seed
			}
			if flags.Changed("remote") {
				cfg.Search.Remote = remote
			}
			if flags.Changed("out") {
				cfg.Output.ResultPath = out
			}
			if flags.Changed("drop-failed") {
				cfg.Search.DropFailedWorkers = dropFailed
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			_, err = runSearch(ctx, cfg, opts, cmd.OutOrStdout(), logger)
			return err
		},
	}

	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "instance file (k followed by task durations)")
	cmd.Flags().BoolVar(&opts.showSchedule, "schedule", false, "print the best schedule")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "concurrent searches per round")
	cmd.Flags().IntVar(&roundPatience, "round-patience", 0, "rounds without improvement before stopping")
	cmd.Flags().IntVar(&maxRounds, "max-rounds", 0, "maximum number of rounds (0 = unlimited)")
	cmd.Flags().StringVar(&law, "law", "", "cooling law: boltzmann, cauchy or mixed")
	cmd.Flags().Int64Var(&seed, "seed", 0, "master random seed (0 = time based)")
	cmd.Flags().StringSliceVar(&remote, "remote", nil, "search worker addresses (host:port)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the result file to this path")
	cmd.Flags().BoolVar(&dropFailed, "drop-failed", false, "discard failed workers instead of aborting")
	cmd.MarkFlagRequired("input")

	return cmd
}

// runSearch runs the whole search pipeline and prints the outcome to out
func runSearch(ctx context.Context, cfg *Config, opts runOptions, out io.Writer, logger *slog.Logger) (controller.Summary, error) {
	inst, err := instance.Load(opts.input)
	if err != nil {
		return controller.Summary{}, fmt.Errorf("failed to load instance: %w", err)
	}

	exec, closeExec, err := newExecutor(cfg, inst, logger)
	if err != nil {
		return controller.Summary{}, err
	}
	defer closeExec()

	ctrlCfg := cfg.controllerConfig()
	ctrlCfg.Logger = logger
	if cfg.Metrics.Enabled {
		ctrlCfg.Metrics = metrics.NewCollector()
		go func() {
			logger.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				logger.Error("Metrics server error", "error", err)
			}
		}()
	}

	if cfg.Output.JournalPath != "" {
		jr, err := openJournal(cfg.Output.JournalPath)
		if err != nil {
			return controller.Summary{}, fmt.Errorf("failed to open journal: %w", err)
		}
		defer jr.Close()
		ctrlCfg.OnImprove = func(ev controller.Event) {
			if _, err := jr.Append(ev.Round, ev.Metric, ev.Previous); err != nil {
				logger.Warn("Failed to append journal entry", "round", ev.Round, "error", err)
			}
		}
	}

	ctrl, err := controller.NewController(inst, exec, ctrlCfg)
	if err != nil {
		return controller.Summary{}, fmt.Errorf("failed to create controller: %w", err)
	}

	sum, err := ctrl.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return sum, err
	}
	if err != nil {
		logger.Warn("Search interrupted, reporting best solution so far", "rounds", sum.Rounds)
	}

	printSummary(out, sum, cfg.Anneal.Law)
	if opts.showSchedule {
		if err := printSchedule(out, sum.Best); err != nil {
			return sum, err
		}
	}

	if cfg.Output.ResultPath != "" {
		rec := snapshot.NewRecord(sum.Best, inst.Durations, cfg.Anneal.Law, cfg.Search.Workers, sum.Rounds, sum.Duration)
		mgr := snapshot.NewManager(cfg.Output.ResultPath)
		if cfg.Output.KeepBackups > 0 {
			err = mgr.WriteWithBackup(rec, cfg.Output.KeepBackups)
		} else {
			err = mgr.Write(rec)
		}
		if err != nil {
			return sum, fmt.Errorf("failed to save result: %w", err)
		}
		logger.Info("Result saved", "path", cfg.Output.ResultPath)
	}
	return sum, nil
}

// openJournal starts a fresh journal, keeping a previous one as a backup
func openJournal(path string) (*journal.Journal, error) {
	jr, err := journal.Open(path, true)
	if err != nil {
		return nil, err
	}
	if jr.LastSeq() > 0 {
		if err := jr.Rotate(); err != nil {
			_ = jr.Close()
			return nil, err
		}
	}
	return jr, nil
}

// newExecutor picks local engines or remote search workers
func newExecutor(cfg *Config, inst *types.Instance, logger *slog.Logger) (worker.Executor, func(), error) {
	if len(cfg.Search.Remote) == 0 {
		engineCfg, err := cfg.Anneal.Config()
		if err != nil {
			return nil, nil, err
		}
		engineCfg.Logger = logger
		exec, err := worker.NewLocalExecutor(inst, engineCfg)
		if err != nil {
			return nil, nil, err
		}
		return exec, func() {}, nil
	}

	conns, err := worker.Dial(cfg.Search.Remote)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to search workers: %w", err)
	}
	closeAll := func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}
	ifaces := make([]grpc.ClientConnInterface, len(conns))
	for i, c := range conns {
		ifaces[i] = c
	}
	exec, err := worker.NewGrpcExecutor(inst, cfg.Anneal, ifaces...)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	logger.Info("Using remote search workers", "addrs", cfg.Search.Remote)
	return exec, closeAll, nil
}

// ============================================================================
// worker
// ============================================================================

func buildWorkerCommand() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a gRPC search worker node",
		Long:  "Serve annealing searches to remote orchestrators started with 'anneal run --remote'",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := setup(cmd)
			if err != nil {
				return err
			}

			lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
			if err != nil {
				return fmt.Errorf("failed to listen on port %d: %w", port, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return server.NewServer(logger).Serve(ctx, lis)
		},
	}

	cmd.Flags().IntVar(&port, "port", 50051, "port to listen on")
	return cmd
}

// ============================================================================
// generate
// ============================================================================

func buildGenerateCommand() *cobra.Command {
	var (
		k, n, lo, hi int
		seed         int64
		output       string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a random instance",
		Long:  "Write an instance with n task durations drawn uniformly from [min, max]",
		RunE: func(cmd *cobra.Command, args []string) error {
			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			inst, err := instance.Generate(k, n, lo, hi, rand.New(rand.NewSource(seed)))
			if err != nil {
				return err
			}
			if output == "" {
				return instance.Write(cmd.OutOrStdout(), inst)
			}
			if err := instance.Save(output, inst); err != nil {
				return fmt.Errorf("failed to write instance: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d tasks for %d processors to %s\n", n, k, output)
			return nil
		},
	}

	cmd.Flags().IntVarP(&k, "processors", "k", 20, "number of processors")
	cmd.Flags().IntVarP(&n, "tasks", "n", 1000, "number of tasks")
	cmd.Flags().IntVar(&lo, "min", 10, "minimum task duration")
	cmd.Flags().IntVar(&hi, "max", 100, "maximum task duration")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed (0 = time based)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

// ============================================================================
// inspect
// ============================================================================

func buildInspectCommand() *cobra.Command {
	var journalPath string

	cmd := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Show a saved result file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if err := inspectResult(args[0], out); err != nil {
				return err
			}
			if journalPath == "" {
				return nil
			}
			entries, err := journal.ReadAll(journalPath)
			if err != nil {
				return fmt.Errorf("failed to read journal: %w", err)
			}
			return printJournal(out, entries)
		},
	}

	cmd.Flags().StringVarP(&journalPath, "journal", "j", "", "also print the improvement journal")
	return cmd
}

func inspectResult(path string, out io.Writer) error {
	rec, err := snapshot.NewManager(path).Load()
	if err != nil {
		return err
	}
	sol, err := snapshot.Solution(rec)
	if err != nil {
		return err
	}

	printRecord(out, rec)
	return printSchedule(out, sol)
}
