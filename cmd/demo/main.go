package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/flowtime-anneal/internal/anneal"
	"github.com/ChuLiYu/flowtime-anneal/internal/controller"
	"github.com/ChuLiYu/flowtime-anneal/internal/cooling"
	"github.com/ChuLiYu/flowtime-anneal/internal/schedule"
	"github.com/ChuLiYu/flowtime-anneal/internal/worker"
	"github.com/ChuLiYu/flowtime-anneal/pkg/types"
	"gopkg.in/yaml.v3"
)

// builtinDurations is a 128 task benchmark for 10 processors.
var builtinDurations = []int{
	53, 95, 68, 81, 70, 84, 78, 51, 88, 83, 89, 66, 64, 74, 78, 92,
	51, 59, 62, 89, 60, 66, 84, 93, 98, 78, 52, 99, 93, 63, 76, 71,
	53, 59, 65, 94, 59, 55, 93, 54, 57, 68, 64, 70, 71, 93, 88, 71,
	50, 81, 59, 99, 56, 72, 62, 61, 76, 52, 57, 67, 57, 81, 55, 60,
	64, 94, 67, 80, 56, 98, 60, 87, 81, 84, 53, 75, 65, 87, 54, 89,
	64, 69, 63, 91, 67, 56, 72, 75, 72, 52, 51, 61, 70, 65, 73, 65,
	93, 93, 97, 74, 61, 62, 58, 84, 98, 76, 76, 85, 81, 84, 75, 87,
	87, 63, 67, 84, 77, 64, 83, 75, 83, 85, 66, 57, 84, 73, 98, 62,
}

const builtinProcessors = 10

type Config struct {
	Search struct {
		Workers       int `yaml:"workers"`
		RoundPatience int `yaml:"round_patience"`
	} `yaml:"search"`
	Anneal anneal.Settings `yaml:"anneal"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <single|parallel>")
		os.Exit(1)
	}

	mode := os.Args[1]
	cfg, err := loadConfig("configs/default.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	// 示範固定使用 Cauchy 降溫
	cfg.Anneal.Law = cooling.NameCauchy

	inst, err := types.NewInstance(builtinProcessors, builtinDurations)
	if err != nil {
		log.Fatalf("Invalid instance: %v", err)
	}
	engineCfg, err := cfg.Anneal.Config()
	if err != nil {
		log.Fatalf("Invalid anneal settings: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("✓ Instance loaded: %d tasks on %d processors (law: %s)\n",
		len(builtinDurations), builtinProcessors, cfg.Anneal.Law)

	switch mode {
	case "single":
		runSingle(ctx, inst, engineCfg)
	case "parallel":
		runParallel(ctx, inst, engineCfg, cfg)
	default:
		log.Fatalf("Unknown mode %q", mode)
	}
}

// runSingle runs one engine from the initial assignment
func runSingle(ctx context.Context, inst *types.Instance, engineCfg anneal.Config) {
	start, err := schedule.FromInstance(inst)
	if err != nil {
		log.Fatalf("Failed to build start solution: %v", err)
	}
	fmt.Printf("  Initial flow time: %d\n", start.Metric())

	engine, err := anneal.New(engineCfg, start, rand.New(rand.NewSource(time.Now().UnixNano())))
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	res, err := engine.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Annealing failed: %v", err)
	}

	fmt.Printf("\n📊 Single engine:\n")
	fmt.Printf("  Best flow time: %d\n", res.BestMetric)
	fmt.Printf("  Iterations:     %d (accepted %d, rejected %d)\n", res.Iterations, res.Accepted, res.Rejected)
	fmt.Printf("  Duration:       %s\n", res.Duration.Round(time.Millisecond))
	fmt.Printf("\n%s\n", res.Best)
}

// runParallel runs rounds of engines restarted from the global best
func runParallel(ctx context.Context, inst *types.Instance, engineCfg anneal.Config, cfg *Config) {
	exec, err := worker.NewLocalExecutor(inst, engineCfg)
	if err != nil {
		log.Fatalf("Failed to create executor: %v", err)
	}

	ctrlCfg := controller.DefaultConfig()
	if cfg.Search.Workers > 0 {
		ctrlCfg.WorkerCount = cfg.Search.Workers
	}
	if cfg.Search.RoundPatience > 0 {
		ctrlCfg.RoundPatience = cfg.Search.RoundPatience
	}
	ctrlCfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctrlCfg.OnImprove = func(ev controller.Event) {
		fmt.Printf("  Round %3d: %d -> %d\n", ev.Round, ev.Previous, ev.Metric)
	}

	ctrl, err := controller.NewController(inst, exec, ctrlCfg)
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	fmt.Printf("\n⚡ Running rounds of %d engines...\n", ctrlCfg.WorkerCount)
	sum, err := ctrl.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Search failed: %v", err)
	}

	fmt.Printf("\n📊 Parallel search:\n")
	fmt.Printf("  Initial flow time: %d\n", sum.InitialCost)
	fmt.Printf("  Best flow time:    %d\n", sum.Metric)
	fmt.Printf("  Rounds:            %d (%d improving)\n", sum.Rounds, sum.Improvements)
	fmt.Printf("  Stop reason:       %s\n", sum.Reason)
	fmt.Printf("  Duration:          %s\n", sum.Duration.Round(time.Millisecond))
}

func loadConfig(path string) (*Config, error) {
	var cfg Config
	cfg.Anneal = anneal.DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
