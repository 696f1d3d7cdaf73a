package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/ChuLiYu/flowtime-anneal/internal/anneal"
	"github.com/ChuLiYu/flowtime-anneal/internal/schedule"
	"github.com/ChuLiYu/flowtime-anneal/pkg/types"
)

// LocalExecutor runs an annealing engine in the calling goroutine.
type LocalExecutor struct {
	inst *types.Instance
	cfg  anneal.Config
}

// NewLocalExecutor validates the instance and engine config once.
// cfg.OnImprove is dropped: engines of one round run concurrently.
func NewLocalExecutor(inst *types.Instance, cfg anneal.Config) (*LocalExecutor, error) {
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.OnImprove = nil
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LocalExecutor{inst: inst, cfg: cfg}, nil
}

// Execute decodes the start solution, anneals it with a generator seeded
// from task.Seed and returns the encoded best solution.
func (e *LocalExecutor) Execute(ctx context.Context, task Task) (Outcome, error) {
	start, err := schedule.Decode(task.Start, e.inst.Processors, e.inst.Durations)
	if err != nil {
		return Outcome{}, fmt.Errorf("decode start solution: %w", err)
	}

	cfg := e.cfg
	cfg.Logger = e.cfg.Logger.With("round", task.Round, "task", task.ID)
	engine, err := anneal.New(cfg, start, rand.New(rand.NewSource(task.Seed)))
	if err != nil {
		return Outcome{}, err
	}

	res, err := engine.Run(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("anneal interrupted after %d iterations: %w", res.Iterations, err)
	}

	payload, err := res.Best.MarshalBinary()
	if err != nil {
		return Outcome{}, fmt.Errorf("encode best solution: %w", err)
	}
	return Outcome{
		Payload:    payload,
		Metric:     res.BestMetric,
		Iterations: res.Iterations,
	}, nil
}
