// Package anneal implements the simulated annealing search over task
// assignments.
//
// The engine keeps three solutions: current, best and a scratch buffer that
// receives each mutation. Accepting a candidate swaps current and scratch,
// so a run allocates nothing after construction except when a new best is
// copied out.
package anneal

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/ChuLiYu/flowtime-anneal/internal/schedule"
	"golang.org/x/time/rate"
)

// Result is the outcome of a run.
type Result struct {
	Best       *schedule.Solution
	BestMetric int64
	Iterations int
	Accepted   int
	Rejected   int
	Duration   time.Duration
}

// Engine runs Running -> Converged. It is not safe for concurrent use.
type Engine struct {
	cfg      Config
	rng      *rand.Rand
	mutator  Mutator
	log      *slog.Logger
	progress rate.Sometimes

	current *schedule.Solution
	best    *schedule.Solution
	scratch *schedule.Solution

	currentMetric   int64
	bestMetric      int64
	iteration       int
	lastImprovement int
	temperature     float64
	accepted        int
	rejected        int
	converged       bool
}

// New prepares an engine starting from a copy of start. start itself is
// never modified.
func New(cfg Config, start *schedule.Solution, rng *rand.Rand) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if start == nil {
		return nil, fmt.Errorf("start solution is nil")
	}
	if rng == nil {
		return nil, fmt.Errorf("random generator is nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	current := start.Clone()
	metric := current.Metric()
	return &Engine{
		cfg:           cfg,
		rng:           rng,
		mutator:       NewMoveMutator(rng),
		log:           logger,
		progress:      rate.Sometimes{Interval: time.Second},
		current:       current,
		best:          current.Clone(),
		scratch:       current.Clone(),
		currentMetric: metric,
		bestMetric:    metric,
		temperature:   cfg.InitialTemp,
	}, nil
}

// WithMutator replaces the neighbour generator.
func (e *Engine) WithMutator(m Mutator) *Engine {
	e.mutator = m
	return e
}

// BestMetric returns the total flow time of the best solution so far.
func (e *Engine) BestMetric() int64 { return e.bestMetric }

// CurrentMetric returns the total flow time of the current solution.
func (e *Engine) CurrentMetric() int64 { return e.currentMetric }

// Iteration returns the number of completed iterations.
func (e *Engine) Iteration() int { return e.iteration }

// Temperature returns the temperature the next iteration runs at.
func (e *Engine) Temperature() float64 { return e.temperature }

// Converged reports whether the engine stopped after Patience iterations without a new best.
func (e *Engine) Converged() bool { return e.converged }

// Best returns the best solution found. Callers must not modify it.
func (e *Engine) Best() *schedule.Solution { return e.best }

// Iterate runs one outer iteration and reports whether the engine has
// converged. Once converged it does nothing.
func (e *Engine) Iterate() bool {
	if e.converged {
		return true
	}
	e.iteration++
	e.step()
	if e.iteration-e.lastImprovement > e.cfg.Patience {
		e.converged = true
		return true
	}
	e.temperature = e.cfg.Law.Temperature(e.cfg.InitialTemp, e.iteration)
	return false
}

// Run iterates until convergence. If ctx is cancelled first, the best
// solution so far is returned together with ctx.Err().
func (e *Engine) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	for !e.Iterate() {
		if err := ctx.Err(); err != nil {
			return e.result(start), err
		}
		e.progress.Do(func() {
			e.log.Debug("annealing",
				"iteration", e.iteration,
				"temperature", e.temperature,
				"current", e.currentMetric,
				"best", e.bestMetric)
		})
	}

	e.log.Debug("annealing converged",
		"iterations", e.iteration,
		"best", e.bestMetric,
		"accepted", e.accepted,
		"rejected", e.rejected)
	return e.result(start), nil
}

func (e *Engine) result(start time.Time) Result {
	return Result{
		Best:       e.best,
		BestMetric: e.bestMetric,
		Iterations: e.iteration,
		Accepted:   e.accepted,
		Rejected:   e.rejected,
		Duration:   time.Since(start),
	}
}

// step runs the inner mutate/accept attempts at the current temperature.
func (e *Engine) step() {
	for i := 0; i < e.cfg.InnerSteps; i++ {
		candidate := e.mutator.Mutate(e.current, e.scratch)
		metric := candidate.Metric()
		if !e.accept(metric) {
			e.rejected++
			continue
		}
		e.accepted++

		if metric < e.bestMetric {
			e.best.CopyFrom(candidate)
			e.bestMetric = metric
			e.lastImprovement = e.iteration
			if e.cfg.OnImprove != nil {
				e.cfg.OnImprove(e.iteration, metric)
			}
		}
		e.current, e.scratch = candidate, e.current
		e.currentMetric = metric
	}
}

// accept applies the acceptance rule. Worsening moves are weighed against
// the best metric seen so far, not against the current one.
func (e *Engine) accept(candidate int64) bool {
	if candidate <= e.currentMetric {
		return true
	}
	t := e.temperature
	if math.IsNaN(t) || t <= MinTemperature {
		return false
	}
	delta := float64(candidate - e.bestMetric)
	return e.rng.Float64() < math.Exp(-delta/t)
}
