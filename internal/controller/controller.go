// ============================================================================
// flowtime-anneal 控制器 - 多工搜尋協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 以輪為單位協調多個退火搜尋，保留全域最佳解
//
// 架構設計:
//   單一退火引擎容易停在局部最佳解。Controller 每一輪從同一個全域最佳解
//   出發，同時啟動 WorkerCount 個獨立搜尋，再以 min-reduction 合併結果：
//   - WorkerPool: 固定數量的 worker goroutine，執行搜尋任務
//   - Executor: 本地退火引擎或遠端 gRPC search-worker
//   - Metrics: 可選的 Prometheus 指標
//
// 每一輪的流程:
//   1. 將目前全域最佳解編碼為交換格式（每個任務一份獨立副本）
//   2. 為每個任務從主亂數流抽取獨立種子，提交到 Pool
//   3. 等待本輪所有結果（barrier，不會提早結束）
//   4. 驗證並解碼每個成功的結果，協議錯誤視為 worker 失敗
//   5. 對所有結果加上上一輪最佳解做 min-reduction
//   6. 嚴格改善 → 計數器歸零並發出 "new best" 事件；否則計數器 +1
//
// 停止條件:
//   - roundsWithoutImprovement >= RoundPatience
//   - MaxRounds > 0 且已達上限
//   - Context 被取消（返回目前最佳解與 ctx.Err()）
//
// 失敗策略:
//   預設任何 worker 失敗都會讓該輪失敗，Run 返回 *WorkerError。
//   DropFailedWorkers 開啟時丟棄失敗結果並記錄日誌，
//   但若一輪中沒有任何 worker 成功，仍然視為失敗。
//
// 並發安全:
//   搜尋狀態只由 Run 所在的 goroutine 讀寫，worker 之間透過位元組交換解，
//   不共享任何可變狀態。Controller 不可並發呼叫 Run。
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/ChuLiYu/flowtime-anneal/internal/schedule"
	"github.com/ChuLiYu/flowtime-anneal/internal/worker"
	"github.com/ChuLiYu/flowtime-anneal/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

// ErrWorkerFailed 表示 worker 沒有交付有效結果
var ErrWorkerFailed = errors.New("worker failed")

// WorkerError 描述某一輪中單一 worker 的失敗
// errors.Is(err, ErrWorkerFailed) 與 errors.Is(err, cause) 皆成立
type WorkerError struct {
	Round    int
	WorkerID int
	TaskID   int
	Err      error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("round %d task %d (worker %d): %v", e.Round, e.TaskID, e.WorkerID, e.Err)
}

func (e *WorkerError) Unwrap() []error {
	return []error{ErrWorkerFailed, e.Err}
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Recorder 接收搜尋過程的指標，metrics.Collector 實作此介面
type Recorder interface {
	RecordRound(d time.Duration, roundsWithoutImprovement int)
	RecordImprovement(metric int64)
	SetBestFlowTime(metric int64)
	RecordWorkerFailure()
	RecordEngineIterations(n int)
}

// Event 代表一次全域最佳解的嚴格改善
type Event struct {
	Round    int   // 發生改善的輪次
	Metric   int64 // 新的最佳總流程時間
	Previous int64 // 改善前的最佳總流程時間
}

// Config Controller 配置
type Config struct {
	WorkerCount       int           // 每輪並發搜尋數量
	RoundPatience     int           // 連續未改善多少輪後停止
	RoundTimeout      time.Duration // 單一搜尋的超時時間，0 表示不限制
	MaxRounds         int           // 最大輪數，0 表示不限制
	DropFailedWorkers bool          // 丟棄失敗的 worker 而非中止搜尋
	Seed              int64         // 主亂數種子，0 表示以時間為種子
	PinCPU            bool          // Worker 綁定 CPU 核心

	Logger    *slog.Logger
	Metrics   Recorder    // 可選
	OnImprove func(Event) // 可選，在 Run 的 goroutine 中呼叫
}

// DefaultConfig 返回預設配置
func DefaultConfig() Config {
	return Config{
		WorkerCount:   4,
		RoundPatience: 10,
	}
}

// Validate 驗證配置
func (c Config) Validate() error {
	if c.WorkerCount <= 0 {
		return fmt.Errorf("worker count must be > 0 (got %d)", c.WorkerCount)
	}
	if c.RoundPatience <= 0 {
		return fmt.Errorf("round patience must be > 0 (got %d)", c.RoundPatience)
	}
	if c.RoundTimeout < 0 {
		return fmt.Errorf("round timeout must be >= 0 (got %s)", c.RoundTimeout)
	}
	if c.MaxRounds < 0 {
		return fmt.Errorf("max rounds must be >= 0 (got %d)", c.MaxRounds)
	}
	return nil
}

// StopReason 搜尋停止的原因
type StopReason string

const (
	StopPatience  StopReason = "round_patience"
	StopMaxRounds StopReason = "max_rounds"
	StopCancelled StopReason = "cancelled"
	StopFailed    StopReason = "worker_failure"
)

// Summary 搜尋結束後的報告
type Summary struct {
	Best         *schedule.Solution
	Metric       int64
	InitialCost  int64
	Rounds       int
	Improvements int
	Failures     int // 所有輪中失敗的 worker 任務數
	Iterations   int // 所有成功引擎的迭代次數總和
	Reason       StopReason
	Duration     time.Duration
}

// Controller 搜尋協調器
type Controller struct {
	inst   *types.Instance
	exec   worker.Executor
	config Config
	log    *slog.Logger
	rng    *rand.Rand // 主亂數流，只用來產生每個任務的種子

	// 搜尋狀態，只由 Run 讀寫
	best         *schedule.Solution
	bestMetric   int64
	stale        int // roundsWithoutImprovement
	round        int
	improvements int
	failures     int
	iterations   int
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - inst: 問題實例，搜尋開始前驗證
//   - exec: 執行單一搜尋的 Executor
//   - config: Controller 配置
func NewController(inst *types.Instance, exec worker.Executor, config Config) (*Controller, error) {
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, errors.New("executor is nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid controller config: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	best, err := schedule.FromInstance(inst)
	if err != nil {
		return nil, err
	}

	return &Controller{
		inst:       inst,
		exec:       exec,
		config:     config,
		log:        logger,
		rng:        rand.New(rand.NewSource(seed)),
		best:       best,
		bestMetric: best.Metric(),
	}, nil
}

// BestMetric 返回目前全域最佳總流程時間
func (c *Controller) BestMetric() int64 { return c.bestMetric }

// RoundsWithoutImprovement 返回連續未改善的輪數
func (c *Controller) RoundsWithoutImprovement() int { return c.stale }

// Run 執行搜尋直到停止條件成立
//
// 返回值：
//   - Summary: 最終報告，出錯時也包含目前為止的最佳解
//   - error: worker 失敗（*WorkerError）或 ctx.Err()
func (c *Controller) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	initial := c.bestMetric

	pool := worker.NewPool(c.config.WorkerCount,
		worker.WithLogger(c.log),
		worker.WithCPUPinning(c.config.PinCPU),
	)
	if err := pool.Start(ctx, c.config.WorkerCount, c.exec); err != nil {
		return Summary{}, fmt.Errorf("failed to start worker pool: %w", err)
	}
	defer pool.Stop()

	if c.config.Metrics != nil {
		c.config.Metrics.SetBestFlowTime(c.bestMetric)
	}
	c.log.Info("Search started",
		"tasks", c.inst.Tasks(),
		"processors", c.inst.Processors,
		"workers", c.config.WorkerCount,
		"initial_metric", c.bestMetric)

	summary := func(reason StopReason) Summary {
		return Summary{
			Best:         c.best.Clone(),
			Metric:       c.bestMetric,
			InitialCost:  initial,
			Rounds:       c.round,
			Improvements: c.improvements,
			Failures:     c.failures,
			Iterations:   c.iterations,
			Reason:       reason,
			Duration:     time.Since(start),
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return summary(StopCancelled), err
		}
		if c.config.MaxRounds > 0 && c.round >= c.config.MaxRounds {
			c.log.Info("Search stopped", "reason", StopMaxRounds, "rounds", c.round, "metric", c.bestMetric)
			return summary(StopMaxRounds), nil
		}

		if err := c.runRound(ctx, pool); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return summary(StopCancelled), ctxErr
			}
			c.log.Error("Round failed", "round", c.round, "error", err)
			return summary(StopFailed), err
		}

		if c.stale >= c.config.RoundPatience {
			c.log.Info("Search stopped", "reason", StopPatience, "rounds", c.round, "metric", c.bestMetric)
			return summary(StopPatience), nil
		}
	}
}

// candidate 是一個已驗證的 worker 結果
type candidate struct {
	taskID int
	sol    *schedule.Solution
	metric int64
}

// runRound 執行一輪搜尋（提交 → barrier → 驗證 → min-reduction）
func (c *Controller) runRound(ctx context.Context, pool *worker.Pool) error {
	c.round++
	roundStart := time.Now()

	payload, err := c.best.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode best solution: %w", err)
	}

	// 1. 提交任務，種子依任務編號順序抽取
	n := c.config.WorkerCount
	for i := 0; i < n; i++ {
		task := worker.Task{
			ID:      i,
			Round:   c.round,
			Seed:    c.rng.Int63(),
			Start:   payload,
			Timeout: c.config.RoundTimeout,
		}
		if err := pool.Submit(task); err != nil {
			return fmt.Errorf("failed to submit task: %w", err)
		}
	}

	// 2. Barrier：收齊本輪所有結果
	results := make([]worker.Result, 0, n)
	for len(results) < n {
		result, err := pool.ReceiveResult()
		if err != nil {
			return fmt.Errorf("failed to receive result: %w", err)
		}
		results = append(results, result)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].TaskID < results[j].TaskID })

	// 3. 驗證結果
	var (
		candidates []candidate
		firstErr   *WorkerError
	)
	for _, r := range results {
		cand, err := c.validate(r)
		if err != nil {
			c.failures++
			if c.config.Metrics != nil {
				c.config.Metrics.RecordWorkerFailure()
			}
			werr := &WorkerError{Round: c.round, WorkerID: r.WorkerID, TaskID: r.TaskID, Err: err}
			if firstErr == nil {
				firstErr = werr
			}
			if c.config.DropFailedWorkers {
				c.log.Warn("Dropping failed worker result", "round", c.round, "task", r.TaskID, "worker", r.WorkerID, "error", err)
			}
			continue
		}
		c.iterations += r.Iterations
		if c.config.Metrics != nil {
			c.config.Metrics.RecordEngineIterations(r.Iterations)
		}
		candidates = append(candidates, cand)
	}

	if firstErr != nil && (!c.config.DropFailedWorkers || len(candidates) == 0) {
		return firstErr
	}

	// 4. Min-reduction：結果加上上一輪最佳解，平手保留先前的解
	improved := false
	previous := c.bestMetric
	for _, cand := range candidates {
		if cand.metric < c.bestMetric {
			c.best = cand.sol
			c.bestMetric = cand.metric
			improved = true
		}
	}

	// 5. 更新計數器
	if improved {
		c.stale = 0
		c.improvements++
		c.log.Info("New best found",
			"round", c.round,
			"metric", c.bestMetric,
			"previous", previous)
		if c.config.Metrics != nil {
			c.config.Metrics.RecordImprovement(c.bestMetric)
		}
		if c.config.OnImprove != nil {
			c.config.OnImprove(Event{Round: c.round, Metric: c.bestMetric, Previous: previous})
		}
	} else {
		c.stale++
	}

	elapsed := time.Since(roundStart)
	if c.config.Metrics != nil {
		c.config.Metrics.RecordRound(elapsed, c.stale)
	}
	c.log.Debug("Round completed",
		"round", c.round,
		"best", c.bestMetric,
		"rounds_without_improvement", c.stale,
		"succeeded", len(candidates),
		"duration", elapsed)

	return nil
}

// validate 解碼並驗證一個 worker 結果
// worker 回報的 metric 僅供參考，以解碼後重新計算的值為準
func (c *Controller) validate(r worker.Result) (candidate, error) {
	if !r.Success {
		if r.Error == nil {
			return candidate{}, errors.New("worker reported failure without error")
		}
		return candidate{}, r.Error
	}
	sol, err := schedule.Decode(r.Payload, c.inst.Processors, c.inst.Durations)
	if err != nil {
		return candidate{}, err
	}
	metric := sol.Metric()
	if metric != r.Metric {
		c.log.Warn("Worker reported metric differs from decoded solution",
			"round", c.round, "task", r.TaskID, "reported", r.Metric, "actual", metric)
	}
	return candidate{taskID: r.TaskID, sol: sol, metric: metric}, nil
}
