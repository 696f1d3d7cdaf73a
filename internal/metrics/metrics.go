// ============================================================================
// flowtime-anneal Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露搜尋過程指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter) - 累計值，只增不減：
//      - anneal_rounds_total: 已完成的搜尋輪數
//      - anneal_improvements_total: 全域最佳解嚴格改善的次數
//      - anneal_worker_failures_total: 失敗的 worker 任務數（錯誤、超時、協議錯誤）
//
//   2. 狀態指標 (Gauge) - 瞬時值：
//      - anneal_best_flow_time: 當前全域最佳總流程時間
//      - anneal_rounds_without_improvement: 連續未改善的輪數
//
//   3. 分佈統計 (Histogram)：
//      - anneal_engine_iterations: 單一退火引擎收斂前的迭代次數
//      - anneal_round_duration_seconds: 每輪（含 barrier 等待）耗時
//
// Prometheus 查詢示例:
//
//   # 搜尋是否仍在進步
//   anneal_rounds_without_improvement
//
//   # worker 失敗率
//   rate(anneal_worker_failures_total[5m]) / rate(anneal_rounds_total[5m])
//
//   # 95 分位每輪耗時
//   histogram_quantile(0.95, anneal_round_duration_seconds_bucket)
//
// HTTP 端點:
//   通過 /metrics 端點暴露，由 Prometheus 定期抓取
//   默認端口: 9090
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 計數器
	rounds       prometheus.Counter
	improvements prometheus.Counter
	failures     prometheus.Counter

	// 狀態指標
	bestFlowTime prometheus.Gauge
	staleRounds  prometheus.Gauge

	// 分佈統計
	engineIterations prometheus.Histogram
	roundDuration    prometheus.Histogram
}

// NewCollector 創建新的指標收集器，註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith 創建指標收集器並註冊到指定的 Registerer
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	c := &Collector{
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anneal_rounds_total",
			Help: "Total number of completed search rounds",
		}),
		improvements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anneal_improvements_total",
			Help: "Total number of strict improvements of the global best",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anneal_worker_failures_total",
			Help: "Total number of failed worker searches",
		}),
		bestFlowTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "anneal_best_flow_time",
			Help: "Total flow time of the current global best solution",
		}),
		staleRounds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "anneal_rounds_without_improvement",
			Help: "Consecutive rounds without a global improvement",
		}),
		engineIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "anneal_engine_iterations",
			Help:    "Iterations run by a single annealing engine before convergence",
			Buckets: prometheus.ExponentialBuckets(100, 2, 12),
		}),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "anneal_round_duration_seconds",
			Help:    "Wall-clock duration of a search round in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.rounds,
		c.improvements,
		c.failures,
		c.bestFlowTime,
		c.staleRounds,
		c.engineIterations,
		c.roundDuration,
	)

	return c
}

// RecordRound 記錄一輪結束
func (c *Collector) RecordRound(d time.Duration, roundsWithoutImprovement int) {
	c.rounds.Inc()
	c.roundDuration.Observe(d.Seconds())
	c.staleRounds.Set(float64(roundsWithoutImprovement))
}

// RecordImprovement 記錄全域最佳解改善
func (c *Collector) RecordImprovement(metric int64) {
	c.improvements.Inc()
	c.bestFlowTime.Set(float64(metric))
}

// SetBestFlowTime 設置當前最佳總流程時間（搜尋開始時的初始值）
func (c *Collector) SetBestFlowTime(metric int64) {
	c.bestFlowTime.Set(float64(metric))
}

// RecordWorkerFailure 記錄 worker 失敗
func (c *Collector) RecordWorkerFailure() {
	c.failures.Inc()
}

// RecordEngineIterations 記錄單一引擎的迭代次數
func (c *Collector) RecordEngineIterations(n int) {
	c.engineIterations.Observe(float64(n))
}

// Handler 返回指定 Gatherer 的 /metrics handler
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//
// 返回值：
//   - error: 啟動失敗的錯誤
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
