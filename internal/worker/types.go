package worker

import (
	"context"
	"time"
)

// Task 代表一次獨立的退火搜尋
type Task struct {
	ID      int           // 任務編號（輪內唯一）
	Round   int           // 所屬輪次
	Seed    int64         // 此任務專屬的亂數種子
	Start   []byte        // 起始解的編碼（schedule 交換格式）
	Timeout time.Duration // 執行超時時間，0 表示不限制
}

// Result 代表任務執行結果
type Result struct {
	TaskID     int           // 任務編號
	Round      int           // 所屬輪次
	WorkerID   int           // 執行此任務的 worker
	Payload    []byte        // 最佳解的編碼
	Metric     int64         // worker 回報的最佳總流程時間
	Iterations int           // 退火迭代次數
	Success    bool          // 執行是否成功
	Error      error         // 錯誤訊息（如果有）
	Duration   time.Duration // 實際執行時間
}

// Outcome 是 Executor 成功執行後的輸出
type Outcome struct {
	Payload    []byte
	Metric     int64
	Iterations int
}

// Executor 執行單一搜尋任務
// 本地模式直接在 goroutine 中跑退火引擎，分散式模式透過 gRPC 交給遠端節點
type Executor interface {
	Execute(ctx context.Context, task Task) (Outcome, error)
}
