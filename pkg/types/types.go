// Package types 定義了 flowtime-anneal 系統中使用的核心領域模型
package types

import (
	"errors"
	"fmt"
	"time"
)

// ResultSchemaVersion 結果檔案的資料結構版本號
const ResultSchemaVersion = 1

// 實例大小上限，超過時直接拒絕，避免依輸入大小配置記憶體時崩潰
const (
	MaxProcessors = 1 << 16 // 處理器數量 k 的上限
	MaxTasks      = 1 << 24 // 任務數量 n 的上限
)

// ErrInvalidInstance 問題實例不合法（k 超出範圍、無任務、任務過多或任務時長非正）
var ErrInvalidInstance = errors.New("invalid instance")

// Instance 問題實例：k 個相同的處理器與 n 個任務的處理時長
// 載入後不可變更，所有 Solution 共享同一份 Durations
type Instance struct {
	Processors int   `json:"processors"` // 處理器數量 k
	Durations  []int `json:"durations"`  // 任務處理時長，索引即任務編號
}

// NewInstance 建立並驗證問題實例
func NewInstance(processors int, durations []int) (*Instance, error) {
	inst := &Instance{Processors: processors, Durations: durations}
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	return inst, nil
}

// Validate 驗證實例，任何錯誤都必須在搜尋開始前回報
func (inst *Instance) Validate() error {
	if inst == nil {
		return fmt.Errorf("%w: instance is nil", ErrInvalidInstance)
	}
	if inst.Processors <= 0 {
		return fmt.Errorf("%w: processors must be > 0 (got %d)", ErrInvalidInstance, inst.Processors)
	}
	if inst.Processors > MaxProcessors {
		return fmt.Errorf("%w: processors must be <= %d (got %d)", ErrInvalidInstance, MaxProcessors, inst.Processors)
	}
	if len(inst.Durations) == 0 {
		return fmt.Errorf("%w: task list is empty", ErrInvalidInstance)
	}
	if len(inst.Durations) > MaxTasks {
		return fmt.Errorf("%w: at most %d tasks (got %d)", ErrInvalidInstance, MaxTasks, len(inst.Durations))
	}
	for i, d := range inst.Durations {
		if d <= 0 {
			return fmt.Errorf("%w: durations[%d] must be > 0 (got %d)", ErrInvalidInstance, i, d)
		}
	}
	return nil
}

// Tasks 返回任務數量 n
func (inst *Instance) Tasks() int {
	return len(inst.Durations)
}

// ResultRecord 搜尋結束後持久化的最終答案
// 只保存最終結果，不保存搜尋中間狀態
type ResultRecord struct {
	SchemaVer  int           `json:"schema_ver"`  // 資料結構版本號，用於向後相容性
	Processors int           `json:"processors"`  // 處理器數量
	Durations  []int         `json:"durations"`   // 任務處理時長
	Schedule   [][]int       `json:"schedule"`    // 每個處理器上的任務執行順序
	Metric     int64         `json:"metric"`      // 總流程時間
	Law        string        `json:"law"`         // 使用的降溫法則
	Workers    int           `json:"workers"`     // 每輪 worker 數量
	Rounds     int           `json:"rounds"`      // 執行的輪數
	Duration   time.Duration `json:"duration_ns"` // 搜尋總耗時
	CreatedAt  int64         `json:"created_at"`  // 建立時間（Unix 毫秒）
}
