package snapshot

// ============================================================================
// 職責說明：
// 1. 將搜尋的最終結果（ResultRecord）序列化為 JSON 檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性與排程內容
// 4. 只保存最終答案，不保存搜尋中間狀態
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/flowtime-anneal/internal/schedule"
	"github.com/ChuLiYu/flowtime-anneal/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("result file is corrupted")
	ErrIncompatibleVersion = errors.New("result schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("result file not found")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 結果檔管理器
type Manager struct {
	path string     // 結果檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立結果檔管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// NewRecord 由最佳解建立結果紀錄
func NewRecord(best *schedule.Solution, durations []int, law string, workers, rounds int, elapsed time.Duration) types.ResultRecord {
	return types.ResultRecord{
		SchemaVer:  types.ResultSchemaVersion,
		Processors: best.Processors(),
		Durations:  durations,
		Schedule:   best.Queues(),
		Metric:     best.Metric(),
		Law:        law,
		Workers:    workers,
		Rounds:     rounds,
		Duration:   elapsed,
		CreatedAt:  time.Now().UnixMilli(),
	}
}

// Write 原子性寫入結果
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
//
// 參數：
//   - rec: 結果紀錄
//
// 返回值：
//   - error: 寫入失敗時的錯誤
func (m *Manager) Write(rec types.ResultRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(rec)
}

func (m *Manager) write(rec types.ResultRecord) error {
	rec.SchemaVer = types.ResultSchemaVersion
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().UnixMilli()
	}

	// 序列化為 JSON（帶縮排，方便人工閱讀與除錯）
	jsonBytes, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create result directory: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"

	// 1. 寫入臨時檔案
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp result: %w", err)
	}

	// 2. 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, m.path); err != nil {
		// 重新命名失敗，清理臨時檔案
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename result: %w", err)
	}

	return nil
}

// Load 載入結果
//
// 行為：
//   - 檔案不存在回傳 ErrSnapshotNotFound
//   - 驗證 schema 版本是否相容
//   - 驗證排程是否為實例的合法解，且 metric 與排程一致
//
// 返回值：
//   - types.ResultRecord: 結果紀錄
//   - error: 載入失敗、內容損壞或版本不相容時的錯誤
func (m *Manager) Load() (types.ResultRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rec types.ResultRecord

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return rec, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return rec, fmt.Errorf("failed to read result: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &rec); err != nil {
		return rec, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	// 驗證版本
	if rec.SchemaVer != types.ResultSchemaVersion {
		return rec, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, rec.SchemaVer, types.ResultSchemaVersion)
	}

	sol, err := Solution(rec)
	if err != nil {
		return rec, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if metric := sol.Metric(); metric != rec.Metric {
		return rec, fmt.Errorf("%w: stored metric %d, schedule gives %d", ErrCorruptedSnapshot, rec.Metric, metric)
	}

	return rec, nil
}

// Solution 由結果紀錄重建 Solution
func Solution(rec types.ResultRecord) (*schedule.Solution, error) {
	return schedule.FromQueues(rec.Processors, rec.Durations, rec.Schedule)
}

// Exists 檢查結果檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得結果檔案路徑（用於測試與除錯）
func (m *Manager) GetPath() string {
	return m.path
}

// ============================================================================
// 備份
// ============================================================================

// WriteWithBackup 寫入結果並保留舊版本備份
// 舊檔案重新命名為 <path>.<timestamp>，只保留最近 keepBackups 個
func (m *Manager) WriteWithBackup(rec types.ResultRecord, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Exists() {
		backupPath := fmt.Sprintf("%s.%s", m.path, time.Now().Format("20060102_150405.000000000"))
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old result: %w", err)
		}
		if err := m.pruneBackups(keepBackups); err != nil {
			return err
		}
	}

	return m.write(rec)
}

// Backups 返回現有備份檔路徑，由舊到新
func (m *Manager) Backups() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".*")
	if err != nil {
		return nil, err
	}
	backups := matches[:0]
	for _, p := range matches {
		if p != m.path+".tmp" {
			backups = append(backups, p)
		}
	}
	// 時間戳格式固定寬度，字典序即時間序
	sort.Strings(backups)
	return backups, nil
}

func (m *Manager) pruneBackups(keep int) error {
	backups, err := m.Backups()
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}
	if keep < 0 {
		keep = 0
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil {
			return fmt.Errorf("failed to remove old backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}
