package journal

// ============================================================================
// Improvement Journal 核心實作
// 職責：
// 1. 追加全域最佳解的改善紀錄（append-only，每行一筆 JSON）
// 2. 提供重放功能，用於檢視搜尋歷程
// 3. 支援日誌旋轉（新搜尋開始前保留舊歷程）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Journal 表示一個改善紀錄檔
type Journal struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // journal 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // 檔案路徑
	seq          uint64        // 最後一筆紀錄的序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool
}

/*
Open 建立或開啟一個 journal

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一筆紀錄的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func Open(path string, syncOnAppend bool) (*Journal, error) {
	var seq uint64
	last, err := LastEntry(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if last != nil {
		seq = last.Seq
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &Journal{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,
	}, nil
}

// Append 追加一筆改善紀錄
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum
// - 寫入檔案，syncOnAppend 時同步到磁碟
func (j *Journal) Append(round int, metric, previous int64) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return Entry{}, ErrJournalClosed
	}

	entry := Entry{
		Seq:       j.seq + 1,
		Round:     round,
		Metric:    metric,
		Previous:  previous,
		Timestamp: time.Now().UnixMilli(),
	}
	entry.Checksum = CalculateChecksum(entry)

	if err := j.encoder.Encode(entry); err != nil {
		return Entry{}, err
	}
	if j.syncOnAppend {
		if err := j.file.Sync(); err != nil {
			return Entry{}, err
		}
	}
	j.seq = entry.Seq
	return entry, nil
}

// Replay 依序重放 journal 內所有紀錄
func (j *Journal) Replay(handler EntryHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Replay(j.path, handler)
}

// Rotate 將目前的檔案改名保存，並開始新的空 journal
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}
	if err := j.file.Sync(); err != nil {
		return err
	}
	if err := j.file.Close(); err != nil {
		return err
	}

	backupPath := j.path + "." + time.Now().Format("20060102_150405.000000000")
	if err := os.Rename(j.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		j.closed = true
		return err
	}

	j.file = newFile
	j.encoder = json.NewEncoder(newFile)
	j.seq = 0
	return nil
}

// Close 關閉 journal，關閉後不可再使用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Sync(); err != nil {
		_ = j.file.Close()
		return err
	}
	return j.file.Close()
}

// LastSeq 取得最後一筆紀錄的序號
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// GetPath 返回檔案路徑
func (j *Journal) GetPath() string {
	return j.path
}

// ============================================================================
// 檔案層級工具
// ============================================================================

// Replay 逐行讀取 path，驗證每筆紀錄後呼叫 handler
// 遇到損壞或校驗失敗立即停止
func Replay(path string, handler EntryHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if err := VerifyChecksum(entry); err != nil {
			return err
		}
		if err := handler(entry); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ReadAll 返回 path 內所有紀錄
func ReadAll(path string) ([]Entry, error) {
	var entries []Entry
	err := Replay(path, func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// LastEntry 返回最後一筆紀錄，空檔案返回 nil
func LastEntry(path string) (*Entry, error) {
	var last *Entry
	err := Replay(path, func(e Entry) error {
		last = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}
