package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加事件到日誌檔案（append-only，一行一個 JSON 事件）
// 2. 提供重放功能以恢復 store 狀態
// 3. 支援壓縮後清空（快照已涵蓋的事件不再需要）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         *os.File      // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 最後一個事件序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool
}

// ============================================================================
// 公開介面
// ============================================================================

// NewWAL 建立或開啟一個 WAL 實例
//
// 以追加模式（O_APPEND）開啟；seq 從 0 開始，Replay 或 AdvanceTo 之後才會反映已有的事件。
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	encoder := json.NewEncoder(file)
	// 記錄內容原樣寫入，checksum 才能在讀回時重算
	encoder.SetEscapeHTML(false)

	return &WAL{
		file:         file,
		encoder:      encoder,
		path:         path,
		syncOnAppend: syncOnAppend,
	}, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum
// - 寫入檔案；syncOnAppend 時同步到磁碟
func (w *WAL) Append(eventType EventType, storeID string, record json.RawMessage) (Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Event{}, ErrWALClosed
	}

	var compacted []byte
	if len(record) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, record); err != nil {
			return Event{}, fmt.Errorf("wal: invalid record for %s: %w", storeID, err)
		}
		compacted = buf.Bytes()
	}

	event := Event{
		Seq:       w.seq + 1,
		Type:      eventType,
		StoreID:   storeID,
		Record:    compacted,
		Timestamp: time.Now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(event)

	if err := w.encoder.Encode(event); err != nil {
		return Event{}, fmt.Errorf("wal: append: %w", err)
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return Event{}, fmt.Errorf("wal: sync: %w", err)
		}
	}
	w.seq = event.Seq
	return event, nil
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件
// - 遇到無法解析的行或 checksum 不符立即停止（CorruptionError / ChecksumError），
//   之前的事件都已交給 handler
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	file, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("wal: open for replay: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	line := 0
	for {
		raw, err := reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("wal: read: %w", err)
		}
		atEOF := err != nil
		if len(bytes.TrimSpace(raw)) == 0 {
			if atEOF {
				return nil
			}
			line++
			continue
		}
		line++

		// 沒有換行結尾的最後一行是寫到一半的事件
		if atEOF {
			return &CorruptionError{Line: line, Err: io.ErrUnexpectedEOF}
		}

		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			return &CorruptionError{Line: line, Err: err}
		}
		if actual := CalculateChecksum(event); actual != event.Checksum {
			return &ChecksumError{Seq: event.Seq, Expected: event.Checksum, Actual: actual}
		}

		if event.Seq > w.seq {
			w.seq = event.Seq
		}
		if err := handler(event); err != nil {
			return err
		}
	}
}

// Truncate 清空日誌檔案，seq 保持不變
//
// 只能在快照已涵蓋所有事件之後呼叫。
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	return nil
}

// AdvanceTo 將 seq 推進到至少 seq（從快照還原時使用）
func (w *WAL) AdvanceTo(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// Sync 強制同步到磁碟
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.file.Sync()
}

// Close 關閉 WAL；關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("wal: sync: %w", err)
	}
	return w.file.Close()
}

// LastSeq 取得最後一個事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) LastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 取得 WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}
