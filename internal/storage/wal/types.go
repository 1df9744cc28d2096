package wal

// ============================================================================
// WAL 型別定義
// ============================================================================

import "encoding/json"

// EventType WAL 事件類型
type EventType string

const (
	// EventPersist 一筆 queued call 寫入 store
	EventPersist EventType = "PERSIST"
	// EventRemove 一筆記錄被移除（任務完成或移出佇列）
	EventRemove EventType = "REMOVE"
)

// Event WAL 中的一行
type Event struct {
	Seq       uint64          `json:"seq"`              // 單調遞增，壓縮後不歸零
	Type      EventType       `json:"type"`             // PERSIST / REMOVE
	StoreID   string          `json:"store_id"`         // 記錄識別碼
	Record    json.RawMessage `json:"record,omitempty"` // 只有 PERSIST 帶內容
	Timestamp int64           `json:"ts"`               // Unix 毫秒
	Checksum  uint32          `json:"checksum"`         // CRC32
}

// EventHandler Replay 對每個事件呼叫的函式
type EventHandler func(Event) error
