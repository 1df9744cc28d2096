package wal

// ============================================================================
// 檔案型 queue store
// 職責：
// 1. Persist / Remove 以 WAL 事件記錄，記憶體中保留未完成記錄
// 2. 每 N 個事件壓縮一次：寫入快照後清空 WAL
// 3. 開啟時載入快照，再重放 seq 大於快照 LastSeq 的事件
// 4. 寫到一半的尾端事件記錄警告後丟棄，並立即壓縮
//
// 目錄結構：
//   <dir>/queue.wal            JSON-lines 事件
//   <dir>/queue.snapshot.json  最近一次壓縮的快照
// ============================================================================

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/ChuLiYu/beaver-dispatch/internal/snapshot"
	"github.com/ChuLiYu/beaver-dispatch/internal/storage"
	"github.com/ChuLiYu/beaver-dispatch/pkg/types"
)

const (
	walFile      = "queue.wal"
	snapshotFile = "queue.snapshot.json"

	// DefaultCompactEvery 預設每多少個事件壓縮一次
	DefaultCompactEvery = 1000
)

var _ storage.QueueStore = (*Store)(nil)

// Option 設定 Store
type Option func(*Store)

// WithSyncOnAppend 每個事件都 fsync（預設開啟）
func WithSyncOnAppend(on bool) Option {
	return func(s *Store) { s.syncOnAppend = on }
}

// WithCompactEvery 設定壓縮間隔；n <= 0 表示只在開啟時壓縮
func WithCompactEvery(n int) Option {
	return func(s *Store) { s.compactEvery = n }
}

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store 檔案型 queue store，並發安全
type Store struct {
	mu           sync.Mutex
	dir          string
	wal          *WAL
	snap         *snapshot.Manager
	records      map[string]snapshot.Record
	sinceCompact int

	syncOnAppend bool
	compactEvery int
	logger       *slog.Logger
}

// Open 開啟（或建立）dir 下的 store，並還原未完成記錄
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:          dir,
		records:      make(map[string]snapshot.Record),
		syncOnAppend: true,
		compactEvery: DefaultCompactEvery,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("storage/wal: create dir %s: %w", dir, err)
	}

	s.snap = snapshot.NewManager(filepath.Join(dir, snapshotFile))
	data, err := s.snap.Load()
	if err != nil {
		return nil, fmt.Errorf("storage/wal: load snapshot: %w", err)
	}
	for _, r := range data.Records {
		s.records[r.StoreID] = r
	}

	w, err := NewWAL(filepath.Join(dir, walFile), s.syncOnAppend)
	if err != nil {
		return nil, err
	}
	w.AdvanceTo(data.LastSeq)
	s.wal = w

	replayed := 0
	err = w.Replay(func(e Event) error {
		if e.Seq <= data.LastSeq {
			return nil
		}
		replayed++
		s.apply(e)
		return nil
	})
	damaged := false
	if err != nil {
		if !IsDamaged(err) {
			w.Close()
			return nil, err
		}
		damaged = true
		s.logger.Warn("Discarding damaged WAL tail", "path", w.Path(), "replayed", replayed, "error", err)
	}

	s.sinceCompact = replayed
	if damaged || replayed > 0 {
		if err := s.compactLocked(); err != nil {
			w.Close()
			return nil, err
		}
	}

	s.logger.Info("Queue store opened",
		"dir", dir,
		"pending", len(s.records),
		"snapshot_seq", data.LastSeq,
		"replayed", replayed)
	return s, nil
}

// apply 將一個事件套用到記憶體狀態
func (s *Store) apply(e Event) {
	switch e.Type {
	case EventPersist:
		s.records[e.StoreID] = snapshot.Record{StoreID: e.StoreID, Order: e.Seq, Call: e.Record}
	case EventRemove:
		delete(s.records, e.StoreID)
	default:
		s.logger.Warn("Ignoring unknown WAL event", "seq", e.Seq, "type", e.Type)
	}
}

// Persist 寫入一筆記錄
func (s *Store) Persist(ctx context.Context, rec types.QueuedCall) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("storage/wal: marshal %s: %w", rec.TaskID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	e, err := s.wal.Append(EventPersist, id, raw)
	if err != nil {
		return "", err
	}
	s.apply(e)
	s.maybeCompactLocked()
	return id, nil
}

// Remove 移除一筆記錄
func (s *Store) Remove(ctx context.Context, storeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[storeID]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrRecordNotFound, storeID)
	}
	e, err := s.wal.Append(EventRemove, storeID, nil)
	if err != nil {
		return err
	}
	s.apply(e)
	s.maybeCompactLocked()
	return nil
}

// ListPending 依寫入順序回傳所有未移除的記錄；無法解碼的記錄帶 Err
func (s *Store) ListPending(ctx context.Context) ([]storage.Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	recs := make([]snapshot.Record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	s.mu.Unlock()

	slices.SortFunc(recs, func(a, b snapshot.Record) int {
		return cmp.Compare(a.Order, b.Order)
	})

	out := make([]storage.Pending, 0, len(recs))
	for _, r := range recs {
		p := storage.Pending{StoreID: r.StoreID}
		if err := json.Unmarshal(r.Call, &p.Call); err != nil {
			p.Err = fmt.Errorf("storage/wal: decode record %s: %w", r.StoreID, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Compact 立即寫入快照並清空 WAL
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked()
}

func (s *Store) maybeCompactLocked() {
	s.sinceCompact++
	if s.compactEvery <= 0 || s.sinceCompact < s.compactEvery {
		return
	}
	// 壓縮失敗不影響已寫入的事件，下次再試
	if err := s.compactLocked(); err != nil {
		s.logger.Error("WAL compaction failed", "dir", s.dir, "error", err)
	}
}

// compactLocked 快照先落盤，再清空 WAL；兩步之間崩潰時重放會跳過快照已涵蓋的事件
func (s *Store) compactLocked() error {
	recs := make([]snapshot.Record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	slices.SortFunc(recs, func(a, b snapshot.Record) int {
		return cmp.Compare(a.Order, b.Order)
	})

	lastSeq := s.wal.LastSeq()
	if err := s.snap.Write(snapshot.Data{LastSeq: lastSeq, Records: recs}); err != nil {
		return fmt.Errorf("storage/wal: write snapshot: %w", err)
	}
	if err := s.wal.Truncate(); err != nil {
		return err
	}
	s.sinceCompact = 0
	s.logger.Debug("WAL compacted", "dir", s.dir, "last_seq", lastSeq, "pending", len(recs))
	return nil
}

// Len 回傳未移除的記錄數
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Close 關閉 WAL
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wal.Close()
}
