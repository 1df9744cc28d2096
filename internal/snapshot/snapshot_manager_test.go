package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(id string, order uint64) Record {
	return Record{
		StoreID: id,
		Order:   order,
		Call:    json.RawMessage(fmt.Sprintf(`{"task_id":%q,"operation":"repo.sync"}`, id)),
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	tempDir := t.TempDir()
	manager := NewManager(filepath.Join(tempDir, "queue.snapshot.json"))

	original := Data{
		LastSeq: 100,
		Records: []Record{record("a", 3), record("b", 7), record("c", 42)},
	}
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(100), loaded.LastSeq)
	assert.False(t, loaded.TakenAt.IsZero())
	require.Len(t, loaded.Records, 3)
	for i, r := range original.Records {
		assert.Equal(t, r.StoreID, loaded.Records[i].StoreID)
		assert.Equal(t, r.Order, loaded.Records[i].Order)
		assert.JSONEq(t, string(r.Call), string(loaded.Records[i].Call))
	}
}

// TestAtomicWrite 測試原子性寫入
func TestAtomicWrite(t *testing.T) {
	tempDir := t.TempDir()
	snapshotPath := filepath.Join(tempDir, "queue.snapshot.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, manager.Write(Data{LastSeq: 50, Records: []Record{record("old", 1)}}))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(Data{LastSeq: 100, Records: []Record{record("new", 2)}}))
	}()

	var loaded Data
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()

	wg.Wait()

	// 應該讀到完整的快照（舊的或新的），不會是半成品
	assert.True(t, loaded.LastSeq == 50 || loaded.LastSeq == 100,
		"Should load either old (50) or new (100) snapshot, got %d", loaded.LastSeq)

	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "Temp file should not exist after write")
}

// TestExists 測試檔案存在性檢查
func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "queue.snapshot.json"))

	assert.False(t, manager.Exists())
	require.NoError(t, manager.Write(Data{}))
	assert.True(t, manager.Exists())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestFirstBoot 測試首次啟動（無快照）
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(0), loaded.LastSeq)
	assert.NotNil(t, loaded.Records)
	assert.Empty(t, loaded.Records)
}

// TestVersionMismatch 測試版本不相容
func TestVersionMismatch(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "queue.snapshot.json")
	manager := NewManager(snapshotPath)

	jsonBytes, err := json.Marshal(Data{SchemaVer: 2})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshotPath, jsonBytes, 0644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorrupted 測試損壞的快照
func TestCorrupted(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "queue.snapshot.json")
	manager := NewManager(snapshotPath)

	// 寫入無效的 JSON（半截斷）
	corruptedJSON := `{"schema_ver": 1, "records": [{"store_id": "a", "call": {"task_id"`
	require.NoError(t, os.WriteFile(snapshotPath, []byte(corruptedJSON), 0644))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestWriteFailure 測試寫入失敗（唯讀目錄）
func TestWriteFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	readOnlyDir := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(readOnlyDir, 0444))
	defer os.Chmod(readOnlyDir, 0755)

	manager := NewManager(filepath.Join(readOnlyDir, "queue.snapshot.json"))
	assert.Error(t, manager.Write(Data{}))
}

// ============================================================================
// 效能與並發測試
// ============================================================================

// TestLargeSnapshot 測試大量記錄
func TestLargeSnapshot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "queue.snapshot.json"))

	data := Data{LastSeq: 10000}
	for i := 0; i < 10000; i++ {
		data.Records = append(data.Records, record(fmt.Sprintf("rec-%05d", i), uint64(i+1)))
	}

	start := time.Now()
	require.NoError(t, manager.Write(data))
	writeTime := time.Since(start)

	start = time.Now()
	loaded, err := manager.Load()
	require.NoError(t, err)
	loadTime := time.Since(start)

	assert.Len(t, loaded.Records, 10000)
	t.Logf("Write: %v, Load: %v", writeTime, loadTime)
}

// TestConcurrentWrites 測試並發寫入
func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "queue.snapshot.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			assert.NoError(t, manager.Write(Data{LastSeq: seq}))
		}(uint64(i))
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Less(t, loaded.LastSeq, uint64(10))
}

// BenchmarkWrite 寫入效能
func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "queue.snapshot.json"))
	data := Data{LastSeq: 1000}
	for i := 0; i < 1000; i++ {
		data.Records = append(data.Records, record(fmt.Sprintf("rec-%d", i), uint64(i)))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = manager.Write(data)
	}
}
