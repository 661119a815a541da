package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/turnsmc/pkg/types"
)

// sampleState 建立一個帶有 history 的測試狀態
func sampleState(turns int) types.State {
	s := types.NewState(types.NewMailboxes(map[types.ActorID][]types.EventKind{
		0: {types.EventMessage, types.EventSync},
		3: {types.EventAssert},
	}))
	for i := 0; i < turns; i++ {
		r := types.TurnRecord{
			Actor:     types.ActorID(i % 4),
			Processed: types.EventMessage,
			Produced:  []types.OutgoingEvent{{Actor: types.ActorID(i + 1), Event: types.EventRetract}},
		}
		if i%2 == 0 {
			r.Sample = &types.SampleMemory{Value: float64(i), LogProb: -0.25 * float64(i)}
		}
		s.History = s.History.Push(r)
	}
	return s
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
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	original := types.SnapshotData{State: sampleState(5), LastSeq: 100}

	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, original.LastSeq, loaded.LastSeq)
	assert.True(t, original.State.Equal(loaded.State))
	// TurnID 由內容重新計算，必須與原始鏈一致
	assert.Equal(t, original.State.HeadID(), loaded.State.HeadID())
	assert.Equal(t, 5, loaded.State.History.Len())
}

// TestAtomicWrite 測試寫入後不留下臨時檔案，且覆寫不破壞舊內容格式
func TestAtomicWrite(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, manager.Write(types.SnapshotData{State: sampleState(1), LastSeq: 1}))
	require.NoError(t, manager.Write(types.SnapshotData{State: sampleState(3), LastSeq: 3}))

	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")

	raw, err := os.ReadFile(snapshotPath)
	require.NoError(t, err)
	assert.True(t, json.Valid(raw))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), loaded.LastSeq)
	assert.Equal(t, 3, loaded.State.History.Len())
}

// TestExists 測試檔案存在檢查
func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "test_snapshot.json"))
	assert.False(t, manager.Exists())

	require.NoError(t, manager.Write(types.SnapshotData{}))
	assert.True(t, manager.Exists())
}

// TestFirstBoot 測試首次啟動（無快照檔）
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	data, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, data.SchemaVer)
	assert.Equal(t, uint64(0), data.LastSeq)
	assert.Equal(t, 0, data.State.History.Len())
	assert.Equal(t, 0, data.State.Mailboxes.Pending())
	assert.Equal(t, types.GenesisID, data.State.HeadID())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestVersionMismatch 測試不相容的版本
func TestVersionMismatch(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	require.NoError(t, os.WriteFile(snapshotPath,
		[]byte(`{"state":{"mailboxes":{},"history":[]},"schema_ver":99,"last_seq":1}`), 0644))

	_, err := NewManager(snapshotPath).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorrupted 測試損壞的快照
func TestCorrupted(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	require.NoError(t, os.WriteFile(snapshotPath, []byte("{not json"), 0644))

	_, err := NewManager(snapshotPath).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestUnknownEventKind 測試 mailbox 中出現未知事件種類
func TestUnknownEventKind(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	require.NoError(t, os.WriteFile(snapshotPath,
		[]byte(`{"state":{"mailboxes":{"1":["enqueue"]},"history":[]},"schema_ver":1,"last_seq":0}`), 0644))

	_, err := NewManager(snapshotPath).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestWriteFailure 測試寫入不存在的目錄
func TestWriteFailure(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "no", "such", "dir", "snap.json"))
	err := manager.Write(types.SnapshotData{State: sampleState(1)})
	assert.Error(t, err)
	assert.False(t, manager.Exists())
}

// ============================================================================
// 備份與策略測試
// ============================================================================

// TestWriteWithBackup 測試寫入時保留舊版本，並只保留最近 N 份
func TestWriteWithBackup(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	for i := 1; i <= 4; i++ {
		require.NoError(t, manager.WriteWithBackup(types.SnapshotData{State: sampleState(i), LastSeq: uint64(i)}, 2))
	}

	backups, err := manager.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), loaded.LastSeq)

	// 最新的備份是第 3 次寫入的內容
	old, err := NewManager(backups[len(backups)-1]).Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), old.LastSeq)

	// keep=0 時清掉全部備份
	require.NoError(t, manager.WriteWithBackup(types.SnapshotData{LastSeq: 5}, 0))
	backups, err = manager.Backups()
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestShouldSnapshot(t *testing.T) {
	assert.False(t, ShouldSnapshot(0, 10))
	assert.False(t, ShouldSnapshot(9, 10))
	assert.True(t, ShouldSnapshot(10, 10))
	assert.True(t, ShouldSnapshot(20, 10))
	assert.False(t, ShouldSnapshot(10, 0), "interval 0 disables snapshots")
	assert.True(t, ShouldSnapshot(1, 1))
}

// ============================================================================
// 大量資料與並發測試
// ============================================================================

// TestLargeSnapshot 測試長 history 的快照
func TestLargeSnapshot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "large.json"))
	original := types.SnapshotData{State: sampleState(2000), LastSeq: 2000}

	require.NoError(t, manager.Write(original))
	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, 2000, loaded.State.History.Len())
	assert.Equal(t, original.State.HeadID(), loaded.State.HeadID())
}

// TestConcurrentWrites 測試並發寫入後檔案仍然完整
func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "concurrent.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, manager.Write(types.SnapshotData{State: sampleState(i), LastSeq: uint64(i)}))
		}(i)
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, int(loaded.LastSeq), loaded.State.History.Len())
}

// TestConcurrentReads 測試並發讀取
func TestConcurrentReads(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "reads.json"))
	original := types.SnapshotData{State: sampleState(20), LastSeq: 20}
	require.NoError(t, manager.Write(original))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loaded, err := manager.Load()
			assert.NoError(t, err)
			assert.Equal(t, original.State.HeadID(), loaded.State.HeadID())
		}()
	}
	wg.Wait()
}

// ============================================================================
// 效能測試
// ============================================================================

func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "bench.json"))
	data := types.SnapshotData{State: sampleState(500), LastSeq: 500}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := manager.Write(data); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkLoad(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "bench.json"))
	if err := manager.Write(types.SnapshotData{State: sampleState(500), LastSeq: 500}); err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := manager.Load(); err != nil {
			b.Fatal(err)
		}
	}
}
