package snapshot

// ============================================================================
// 職責說明：
// 1. 將完整的 live State（mailboxes + history）序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + fsync + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 配合 WAL 實現快速恢復：快照記錄 LastSeq，重放只需處理之後的事件
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

	"github.com/ChuLiYu/turnsmc/pkg/types"
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 快照管理器
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write 原子性寫入快照
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）並 fsync
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(data)
}

func (m *Manager) writeLocked(data types.SnapshotData) error {
	data.SchemaVer = SchemaVersion

	// 序列化為 JSON（帶縮排，方便人工閱讀與除錯）
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"

	// 1. 寫入臨時檔案
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if _, err := f.Write(jsonBytes); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	// 2. 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	return nil
}

// Load 載入快照
//
// 行為：
//   - 如果檔案不存在，回傳空 State（首次啟動）
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的快照檔案
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.SnapshotData

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			// 首次啟動，無快照
			return types.SnapshotData{SchemaVer: SchemaVersion}, nil
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return types.SnapshotData{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if data.SchemaVer != SchemaVersion {
		return types.SnapshotData{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}

	return data, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑（用於測試與除錯）
func (m *Manager) GetPath() string {
	return m.path
}

// WriteWithBackup 寫入快照並保留舊版本備份
//
// 舊快照改名為 <path>.<時間戳>，只保留最近 keepBackups 個（0 表示不保留）
func (m *Manager) WriteWithBackup(data types.SnapshotData, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if keepBackups > 0 && m.Exists() {
		backupPath := fmt.Sprintf("%s.%s", m.path, time.Now().Format("20060102_150405.000000000"))
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
	}

	if err := m.writeLocked(data); err != nil {
		return err
	}
	return m.pruneBackupsLocked(keepBackups)
}

// Backups 返回現有的備份檔，由舊到新
func (m *Manager) Backups() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".*")
	if err != nil {
		return nil, err
	}
	out := matches[:0]
	for _, p := range matches {
		if p != m.path+".tmp" {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manager) pruneBackupsLocked(keep int) error {
	backups, err := m.Backups()
	if err != nil {
		return err
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil {
			return fmt.Errorf("failed to prune snapshot backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}

// ============================================================================
// 快照策略
// ============================================================================

// ShouldSnapshot 回報累積 commits 次提交後是否該建立快照
// interval 為 0 表示停用週期快照
func ShouldSnapshot(commits, interval uint64) bool {
	return interval > 0 && commits > 0 && commits%interval == 0
}
