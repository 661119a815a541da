package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加 COMMIT / REVERT 事件到日誌檔案（append-only，JSON lines）
// 2. 提供重放功能以恢復 live state
// 3. 支援日誌旋轉（快照後換新檔，seq 持續遞增）
// 4. 確保寫入持久性與資料完整性（CRC32 + 殘缺尾行截斷）
// ============================================================================

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"
)

var log = slog.Default()

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         *os.File      // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool

	buffer        []Event // 批次寫入事件緩衝區
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration

	compressRotated bool // Rotate 後是否以 gzip 壓縮備份
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，掃描並驗證所有事件，從最後一個事件的 seq 繼續
- 最後一行若因崩潰而殘缺（沒有換行或無法解析），截斷該行
- 中間出現損壞或校驗錯誤則回傳錯誤，不在損壞的檔案上繼續追加
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋

參數：

	path         - WAL 檔案路徑
	syncOnAppend - true 時每次 Append 都立即寫入並 fsync

回傳：

	*WAL 實例，錯誤（如果有）
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	seq, err := recoverTail(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("open WAL %s: %w", path, err)
	}

	return &WAL{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,

		buffer:        make([]Event, 0, 1000), // 預設容量 1000
		bufferSize:    1000,
		lastFlushTime: time.Now(),
		flushInterval: 1 * time.Second,
	}, nil
}

// recoverTail 掃描已開啟的檔案，截斷殘缺的尾行並回傳最後的 seq
func recoverTail(file *os.File) (uint64, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	res, err := scanEvents(file, nil)
	if err != nil {
		return 0, err
	}
	if res.torn {
		log.Warn("Truncating torn WAL tail", "path", file.Name(), "offset", res.goodOffset, "last_seq", res.lastSeq)
		if err := file.Truncate(res.goodOffset); err != nil {
			return 0, fmt.Errorf("truncate torn tail: %w", err)
		}
	}
	return res.lastSeq, nil
}

// SetBufferSize 設定批次緩衝大小（最小 1）
func (w *WAL) SetBufferSize(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n < 1 {
		n = 1
	}
	w.bufferSize = n
}

// SetFlushInterval 設定緩衝事件的最長停留時間
func (w *WAL) SetFlushInterval(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushInterval = d
}

// SetCompressRotated 設定 Rotate 後是否壓縮備份檔
func (w *WAL) SetCompressRotated(on bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.compressRotated = on
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum
// - syncOnAppend、isForceFlush、緩衝已滿或超過 flushInterval 時寫入並同步
//
// 參數：
//
//	eventType    - 事件類型（COMMIT, REVERT）
//	entry        - 事件內容
//	isForceFlush - 是否立即寫入
func (w *WAL) Append(eventType EventType, entry Entry, isForceFlush bool) error {
	if !eventType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("wal: encode entry: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
	event.Checksum = CalculateChecksum(eventType, w.seq, payload)

	// 批次寫入：先加入 buffer，滿了或超時才 flush
	w.buffer = append(w.buffer, event)

	needFlush := w.syncOnAppend || isForceFlush ||
		len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval
	if needFlush {
		return w.flushLocked()
	}
	return nil
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 先寫出緩衝中的事件
// - 從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum 與 seq 連續性
// - 呼叫 handler 應用事件
// - 遇到錯誤立即停止
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}

	file, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = scanEvents(file, handler)
	return err
}

// Rotate 旋轉日誌檔案
//
// 目前的檔案改名為 <path>.<時間>.<seq> 備份，之後寫入新的空檔案。
// seq 不歸零，快照中的 LastSeq 與之後的事件保持可比較。
// 檔案為空時不產生備份。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}

	stat, err := w.file.Stat()
	if err != nil {
		return err
	}
	if stat.Size() == 0 {
		return nil
	}

	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405") + "." + strconv.FormatUint(w.seq, 10)
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		w.closed = true
		return err
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()

	if w.compressRotated {
		if err := compressWALFile(backupPath, backupPath+".gz"); err != nil {
			log.Warn("Compress rotated WAL failed", "path", backupPath, "error", err)
			return nil
		}
		if err := os.Remove(backupPath); err != nil {
			log.Warn("Remove uncompressed WAL backup failed", "path", backupPath, "error", err)
		}
	}
	return nil
}

// Close 關閉 WAL，關閉後的實例不可再使用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// AdvanceSeq 將 seq 提升到至少 seq
//
// 旋轉後的新檔案是空的，重新開啟時 seq 只能從快照的 LastSeq 得知
func (w *WAL) AdvanceSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// Path 返回 WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
// 將緩衝的事件批次寫入並同步到磁碟
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for i, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			w.buffer = w.buffer[i:]
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return w.file.Sync()
}

// compressWALFile 以 gzip 壓縮 WAL 檔案
// 只在旋轉時進行，避免每次寫入都壓縮
func compressWALFile(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	gzipWriter := gzip.NewWriter(dstFile)
	if _, err := io.Copy(gzipWriter, srcFile); err != nil {
		return err
	}
	if err := gzipWriter.Close(); err != nil {
		return err
	}
	return dstFile.Sync()
}
