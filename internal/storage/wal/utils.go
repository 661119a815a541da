package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能（掃描、統計、驗證、輸出）
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ============================================================================
// 掃描
// ============================================================================

// scanResult 掃描結果
type scanResult struct {
	count      int    // 有效事件數
	firstSeq   uint64 // 第一個事件的 seq
	lastSeq    uint64 // 最後一個事件的 seq
	last       *Event // 最後一個有效事件
	goodOffset int64  // 最後一個有效事件結束處的位元組偏移
	torn       bool   // 最後一行殘缺
}

// scanEvents 逐行讀取事件，驗證格式、校驗和與 seq 連續性
//
// 最後一行若沒有換行結尾，視為崩潰時寫到一半的殘缺行：
// 不回報錯誤，設定 torn 並停止。其餘解析失敗一律回傳 CorruptionError。
func scanEvents(r io.Reader, handler EventHandler) (scanResult, error) {
	var res scanResult
	br := bufio.NewReader(r)
	var offset int64

	for {
		line, readErr := br.ReadBytes('\n')
		if len(line) > 0 {
			complete := line[len(line)-1] == '\n'
			if !complete {
				if len(bytes.TrimSpace(line)) > 0 {
					res.torn = true
				}
				return res, nil
			}

			trimmed := bytes.TrimSpace(line)
			if len(trimmed) == 0 {
				offset += int64(len(line))
				res.goodOffset = offset
				continue
			}

			var event Event
			if err := json.Unmarshal(trimmed, &event); err != nil {
				return res, &CorruptionError{Seq: res.lastSeq, Offset: offset, Cause: err}
			}
			if !event.Type.Valid() {
				return res, &CorruptionError{Seq: res.lastSeq, Offset: offset, Cause: fmt.Errorf("%w: %q", ErrUnknownEventType, event.Type)}
			}
			if err := checkEvent(event); err != nil {
				return res, err
			}
			if res.count > 0 && event.Seq != res.lastSeq+1 {
				return res, fmt.Errorf("%w: seq %d follows %d", ErrSequenceGap, event.Seq, res.lastSeq)
			}

			if res.count == 0 {
				res.firstSeq = event.Seq
			}
			res.count++
			res.lastSeq = event.Seq
			ev := event
			res.last = &ev
			offset += int64(len(line))
			res.goodOffset = offset

			if handler != nil {
				if err := handler(event); err != nil {
					return res, err
				}
			}
		}

		if readErr == io.EOF {
			return res, nil
		}
		if readErr != nil {
			return res, readErr
		}
	}
}

func scanFile(path string, handler EventHandler) (scanResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return scanResult{}, err
	}
	defer file.Close()
	return scanEvents(file, handler)
}

// ============================================================================
// 檔案操作輔助
// ============================================================================

// GetLastEvent 從 WAL 檔案讀取最後一個有效事件
//
// 回傳：
//
//	最後一個事件，錯誤（如果檔案為空則回傳 ErrEmptyWAL）
func GetLastEvent(path string) (*Event, error) {
	res, err := scanFile(path, nil)
	if err != nil {
		return nil, err
	}
	if res.last == nil {
		return nil, ErrEmptyWAL
	}
	return res.last, nil
}

// CountEvents 計算 WAL 中的有效事件總數
func CountEvents(path string) (int, error) {
	res, err := scanFile(path, nil)
	return res.count, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 連續且無重複
// - payload 可解碼
// - 檔尾沒有殘缺行
func ValidateWAL(path string) error {
	res, err := scanFile(path, func(event Event) error {
		_, err := event.Entry()
		return err
	})
	if err != nil {
		return err
	}
	if res.torn {
		return &CorruptionError{Seq: res.lastSeq, Offset: res.goodOffset, Cause: io.ErrUnexpectedEOF}
	}
	return nil
}

// ListBackups 返回 Rotate 產生的備份檔（含 .gz），依名稱排序
func ListBackups(path string) ([]string, error) {
	matches, err := filepath.Glob(path + ".*")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// ============================================================================
// 除錯與診斷工具
// ============================================================================

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
// 格式：
//
//	[Seq:1] COMMIT turn_0123456789abcdef actor=0 message -> [1:message] at 2024-01-01T00:00:00Z (checksum:0x12345678)
func DumpWAL(path string, w io.Writer) error {
	_, err := scanFile(path, func(event Event) error {
		entry, err := event.Entry()
		if err != nil {
			return err
		}
		produced := make([]string, len(entry.Record.Produced))
		for i, out := range entry.Record.Produced {
			produced[i] = fmt.Sprintf("%d:%s", out.Actor, out.Event)
		}
		sample := ""
		if entry.Record.Sample != nil {
			sample = fmt.Sprintf(" log_prob=%g", entry.Record.Sample.LogProb)
		}
		_, err = fmt.Fprintf(w, "[Seq:%d] %s %s actor=%d %s -> %v%s at %s (checksum:0x%08x)\n",
			event.Seq, event.Type, entry.TurnID, entry.Record.Actor, entry.Record.Processed,
			produced, sample, time.UnixMilli(event.Timestamp).UTC().Format(time.RFC3339), event.Checksum)
		return err
	})
	return err
}

// ============================================================================
// 統計與分析
// ============================================================================

// WALStats WAL 統計資訊
type WALStats struct {
	TotalEvents int               // 總事件數
	EventTypes  map[EventType]int // 各類型事件計數
	FirstSeq    uint64            // 第一個事件的 seq
	LastSeq     uint64            // 最後一個事件的 seq
	TimeRange   [2]int64          // 時間範圍 [最早, 最晚]
	TornTail    bool              // 檔尾是否有殘缺行
}

// GetWALStats 取得 WAL 的統計資訊；檔案不存在時回傳空統計
func GetWALStats(path string) (*WALStats, error) {
	stats := &WALStats{EventTypes: make(map[EventType]int)}
	res, err := scanFile(path, func(event Event) error {
		stats.EventTypes[event.Type]++
		if stats.TimeRange[0] == 0 || event.Timestamp < stats.TimeRange[0] {
			stats.TimeRange[0] = event.Timestamp
		}
		if event.Timestamp > stats.TimeRange[1] {
			stats.TimeRange[1] = event.Timestamp
		}
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return stats, nil
	}
	if err != nil {
		return nil, err
	}
	stats.TotalEvents = res.count
	stats.FirstSeq = res.firstSeq
	stats.LastSeq = res.lastSeq
	stats.TornTail = res.torn
	return stats, nil
}
