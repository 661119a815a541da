// Package sqlitejournal 以 SQLite 保存 COMMIT / REVERT 事件
//
// 與 JSON-lines WAL 使用相同的事件格式與 CRC32 校驗和，
// 可以互相替換作為引擎的 journal。
package sqlitejournal

// ============================================================================
// 職責說明：
// 1. 每次 Append 在一個 transaction 中寫入一列事件
// 2. Replay 依 seq 順序重放目前 segment 的事件並驗證校驗和
// 3. Rotate 將目前 segment 封存，之後的事件屬於新 segment
// 4. seq 跨 segment 持續遞增，重新開啟時從最大的 seq 繼續
// ============================================================================

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/turnsmc/internal/storage/wal"
)

var log = slog.Default()

// ErrJournalClosed journal 已關閉
var ErrJournalClosed = errors.New("sqlitejournal: already closed")

const schema = `
CREATE TABLE IF NOT EXISTS journal_events (
	seq        INTEGER PRIMARY KEY,
	segment    INTEGER NOT NULL,
	type       TEXT    NOT NULL,
	timestamp  INTEGER NOT NULL,
	payload    TEXT    NOT NULL,
	checksum   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_segment ON journal_events(segment, seq);

CREATE TABLE IF NOT EXISTS journal_meta (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

// Journal SQLite journal 實例
type Journal struct {
	mu      sync.Mutex
	db      *sql.DB
	path    string
	seq     uint64 // 最後分配的 seq
	segment int64  // 目前的 segment
	closed  bool
}

// Open 開啟（或建立）SQLite journal
func Open(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlitejournal: path is required")
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, path: path}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := j.load(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	return retryOp(defaultRetryConfig, func() error {
		_, err := j.db.Exec(schema)
		return err
	})
}

// load 讀取最大 seq 與目前的 segment
func (j *Journal) load() error {
	var maxSeq sql.NullInt64
	if err := j.db.QueryRow(`SELECT MAX(seq) FROM journal_events`).Scan(&maxSeq); err != nil {
		return fmt.Errorf("read last seq: %w", err)
	}
	if maxSeq.Valid {
		j.seq = uint64(maxSeq.Int64)
	}
	if seq, err := j.readMeta("last_seq"); err != nil {
		return err
	} else if uint64(seq) > j.seq {
		j.seq = uint64(seq)
	}
	segment, err := j.readMeta("segment")
	if err != nil {
		return err
	}
	j.segment = segment
	return nil
}

func (j *Journal) readMeta(key string) (int64, error) {
	var v int64
	err := j.db.QueryRow(`SELECT value FROM journal_meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read meta %s: %w", key, err)
	}
	return v, nil
}

func (j *Journal) writeMeta(key string, value int64) error {
	return retryOp(defaultRetryConfig, func() error {
		_, err := j.db.Exec(`INSERT INTO journal_meta (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		return err
	})
}

// Append 追加一個事件；每次寫入都是一個已提交的 transaction，isForceFlush 不影響行為
func (j *Journal) Append(eventType wal.EventType, entry wal.Entry, isForceFlush bool) error {
	if !eventType.Valid() {
		return fmt.Errorf("%w: %q", wal.ErrUnknownEventType, eventType)
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("sqlitejournal: encode entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	seq := j.seq + 1
	checksum := wal.CalculateChecksum(eventType, seq, payload)
	err = retryOp(defaultRetryConfig, func() error {
		_, err := j.db.Exec(`INSERT INTO journal_events (seq, segment, type, timestamp, payload, checksum)
VALUES (?, ?, ?, ?, ?, ?)`,
			int64(seq), j.segment, string(eventType), time.Now().UnixMilli(), string(payload), int64(checksum))
		return err
	})
	if err != nil {
		return fmt.Errorf("append event %d: %w", seq, err)
	}
	j.seq = seq
	return nil
}

// Replay 依 seq 順序重放目前 segment 的事件
func (j *Journal) Replay(handler wal.EventHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	events, err := j.readSegment(j.segment)
	if err != nil {
		return err
	}
	for i, event := range events {
		if !wal.VerifyChecksum(event) {
			return &wal.ChecksumError{
				Seq:      event.Seq,
				Expected: wal.CalculateChecksum(event.Type, event.Seq, event.Payload),
				Actual:   event.Checksum,
			}
		}
		if i > 0 && event.Seq != events[i-1].Seq+1 {
			return fmt.Errorf("%w: seq %d follows %d", wal.ErrSequenceGap, event.Seq, events[i-1].Seq)
		}
		if err := handler(event); err != nil {
			return err
		}
	}
	return nil
}

// readSegment 一次讀出整個 segment，handler 在 rows 關閉後才被呼叫
func (j *Journal) readSegment(segment int64) ([]wal.Event, error) {
	rows, err := j.db.Query(`SELECT seq, type, timestamp, payload, checksum
FROM journal_events WHERE segment = ? ORDER BY seq`, segment)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []wal.Event
	for rows.Next() {
		var (
			seq       int64
			eventType string
			ts        int64
			payload   string
			checksum  int64
		)
		if err := rows.Scan(&seq, &eventType, &ts, &payload, &checksum); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event := wal.Event{
			Seq:       uint64(seq),
			Type:      wal.EventType(eventType),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
			Checksum:  uint32(checksum),
		}
		if !event.Type.Valid() {
			return nil, &wal.CorruptionError{Seq: event.Seq, Offset: -1, Cause: fmt.Errorf("%w: %q", wal.ErrUnknownEventType, eventType)}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// Rotate 封存目前 segment；舊事件保留在資料庫中但不再重放
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	var n int
	if err := j.db.QueryRow(`SELECT COUNT(*) FROM journal_events WHERE segment = ?`, j.segment).Scan(&n); err != nil {
		return fmt.Errorf("count segment: %w", err)
	}
	if n == 0 {
		return nil
	}
	if err := j.writeMeta("segment", j.segment+1); err != nil {
		return fmt.Errorf("rotate: %w", err)
	}
	j.segment++
	log.Debug("Rotated SQLite journal", "path", j.path, "segment", j.segment, "archived", n)
	return nil
}

// Prune 刪除 before 之前（不含）已封存 segment 的事件，返回刪除列數
func (j *Journal) Prune(before int64) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrJournalClosed
	}
	if before > j.segment {
		before = j.segment
	}
	var deleted int64
	err := retryOp(defaultRetryConfig, func() error {
		res, err := j.db.Exec(`DELETE FROM journal_events WHERE segment < ?`, before)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	// 刪除後 MAX(seq) 可能變小，保存 seq 以免重新開啟時倒退
	if err := j.writeMeta("last_seq", int64(j.seq)); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// Segment 返回目前的 segment 編號
func (j *Journal) Segment() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.segment
}

// GetLastSeq 取得最後分配的 seq
func (j *Journal) GetLastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// AdvanceSeq 將 seq 提升到至少 seq
func (j *Journal) AdvanceSeq(seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if seq > j.seq {
		j.seq = seq
	}
}

// Path 返回資料庫檔案路徑
func (j *Journal) Path() string {
	return j.path
}

// Close 關閉資料庫連線，可重複呼叫
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.writeMeta("last_seq", int64(j.seq)); err != nil {
		log.Warn("Persist journal seq failed", "path", j.path, "error", err)
	}
	return j.db.Close()
}
