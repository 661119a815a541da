package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 演算法：
// - 依序串接 Type、Seq（十進位）與編碼後的 payload
// - 使用 CRC32-IEEE 多項式計算
// - 不包含 Timestamp
//
// payload 以原始位元組參與計算，解碼後不需重新編碼即可驗證
func CalculateChecksum(eventType EventType, seq uint64, payload []byte) uint32 {
	h := crc32.NewIEEE()
	_, _ = h.Write([]byte(eventType))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write(strconv.AppendUint(nil, seq, 10))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write(payload)
	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event.Type, event.Seq, event.Payload)
}

// checkEvent 返回帶有細節的 ChecksumError，校驗正確時返回 nil
func checkEvent(event Event) error {
	expected := CalculateChecksum(event.Type, event.Seq, event.Payload)
	if event.Checksum != expected {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
