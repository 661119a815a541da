package wal

import (
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/turnsmc/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventCommit EventType = "COMMIT" // A turn was committed to the live state
	EventRevert EventType = "REVERT" // The most recent turn was undone
)

// Valid reports whether t is a known event type
func (t EventType) Valid() bool {
	return t == EventCommit || t == EventRevert
}

// Entry is the payload of a WAL event
//
// For COMMIT, TurnID is the head id after the turn is applied.
// For REVERT, TurnID is the head id that was undone.
type Entry struct {
	TurnID types.TurnID      `json:"turn_id"`
	Record types.TurnRecord  `json:"record"`
	Rest   []types.EventKind `json:"rest,omitempty"` // Residual queue of the acting actor
}

// Event represents a WAL event record
type Event struct {
	Seq       uint64          `json:"seq"`       // Event sequence number (monotonically increasing)
	Type      EventType       `json:"type"`      // Event type
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Payload   json.RawMessage `json:"payload"`   // Encoded Entry, covered by Checksum
	Checksum  uint32          `json:"checksum"`  // CRC32 checksum
}

// Entry decodes the event payload
func (e Event) Entry() (Entry, error) {
	var entry Entry
	if err := json.Unmarshal(e.Payload, &entry); err != nil {
		return Entry{}, &CorruptionError{Seq: e.Seq, Offset: -1, Cause: fmt.Errorf("decode payload: %w", err)}
	}
	return entry, nil
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
