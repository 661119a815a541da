package wal

// ============================================================================
// WAL Error Definitions
// Purpose: Define all WAL-related error types
// ============================================================================

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrCorruptedWAL indicates WAL file is corrupted (cannot parse JSON)
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch indicates checksum mismatch (data corruption or tampering)
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrEmptyWAL indicates WAL file is empty
	ErrEmptyWAL = errors.New("wal: file is empty")

	// ErrWALClosed indicates WAL is closed, cannot perform operation
	ErrWALClosed = errors.New("wal: already closed")

	// ErrSequenceGap indicates seq is not strictly consecutive
	ErrSequenceGap = errors.New("wal: sequence gap")

	// ErrUnknownEventType indicates an event type other than COMMIT/REVERT
	ErrUnknownEventType = errors.New("wal: unknown event type")
)

// ChecksumError represents checksum error with detailed information
type ChecksumError struct {
	Seq      uint64 // Sequence number of failed event
	Expected uint32 // Expected checksum
	Actual   uint32 // Actual checksum
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrChecksumMismatch) match
func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// CorruptionError represents WAL corruption error
type CorruptionError struct {
	Seq    uint64 // Sequence number of the last good event before the failure
	Offset int64  // Byte offset in file (-1 if unknown)
	Cause  error  // Underlying error
}

func (e *CorruptionError) Error() string {
	if e.Offset < 0 {
		return fmt.Sprintf("wal: corrupted event after seq=%d: %v", e.Seq, e.Cause)
	}
	return fmt.Sprintf("wal: corrupted event after seq=%d at offset %d: %v", e.Seq, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrCorruptedWAL) match
func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptedWAL
}
